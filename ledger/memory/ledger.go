// Package memory is an in-process reference ledger. It commits atomic groups
// all-or-nothing, runs registered application programs and guards escrow
// accounts so that only their application can authorize a debit. It backs the
// devnet binary and the end-to-end tests of the settlement services.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/ledger"
	"batchmint/observability"
	"batchmint/storage"
	"batchmint/txgroup"
)

const (
	DefaultGenesisID = "batchmint-devnet-v1"
	DefaultMinFee    = 1000
)

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the source of block timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithDatabase persists a snapshot after every commit and restores it on start.
func WithDatabase(db storage.Database) Option {
	return func(l *Ledger) { l.db = db }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithGenesisID sets the network identifier transactions must carry.
func WithGenesisID(id string) Option {
	return func(l *Ledger) {
		if id != "" {
			l.genesisID = id
		}
	}
}

// WithMinFee sets the per-transaction fee floor.
func WithMinFee(fee uint64) Option {
	return func(l *Ledger) { l.minFee = fee }
}

// Ledger is the reference ledger. A single mutex serializes commits.
type Ledger struct {
	mu        sync.Mutex
	genesisID string
	minFee    uint64
	clock     func() time.Time
	db        storage.Database
	logger    *slog.Logger
	programs  map[string]ledger.Program
	st        *state
	restored  bool
}

var _ ledger.Client = (*Ledger)(nil)

// New builds a ledger, restoring a persisted snapshot when a database holds one.
func New(opts ...Option) (*Ledger, error) {
	l := &Ledger{
		genesisID: DefaultGenesisID,
		minFee:    DefaultMinFee,
		clock:     time.Now,
		logger:    slog.Default(),
		programs:  make(map[string]ledger.Program),
		st:        newState(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.db != nil {
		restored, err := loadSnapshot(l.db)
		if err != nil {
			return nil, err
		}
		if restored != nil {
			l.st = restored
			l.restored = true
			l.logger.Info("restored ledger snapshot", "round", restored.Round, "accounts", len(restored.Accounts))
		}
	}
	if l.st.Timestamp == 0 {
		l.st.Timestamp = l.clock().Unix()
	}
	return l, nil
}

// Restored reports whether New loaded a persisted snapshot, in which case
// genesis must not be applied again.
func (l *Ledger) Restored() bool { return l.restored }

// RegisterProgram makes an application kind executable. Applications are
// persisted by kind, so programs must be registered before use after restart.
func (l *Ledger) RegisterProgram(kind string, program ledger.Program) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programs[kind] = program
}

// Fund credits amount to addr outside of any transaction. Genesis only.
func (l *Ledger) Fund(addr types.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.st.account(addr)
	if acct.Balance+amount < acct.Balance {
		return bmerrors.Validation("amount", "balance overflow")
	}
	acct.Balance += amount
	return l.persist()
}

// DeployApplication creates an application of kind with its initial global
// state and returns the new application id.
func (l *Ledger) DeployApplication(creator types.Address, kind string, global types.KeyValues) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.programs[kind]; !ok {
		return 0, bmerrors.Validation("kind", "no program registered for %q", kind)
	}
	id := l.st.allocateID()
	if global == nil {
		global = types.KeyValues{}
	}
	l.st.Apps[id] = &application{ID: id, Creator: creator, Kind: kind, Global: global.Clone()}
	l.logger.Info("application deployed", "app_id", id, "kind", kind, "creator", creator.String())
	return id, l.persist()
}

// Guard restricts debits from addr to groups that call appID.
func (l *Ledger) Guard(addr types.Address, appID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.st.Apps[appID]; !ok {
		return bmerrors.NotFound("application %d", appID)
	}
	l.st.Guards[addr] = appID
	return l.persist()
}

// AdvanceRounds moves the chain forward without committing transactions.
func (l *Ledger) AdvanceRounds(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.Round += n
	l.st.Timestamp = l.clock().Unix()
}

// Run produces an empty round every interval until ctx is cancelled.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.AdvanceRounds(1)
		}
	}
}

// SuggestedParams returns the current round and fee floor.
func (l *Ledger) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return types.SuggestedParams{
		GenesisID: l.genesisID,
		LastRound: l.st.Round,
		MinFee:    l.minFee,
		Timestamp: l.now(),
	}, nil
}

// now is the timestamp the next commit will carry. Block timestamps never go
// backwards.
func (l *Ledger) now() int64 {
	ts := l.clock().Unix()
	if ts < l.st.Timestamp {
		return l.st.Timestamp
	}
	return ts
}

// Submit validates and commits group atomically in a fresh round.
func (l *Ledger) Submit(ctx context.Context, group []types.SignedTxn) (types.Hash, error) {
	if err := ctx.Err(); err != nil {
		return types.Hash{}, bmerrors.Network("submit", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	conf, err := l.commit(group)
	observability.Ledger().RecordCommit(len(group), err, time.Since(start))
	if err != nil {
		l.logger.Warn("group rejected", "legs", len(group), "error", err)
		return types.Hash{}, err
	}
	l.logger.Debug("group committed", "round", conf.Round, "group", conf.GroupID.String(), "legs", len(group))
	return conf.TxID, nil
}

// WaitForConfirmation returns immediately: commits are synchronous.
func (l *Ledger) WaitForConfirmation(ctx context.Context, txID types.Hash, rounds uint64) (*types.Confirmation, error) {
	conf, ok := l.Pending(txID)
	if !ok {
		return nil, bmerrors.Rejected("transaction %s not confirmed", txID)
	}
	return conf, nil
}

// Pending looks up the confirmation of txID.
func (l *Ledger) Pending(txID types.Hash) (*types.Confirmation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	conf, ok := l.st.Committed[txID]
	if !ok {
		return nil, false
	}
	copied := *conf
	copied.TxID = txID
	return &copied, true
}

// AccountInfo returns the account view; unknown accounts read as empty.
func (l *Ledger) AccountInfo(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.accountInfo(addr), nil
}

// ApplicationInfo returns the global state of appID.
func (l *Ledger) ApplicationInfo(ctx context.Context, appID uint64) (*types.ApplicationInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	app, ok := l.st.Apps[appID]
	if !ok {
		return nil, bmerrors.NotFound("application %d", appID)
	}
	return &types.ApplicationInfo{ID: app.ID, Creator: app.Creator, GlobalState: app.Global.Clone()}, nil
}

// AssetInfo returns the parameters of assetID.
func (l *Ledger) AssetInfo(ctx context.Context, assetID uint64) (*types.AssetInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.st.Assets[assetID]
	if !ok {
		return nil, bmerrors.NotFound("asset %d", assetID)
	}
	return &types.AssetInfo{ID: a.ID, Creator: a.Creator, Params: a.Params}, nil
}

func (l *Ledger) commit(group []types.SignedTxn) (*types.Confirmation, error) {
	if len(group) == 0 {
		return nil, bmerrors.Validation("group", "empty group")
	}
	txns := txgroup.Transactions(group)
	groupID, err := txgroup.Verify(txns)
	if err != nil {
		return nil, &bmerrors.RejectedByLedgerError{Reason: "group id mismatch", Err: err}
	}
	round := l.st.Round + 1
	var fees uint64
	for i, stx := range group {
		tx := stx.Txn
		if !tx.Type.Valid() {
			return nil, bmerrors.Rejected("leg %d: unknown transaction type %d", i, tx.Type)
		}
		if tx.GenesisID != l.genesisID {
			return nil, bmerrors.Rejected("leg %d: genesis %q does not match %q", i, tx.GenesisID, l.genesisID)
		}
		if round < tx.FirstValid || round > tx.LastValid {
			return nil, bmerrors.Rejected("leg %d: round %d outside validity window [%d, %d]", i, round, tx.FirstValid, tx.LastValid)
		}
		if err := stx.Verify(); err != nil {
			return nil, &bmerrors.RejectedByLedgerError{Reason: fmt.Sprintf("leg %d: bad signature", i), Err: err}
		}
		if _, dup := l.st.Committed[tx.ID()]; dup {
			return nil, bmerrors.Rejected("leg %d: transaction %s already committed", i, tx.ID())
		}
		fees += tx.Fee
	}
	if required := l.minFee * uint64(len(group)); fees < required {
		return nil, bmerrors.Rejected("pooled fees %d below required %d for %d legs", fees, required, len(group))
	}

	next := l.st.clone()
	next.Round = round
	next.Timestamp = l.now()
	conf := &types.Confirmation{GroupID: groupID, Round: round, Timestamp: next.Timestamp}
	for i := range txns {
		if err := l.apply(next, txns, i, conf); err != nil {
			return nil, err
		}
	}
	for _, tx := range txns {
		legConf := *conf
		legConf.TxID = tx.ID()
		next.Committed[legConf.TxID] = &legConf
	}
	conf.TxID = txns[0].ID()
	l.st = next
	if err := l.persist(); err != nil {
		l.logger.Error("persist ledger snapshot", "round", round, "error", err)
	}
	return conf, nil
}

func (l *Ledger) persist() error {
	if l.db == nil {
		return nil
	}
	return saveSnapshot(l.db, l.st)
}
