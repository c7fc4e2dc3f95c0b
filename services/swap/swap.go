// Package swap coordinates two-party atomic exchanges. A swap is proposed
// off-ledger, built into one two-leg group that both parties sign, and
// submitted once; the ledger applies both legs or neither.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	bmerrors "batchmint/core/errors"
	"batchmint/core/events"
	"batchmint/core/types"
	"batchmint/ledger"
	"batchmint/observability"
	bmotel "batchmint/observability/otel"
	"batchmint/storage/index"
	"batchmint/txbuilder"
	"batchmint/txgroup"
)

// Status of a swap record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// DefaultTTL applies when Propose is given no ttl.
const DefaultTTL = 15 * time.Minute

// Leg is one side of a swap. AssetID zero moves native currency.
type Leg struct {
	AssetID uint64        `json:"assetId"`
	Amount  uint64        `json:"amount"`
	From    types.Address `json:"from"`
	To      types.Address `json:"to"`
}

func (l Leg) intent() txbuilder.Intent {
	if l.AssetID == 0 {
		return txbuilder.Payment{From: l.From, To: l.To, Amount: l.Amount}
	}
	return txbuilder.AssetTransfer{From: l.From, To: l.To, AssetID: l.AssetID, Amount: l.Amount}
}

// Swap is the coordination record.
type Swap struct {
	ID      uuid.UUID           `json:"swapId"`
	A       Leg                 `json:"legA"`
	B       Leg                 `json:"legB"`
	Status  Status              `json:"status"`
	Expiry  time.Time           `json:"expiry"`
	GroupID types.Hash          `json:"groupId"`
	Group   []types.Transaction `json:"group,omitempty"`
	Round   uint64              `json:"round,omitempty"`
}

// Expired reports whether the swap can no longer execute at now.
func (s *Swap) Expired(now time.Time) bool {
	return !now.Before(s.Expiry)
}

// Unsigned returns the built group ready for signing.
func (s *Swap) Unsigned() []types.SignedTxn {
	return types.Unsigned(s.Group)
}

// Orchestrator runs the swap protocol against a ledger and the side index.
type Orchestrator struct {
	client        ledger.Client
	builder       *txbuilder.Builder
	store         *index.Store
	emitter       events.Emitter
	logger        *slog.Logger
	clock         func() time.Time
	confirmRounds uint64
	tracer        trace.Tracer
	metrics       *observability.SwapMetrics
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithEmitter receives domain events.
func WithEmitter(emitter events.Emitter) Option {
	return func(o *Orchestrator) {
		if emitter != nil {
			o.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source used for expiry.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithBuilder overrides the transaction builder.
func WithBuilder(b *txbuilder.Builder) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.builder = b
		}
	}
}

// New returns an orchestrator persisting records in store.
func New(client ledger.Client, store *index.Store, opts ...Option) (*Orchestrator, error) {
	if client == nil {
		return nil, bmerrors.Validation("client", "ledger client required")
	}
	if store == nil {
		return nil, bmerrors.Validation("store", "swap index required")
	}
	o := &Orchestrator{
		client:        client,
		builder:       txbuilder.New(client),
		store:         store,
		emitter:       events.NoopEmitter{},
		logger:        slog.Default(),
		clock:         time.Now,
		confirmRounds: ledger.DefaultConfirmRounds,
		tracer:        bmotel.Tracer("swap"),
		metrics:       observability.Swaps(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.emitter = events.Multi{o.emitter, observability.EventCounter{}}
	o.logger = o.logger.With("component", "swap")
	return o, nil
}

// Propose records a swap of a for b. The legs must cross: a's sender is b's
// receiver and the other way round.
func (o *Orchestrator) Propose(ctx context.Context, a, b Leg, ttl time.Duration) (*Swap, error) {
	switch {
	case a.From.IsZero() || a.To.IsZero() || b.From.IsZero() || b.To.IsZero():
		return nil, bmerrors.Validation("legs", "every leg needs a sender and a receiver")
	case a.From == a.To:
		return nil, bmerrors.Validation("legs", "a party cannot swap with itself")
	case a.From != b.To || a.To != b.From:
		return nil, bmerrors.Validation("legs", "legs must cross: leg A %s->%s, leg B %s->%s", a.From, a.To, b.From, b.To)
	case a.Amount == 0 || b.Amount == 0:
		return nil, bmerrors.Validation("amount", "both legs need a positive amount")
	case ttl < 0:
		return nil, bmerrors.Validation("ttl", "must not be negative")
	}
	if ttl == 0 {
		ttl = DefaultTTL
	}
	s := &Swap{
		ID:     uuid.New(),
		A:      a,
		B:      b,
		Status: StatusPending,
		Expiry: o.clock().Add(ttl).UTC().Truncate(time.Second),
	}
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}
	o.metrics.RecordTransition(string(StatusPending))
	o.emitter.Emit(events.SwapProposed{SwapID: s.ID.String(), PartyA: a.From, PartyB: b.From, Expiry: s.Expiry.Unix()})
	o.logger.Info("swap proposed", "swap_id", s.ID.String(), "party_a", a.From.String(), "party_b", b.From.String(), "expiry", s.Expiry)
	return s, nil
}

// Get loads a swap record.
func (o *Orchestrator) Get(ctx context.Context, id uuid.UUID) (*Swap, error) {
	rec, err := o.store.GetSwap(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// Build returns the swap with its two-leg group. A group built earlier is
// reused while it is still inside its validity window, so both parties sign
// the same bytes.
func (o *Orchestrator) Build(ctx context.Context, id uuid.UUID) (s *Swap, err error) {
	ctx, done := o.observe(ctx, "build", id)
	defer func() { done(err) }()

	s, err = o.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(s.Group) > 0 {
		params, err := o.client.SuggestedParams(ctx)
		if err != nil {
			return nil, err
		}
		if params.LastRound < s.Group[0].LastValid {
			return s, nil
		}
		o.logger.Info("swap group outside validity window, rebuilding", "swap_id", id.String(), "last_valid", s.Group[0].LastValid)
	}
	txns, groupID, err := o.builder.BuildGroup(ctx, s.A.intent(), s.B.intent())
	if err != nil {
		return nil, err
	}
	s.Group, s.GroupID = txns, groupID
	if err := o.update(ctx, s, StatusPending); err != nil {
		return nil, err
	}
	return s, nil
}

// Sign fills in signer's leg of a built swap.
func Sign(s *Swap, signer types.Signer) ([]types.SignedTxn, error) {
	if len(s.Group) == 0 {
		return nil, bmerrors.Validation("group", "swap %s has not been built", s.ID)
	}
	return txgroup.Sign(s.Unsigned(), signer)
}

// Execute merges the parties' signed copies of the group and submits it once.
// Expired swaps are refused before any signature is examined. A ledger
// rejection leaves the swap pending.
func (o *Orchestrator) Execute(ctx context.Context, id uuid.UUID, signed ...[]types.SignedTxn) (s *Swap, err error) {
	ctx, done := o.observe(ctx, "execute", id)
	defer func() { done(err) }()

	s, err = o.pending(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(s.Group) == 0 {
		return nil, bmerrors.Precondition("swap %s has not been built", id)
	}
	group, err := txgroup.Merge(signed...)
	if err != nil {
		return nil, err
	}
	if len(group) != len(s.Group) {
		return nil, bmerrors.Validation("group", "expected %d legs, got %d", len(s.Group), len(group))
	}
	for i, stx := range group {
		if stx.Txn.ID() != s.Group[i].ID() {
			return nil, bmerrors.Validation("group", "leg %d does not match the built swap", i)
		}
	}

	conf, err := ledger.SubmitAndWait(ctx, o.client, group, o.confirmRounds)
	if err != nil {
		if bmerrors.IsRejected(err) {
			o.logger.Warn("swap rejected by ledger, left pending", "swap_id", id.String(), "error", err)
		}
		return nil, err
	}
	s.Status = StatusCompleted
	s.Round = conf.Round
	if err := o.update(ctx, s, StatusPending); err != nil {
		o.logger.Error("swap committed but index update failed", "swap_id", id.String(), "round", conf.Round, "error", err)
	}
	o.metrics.RecordTransition(string(StatusCompleted))
	o.emitter.Emit(events.SwapCompleted{SwapID: id.String(), GroupID: conf.GroupID, Round: conf.Round})
	o.logger.Info("swap completed", "swap_id", id.String(), "group", conf.GroupID.String(), "round", conf.Round)
	return s, nil
}

// List returns swaps involving party, optionally narrowed to one status.
func (o *Orchestrator) List(ctx context.Context, party types.Address, status Status, limit int) ([]*Swap, error) {
	filter := index.SwapFilter{Status: string(status), Limit: limit}
	if !party.IsZero() {
		filter.Party = party.String()
	}
	recs, err := o.store.QuerySwaps(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Swap, 0, len(recs))
	for i := range recs {
		s, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ExpireDue marks every pending swap past its expiry as expired and returns
// how many it moved.
func (o *Orchestrator) ExpireDue(ctx context.Context) (int, error) {
	now := o.clock()
	due, err := o.store.QuerySwaps(ctx, index.SwapFilter{Status: string(StatusPending), ExpiresBefore: now})
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range due {
		s, err := fromRecord(&due[i])
		if err != nil {
			return expired, err
		}
		if err := o.expire(ctx, s); err != nil {
			if errors.Is(err, index.ErrConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if pending, err := o.store.QuerySwaps(ctx, index.SwapFilter{Status: string(StatusPending)}); err == nil {
		o.metrics.SetPending(len(pending))
	}
	return expired, nil
}

// Run sweeps expired swaps every interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := o.ExpireDue(ctx); err != nil {
				o.logger.Warn("swap expiry sweep failed", "error", err)
			} else if n > 0 {
				o.logger.Info("expired swaps", "count", n)
			}
		}
	}
}

// pending loads id and checks it can still progress. An expired record is
// marked as such on the way out.
func (o *Orchestrator) pending(ctx context.Context, id uuid.UUID) (*Swap, error) {
	s, err := o.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusPending {
		return nil, bmerrors.Precondition("swap %s is %s", id, s.Status)
	}
	if now := o.clock(); s.Expired(now) {
		if err := o.expire(ctx, s); err != nil && !errors.Is(err, index.ErrConflict) {
			o.logger.Warn("mark swap expired", "swap_id", id.String(), "error", err)
		}
		return nil, bmerrors.Precondition("swap %s expired %s ago", id, bmerrors.FormatRemaining(now.Sub(s.Expiry)))
	}
	return s, nil
}

func (o *Orchestrator) expire(ctx context.Context, s *Swap) error {
	s.Status = StatusExpired
	if err := o.update(ctx, s, StatusPending); err != nil {
		return err
	}
	o.metrics.RecordTransition(string(StatusExpired))
	o.emitter.Emit(events.SwapExpired{SwapID: s.ID.String(), Expiry: s.Expiry.Unix()})
	o.logger.Info("swap expired", "swap_id", s.ID.String())
	return nil
}

func (o *Orchestrator) save(ctx context.Context, s *Swap) error {
	rec, err := toRecord(s)
	if err != nil {
		return err
	}
	return o.store.PutSwap(ctx, rec)
}

func (o *Orchestrator) update(ctx context.Context, s *Swap, from Status) error {
	rec, err := toRecord(s)
	if err != nil {
		return err
	}
	return o.store.UpdateSwap(ctx, rec, string(from))
}

func (o *Orchestrator) observe(ctx context.Context, op string, id uuid.UUID) (context.Context, func(error)) {
	ctx, span := o.tracer.Start(ctx, "swap."+op, trace.WithAttributes(attribute.String("swap.id", id.String())))
	return ctx, func(err error) {
		if err != nil {
			bmotel.RecordError(span, err)
		}
		span.End()
	}
}

func toRecord(s *Swap) (*index.SwapRecord, error) {
	rec := &index.SwapRecord{
		ID:     s.ID,
		LegA:   toLeg(s.A),
		LegB:   toLeg(s.B),
		Status: string(s.Status),
		Expiry: s.Expiry.Unix(),
		Round:  s.Round,
	}
	if len(s.Group) > 0 {
		raw, err := json.Marshal(s.Group)
		if err != nil {
			return nil, fmt.Errorf("encode swap group: %w", err)
		}
		rec.Group = string(raw)
		rec.GroupID = s.GroupID.String()
	}
	return rec, nil
}

func fromRecord(rec *index.SwapRecord) (*Swap, error) {
	a, err := fromLeg(rec.LegA)
	if err != nil {
		return nil, err
	}
	b, err := fromLeg(rec.LegB)
	if err != nil {
		return nil, err
	}
	s := &Swap{
		ID:     rec.ID,
		A:      a,
		B:      b,
		Status: Status(rec.Status),
		Expiry: time.Unix(rec.Expiry, 0).UTC(),
		Round:  rec.Round,
	}
	if rec.Group != "" {
		if err := json.Unmarshal([]byte(rec.Group), &s.Group); err != nil {
			return nil, &bmerrors.StateInconsistencyError{Missing: []string{fmt.Sprintf("decodable group for swap %s: %v", rec.ID, err)}}
		}
		if s.GroupID, err = types.ParseHash(rec.GroupID); err != nil {
			return nil, &bmerrors.StateInconsistencyError{Missing: []string{fmt.Sprintf("group id for swap %s", rec.ID)}}
		}
	}
	return s, nil
}

func toLeg(l Leg) index.SwapLeg {
	return index.SwapLeg{AssetID: l.AssetID, Amount: l.Amount, From: l.From.String(), To: l.To.String()}
}

func fromLeg(l index.SwapLeg) (Leg, error) {
	from, err := types.ParseAddress(l.From)
	if err != nil {
		return Leg{}, fmt.Errorf("swap leg sender: %w", err)
	}
	to, err := types.ParseAddress(l.To)
	if err != nil {
		return Leg{}, fmt.Errorf("swap leg receiver: %w", err)
	}
	return Leg{AssetID: l.AssetID, Amount: l.Amount, From: from, To: to}, nil
}
