// Package assets issues ledger-native tickets: it creates the asset, moves
// units out of the reserve authority as they are minted, and keeps the
// off-ledger metadata record in step.
package assets

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	bmerrors "batchmint/core/errors"
	"batchmint/core/events"
	"batchmint/core/types"
	"batchmint/crypto"
	"batchmint/ledger"
	"batchmint/observability"
	bmotel "batchmint/observability/otel"
	"batchmint/storage/index"
	"batchmint/txbuilder"
	"batchmint/txgroup"
)

// Authority roles recorded on the metadata record.
const (
	RoleManager  = "manager"
	RoleReserve  = "reserve"
	RoleFreeze   = "freeze"
	RoleClawback = "clawback"
)

// Authorities are the fixed control addresses of an asset. Manager and
// Reserve default to the creator.
type Authorities struct {
	Manager  types.Address
	Reserve  types.Address
	Freeze   types.Address
	Clawback types.Address
}

func (a Authorities) withDefaults(creator types.Address) Authorities {
	if a.Manager.IsZero() {
		a.Manager = creator
	}
	if a.Reserve.IsZero() {
		a.Reserve = creator
	}
	return a
}

func (a Authorities) record() map[string]string {
	out := map[string]string{
		RoleManager: a.Manager.String(),
		RoleReserve: a.Reserve.String(),
	}
	if !a.Freeze.IsZero() {
		out[RoleFreeze] = a.Freeze.String()
	}
	if !a.Clawback.IsZero() {
		out[RoleClawback] = a.Clawback.String()
	}
	return out
}

// CreateRequest describes a new asset.
type CreateRequest struct {
	TotalSupply       uint64
	Decimals          uint32
	UnitName          string
	AssetName         string
	MetadataRef       string
	EventRef          string
	Authorities       Authorities
	Attributes        map[string]string
	RoyaltyPercentage float64
}

// Verification is the result of Verify. Valid is false, without an error,
// when the address holds no units or the event reference does not match.
type Verification struct {
	Valid    bool               `json:"valid"`
	Owner    types.Address      `json:"owner"`
	Balance  uint64             `json:"balance"`
	Reason   string             `json:"reason,omitempty"`
	Metadata *index.AssetRecord `json:"metadata"`
}

// Service issues and moves assets.
type Service struct {
	client        ledger.Client
	builder       *txbuilder.Builder
	store         *index.Store
	emitter       events.Emitter
	logger        *slog.Logger
	confirmRounds uint64
	tracer        trace.Tracer
	metrics       *observability.AssetMetrics
}

// Option customises a Service.
type Option func(*Service)

// WithEmitter receives domain events after each commit.
func WithEmitter(emitter events.Emitter) Option {
	return func(s *Service) {
		if emitter != nil {
			s.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConfirmRounds bounds how long operations wait for confirmation.
func WithConfirmRounds(rounds uint64) Option {
	return func(s *Service) {
		if rounds > 0 {
			s.confirmRounds = rounds
		}
	}
}

// New returns an issuance service writing metadata to store.
func New(client ledger.Client, store *index.Store, opts ...Option) (*Service, error) {
	if client == nil {
		return nil, bmerrors.Validation("client", "ledger client required")
	}
	if store == nil {
		return nil, bmerrors.Validation("store", "metadata index required")
	}
	s := &Service{
		client:        client,
		builder:       txbuilder.New(client),
		store:         store,
		emitter:       events.NoopEmitter{},
		logger:        slog.Default(),
		confirmRounds: ledger.DefaultConfirmRounds,
		tracer:        bmotel.Tracer("assets"),
		metrics:       observability.Assets(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.emitter = events.Multi{s.emitter, observability.EventCounter{}}
	s.logger = s.logger.With("component", "assets")
	return s, nil
}

// CreateAsset issues the asset with the whole supply held by the reserve
// authority and stores its metadata record as issued.
func (s *Service) CreateAsset(ctx context.Context, creator types.Signer, req CreateRequest) (rec *index.AssetRecord, err error) {
	req.UnitName = canonical(req.UnitName)
	req.AssetName = canonical(req.AssetName)
	req.EventRef = canonical(req.EventRef)
	ctx, done := s.observe(ctx, "create", attribute.String("asset.unit", req.UnitName))
	defer func() { done(err) }()

	if req.RoyaltyPercentage < 0 || req.RoyaltyPercentage > 100 {
		return nil, bmerrors.Validation("royaltyPercentage", "%.2f outside 0..100", req.RoyaltyPercentage)
	}
	if len(req.MetadataRef) > txbuilder.MaxURLLen {
		return nil, bmerrors.Validation("metadataRef", "exceeds %d bytes", txbuilder.MaxURLLen)
	}
	auth := req.Authorities.withDefaults(creator.Address())
	params := types.AssetParams{
		Total:     req.TotalSupply,
		Decimals:  req.Decimals,
		UnitName:  req.UnitName,
		AssetName: req.AssetName,
		URL:       req.MetadataRef,
		Manager:   auth.Manager,
		Reserve:   auth.Reserve,
		Freeze:    auth.Freeze,
		Clawback:  auth.Clawback,
	}
	if req.MetadataRef != "" {
		copy(params.MetadataHash[:], crypto.Keccak256([]byte(req.MetadataRef)))
	}

	rec = &index.AssetRecord{
		Creator:           creator.Address().String(),
		UnitName:          req.UnitName,
		AssetName:         req.AssetName,
		TotalSupply:       req.TotalSupply,
		Decimals:          req.Decimals,
		Authorities:       auth.record(),
		Attributes:        req.Attributes,
		RoyaltyPercentage: req.RoyaltyPercentage,
		Status:            string(StatusDrafted),
		EventRef:          req.EventRef,
		MetadataRef:       req.MetadataRef,
	}

	conf, err := s.submit(ctx, creator, txbuilder.AssetCreate{Creator: creator.Address(), Params: params})
	if err != nil {
		return nil, err
	}
	if conf.CreatedAssetID == 0 {
		return nil, &bmerrors.StateInconsistencyError{Missing: []string{"created asset id in confirmation"}}
	}
	status, err := Status(rec.Status).Transition(StatusIssued)
	if err != nil {
		return nil, err
	}
	rec.AssetID = conf.CreatedAssetID
	rec.Status = string(status)
	s.persist(ctx, rec)

	s.emitter.Emit(events.AssetCreated{AssetID: rec.AssetID, Creator: creator.Address(), TotalSupply: rec.TotalSupply, UnitName: rec.UnitName})
	s.logger.Info("asset created", "asset_id", rec.AssetID, "creator", rec.Creator, "total", rec.TotalSupply, "round", conf.Round)
	return rec, nil
}

// OptIn registers holder to receive assetID. It does nothing when holder is
// already opted in.
func (s *Service) OptIn(ctx context.Context, holder types.Signer, assetID uint64) (err error) {
	ctx, done := s.observe(ctx, "opt_in", attribute.Int64("asset.id", int64(assetID)))
	defer func() { done(err) }()

	info, err := s.client.AccountInfo(ctx, holder.Address())
	if err != nil {
		return err
	}
	if info.OptedInAsset(assetID) {
		return nil
	}
	_, err = s.submit(ctx, holder, txbuilder.AssetOptIn{Holder: holder.Address(), AssetID: assetID})
	return err
}

// Mint moves amount units from the reserve authority to an opted-in
// recipient and advances the metadata record.
func (s *Service) Mint(ctx context.Context, assetID uint64, reserve types.Signer, to types.Address, amount uint64) (rec *index.AssetRecord, err error) {
	ctx, done := s.observe(ctx, "mint", attribute.Int64("asset.id", int64(assetID)))
	defer func() { done(err) }()

	if amount == 0 {
		return nil, bmerrors.Validation("amount", "mint amount must be positive")
	}
	rec, err = s.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if want := rec.Authorities[RoleReserve]; want != reserve.Address().String() {
		return nil, bmerrors.Validation("reserve", "%s is not the reserve authority %s of asset %d", reserve.Address(), want, assetID)
	}
	if rec.CurrentSupply+amount < rec.CurrentSupply || rec.CurrentSupply+amount > rec.TotalSupply {
		return nil, bmerrors.Validation("amount", "minting %d exceeds supply: %d of %d already issued", amount, rec.CurrentSupply, rec.TotalSupply)
	}
	next := afterMint(rec.CurrentSupply+amount, rec.TotalSupply)
	if _, err := Status(rec.Status).Transition(next); err != nil {
		return nil, bmerrors.Validation("status", "%v", err)
	}
	if err := s.checkTransfer(ctx, assetID, reserve.Address(), to, amount); err != nil {
		return nil, err
	}

	conf, err := s.submit(ctx, reserve, txbuilder.AssetTransfer{From: reserve.Address(), To: to, AssetID: assetID, Amount: amount})
	if err != nil {
		return nil, err
	}
	// The ledger commit stands even if the index cannot follow.
	updated, err := s.store.AddSupply(ctx, assetID, amount, string(StatusMinted), string(StatusSoldOut))
	if err != nil {
		s.logger.Error("asset supply index update failed", "asset_id", assetID, "amount", amount, "error", err)
		rec.CurrentSupply += amount
		rec.Status = string(next)
	} else {
		rec = updated
	}

	s.metrics.RecordMint(assetID, amount)
	s.emitter.Emit(events.AssetMinted{AssetID: assetID, Recipient: to, Amount: amount, CurrentSupply: rec.CurrentSupply})
	s.logger.Info("asset minted",
		"asset_id", assetID,
		"recipient", to.String(),
		"amount", amount,
		"current_supply", rec.CurrentSupply,
		"status", rec.Status,
		"round", conf.Round)
	return rec, nil
}

// Transfer moves units between holders.
func (s *Service) Transfer(ctx context.Context, assetID uint64, from types.Signer, to types.Address, amount uint64) (conf *types.Confirmation, err error) {
	ctx, done := s.observe(ctx, "transfer", attribute.Int64("asset.id", int64(assetID)))
	defer func() { done(err) }()

	if amount == 0 {
		return nil, bmerrors.Validation("amount", "transfer amount must be positive")
	}
	if err := s.checkTransfer(ctx, assetID, from.Address(), to, amount); err != nil {
		return nil, err
	}
	conf, err = s.submit(ctx, from, txbuilder.AssetTransfer{From: from.Address(), To: to, AssetID: assetID, Amount: amount})
	if err != nil {
		return nil, err
	}
	s.emitter.Emit(events.AssetTransferred{AssetID: assetID, From: from.Address(), To: to, Amount: amount})
	return conf, nil
}

// Verify checks whether addr holds at least one unit of assetID, and that the
// asset belongs to eventRef when one is given.
func (s *Service) Verify(ctx context.Context, assetID uint64, addr types.Address, eventRef string) (*Verification, error) {
	rec, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	out := &Verification{Metadata: rec}
	if eventRef = canonical(eventRef); eventRef != "" && rec.EventRef != eventRef {
		out.Reason = "asset belongs to event " + rec.EventRef
		return out, nil
	}
	info, err := s.client.AccountInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	out.Balance = info.AssetBalance(assetID)
	if out.Balance == 0 {
		out.Reason = "address holds no units"
		return out, nil
	}
	out.Valid = true
	out.Owner = addr
	return out, nil
}

// canonical trims s and puts it in NFC form, so names typed with combining
// marks match their precomposed spelling and count the same bytes.
func canonical(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// Get returns the metadata record of assetID.
func (s *Service) Get(ctx context.Context, assetID uint64) (*index.AssetRecord, error) {
	return s.store.GetAsset(ctx, assetID)
}

// List queries asset records by creator, status or event.
func (s *Service) List(ctx context.Context, filter index.AssetFilter) ([]index.AssetRecord, error) {
	return s.store.QueryAssets(ctx, filter)
}

// checkTransfer predicts the ledger's transfer checks so failures are
// reported before anything is signed.
func (s *Service) checkTransfer(ctx context.Context, assetID uint64, from, to types.Address, amount uint64) error {
	if to.IsZero() {
		return bmerrors.Validation("to", "recipient address required")
	}
	recipient, err := s.client.AccountInfo(ctx, to)
	if err != nil {
		return err
	}
	if !recipient.OptedInAsset(assetID) {
		return bmerrors.Validation("to", "%s has not opted in to asset %d", to, assetID)
	}
	sender, err := s.client.AccountInfo(ctx, from)
	if err != nil {
		return err
	}
	if held := sender.AssetBalance(assetID); held < amount {
		return &bmerrors.InsufficientFundsError{Account: from.String(), Required: amount, Available: held}
	}
	return nil
}

func (s *Service) submit(ctx context.Context, signer types.Signer, intent txbuilder.Intent) (*types.Confirmation, error) {
	txns, _, err := s.builder.BuildGroup(ctx, intent)
	if err != nil {
		return nil, err
	}
	group, err := txgroup.Sign(types.Unsigned(txns), signer)
	if err != nil {
		return nil, err
	}
	return ledger.SubmitAndWait(ctx, s.client, group, s.confirmRounds)
}

// persist writes rec to the index. The ledger commit already happened, so a
// failed write is logged rather than returned.
func (s *Service) persist(ctx context.Context, rec *index.AssetRecord) {
	if err := s.store.PutAsset(ctx, rec); err != nil {
		s.logger.Error("asset index write failed", "asset_id", rec.AssetID, "status", rec.Status, "error", err)
	}
}

func (s *Service) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "assets."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		s.metrics.Observe(op, err)
		if err != nil {
			bmotel.RecordError(span, err)
			s.logger.Warn("asset operation failed", "op", op, "error", err, "elapsed", time.Since(start))
		}
		span.End()
	}
}
