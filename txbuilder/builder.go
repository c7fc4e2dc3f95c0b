// Package txbuilder turns high-level intents into unsigned ledger
// transactions built against fresh network parameters. It never signs.
package txbuilder

import (
	"context"
	"fmt"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/ledger"
	"batchmint/txgroup"
)

// DefaultWindow is the number of rounds a built transaction stays valid.
const DefaultWindow = 1000

// Asset name limits enforced by the ledger.
const (
	MaxUnitNameLen  = 8
	MaxAssetNameLen = 32
	MaxURLLen       = 96
	MaxDecimals     = 19
	MaxNoteLen      = 1024
)

// Common carries the fields every intent shares.
type Common struct {
	Note []byte
	// FeeLegs is how many transactions' worth of fee this leg pays. Zero means
	// one. A caller's leg sets it to the group size to cover sponsored legs.
	FeeLegs int
	// Sponsored legs carry no fee; another leg of the group pays for them.
	Sponsored bool
}

func (c Common) common() Common { return c }

// Intent is one transaction to build.
type Intent interface {
	common() Common
	validate() error
	apply(tx *types.Transaction)
}

// Payment moves native currency.
type Payment struct {
	Common
	From   types.Address
	To     types.Address
	Amount uint64
}

func (p Payment) validate() error {
	switch {
	case p.From.IsZero():
		return bmerrors.Validation("from", "sender address required")
	case p.To.IsZero():
		return bmerrors.Validation("to", "receiver address required")
	case p.Amount == 0:
		return bmerrors.Validation("amount", "payment amount must be positive")
	}
	return nil
}

func (p Payment) apply(tx *types.Transaction) {
	tx.Type = types.TxTypePayment
	tx.Sender = p.From
	tx.Receiver = p.To
	tx.Amount = p.Amount
}

// AssetTransfer moves units of an asset.
type AssetTransfer struct {
	Common
	From    types.Address
	To      types.Address
	AssetID uint64
	Amount  uint64
}

func (a AssetTransfer) validate() error {
	switch {
	case a.From.IsZero():
		return bmerrors.Validation("from", "sender address required")
	case a.To.IsZero():
		return bmerrors.Validation("to", "receiver address required")
	case a.AssetID == 0:
		return bmerrors.Validation("assetId", "asset id required")
	case a.Amount == 0:
		return bmerrors.Validation("amount", "transfer amount must be positive")
	}
	return nil
}

func (a AssetTransfer) apply(tx *types.Transaction) {
	tx.Type = types.TxTypeAssetTransfer
	tx.Sender = a.From
	tx.Receiver = a.To
	tx.AssetID = a.AssetID
	tx.Amount = a.Amount
}

// AssetCreate issues a new asset.
type AssetCreate struct {
	Common
	Creator types.Address
	Params  types.AssetParams
}

func (a AssetCreate) validate() error {
	switch {
	case a.Creator.IsZero():
		return bmerrors.Validation("creator", "creator address required")
	case a.Params.Total == 0:
		return bmerrors.Validation("totalSupply", "total supply must be positive")
	case a.Params.UnitName == "":
		return bmerrors.Validation("unitName", "unit name required")
	case len(a.Params.UnitName) > MaxUnitNameLen:
		return bmerrors.Validation("unitName", "%q exceeds %d bytes", a.Params.UnitName, MaxUnitNameLen)
	case len(a.Params.AssetName) > MaxAssetNameLen:
		return bmerrors.Validation("assetName", "%q exceeds %d bytes", a.Params.AssetName, MaxAssetNameLen)
	case len(a.Params.URL) > MaxURLLen:
		return bmerrors.Validation("url", "exceeds %d bytes", MaxURLLen)
	case a.Params.Decimals > MaxDecimals:
		return bmerrors.Validation("decimals", "%d exceeds %d", a.Params.Decimals, MaxDecimals)
	}
	return nil
}

func (a AssetCreate) apply(tx *types.Transaction) {
	tx.Type = types.TxTypeAssetCreate
	tx.Sender = a.Creator
	tx.AssetParams = a.Params
}

// AssetOptIn registers Holder to receive an asset.
type AssetOptIn struct {
	Common
	Holder  types.Address
	AssetID uint64
}

func (a AssetOptIn) validate() error {
	if a.Holder.IsZero() {
		return bmerrors.Validation("holder", "holder address required")
	}
	if a.AssetID == 0 {
		return bmerrors.Validation("assetId", "asset id required")
	}
	return nil
}

func (a AssetOptIn) apply(tx *types.Transaction) {
	tx.Type = types.TxTypeAssetOptIn
	tx.Sender = a.Holder
	tx.AssetID = a.AssetID
}

// AppOptIn allocates local state for Sender.
type AppOptIn struct {
	Common
	Sender types.Address
	AppID  uint64
}

func (a AppOptIn) validate() error {
	if a.Sender.IsZero() {
		return bmerrors.Validation("sender", "sender address required")
	}
	if a.AppID == 0 {
		return bmerrors.Validation("appId", "application id required")
	}
	return nil
}

func (a AppOptIn) apply(tx *types.Transaction) {
	tx.Type = types.TxTypeAppOptIn
	tx.Sender = a.Sender
	tx.AppID = a.AppID
}

// AppCall invokes Method on an application. Args are already encoded.
type AppCall struct {
	Common
	Sender types.Address
	AppID  uint64
	Method string
	Args   [][]byte
}

func (a AppCall) validate() error {
	switch {
	case a.Sender.IsZero():
		return bmerrors.Validation("sender", "sender address required")
	case a.AppID == 0:
		return bmerrors.Validation("appId", "application id required")
	case a.Method == "":
		return bmerrors.Validation("method", "method name required")
	}
	return nil
}

func (a AppCall) apply(tx *types.Transaction) {
	tx.Type = types.TxTypeAppCall
	tx.Sender = a.Sender
	tx.AppID = a.AppID
	args := make([][]byte, 0, 1+len(a.Args))
	args = append(args, []byte(a.Method))
	for _, arg := range a.Args {
		args = append(args, append([]byte(nil), arg...))
	}
	tx.AppArgs = args
}

// Builder builds transactions against a parameter source.
type Builder struct {
	params ledger.ParamsSource
	window uint64
}

// Option customises a Builder.
type Option func(*Builder)

// WithWindow overrides the validity window in rounds.
func WithWindow(rounds uint64) Option {
	return func(b *Builder) {
		if rounds > 0 {
			b.window = rounds
		}
	}
}

// New returns a Builder reading parameters from src.
func New(src ledger.ParamsSource, opts ...Option) *Builder {
	b := &Builder{params: src, window: DefaultWindow}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Validate checks intents without touching the network.
func Validate(intents ...Intent) error {
	if len(intents) == 0 {
		return bmerrors.Validation("intents", "at least one intent required")
	}
	if len(intents) > txgroup.MaxSize {
		return bmerrors.Validation("intents", "%d intents exceed the group limit of %d", len(intents), txgroup.MaxSize)
	}
	for i, intent := range intents {
		if intent == nil {
			return bmerrors.Validation("intents", "intent %d is nil", i)
		}
		if err := intent.validate(); err != nil {
			return err
		}
		c := intent.common()
		if c.FeeLegs < 0 {
			return bmerrors.Validation("feeLegs", "intent %d: negative fee legs", i)
		}
		if c.Sponsored && c.FeeLegs > 0 {
			return bmerrors.Validation("feeLegs", "intent %d: sponsored leg cannot pay for others", i)
		}
		if len(c.Note) > MaxNoteLen {
			return bmerrors.Validation("note", "intent %d: note exceeds %d bytes", i, MaxNoteLen)
		}
	}
	return nil
}

// Build validates intents, fetches parameters once and returns one unsigned
// transaction per intent, in order.
func (b *Builder) Build(ctx context.Context, intents ...Intent) ([]types.Transaction, types.SuggestedParams, error) {
	if err := Validate(intents...); err != nil {
		return nil, types.SuggestedParams{}, err
	}
	params, err := b.params.SuggestedParams(ctx)
	if err != nil {
		return nil, types.SuggestedParams{}, fmt.Errorf("fetch suggested params: %w", err)
	}
	out := make([]types.Transaction, len(intents))
	for i, intent := range intents {
		c := intent.common()
		tx := types.Transaction{
			FirstValid: params.LastRound,
			LastValid:  params.LastRound + b.window,
			GenesisID:  params.GenesisID,
			Fee:        Fee(params.MinFee, c),
		}
		if len(c.Note) > 0 {
			tx.Note = append([]byte(nil), c.Note...)
		}
		intent.apply(&tx)
		out[i] = tx
	}
	return out, params, nil
}

// BuildGroup builds intents and binds them into one atomic group. A single
// intent stays ungrouped.
func (b *Builder) BuildGroup(ctx context.Context, intents ...Intent) ([]types.Transaction, types.Hash, error) {
	txns, _, err := b.Build(ctx, intents...)
	if err != nil {
		return nil, types.Hash{}, err
	}
	if len(txns) == 1 {
		return txns, types.Hash{}, nil
	}
	return txgroup.Assign(txns)
}

// Fee computes the fee a leg carries under pooling.
func Fee(minFee uint64, c Common) uint64 {
	if c.Sponsored {
		return 0
	}
	legs := c.FeeLegs
	if legs <= 0 {
		legs = 1
	}
	return minFee * uint64(legs)
}
