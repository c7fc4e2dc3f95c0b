// Package settlement holds the escrow signing key. It is the only component
// able to authorize funds leaving escrow, and it only ever builds the two
// shapes the queue application accepts: a platform payout on trigger and a
// refund to the participant who asks for it.
package settlement

import (
	"context"
	"fmt"
	"log/slog"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/ledger"
	"batchmint/native/queue"
	"batchmint/txbuilder"
	"batchmint/txgroup"
)

// Kind names which escrow release a pending group performs.
type Kind string

const (
	KindPayout Kind = "payout"
	KindRefund Kind = "refund"
)

// PendingGroup is a two-leg settlement group whose escrow leg is already
// signed. The caller signs leg 0 and submits.
type PendingGroup struct {
	Kind        Kind              `json:"kind"`
	GroupID     types.Hash        `json:"groupId"`
	Caller      types.Address     `json:"caller"`
	Destination types.Address     `json:"destination"`
	Amount      uint64            `json:"amount"`
	Txns        []types.SignedTxn `json:"txns"`
}

// Sign fills in the caller's leg.
func (p *PendingGroup) Sign(signer types.Signer) error {
	if signer.Address() != p.Caller {
		return bmerrors.Validation("signer", "%s cannot sign for caller %s", signer.Address(), p.Caller)
	}
	signed, err := txgroup.Sign(p.Txns, signer)
	if err != nil {
		return err
	}
	p.Txns = signed
	return nil
}

// Complete reports whether every leg carries a signature.
func (p *PendingGroup) Complete() bool {
	for _, stx := range p.Txns {
		if !stx.Signed() {
			return false
		}
	}
	return len(p.Txns) > 0
}

// Recognize reads a signed settlement group back into a PendingGroup. Only
// the shapes this package builds are accepted: leg 0 calls "trigger" or
// "refund" on appID and leg 1 pays out of escrow. A refund must pay its caller.
func Recognize(txns []types.SignedTxn, appID uint64, escrow types.Address) (*PendingGroup, error) {
	if len(txns) != 2 {
		return nil, bmerrors.Validation("txns", "settlement group must have 2 legs, got %d", len(txns))
	}
	call, pay := txns[0].Txn, txns[1].Txn
	if call.Type != types.TxTypeAppCall || call.AppID != appID || len(call.AppArgs) == 0 {
		return nil, bmerrors.Validation("txns", "leg 0 must call application %d", appID)
	}
	if pay.Type != types.TxTypePayment || escrow.IsZero() || pay.Sender != escrow {
		return nil, bmerrors.Validation("txns", "leg 1 must be a payment from escrow %s", escrow)
	}
	p := &PendingGroup{
		GroupID:     call.Group,
		Caller:      call.Sender,
		Destination: pay.Receiver,
		Amount:      pay.Amount,
		Txns:        txns,
	}
	switch method := string(call.AppArgs[0]); method {
	case queue.MethodTrigger:
		p.Kind = KindPayout
	case queue.MethodRefund:
		if pay.Receiver != call.Sender {
			return nil, bmerrors.Validation("txns", "refund pays %s, not its caller %s", pay.Receiver, call.Sender)
		}
		p.Kind = KindRefund
	default:
		return nil, bmerrors.Validation("txns", "method %q does not release escrow", method)
	}
	return p, nil
}

// Executor builds escrow releases.
type Executor struct {
	client  ledger.Client
	builder *txbuilder.Builder
	escrow  types.Signer
	appID   uint64
	logger  *slog.Logger
}

// Option customises an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithBuilder overrides the transaction builder.
func WithBuilder(b *txbuilder.Builder) Option {
	return func(e *Executor) {
		if b != nil {
			e.builder = b
		}
	}
}

// NewExecutor binds the escrow signer to the queue application appID.
func NewExecutor(client ledger.Client, escrow types.Signer, appID uint64, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, bmerrors.Validation("client", "ledger client required")
	}
	if escrow == nil {
		return nil, bmerrors.Validation("escrow", "escrow signer required")
	}
	if appID == 0 {
		return nil, bmerrors.Validation("appId", "application id required")
	}
	e := &Executor{
		client:  client,
		builder: txbuilder.New(client),
		escrow:  escrow,
		appID:   appID,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "settlement", "app_id", appID)
	return e, nil
}

// Escrow returns the escrow account.
func (e *Executor) Escrow() types.Address { return e.escrow.Address() }

// PayPlatform builds [caller app call "trigger", escrow -> platform payment of
// the whole pool]. The destination is read from ledger state, never from the
// caller.
func (e *Executor) PayPlatform(ctx context.Context, caller types.Address, state queue.State) (*PendingGroup, error) {
	if err := e.checkState(state); err != nil {
		return nil, err
	}
	if state.TotalEscrowed == 0 {
		return nil, bmerrors.Precondition("nothing escrowed to settle")
	}
	return e.build(ctx, KindPayout, caller, queue.MethodTrigger, state.Platform, state.TotalEscrowed)
}

// RefundParticipant builds [participant app call "refund", escrow ->
// participant payment of its escrowed amount]. The amount must not exceed
// what the participant escrowed in the current epoch.
func (e *Executor) RefundParticipant(ctx context.Context, participant types.Address, state queue.State, local queue.Participant) (*PendingGroup, error) {
	if err := e.checkState(state); err != nil {
		return nil, err
	}
	if participant.IsZero() {
		return nil, bmerrors.Validation("participant", "participant address required")
	}
	if local.Epoch != state.Epoch {
		return nil, bmerrors.Precondition("participant record belongs to epoch %d, current epoch is %d", local.Epoch, state.Epoch)
	}
	amount := local.EscrowedAmount
	if amount == 0 {
		return nil, bmerrors.Precondition("%s has nothing escrowed", participant)
	}
	if amount > state.TotalEscrowed {
		return nil, &bmerrors.StateInconsistencyError{Missing: []string{
			fmt.Sprintf("pool of %d cannot cover participant escrow of %d", state.TotalEscrowed, amount),
		}}
	}
	return e.build(ctx, KindRefund, participant, queue.MethodRefund, participant, amount)
}

func (e *Executor) checkState(state queue.State) error {
	var missing []string
	if state.Platform.IsZero() {
		missing = append(missing, queue.KeyPlatformAddress)
	}
	if state.Escrow.IsZero() {
		missing = append(missing, queue.KeyEscrowAddress)
	}
	if len(missing) > 0 {
		return &bmerrors.StateInconsistencyError{Missing: missing}
	}
	if state.Escrow != e.escrow.Address() {
		return &bmerrors.StateInconsistencyError{Missing: []string{
			fmt.Sprintf("%s matching signer %s (state names %s)", queue.KeyEscrowAddress, e.escrow.Address(), state.Escrow),
		}}
	}
	return nil
}

func (e *Executor) build(ctx context.Context, kind Kind, caller types.Address, method string, dest types.Address, amount uint64) (*PendingGroup, error) {
	if err := e.checkEscrowBalance(ctx, amount); err != nil {
		return nil, err
	}
	txns, groupID, err := e.builder.BuildGroup(ctx,
		txbuilder.AppCall{Common: txbuilder.Common{FeeLegs: 2}, Sender: caller, AppID: e.appID, Method: method},
		txbuilder.Payment{Common: txbuilder.Common{Sponsored: true}, From: e.escrow.Address(), To: dest, Amount: amount},
	)
	if err != nil {
		return nil, err
	}
	leg := txns[1]
	if leg.Sender != e.escrow.Address() || leg.Receiver != dest || leg.Amount != amount || len(txns) != 2 {
		return nil, fmt.Errorf("settlement: built group does not match the requested release")
	}
	signed, err := txgroup.Sign(types.Unsigned(txns), e.escrow)
	if err != nil {
		return nil, fmt.Errorf("sign escrow leg: %w", err)
	}
	e.logger.Info("escrow release prepared",
		"kind", string(kind),
		"caller", caller.String(),
		"destination", dest.String(),
		"amount", amount,
		"group", groupID.String())
	return &PendingGroup{
		Kind:        kind,
		GroupID:     groupID,
		Caller:      caller,
		Destination: dest,
		Amount:      amount,
		Txns:        signed,
	}, nil
}

// checkEscrowBalance is advisory. A shortfall means the pool accounting and
// the escrow balance disagree.
func (e *Executor) checkEscrowBalance(ctx context.Context, amount uint64) error {
	info, err := e.client.AccountInfo(ctx, e.escrow.Address())
	if err != nil {
		return err
	}
	if info.Balance < amount {
		e.logger.Error("escrow balance below pooled amount",
			"escrow", e.escrow.Address().String(),
			"balance", info.Balance,
			"required", amount)
		return &bmerrors.InsufficientFundsError{Account: e.escrow.Address().String(), Required: amount, Available: info.Balance}
	}
	return nil
}
