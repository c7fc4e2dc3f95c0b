package queue

import (
	"errors"
	"fmt"
	"time"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/ledger"
)

var (
	ErrUnknownMethod     = errors.New("queue: unknown method")
	ErrNotOptedIn        = errors.New("queue: sender not opted in")
	ErrMalformedGroup    = errors.New("queue: malformed group")
	ErrThresholdNotMet   = errors.New("queue: threshold not met")
	ErrThresholdMet      = errors.New("queue: threshold already met")
	ErrWindowOpen        = errors.New("queue: time window still open")
	ErrQueueExpired      = errors.New("queue: window elapsed, refunds pending")
	ErrNothingEscrowed   = errors.New("queue: nothing escrowed")
	ErrAccountingDrift   = errors.New("queue: accounting drift")
	ErrEscrowDebitInit   = errors.New("queue: init may not move escrow funds")
	ErrCounterOverflow   = errors.New("queue: counter overflow")
	ErrQueueNotStarted   = errors.New("queue: no epoch in progress")
	ErrEmptyQueueTrigger = errors.New("queue: nothing to trigger")
)

// Program is the queue application executed by the ledger. Every method runs
// inside a single atomic group commit, so state transitions here are the
// authoritative ones; client-side checks only predict them.
type Program struct{}

var _ ledger.Program = Program{}

// OptIn allocates a zeroed participant record tagged with the current epoch.
func (Program) OptIn(ctx ledger.AppContext) error {
	state, err := DecodeState(ctx.Global())
	if err != nil {
		return err
	}
	local, ok := ctx.Local(ctx.Sender())
	if !ok {
		return ErrNotOptedIn
	}
	Participant{Epoch: state.Epoch}.Store(local)
	return nil
}

// Call dispatches on the first application argument.
func (p Program) Call(ctx ledger.AppContext) error {
	args := ctx.Args()
	if len(args) == 0 {
		return fmt.Errorf("%w: missing method", ErrUnknownMethod)
	}
	state, err := DecodeState(ctx.Global())
	if err != nil {
		return err
	}
	switch method := string(args[0]); method {
	case MethodInit:
		err = p.init(ctx, &state)
	case MethodJoin:
		err = p.join(ctx, &state)
	case MethodTrigger:
		err = p.trigger(ctx, &state)
	case MethodRefund:
		err = p.refund(ctx, &state)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if err != nil {
		return err
	}
	state.Store(ctx.Global())
	return nil
}

func (Program) init(ctx ledger.AppContext, s *State) error {
	for i, tx := range ctx.Group() {
		if tx.Sender == s.Escrow {
			return fmt.Errorf("%w: leg %d", ErrEscrowDebitInit, i)
		}
	}
	now := ctx.Now()
	if s.QueueStartTime == 0 {
		s.QueueStartTime = now
		return nil
	}
	rollover(s, now)
	return nil
}

func (Program) join(ctx ledger.AppContext, s *State) error {
	local, ok := ctx.Local(ctx.Sender())
	if !ok {
		return ErrNotOptedIn
	}
	requestCount, err := DecodeUintArg(ctx.Args(), 1)
	if err != nil {
		return fmt.Errorf("%w: request count: %v", ErrMalformedGroup, err)
	}
	cost, err := JoinCost(requestCount, s.EffectiveCost)
	if err != nil {
		return err
	}
	group, idx := ctx.Group(), ctx.Index()
	if idx+1 >= len(group) {
		return fmt.Errorf("%w: join requires a payment leg after the call", ErrMalformedGroup)
	}
	if err := expectPayment(group[idx+1], ctx.Sender(), s.Escrow, cost); err != nil {
		return err
	}

	now := ctx.Now()
	if expired(*s, now) {
		if s.TotalEscrowed > 0 {
			return fmt.Errorf("%w: %d of %d requests queued, %d escrowed", ErrQueueExpired, s.QueueCount, s.Threshold, s.TotalEscrowed)
		}
		rollover(s, now)
	}
	if s.QueueStartTime == 0 {
		s.QueueStartTime = now
	}

	participant := DecodeParticipant(local, s.Epoch)
	if s.QueueCount+requestCount < s.QueueCount || s.TotalEscrowed+cost < s.TotalEscrowed ||
		participant.EscrowedAmount+cost < participant.EscrowedAmount {
		return ErrCounterOverflow
	}
	participant.RequestCount += requestCount
	participant.EscrowedAmount += cost
	participant.Store(local)
	s.QueueCount += requestCount
	s.TotalEscrowed += cost
	return nil
}

func (Program) trigger(ctx ledger.AppContext, s *State) error {
	if s.QueueCount == 0 {
		return ErrEmptyQueueTrigger
	}
	if s.QueueCount < s.Threshold {
		return fmt.Errorf("%w: %d of %d requests", ErrThresholdNotMet, s.QueueCount, s.Threshold)
	}
	if err := expectSettlementShape(ctx); err != nil {
		return err
	}
	if err := expectPayment(ctx.Group()[1], s.Escrow, s.Platform, s.TotalEscrowed); err != nil {
		return err
	}
	s.QueueCount = 0
	s.TotalEscrowed = 0
	s.QueueStartTime = 0
	s.Epoch++
	return nil
}

func (Program) refund(ctx ledger.AppContext, s *State) error {
	local, ok := ctx.Local(ctx.Sender())
	if !ok {
		return ErrNotOptedIn
	}
	if s.QueueCount >= s.Threshold {
		return fmt.Errorf("%w: %d of %d requests, trigger instead", ErrThresholdMet, s.QueueCount, s.Threshold)
	}
	if s.QueueStartTime == 0 {
		return ErrQueueNotStarted
	}
	now := ctx.Now()
	if left := remaining(*s, now); left > 0 {
		return fmt.Errorf("%w: %s remaining", ErrWindowOpen, bmerrors.FormatRemaining(left))
	}
	participant := DecodeParticipant(local, s.Epoch)
	if participant.EscrowedAmount == 0 {
		return ErrNothingEscrowed
	}
	if err := expectSettlementShape(ctx); err != nil {
		return err
	}
	if err := expectPayment(ctx.Group()[1], s.Escrow, ctx.Sender(), participant.EscrowedAmount); err != nil {
		return err
	}
	if participant.EscrowedAmount > s.TotalEscrowed || participant.RequestCount > s.QueueCount {
		return fmt.Errorf("%w: participant holds %d/%d of pool %d/%d", ErrAccountingDrift,
			participant.EscrowedAmount, participant.RequestCount, s.TotalEscrowed, s.QueueCount)
	}
	s.TotalEscrowed -= participant.EscrowedAmount
	s.QueueCount -= participant.RequestCount
	Participant{Epoch: s.Epoch}.Store(local)
	if s.TotalEscrowed == 0 {
		s.QueueCount = 0
		s.QueueStartTime = 0
		s.Epoch++
	}
	return nil
}

// expired reports whether the epoch's window closed below threshold.
func expired(s State, now int64) bool {
	return s.QueueCount < s.Threshold && windowElapsed(s, now)
}

// rollover opens a fresh epoch when the current one expired with an empty
// pool.
func rollover(s *State, now int64) {
	if !expired(*s, now) || s.TotalEscrowed != 0 {
		return
	}
	s.QueueCount = 0
	s.QueueStartTime = now
	s.Epoch++
}

func expectSettlementShape(ctx ledger.AppContext) error {
	if n := len(ctx.Group()); n != 2 || ctx.Index() != 0 {
		return fmt.Errorf("%w: settlement expects [call, payment], got %d legs with call at %d", ErrMalformedGroup, n, ctx.Index())
	}
	return nil
}

func expectPayment(tx types.Transaction, from, to types.Address, amount uint64) error {
	switch {
	case tx.Type != types.TxTypePayment:
		return fmt.Errorf("%w: expected payment leg, got %s", ErrMalformedGroup, tx.Type)
	case tx.Sender != from:
		return fmt.Errorf("%w: payment sender %s, expected %s", ErrMalformedGroup, tx.Sender, from)
	case tx.Receiver != to:
		return fmt.Errorf("%w: payment receiver %s, expected %s", ErrMalformedGroup, tx.Receiver, to)
	case tx.Amount != amount:
		return fmt.Errorf("%w: payment amount %d, expected %d", ErrMalformedGroup, tx.Amount, amount)
	}
	return nil
}

// WindowEnd returns when the current epoch stops accepting joins below
// threshold, or the zero time when no epoch is running.
func WindowEnd(s State) time.Time {
	if s.QueueStartTime == 0 {
		return time.Time{}
	}
	return time.Unix(s.QueueStartTime+int64(s.TimeWindow), 0).UTC()
}
