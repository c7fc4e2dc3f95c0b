// Package queue is the client side of the threshold queue: it reads the
// queue application's state, predicts what the ledger will accept and builds
// the atomic groups for joining, triggering and refunding. It holds no locks;
// the ledger serializes commits and re-validates every precondition.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	bmerrors "batchmint/core/errors"
	"batchmint/core/events"
	"batchmint/core/types"
	"batchmint/ledger"
	"batchmint/native/queue"
	"batchmint/observability"
	bmotel "batchmint/observability/otel"
	"batchmint/services/settlement"
	"batchmint/txbuilder"
	"batchmint/txgroup"
)

// ErrNothingEscrowed is returned by PrepareRefund when the participant has
// nothing to reclaim. Refund turns it into a no-op result.
var ErrNothingEscrowed = errors.New("queue: participant has nothing escrowed")

// Result describes a committed coordinator operation.
type Result struct {
	TxID    types.Hash   `json:"txId"`
	GroupID types.Hash   `json:"groupId"`
	Round   uint64       `json:"round"`
	Amount  uint64       `json:"amount"`
	NoOp    bool         `json:"noop,omitempty"`
	Status  queue.Status `json:"status"`
}

// Coordinator drives one queue application.
type Coordinator struct {
	client        ledger.Client
	builder       *txbuilder.Builder
	executor      *settlement.Executor
	appID         uint64
	emitter       events.Emitter
	logger        *slog.Logger
	clock         func() time.Time
	confirmRounds uint64
	readAttempts  int
	readBackoff   time.Duration
	tracer        trace.Tracer
	metrics       *observability.QueueMetrics
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithEmitter receives domain events after each commit.
func WithEmitter(emitter events.Emitter) Option {
	return func(c *Coordinator) {
		if emitter != nil {
			c.emitter = emitter
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock sets the time source used when the ledger reports no timestamp.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithConfirmRounds bounds how long operations wait for confirmation.
func WithConfirmRounds(rounds uint64) Option {
	return func(c *Coordinator) {
		if rounds > 0 {
			c.confirmRounds = rounds
		}
	}
}

// WithReadRetry retries ledger reads that fail with network errors.
func WithReadRetry(attempts int, backoff time.Duration) Option {
	return func(c *Coordinator) {
		c.readAttempts = attempts
		c.readBackoff = backoff
	}
}

// WithBuilder overrides the transaction builder.
func WithBuilder(b *txbuilder.Builder) Option {
	return func(c *Coordinator) {
		if b != nil {
			c.builder = b
		}
	}
}

// New returns a coordinator for appID. executor may be nil for read-only and
// join-only deployments; Trigger and Refund then fail with a ValidationError.
func New(client ledger.Client, executor *settlement.Executor, appID uint64, opts ...Option) (*Coordinator, error) {
	if client == nil {
		return nil, bmerrors.Validation("client", "ledger client required")
	}
	if appID == 0 {
		return nil, bmerrors.Validation("appId", "application id required")
	}
	c := &Coordinator{
		client:        client,
		builder:       txbuilder.New(client),
		executor:      executor,
		appID:         appID,
		emitter:       events.NoopEmitter{},
		logger:        slog.Default(),
		clock:         time.Now,
		confirmRounds: ledger.DefaultConfirmRounds,
		readAttempts:  3,
		readBackoff:   200 * time.Millisecond,
		tracer:        bmotel.Tracer("queue"),
		metrics:       observability.Queue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.emitter = events.Multi{c.emitter, observability.EventCounter{}}
	c.logger = c.logger.With("component", "queue", "app_id", appID)
	return c, nil
}

// AppID returns the coordinated application.
func (c *Coordinator) AppID() uint64 { return c.appID }

// State reloads the global record from the ledger.
func (c *Coordinator) State(ctx context.Context) (queue.State, error) {
	var info *types.ApplicationInfo
	err := ledger.Retry(ctx, c.readAttempts, c.readBackoff, func(ctx context.Context) error {
		var err error
		info, err = c.client.ApplicationInfo(ctx, c.appID)
		return err
	})
	if err != nil {
		return queue.State{}, err
	}
	state, err := queue.DecodeState(info.GlobalState)
	if err != nil {
		return queue.State{}, err
	}
	c.metrics.SetPool(c.appLabel(), state.QueueCount, state.TotalEscrowed)
	return state, nil
}

// Participant reads addr's share of the current epoch.
func (c *Coordinator) Participant(ctx context.Context, addr types.Address, state queue.State) (queue.Participant, *types.AccountInfo, error) {
	info, err := c.account(ctx, addr)
	if err != nil {
		return queue.Participant{}, nil, err
	}
	return queue.DecodeParticipant(info.LocalState(c.appID), state.Epoch), info, nil
}

// Status derives the queue status. It is a pure read.
func (c *Coordinator) Status(ctx context.Context) (queue.Status, error) {
	ctx, span := c.tracer.Start(ctx, "queue.status")
	defer span.End()
	state, err := c.State(ctx)
	if err != nil {
		bmotel.RecordError(span, err)
		return queue.Status{}, err
	}
	now, _, err := c.ledgerNow(ctx)
	if err != nil {
		bmotel.RecordError(span, err)
		return queue.Status{}, err
	}
	return queue.Derive(state, now), nil
}

// ledgerNow reads the ledger clock the application judges time windows by,
// along with the parameters it came with.
func (c *Coordinator) ledgerNow(ctx context.Context) (int64, types.SuggestedParams, error) {
	var params types.SuggestedParams
	err := ledger.Retry(ctx, c.readAttempts, c.readBackoff, func(ctx context.Context) error {
		var err error
		params, err = c.client.SuggestedParams(ctx)
		return err
	})
	if err != nil {
		return 0, types.SuggestedParams{}, err
	}
	if params.Timestamp > 0 {
		return params.Timestamp, params, nil
	}
	return c.clock().Unix(), params, nil
}

// Init calls the application's init method. Repeating it is harmless: the
// clock is only started when unset.
func (c *Coordinator) Init(ctx context.Context, caller types.Signer) (res *Result, err error) {
	ctx, done := c.observe(ctx, "init", caller.Address())
	defer func() { done(err) }()

	if _, err := c.State(ctx); err != nil {
		return nil, err
	}
	txns, _, err := c.builder.BuildGroup(ctx, txbuilder.AppCall{Sender: caller.Address(), AppID: c.appID, Method: queue.MethodInit})
	if err != nil {
		return nil, err
	}
	conf, err := c.signAndSubmit(ctx, txns, caller)
	if err != nil {
		return nil, err
	}
	res = c.result(ctx, conf, 0)
	c.emitter.Emit(events.QueueInitialized{AppID: c.appID, Caller: caller.Address(), StartTime: res.Status.QueueStartTime, Round: conf.Round})
	c.logger.Info("queue initialized", "caller", caller.Address().String(), "round", conf.Round)
	return res, nil
}

// Join escrows requestCount*effective_cost from payer and queues its
// requests. The payer opts in within the same group when needed.
func (c *Coordinator) Join(ctx context.Context, payer types.Signer, requestCount uint64) (res *Result, err error) {
	ctx, done := c.observe(ctx, "join", payer.Address())
	defer func() { done(err) }()

	if requestCount == 0 {
		return nil, bmerrors.Validation("requestCount", "must be at least 1")
	}
	state, err := c.State(ctx)
	if err != nil {
		return nil, err
	}
	now, params, err := c.ledgerNow(ctx)
	if err != nil {
		return nil, err
	}
	status := queue.Derive(state, now)
	if status.Phase == queue.PhaseExpired && state.TotalEscrowed > 0 {
		return nil, bmerrors.Precondition("queue window elapsed with %d of %d requests; refunds pending, joins reopen once the pool drains",
			state.QueueCount, state.Threshold)
	}
	cost, err := queue.JoinCost(requestCount, state.EffectiveCost)
	if err != nil {
		return nil, err
	}

	info, err := c.account(ctx, payer.Address())
	if err != nil {
		return nil, err
	}
	optedIn := info.OptedInApp(c.appID)
	legs := 2
	if !optedIn {
		legs = 3
	}
	fees := params.MinFee * uint64(legs)
	required := cost + fees
	if required < cost {
		return nil, bmerrors.Validation("requestCount", "cost overflows")
	}
	if info.Balance < required {
		return nil, &bmerrors.InsufficientFundsError{Account: payer.Address().String(), Required: required, Available: info.Balance}
	}

	intents := make([]txbuilder.Intent, 0, legs)
	if !optedIn {
		intents = append(intents, txbuilder.AppOptIn{Common: txbuilder.Common{Sponsored: true}, Sender: payer.Address(), AppID: c.appID})
	}
	intents = append(intents,
		txbuilder.AppCall{
			Common: txbuilder.Common{FeeLegs: legs},
			Sender: payer.Address(),
			AppID:  c.appID,
			Method: queue.MethodJoin,
			Args:   [][]byte{queue.UintArg(requestCount)},
		},
		txbuilder.Payment{Common: txbuilder.Common{Sponsored: true}, From: payer.Address(), To: state.Escrow, Amount: cost},
	)
	txns, _, err := c.builder.BuildGroup(ctx, intents...)
	if err != nil {
		return nil, err
	}
	conf, err := c.signAndSubmit(ctx, txns, payer)
	if err != nil {
		return nil, err
	}
	res = c.result(ctx, conf, cost)
	c.emitter.Emit(events.QueueJoined{
		AppID:        c.appID,
		Payer:        payer.Address(),
		RequestCount: requestCount,
		Amount:       cost,
		QueueCount:   res.Status.QueueCount,
		Threshold:    res.Status.Threshold,
		Round:        conf.Round,
	})
	c.logger.Info("queue joined",
		"payer", payer.Address().String(),
		"requests", requestCount,
		"amount", cost,
		"queue_count", res.Status.QueueCount,
		"threshold", res.Status.Threshold)
	return res, nil
}

// PrepareTrigger checks that the threshold is met and returns the payout
// group with the escrow leg signed. Anyone may trigger.
func (c *Coordinator) PrepareTrigger(ctx context.Context, caller types.Address) (*settlement.PendingGroup, error) {
	if c.executor == nil {
		return nil, bmerrors.Validation("executor", "no escrow executor configured")
	}
	state, err := c.State(ctx)
	if err != nil {
		return nil, err
	}
	now, _, err := c.ledgerNow(ctx)
	if err != nil {
		return nil, err
	}
	status := queue.Derive(state, now)
	if !status.CanTrigger {
		if state.QueueCount == 0 {
			return nil, bmerrors.Precondition("queue is empty")
		}
		return nil, bmerrors.Precondition("threshold not met: %d of %d requests, %d more needed",
			state.QueueCount, state.Threshold, status.RequestsNeeded)
	}
	return c.executor.PayPlatform(ctx, caller, state)
}

// Trigger settles the pool to the platform.
func (c *Coordinator) Trigger(ctx context.Context, caller types.Signer) (res *Result, err error) {
	ctx, done := c.observe(ctx, "trigger", caller.Address())
	defer func() { done(err) }()

	pending, err := c.PrepareTrigger(ctx, caller.Address())
	if err != nil {
		return nil, err
	}
	if err := pending.Sign(caller); err != nil {
		return nil, err
	}
	return c.complete(ctx, pending)
}

// PrepareRefund checks the refund preconditions for participant and returns
// the refund group with the escrow leg signed. It returns ErrNothingEscrowed
// when there is nothing to reclaim, which includes a replayed refund.
func (c *Coordinator) PrepareRefund(ctx context.Context, participant types.Address) (*settlement.PendingGroup, error) {
	if c.executor == nil {
		return nil, bmerrors.Validation("executor", "no escrow executor configured")
	}
	state, err := c.State(ctx)
	if err != nil {
		return nil, err
	}
	local, _, err := c.Participant(ctx, participant, state)
	if err != nil {
		return nil, err
	}
	if local.EscrowedAmount == 0 {
		return nil, ErrNothingEscrowed
	}
	now, _, err := c.ledgerNow(ctx)
	if err != nil {
		return nil, err
	}
	status := queue.Derive(state, now)
	if !status.CanRefund {
		switch {
		case status.ThresholdMet:
			return nil, bmerrors.Precondition("threshold met (%d of %d requests); trigger settlement instead", state.QueueCount, state.Threshold)
		case state.QueueStartTime == 0:
			return nil, bmerrors.Precondition("no epoch in progress")
		default:
			return nil, bmerrors.Precondition("time window still open: %s remaining, %d of %d requests",
				bmerrors.FormatRemaining(status.TimeRemaining), state.QueueCount, state.Threshold)
		}
	}
	return c.executor.RefundParticipant(ctx, participant, state, local)
}

// Refund returns participant's escrow after the window elapsed below
// threshold. A participant with nothing escrowed gets a no-op result.
func (c *Coordinator) Refund(ctx context.Context, participant types.Signer) (res *Result, err error) {
	ctx, done := c.observe(ctx, "refund", participant.Address())
	defer func() { done(err) }()

	pending, err := c.PrepareRefund(ctx, participant.Address())
	if errors.Is(err, ErrNothingEscrowed) {
		c.logger.Info("refund skipped, nothing escrowed", "participant", participant.Address().String())
		status, statusErr := c.Status(ctx)
		if statusErr != nil {
			return nil, statusErr
		}
		return &Result{NoOp: true, Status: status}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := pending.Sign(participant); err != nil {
		return nil, err
	}
	return c.complete(ctx, pending)
}

// Complete submits a signed settlement group produced by PrepareTrigger or
// PrepareRefund. What gets recorded (kind, caller, destination and amount) is
// read back from txns; anything other than a release from this queue's escrow
// is refused.
func (c *Coordinator) Complete(ctx context.Context, txns []types.SignedTxn) (res *Result, err error) {
	escrow, err := c.escrowAddress(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := settlement.Recognize(txns, c.appID, escrow)
	if err != nil {
		return nil, err
	}
	ctx, done := c.observe(ctx, "complete", pending.Caller)
	defer func() { done(err) }()
	return c.complete(ctx, pending)
}

func (c *Coordinator) escrowAddress(ctx context.Context) (types.Address, error) {
	if c.executor != nil {
		return c.executor.Escrow(), nil
	}
	state, err := c.State(ctx)
	if err != nil {
		return types.Address{}, err
	}
	return state.Escrow, nil
}

func (c *Coordinator) complete(ctx context.Context, pending *settlement.PendingGroup) (*Result, error) {
	if !pending.Complete() {
		return nil, bmerrors.Validation("group", "every leg must be signed before submission")
	}
	if _, err := txgroup.Verify(txgroup.Transactions(pending.Txns)); err != nil {
		return nil, bmerrors.Validation("group", "%v", err)
	}
	conf, err := ledger.SubmitAndWait(ctx, c.client, pending.Txns, c.confirmRounds)
	if err != nil {
		return nil, err
	}
	res := c.result(ctx, conf, pending.Amount)
	switch pending.Kind {
	case settlement.KindPayout:
		c.metrics.RecordSettlement(c.appLabel(), "platform", pending.Amount)
		c.emitter.Emit(events.QueueTriggered{
			AppID:    c.appID,
			Caller:   pending.Caller,
			Platform: pending.Destination,
			Amount:   pending.Amount,
			Epoch:    res.Status.Epoch,
			Round:    conf.Round,
		})
		c.logger.Info("queue settled to platform", "caller", pending.Caller.String(), "amount", pending.Amount, "round", conf.Round)
	case settlement.KindRefund:
		c.metrics.RecordSettlement(c.appLabel(), "refund", pending.Amount)
		c.emitter.Emit(events.QueueRefunded{AppID: c.appID, Participant: pending.Caller, Amount: pending.Amount, Round: conf.Round})
		c.logger.Info("participant refunded", "participant", pending.Caller.String(), "amount", pending.Amount, "round", conf.Round)
	}
	return res, nil
}

func (c *Coordinator) signAndSubmit(ctx context.Context, txns []types.Transaction, signer types.Signer) (*types.Confirmation, error) {
	group, err := txgroup.Sign(types.Unsigned(txns), signer)
	if err != nil {
		return nil, err
	}
	return ledger.SubmitAndWait(ctx, c.client, group, c.confirmRounds)
}

// result reloads status after a commit. A failed reload does not undo the
// commit, so it is only logged.
func (c *Coordinator) result(ctx context.Context, conf *types.Confirmation, amount uint64) *Result {
	res := &Result{TxID: conf.TxID, GroupID: conf.GroupID, Round: conf.Round, Amount: amount}
	status, err := c.Status(ctx)
	if err != nil {
		c.logger.Warn("reload status after commit", "round", conf.Round, "error", err)
		return res
	}
	res.Status = status
	return res
}

func (c *Coordinator) account(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	var info *types.AccountInfo
	err := ledger.Retry(ctx, c.readAttempts, c.readBackoff, func(ctx context.Context) error {
		var err error
		info, err = c.client.AccountInfo(ctx, addr)
		return err
	})
	return info, err
}

func (c *Coordinator) observe(ctx context.Context, op string, actor types.Address) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "queue."+op, trace.WithAttributes(
		attribute.Int64("queue.app_id", int64(c.appID)),
		attribute.String("queue.actor", actor.String()),
	))
	return ctx, func(err error) {
		c.metrics.Observe(op, err, time.Since(start))
		if err != nil {
			bmotel.RecordError(span, err)
			c.logger.Warn("queue operation failed", "op", op, "actor", actor.String(), "error", err)
		}
		span.End()
	}
}

func (c *Coordinator) appLabel() string {
	return strconv.FormatUint(c.appID, 10)
}
