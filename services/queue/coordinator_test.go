package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	bmerrors "batchmint/core/errors"
	"batchmint/core/events"
	"batchmint/core/types"
	"batchmint/crypto"
	"batchmint/ledger"
	"batchmint/ledger/memory"
	"batchmint/native/queue"
	"batchmint/services/settlement"
	"batchmint/txbuilder"
	"batchmint/txgroup"
)

const (
	testThreshold = 10
	testBaseCost  = 120
	testCost      = 110
	testWindow    = 3600
)

type env struct {
	t        *testing.T
	now      time.Time
	ledger   *memory.Ledger
	coord    *Coordinator
	recorder *events.Recorder
	escrow   types.Signer
	platform types.Address
	appID    uint64
}

func newSigner(t *testing.T) types.Signer {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return types.NewKeySigner(key)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, queue.Config{Threshold: testThreshold, BaseCost: testBaseCost, EffectiveCost: testCost, TimeWindow: testWindow})
}

// newEnvWith deploys a queue with cfg's parameters; its addresses are filled in.
func newEnvWith(t *testing.T, cfg queue.Config) *env {
	t.Helper()
	e := &env{t: t, now: time.Unix(1_700_000_000, 0), recorder: &events.Recorder{}}
	clock := func() time.Time { return e.now }

	l, err := memory.New(memory.WithClock(clock))
	require.NoError(t, err)
	l.RegisterProgram("queue", queue.Program{})

	e.escrow = newSigner(t)
	e.platform = newSigner(t).Address()
	creator := newSigner(t)
	cfg.Platform = e.platform
	cfg.Escrow = e.escrow.Address()
	require.NoError(t, cfg.Validate())
	appID, err := l.DeployApplication(creator.Address(), "queue", cfg.GlobalState())
	require.NoError(t, err)
	require.NoError(t, l.Guard(e.escrow.Address(), appID))

	exec, err := settlement.NewExecutor(l, e.escrow, appID)
	require.NoError(t, err)
	coord, err := New(l, exec, appID, WithClock(clock), WithEmitter(e.recorder), WithReadRetry(1, 0))
	require.NoError(t, err)

	e.ledger, e.coord, e.appID = l, coord, appID
	return e
}

func (e *env) funded(amount uint64) types.Signer {
	e.t.Helper()
	s := newSigner(e.t)
	require.NoError(e.t, e.ledger.Fund(s.Address(), amount))
	return s
}

func (e *env) balance(addr types.Address) uint64 {
	e.t.Helper()
	info, err := e.ledger.AccountInfo(context.Background(), addr)
	require.NoError(e.t, err)
	return info.Balance
}

func (e *env) status() queue.Status {
	e.t.Helper()
	st, err := e.coord.Status(context.Background())
	require.NoError(e.t, err)
	return st
}

func TestThresholdReachedAndTriggered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, bob, carol := e.funded(100_000), e.funded(100_000), e.funded(100_000)

	_, err := e.coord.Init(ctx, carol)
	require.NoError(t, err)

	res, err := e.coord.Join(ctx, alice, 6)
	require.NoError(t, err)
	require.Equal(t, uint64(6*testCost), res.Amount)
	require.Equal(t, uint64(6), res.Status.QueueCount)
	require.Equal(t, queue.PhaseAccepting, res.Status.Phase)
	// opt-in, call and payment: three legs of fees paid by the call.
	require.Equal(t, uint64(100_000-6*testCost-3*memory.DefaultMinFee), e.balance(alice.Address()))

	_, err = e.coord.Trigger(ctx, carol)
	require.True(t, bmerrors.IsRejected(err), "got %v", err)
	require.Contains(t, err.Error(), "6 of 10")

	res, err = e.coord.Join(ctx, bob, 4)
	require.NoError(t, err)
	require.True(t, res.Status.ThresholdMet)
	require.True(t, res.Status.CanTrigger)
	require.Equal(t, uint64(10*testCost), res.Status.TotalEscrowed)
	require.Equal(t, uint64(10*testCost), e.balance(e.escrow.Address()))

	_, err = e.coord.Refund(ctx, alice)
	require.True(t, bmerrors.IsRejected(err), "refund after threshold must fail, got %v", err)

	res, err = e.coord.Trigger(ctx, carol)
	require.NoError(t, err)
	require.Equal(t, uint64(10*testCost), res.Amount)
	require.False(t, res.GroupID.IsZero())
	require.Equal(t, uint64(10*testCost), e.balance(e.platform))
	require.Zero(t, e.balance(e.escrow.Address()))
	require.Zero(t, res.Status.QueueCount)
	require.Zero(t, res.Status.TotalEscrowed)
	require.Equal(t, uint64(2), res.Status.Epoch)
	require.Equal(t, queue.PhaseOpen, res.Status.Phase)

	// Stale shares from the settled epoch read as zero.
	local, _, err := e.coord.Participant(ctx, alice.Address(), mustState(t, e))
	require.NoError(t, err)
	require.Zero(t, local.EscrowedAmount)

	require.Equal(t, []string{
		events.TypeQueueInitialized,
		events.TypeQueueJoined,
		events.TypeQueueJoined,
		events.TypeQueueTriggered,
	}, e.recorder.Types())
	triggered := e.recorder.Events()[3].(events.QueueTriggered)
	require.Equal(t, e.platform, triggered.Platform)
	require.Equal(t, uint64(10*testCost), triggered.Amount)
}

func TestWindowElapsesAndParticipantsRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	parties := []types.Signer{e.funded(50_000), e.funded(50_000), e.funded(50_000)}
	for _, p := range parties {
		_, err := e.coord.Join(ctx, p, 1)
		require.NoError(t, err)
	}
	require.Equal(t, uint64(3), e.status().QueueCount)

	_, err := e.coord.Refund(ctx, parties[0])
	require.True(t, bmerrors.IsRejected(err), "got %v", err)
	require.Contains(t, err.Error(), "time window still open")

	e.now = e.now.Add(testWindow * time.Second)
	st := e.status()
	require.Equal(t, queue.PhaseExpired, st.Phase)
	require.True(t, st.CanRefund)
	require.False(t, st.CanTrigger)

	late := e.funded(50_000)
	_, err = e.coord.Join(ctx, late, 1)
	require.True(t, bmerrors.IsRejected(err), "join into an expired pool must fail, got %v", err)

	for i, p := range parties {
		before := e.balance(p.Address())
		res, err := e.coord.Refund(ctx, p)
		require.NoError(t, err, "refund %d", i)
		require.Equal(t, uint64(testCost), res.Amount)
		// the refunding caller pays the two pooled fees.
		require.Equal(t, before+testCost-2*memory.DefaultMinFee, e.balance(p.Address()))
	}

	st = e.status()
	require.Zero(t, st.QueueCount)
	require.Zero(t, st.TotalEscrowed)
	require.Equal(t, uint64(2), st.Epoch)
	require.Equal(t, queue.PhaseOpen, st.Phase)
	require.Zero(t, e.balance(e.escrow.Address()))

	res, err := e.coord.Refund(ctx, parties[0])
	require.NoError(t, err)
	require.True(t, res.NoOp)

	// The drained queue accepts joins again.
	res, err = e.coord.Join(ctx, late, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Status.QueueCount)
	require.Equal(t, uint64(2), res.Status.Epoch)
}

func TestJoinChecksFundsBeforeBuilding(t *testing.T) {
	e := newEnv(t)
	poor := e.funded(testCost)
	_, err := e.coord.Join(context.Background(), poor, 1)
	var insufficient *bmerrors.InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, uint64(testCost+3*memory.DefaultMinFee), insufficient.Required)
	require.Empty(t, e.recorder.Types())

	_, err = e.coord.Join(context.Background(), poor, 0)
	require.True(t, bmerrors.IsValidation(err))
}

func TestRepeatJoinSkipsOptIn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.funded(100_000)
	_, err := e.coord.Join(ctx, alice, 1)
	require.NoError(t, err)
	before := e.balance(alice.Address())
	_, err = e.coord.Join(ctx, alice, 2)
	require.NoError(t, err)
	require.Equal(t, before-2*testCost-2*memory.DefaultMinFee, e.balance(alice.Address()))

	local, _, err := e.coord.Participant(ctx, alice.Address(), mustState(t, e))
	require.NoError(t, err)
	require.Equal(t, uint64(3), local.RequestCount)
	require.Equal(t, uint64(3*testCost), local.EscrowedAmount)
}

func TestEscrowCannotLeakOutsideSettlement(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, thief := e.funded(100_000), e.funded(100_000)
	_, err := e.coord.Join(ctx, alice, 3)
	require.NoError(t, err)

	b := txbuilder.New(e.ledger)

	// Even the escrow key cannot move funds without the application.
	txns, _, err := b.BuildGroup(ctx, txbuilder.Payment{From: e.escrow.Address(), To: thief.Address(), Amount: 1})
	require.NoError(t, err)
	group, err := txgroup.Sign(types.Unsigned(txns), e.escrow)
	require.NoError(t, err)
	_, err = e.ledger.Submit(ctx, group)
	require.True(t, bmerrors.IsRejected(err), "got %v", err)

	// A refund shaped group paying the wrong account is refused by the program.
	e.now = e.now.Add(testWindow * time.Second)
	txns, _, err = b.BuildGroup(ctx,
		txbuilder.AppCall{Common: txbuilder.Common{FeeLegs: 2}, Sender: thief.Address(), AppID: e.appID, Method: queue.MethodRefund},
		txbuilder.Payment{Common: txbuilder.Common{Sponsored: true}, From: e.escrow.Address(), To: thief.Address(), Amount: 3 * testCost},
	)
	require.NoError(t, err)
	group, err = txgroup.Sign(types.Unsigned(txns), e.escrow)
	require.NoError(t, err)
	group, err = txgroup.Sign(group, thief)
	require.NoError(t, err)
	_, err = e.ledger.Submit(ctx, group)
	require.True(t, bmerrors.IsRejected(err), "got %v", err)
	require.Equal(t, uint64(3*testCost), e.balance(e.escrow.Address()))

	// The thief has nothing escrowed, so the coordinator treats it as a no-op.
	res, err := e.coord.Refund(ctx, thief)
	require.NoError(t, err)
	require.True(t, res.NoOp)
}

func TestPreparedGroupCompletesWithCallerSignature(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, bob := e.funded(100_000), e.funded(100_000)
	_, err := e.coord.Join(ctx, alice, 10)
	require.NoError(t, err)

	pending, err := e.coord.PrepareTrigger(ctx, bob.Address())
	require.NoError(t, err)
	require.Equal(t, settlement.KindPayout, pending.Kind)
	require.False(t, pending.Complete())

	_, err = e.coord.Complete(ctx, pending.Txns)
	require.True(t, bmerrors.IsValidation(err))
	require.Error(t, pending.Sign(alice), "only the named caller may sign")

	require.NoError(t, pending.Sign(bob))
	res, err := e.coord.Complete(ctx, pending.Txns)
	require.NoError(t, err)
	require.Equal(t, pending.GroupID, res.GroupID)
	require.Equal(t, uint64(10*testCost), e.balance(e.platform))

	// Replaying the committed group is rejected.
	_, err = e.ledger.Submit(ctx, pending.Txns)
	require.True(t, bmerrors.IsRejected(err))
}

func TestRefundOfEmptyAndUnstartedQueue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.funded(100_000)

	_, err := e.coord.PrepareRefund(ctx, alice.Address())
	require.True(t, errors.Is(err, ErrNothingEscrowed))

	_, err = e.coord.PrepareTrigger(ctx, alice.Address())
	require.True(t, bmerrors.IsRejected(err))
	require.Contains(t, err.Error(), "queue is empty")

	st := e.status()
	require.Equal(t, queue.PhaseUninitialized, st.Phase)
	require.Equal(t, testWindow*time.Second, st.TimeRemaining)
}

func TestStatusRequiresConfiguredApplication(t *testing.T) {
	l, err := memory.New()
	require.NoError(t, err)
	l.RegisterProgram("queue", queue.Program{})
	appID, err := l.DeployApplication(newSigner(t).Address(), "queue", types.KeyValues{})
	require.NoError(t, err)

	coord, err := New(l, nil, appID, WithReadRetry(1, 0))
	require.NoError(t, err)
	_, err = coord.Status(context.Background())
	require.True(t, bmerrors.IsStateInconsistency(err), "got %v", err)

	_, err = coord.PrepareTrigger(context.Background(), newSigner(t).Address())
	require.True(t, bmerrors.IsValidation(err))

	_, err = New(l, nil, 0)
	require.True(t, bmerrors.IsValidation(err))
}

func TestReadsRetryNetworkErrors(t *testing.T) {
	e := newEnv(t)
	flaky := &flakyClient{Client: e.ledger, failures: 2}
	coord, err := New(flaky, nil, e.appID, WithReadRetry(3, time.Millisecond))
	require.NoError(t, err)
	_, err = coord.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, flaky.calls)
}

type flakyClient struct {
	ledger.Client
	failures int
	calls    int
}

func (f *flakyClient) ApplicationInfo(ctx context.Context, appID uint64) (*types.ApplicationInfo, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, bmerrors.Network("application info", errors.New("connection reset"))
	}
	return f.Client.ApplicationInfo(ctx, appID)
}

func mustState(t *testing.T, e *env) queue.State {
	t.Helper()
	st, err := e.coord.State(context.Background())
	require.NoError(t, err)
	return st
}

func TestCompleteRecordsWhatTheGroupDoes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, mallory := e.funded(100_000), e.funded(100_000)
	_, err := e.coord.Join(ctx, alice, 2)
	require.NoError(t, err)

	// A self payment is not a settlement, whatever the request claims.
	b := txbuilder.New(e.ledger)
	txns, _, err := b.BuildGroup(ctx, txbuilder.Payment{From: mallory.Address(), To: mallory.Address(), Amount: 1})
	require.NoError(t, err)
	group, err := txgroup.Sign(types.Unsigned(txns), mallory)
	require.NoError(t, err)
	_, err = e.coord.Complete(ctx, group)
	require.True(t, bmerrors.IsValidation(err), "got %v", err)
	require.Equal(t, []string{events.TypeQueueJoined}, e.recorder.Types())

	e.now = e.now.Add(testWindow * time.Second)
	pending, err := e.coord.PrepareRefund(ctx, alice.Address())
	require.NoError(t, err)
	pending.Kind = settlement.KindPayout
	pending.Amount = 1_000_000_000
	pending.Destination = mallory.Address()
	require.NoError(t, pending.Sign(alice))
	_, err = e.coord.Complete(ctx, pending.Txns)
	require.NoError(t, err)

	refunded, ok := e.recorder.Events()[1].(events.QueueRefunded)
	require.True(t, ok, "got %T", e.recorder.Events()[1])
	require.Equal(t, alice.Address(), refunded.Participant)
	require.Equal(t, uint64(2*testCost), refunded.Amount)
}

func TestDiscountedQueueSettlesAndRefunds(t *testing.T) {
	cfg := queue.Config{Threshold: 10, BaseCost: 2, EffectiveCost: 1, TimeWindow: 86400}
	ctx := context.Background()

	t.Run("six then four triggers", func(t *testing.T) {
		e := newEnvWith(t, cfg)
		a, b, caller := e.funded(100_000), e.funded(100_000), e.funded(100_000)
		res, err := e.coord.Join(ctx, a, 6)
		require.NoError(t, err)
		require.Equal(t, uint64(6), res.Amount)
		require.False(t, res.Status.ThresholdMet)

		res, err = e.coord.Join(ctx, b, 4)
		require.NoError(t, err)
		require.Equal(t, uint64(4), res.Amount)
		require.Equal(t, uint64(10), res.Status.QueueCount)
		require.Equal(t, uint64(10), res.Status.TotalEscrowed)
		require.Equal(t, uint64(2), res.Status.BaseCost)

		res, err = e.coord.Trigger(ctx, caller)
		require.NoError(t, err)
		require.Equal(t, uint64(10), res.Amount)
		require.Equal(t, uint64(10), e.balance(e.platform))
		require.Zero(t, res.Status.QueueCount)
		require.Zero(t, res.Status.TotalEscrowed)
	})

	t.Run("three then window elapses", func(t *testing.T) {
		e := newEnvWith(t, cfg)
		p := e.funded(100_000)
		_, err := e.coord.Join(ctx, p, 3)
		require.NoError(t, err)

		e.now = e.now.Add(86_399 * time.Second)
		_, err = e.coord.Refund(ctx, p)
		require.True(t, bmerrors.IsRejected(err), "window still open one second before the end, got %v", err)

		e.now = e.now.Add(time.Second)
		before := e.balance(p.Address())
		res, err := e.coord.Refund(ctx, p)
		require.NoError(t, err)
		require.Equal(t, uint64(3), res.Amount)
		require.Equal(t, before+3-2*memory.DefaultMinFee, e.balance(p.Address()))
		require.Zero(t, res.Status.TotalEscrowed)
		require.Zero(t, e.balance(e.escrow.Address()))
	})
}

func TestStatusFollowsLedgerClock(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.funded(100_000)
	_, err := e.coord.Join(ctx, alice, 1)
	require.NoError(t, err)

	// A participant whose own clock runs a day fast still sees the ledger's window.
	skewed, err := New(e.ledger, nil, e.appID, WithClock(func() time.Time { return e.now.Add(24 * time.Hour) }), WithReadRetry(1, 0))
	require.NoError(t, err)
	st, err := skewed.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, queue.PhaseAccepting, st.Phase)
	require.Equal(t, testWindow*time.Second, st.TimeRemaining)
	_, err = skewed.Join(ctx, e.funded(100_000), 1)
	require.NoError(t, err)
}

func TestConcurrentJoinsKeepPoolConsistent(t *testing.T) {
	e := newEnvWith(t, queue.Config{Threshold: 1_000, BaseCost: testBaseCost, EffectiveCost: testCost, TimeWindow: testWindow})
	ctx := context.Background()

	const joiners = 16
	const perJoin = 3
	payers := make([]types.Signer, joiners)
	for i := range payers {
		payers[i] = e.funded(100_000)
	}
	var wg sync.WaitGroup
	errs := make(chan error, joiners)
	for _, p := range payers {
		wg.Add(1)
		go func(p types.Signer) {
			defer wg.Done()
			_, err := e.coord.Join(ctx, p, perJoin)
			errs <- err
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st := mustState(t, e)
	require.Equal(t, uint64(joiners*perJoin), st.QueueCount)
	require.Equal(t, uint64(joiners*perJoin*testCost), st.TotalEscrowed)
	require.Equal(t, st.TotalEscrowed, e.balance(e.escrow.Address()))
	var sum uint64
	for _, p := range payers {
		local, _, err := e.coord.Participant(ctx, p.Address(), st)
		require.NoError(t, err)
		sum += local.EscrowedAmount
	}
	require.Equal(t, st.TotalEscrowed, sum)
}

func TestRacingTriggersSettleOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice := e.funded(100_000)
	_, err := e.coord.Join(ctx, alice, testThreshold)
	require.NoError(t, err)

	callers := []types.Signer{e.funded(100_000), e.funded(100_000)}
	groups := make([][]types.SignedTxn, len(callers))
	for i, c := range callers {
		pending, err := e.coord.PrepareTrigger(ctx, c.Address())
		require.NoError(t, err)
		require.NoError(t, pending.Sign(c))
		groups[i] = pending.Txns
	}

	results := make([]error, len(groups))
	var wg sync.WaitGroup
	for i := range groups {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = e.coord.Complete(ctx, groups[i])
		}(i)
	}
	wg.Wait()

	settled := 0
	for _, err := range results {
		if err == nil {
			settled++
			continue
		}
		require.True(t, bmerrors.IsRejected(err), "got %v", err)
	}
	require.Equal(t, 1, settled)
	require.Equal(t, uint64(testThreshold*testCost), e.balance(e.platform))
	require.Zero(t, e.balance(e.escrow.Address()))
}

func TestReplayedRefundPaysOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, bob := e.funded(100_000), e.funded(100_000)
	_, err := e.coord.Join(ctx, alice, 2)
	require.NoError(t, err)
	_, err = e.coord.Join(ctx, bob, 1)
	require.NoError(t, err)
	e.now = e.now.Add(testWindow * time.Second)

	pending, err := e.coord.PrepareRefund(ctx, alice.Address())
	require.NoError(t, err)
	require.NoError(t, pending.Sign(alice))
	before := e.balance(alice.Address())

	const replays = 4
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < replays; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.coord.Complete(ctx, pending.Txns); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, before+2*testCost-2*memory.DefaultMinFee, e.balance(alice.Address()))
	st := mustState(t, e)
	require.Equal(t, uint64(testCost), st.TotalEscrowed)
	require.Equal(t, uint64(testCost), e.balance(e.escrow.Address()))
}
