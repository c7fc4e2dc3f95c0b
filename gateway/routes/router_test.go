package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	bmerrors "batchmint/core/errors"
	"batchmint/core/events"
	"batchmint/core/types"
	"batchmint/crypto"
	"batchmint/gateway/middleware"
	"batchmint/ledger/memory"
	"batchmint/native/queue"
	"batchmint/services/assets"
	queuesvc "batchmint/services/queue"
	"batchmint/services/settlement"
	"batchmint/services/swap"
	"batchmint/storage/index"
)

type gateway struct {
	t        *testing.T
	now      time.Time
	ledger   *memory.Ledger
	coord    *queuesvc.Coordinator
	assets   *assets.Service
	swaps    *swap.Orchestrator
	platform types.Address
	server   *httptest.Server
}

func newSigner(t *testing.T) types.Signer {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return types.NewKeySigner(key)
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{t: t, now: time.Unix(1_700_000_000, 0)}
	clock := func() time.Time { return g.now }

	l, err := memory.New(memory.WithClock(clock))
	require.NoError(t, err)
	l.RegisterProgram("queue", queue.Program{})
	escrow := newSigner(t)
	g.platform = newSigner(t).Address()
	cfg := queue.Config{Threshold: 10, BaseCost: 120, EffectiveCost: 110, TimeWindow: 3600, Platform: g.platform, Escrow: escrow.Address()}
	appID, err := l.DeployApplication(newSigner(t).Address(), "queue", cfg.GlobalState())
	require.NoError(t, err)
	require.NoError(t, l.Guard(escrow.Address(), appID))

	broadcaster := events.NewBroadcaster(8)
	exec, err := settlement.NewExecutor(l, escrow, appID)
	require.NoError(t, err)
	coord, err := queuesvc.New(l, exec, appID, queuesvc.WithClock(clock), queuesvc.WithEmitter(broadcaster), queuesvc.WithReadRetry(1, 0))
	require.NoError(t, err)

	store, err := index.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assetSvc, err := assets.New(l, store)
	require.NoError(t, err)
	swaps, err := swap.New(l, store, swap.WithClock(clock))
	require.NoError(t, err)

	handler, err := New(Config{
		Ledger:         l,
		Queue:          coord,
		Assets:         assetSvc,
		Swaps:          swaps,
		Events:         broadcaster,
		RateLimiter:    middleware.NewRateLimiter(map[string]middleware.RateLimit{LimitQueue: {RatePerSecond: 1000, Burst: 1000}}, nil),
		StreamInterval: 20 * time.Millisecond,
		Metrics:        true,
	})
	require.NoError(t, err)
	g.server = httptest.NewServer(handler)
	t.Cleanup(g.server.Close)

	g.ledger, g.coord, g.assets, g.swaps = l, coord, assetSvc, swaps
	return g
}

func (g *gateway) funded(amount uint64) types.Signer {
	g.t.Helper()
	s := newSigner(g.t)
	require.NoError(g.t, g.ledger.Fund(s.Address(), amount))
	return s
}

func (g *gateway) balance(addr types.Address) uint64 {
	g.t.Helper()
	info, err := g.ledger.AccountInfo(context.Background(), addr)
	require.NoError(g.t, err)
	return info.Balance
}

// call sends body as JSON and decodes the response into out when set.
func (g *gateway) call(method, path string, body, out any) int {
	g.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(g.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.server.URL+path, reader)
	require.NoError(g.t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := g.server.Client().Do(req)
	require.NoError(g.t, err)
	defer res.Body.Close()
	if out != nil {
		require.NoError(g.t, json.NewDecoder(res.Body).Decode(out))
	}
	return res.StatusCode
}

func TestTriggerPreparedAndSubmittedOverHTTP(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	alice, bob, caller := g.funded(100_000), g.funded(100_000), g.funded(100_000)

	var failure errorBody
	require.Equal(t, http.StatusConflict, g.call(http.MethodPost, "/v1/queue/trigger/prepare", prepareRequest{Address: caller.Address()}, &failure))
	require.Equal(t, "rejected", failure.Kind)
	require.Contains(t, failure.Error, "queue is empty")

	_, err := g.coord.Join(ctx, alice, 6)
	require.NoError(t, err)
	_, err = g.coord.Join(ctx, bob, 4)
	require.NoError(t, err)

	var st statusResponse
	require.Equal(t, http.StatusOK, g.call(http.MethodGet, "/v1/queue/status", nil, &st))
	require.True(t, st.CanTrigger)
	require.Equal(t, uint64(10), st.QueueCount)
	require.Equal(t, uint64(1100), st.TotalEscrowed)
	require.Equal(t, g.coord.AppID(), st.AppID)

	var pending settlement.PendingGroup
	require.Equal(t, http.StatusOK, g.call(http.MethodPost, "/v1/queue/trigger/prepare", prepareRequest{Address: caller.Address()}, &pending))
	require.Equal(t, settlement.KindPayout, pending.Kind)
	require.False(t, pending.Complete(), "caller leg is left unsigned")

	var unsigned errorBody
	require.Equal(t, http.StatusBadRequest, g.call(http.MethodPost, "/v1/groups/submit", pending, &unsigned))
	require.Equal(t, "validation", unsigned.Kind)

	require.NoError(t, pending.Sign(caller))
	before := g.balance(g.platform)
	var res queuesvc.Result
	require.Equal(t, http.StatusOK, g.call(http.MethodPost, "/v1/groups/submit", pending, &res))
	require.NotZero(t, res.Round)
	require.Equal(t, uint64(1100), res.Amount)
	require.Zero(t, res.Status.QueueCount)
	require.Equal(t, before+1100, g.balance(g.platform))
}

func TestRefundPrepareWithoutEscrowIsNoOp(t *testing.T) {
	g := newGateway(t)
	stranger := g.funded(1_000)
	var res queuesvc.Result
	require.Equal(t, http.StatusOK, g.call(http.MethodPost, "/v1/queue/refund/prepare", prepareRequest{Address: stranger.Address()}, &res))
	require.True(t, res.NoOp)

	var failure errorBody
	require.Equal(t, http.StatusBadRequest, g.call(http.MethodPost, "/v1/queue/refund/prepare", map[string]any{"address": ""}, &failure))
	require.Equal(t, http.StatusBadRequest, g.call(http.MethodPost, "/v1/queue/refund/prepare", map[string]any{"participant": "x"}, &failure))
}

func TestRefundPrepareReportsOpenWindow(t *testing.T) {
	g := newGateway(t)
	alice := g.funded(100_000)
	_, err := g.coord.Join(context.Background(), alice, 3)
	require.NoError(t, err)

	var failure errorBody
	require.Equal(t, http.StatusConflict, g.call(http.MethodPost, "/v1/queue/refund/prepare", prepareRequest{Address: alice.Address()}, &failure))
	require.Contains(t, failure.Error, "time window still open")

	g.now = g.now.Add(2 * time.Hour)
	var pending settlement.PendingGroup
	require.Equal(t, http.StatusOK, g.call(http.MethodPost, "/v1/queue/refund/prepare", prepareRequest{Address: alice.Address()}, &pending))
	require.Equal(t, settlement.KindRefund, pending.Kind)
	require.Equal(t, uint64(330), pending.Amount)
}

func TestSwapLifecycleOverHTTP(t *testing.T) {
	g := newGateway(t)
	a, b := g.funded(100_000), g.funded(100_000)

	var proposed swap.Swap
	status := g.call(http.MethodPost, "/v1/swaps", proposeRequest{
		LegA:       swap.Leg{Amount: 500, From: a.Address(), To: b.Address()},
		LegB:       swap.Leg{Amount: 700, From: b.Address(), To: a.Address()},
		TTLSeconds: 600,
	}, &proposed)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, swap.StatusPending, proposed.Status)

	var built swap.Swap
	require.Equal(t, http.StatusOK, g.call(http.MethodPost, "/v1/swaps/"+proposed.ID.String()+"/build", nil, &built))
	require.Len(t, built.Group, 2)

	fromA, err := swap.Sign(&built, a)
	require.NoError(t, err)
	fromB, err := swap.Sign(&built, b)
	require.NoError(t, err)

	balA, balB := g.balance(a.Address()), g.balance(b.Address())
	var done swap.Swap
	require.Equal(t, http.StatusOK, g.call(http.MethodPost, "/v1/swaps/"+proposed.ID.String()+"/execute", executeRequest{Signed: [][]types.SignedTxn{fromA, fromB}}, &done))
	require.Equal(t, swap.StatusCompleted, done.Status)
	require.Equal(t, balA-500+700-memory.DefaultMinFee, g.balance(a.Address()))
	require.Equal(t, balB-700+500-memory.DefaultMinFee, g.balance(b.Address()))

	var listed struct {
		Swaps []swap.Swap `json:"swaps"`
	}
	require.Equal(t, http.StatusOK, g.call(http.MethodGet, "/v1/swaps?status=completed&party="+a.Address().String(), nil, &listed))
	require.Len(t, listed.Swaps, 1)

	var failure errorBody
	require.Equal(t, http.StatusConflict, g.call(http.MethodPost, "/v1/swaps/"+proposed.ID.String()+"/execute", executeRequest{Signed: [][]types.SignedTxn{fromA, fromB}}, &failure))
	require.Equal(t, http.StatusNotFound, g.call(http.MethodGet, "/v1/swaps/"+uuid.NewString(), nil, &failure))
	require.Equal(t, http.StatusBadRequest, g.call(http.MethodGet, "/v1/swaps/not-a-uuid", nil, &failure))
}

func TestAssetRoutes(t *testing.T) {
	g := newGateway(t)
	ctx := context.Background()
	creator, fan := g.funded(1_000_000), g.funded(1_000_000)
	rec, err := g.assets.CreateAsset(ctx, creator, assets.CreateRequest{
		TotalSupply: 5,
		UnitName:    "TIX",
		AssetName:   "Dockside Sessions",
		EventRef:    "dockside-2026",
	})
	require.NoError(t, err)
	require.NoError(t, g.assets.OptIn(ctx, fan, rec.AssetID))
	_, err = g.assets.Mint(ctx, rec.AssetID, creator, fan.Address(), 1)
	require.NoError(t, err)

	path := fmt.Sprintf("/v1/assets/%d", rec.AssetID)
	var got index.AssetRecord
	require.Equal(t, http.StatusOK, g.call(http.MethodGet, path, nil, &got))
	require.Equal(t, uint64(1), got.CurrentSupply)
	require.Equal(t, "TIX", got.UnitName)

	var v assets.Verification
	require.Equal(t, http.StatusOK, g.call(http.MethodGet, path+"/verify?eventRef=dockside-2026&address="+fan.Address().String(), nil, &v))
	require.True(t, v.Valid)
	var reserve assets.Verification
	require.Equal(t, http.StatusOK, g.call(http.MethodGet, path+"/verify?address="+creator.Address().String(), nil, &reserve))
	require.True(t, reserve.Valid, "the reserve still holds the unminted units")
	require.Equal(t, uint64(4), reserve.Balance)

	var stranger assets.Verification
	require.Equal(t, http.StatusOK, g.call(http.MethodGet, path+"/verify?address="+g.funded(1000).Address().String(), nil, &stranger))
	require.False(t, stranger.Valid)
	require.Zero(t, stranger.Balance)

	var listed struct {
		Assets []index.AssetRecord `json:"assets"`
	}
	require.Equal(t, http.StatusOK, g.call(http.MethodGet, "/v1/assets?creator="+creator.Address().String(), nil, &listed))
	require.Len(t, listed.Assets, 1)

	var failure errorBody
	require.Equal(t, http.StatusNotFound, g.call(http.MethodGet, "/v1/assets/9999", nil, &failure))
	require.Equal(t, http.StatusBadRequest, g.call(http.MethodGet, "/v1/assets/abc", nil, &failure))
	require.Equal(t, http.StatusBadRequest, g.call(http.MethodGet, path+"/verify?address=nope", nil, &failure))
}

func TestQueueStreamPushesStatusAndEvents(t *testing.T) {
	g := newGateway(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/v1/queue/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() streamMessage {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg streamMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
	first := read()
	require.Equal(t, "status", first.Type)
	require.Zero(t, first.Status.QueueCount)

	alice := g.funded(100_000)
	_, err = g.coord.Join(ctx, alice, 2)
	require.NoError(t, err)

	var sawEvent, sawCount bool
	for !(sawEvent && sawCount) {
		msg := read()
		switch msg.Type {
		case "event":
			sawEvent = msg.Event.Type == events.TypeQueueJoined
		case "status":
			sawCount = msg.Status.QueueCount == 2
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	g := newGateway(t)
	var health map[string]any
	require.Equal(t, http.StatusOK, g.call(http.MethodGet, "/healthz", nil, &health))
	require.Equal(t, "ok", health["status"])

	res, err := g.server.Client().Get(g.server.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestClassifyMapsErrorTaxonomy(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{bmerrors.Validation("amount", "must be positive"), http.StatusBadRequest, "validation"},
		{&bmerrors.InsufficientFundsError{Account: "a", Required: 10, Available: 4}, http.StatusPaymentRequired, "insufficient_funds"},
		{bmerrors.Network("params", fmt.Errorf("connection refused")), http.StatusServiceUnavailable, "network"},
		{bmerrors.OutcomeUnknown("wait for confirmation", "ab12", bmerrors.Network("ledger_pending", fmt.Errorf("unexpected EOF"))), http.StatusGatewayTimeout, "outcome_unknown"},
		{bmerrors.Rejected("double spend"), http.StatusConflict, "rejected"},
		{bmerrors.Precondition("threshold not met"), http.StatusConflict, "rejected"},
		{bmerrors.NotFound("asset 9"), http.StatusNotFound, "not_found"},
		{&bmerrors.StateInconsistencyError{Missing: []string{"threshold"}}, http.StatusInternalServerError, "state_inconsistency"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, body := classify(tc.err)
		if status != tc.status || body.Kind != tc.kind {
			t.Fatalf("%v: got %d/%s, want %d/%s", tc.err, status, body.Kind, tc.status, tc.kind)
		}
	}
	_, body := classify(&bmerrors.InsufficientFundsError{Required: 10, Available: 4})
	if body.Shortfall != 6 {
		t.Fatalf("expected shortfall 6, got %d", body.Shortfall)
	}
	_, body = classify(bmerrors.OutcomeUnknown("ledger_submit", "ab12", fmt.Errorf("connection reset")))
	if body.Retryable || body.TxID != "ab12" {
		t.Fatalf("outcome unknown must carry the tx id and not be retryable: %+v", body)
	}
}
