package assets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	bmerrors "batchmint/core/errors"
	"batchmint/core/events"
	"batchmint/core/types"
	"batchmint/crypto"
	"batchmint/ledger"
	"batchmint/ledger/memory"
	"batchmint/storage/index"
)

type fixture struct {
	ledger   *memory.Ledger
	store    *index.Store
	service  *Service
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := memory.New()
	require.NoError(t, err)
	store, err := index.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	recorder := &events.Recorder{}
	svc, err := New(l, store, WithEmitter(recorder))
	require.NoError(t, err)
	return &fixture{ledger: l, store: store, service: svc, recorder: recorder}
}

func (f *fixture) funded(t *testing.T) types.Signer {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	s := types.NewKeySigner(key)
	require.NoError(t, f.ledger.Fund(s.Address(), 1_000_000))
	return s
}

func ticketRequest(supply uint64) CreateRequest {
	return CreateRequest{
		TotalSupply:       supply,
		UnitName:          "TIX",
		AssetName:         "Harbour Nights 2026",
		MetadataRef:       "ipfs://bafy-ticket-meta",
		EventRef:          "harbour-nights-2026",
		Attributes:        map[string]string{"section": "A"},
		RoyaltyPercentage: 5,
	}
}

func TestIssueMintAndSellOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator, fan := f.funded(t), f.funded(t)

	rec, err := f.service.CreateAsset(ctx, creator, ticketRequest(3))
	require.NoError(t, err)
	require.NotZero(t, rec.AssetID)
	require.Equal(t, string(StatusIssued), rec.Status)
	require.Equal(t, creator.Address().String(), rec.Authorities[RoleReserve])

	info, err := f.ledger.AssetInfo(ctx, rec.AssetID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), info.Params.Total)
	require.False(t, info.Params.MetadataHash.IsZero())

	_, err = f.service.Mint(ctx, rec.AssetID, creator, fan.Address(), 1)
	require.True(t, bmerrors.IsValidation(err), "recipient not opted in, got %v", err)

	require.NoError(t, f.service.OptIn(ctx, fan, rec.AssetID))
	require.NoError(t, f.service.OptIn(ctx, fan, rec.AssetID))

	rec, err = f.service.Mint(ctx, rec.AssetID, creator, fan.Address(), 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.CurrentSupply)
	require.Equal(t, string(StatusMinted), rec.Status)

	_, err = f.service.Mint(ctx, rec.AssetID, creator, fan.Address(), 2)
	require.True(t, bmerrors.IsValidation(err), "over-mint, got %v", err)

	rec, err = f.service.Mint(ctx, rec.AssetID, creator, fan.Address(), 1)
	require.NoError(t, err)
	require.Equal(t, string(StatusSoldOut), rec.Status)

	stored, err := f.service.Get(ctx, rec.AssetID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), stored.CurrentSupply)

	_, err = f.service.Mint(ctx, rec.AssetID, creator, fan.Address(), 1)
	require.True(t, bmerrors.IsValidation(err))

	require.Equal(t, []string{
		events.TypeAssetCreated,
		events.TypeAssetMinted,
		events.TypeAssetMinted,
	}, f.recorder.Types())
}

// gatedClient holds every submit until the gate opens, so callers that
// read the index first all see the same supply.
type gatedClient struct {
	ledger.Client
	gate *sync.WaitGroup
}

func (g gatedClient) Submit(ctx context.Context, group []types.SignedTxn) (types.Hash, error) {
	g.gate.Done()
	g.gate.Wait()
	return g.Client.Submit(ctx, group)
}

func TestConcurrentMintsKeepEverySupplyIncrement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator, fan := f.funded(t), f.funded(t)
	rec, err := f.service.CreateAsset(ctx, creator, ticketRequest(10))
	require.NoError(t, err)
	require.NoError(t, f.service.OptIn(ctx, fan, rec.AssetID))

	gate := &sync.WaitGroup{}
	gate.Add(2)
	racing, err := New(gatedClient{Client: f.ledger, gate: gate}, f.store)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, amount := range []uint64{4, 6} {
		wg.Add(1)
		go func(amount uint64) {
			defer wg.Done()
			_, err := racing.Mint(ctx, rec.AssetID, creator, fan.Address(), amount)
			errs <- err
		}(amount)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	stored, err := f.service.Get(ctx, rec.AssetID)
	require.NoError(t, err)
	require.Equal(t, uint64(10), stored.CurrentSupply)
	require.Equal(t, string(StatusSoldOut), stored.Status)

	reserve, err := f.ledger.AccountInfo(ctx, creator.Address())
	require.NoError(t, err)
	require.Zero(t, reserve.Assets[rec.AssetID])
	holder, err := f.ledger.AccountInfo(ctx, fan.Address())
	require.NoError(t, err)
	require.Equal(t, uint64(10), holder.Assets[rec.AssetID])

	_, err = f.service.Mint(ctx, rec.AssetID, creator, fan.Address(), 1)
	require.True(t, bmerrors.IsValidation(err), "sold out, got %v", err)
}

func TestMintRequiresReserveAuthority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator, impostor := f.funded(t), f.funded(t)
	rec, err := f.service.CreateAsset(ctx, creator, ticketRequest(5))
	require.NoError(t, err)
	require.NoError(t, f.service.OptIn(ctx, impostor, rec.AssetID))
	_, err = f.service.Mint(ctx, rec.AssetID, impostor, impostor.Address(), 1)
	require.True(t, bmerrors.IsValidation(err), "got %v", err)

	_, err = f.service.Mint(ctx, 424242, creator, impostor.Address(), 1)
	require.True(t, errors.Is(err, bmerrors.ErrNotFound), "got %v", err)
}

func TestTransferAndVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator, alice, bob := f.funded(t), f.funded(t), f.funded(t)
	rec, err := f.service.CreateAsset(ctx, creator, ticketRequest(10))
	require.NoError(t, err)
	require.NoError(t, f.service.OptIn(ctx, alice, rec.AssetID))
	_, err = f.service.Mint(ctx, rec.AssetID, creator, alice.Address(), 1)
	require.NoError(t, err)

	v, err := f.service.Verify(ctx, rec.AssetID, alice.Address(), "harbour-nights-2026")
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, alice.Address(), v.Owner)
	require.Equal(t, "harbour-nights-2026", v.Metadata.EventRef)

	v, err = f.service.Verify(ctx, rec.AssetID, alice.Address(), "another-event")
	require.NoError(t, err)
	require.False(t, v.Valid)

	_, err = f.service.Transfer(ctx, rec.AssetID, alice, bob.Address(), 1)
	require.True(t, bmerrors.IsValidation(err), "bob not opted in, got %v", err)

	require.NoError(t, f.service.OptIn(ctx, bob, rec.AssetID))
	_, err = f.service.Transfer(ctx, rec.AssetID, alice, bob.Address(), 2)
	require.True(t, bmerrors.IsInsufficientFunds(err), "got %v", err)

	conf, err := f.service.Transfer(ctx, rec.AssetID, alice, bob.Address(), 1)
	require.NoError(t, err)
	require.NotZero(t, conf.Round)

	v, err = f.service.Verify(ctx, rec.AssetID, alice.Address(), "")
	require.NoError(t, err)
	require.False(t, v.Valid, "zero holdings is a negative result, not an error")
	require.Zero(t, v.Balance)

	v, err = f.service.Verify(ctx, rec.AssetID, bob.Address(), "")
	require.NoError(t, err)
	require.True(t, v.Valid)
}

func TestCreateAssetValidation(t *testing.T) {
	f := newFixture(t)
	creator := f.funded(t)
	cases := map[string]func(*CreateRequest){
		"zero supply":     func(r *CreateRequest) { r.TotalSupply = 0 },
		"long unit name":  func(r *CreateRequest) { r.UnitName = "WAYTOOLONG" },
		"royalty too big": func(r *CreateRequest) { r.RoyaltyPercentage = 101 },
		"no unit name":    func(r *CreateRequest) { r.UnitName = "" },
	}
	for name, mutate := range cases {
		req := ticketRequest(10)
		mutate(&req)
		_, err := f.service.CreateAsset(context.Background(), creator, req)
		if !bmerrors.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	require.Empty(t, f.recorder.Types())
}

func TestNamesAreStoredInComposedForm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	creator, fan := f.funded(t), f.funded(t)

	req := ticketRequest(2)
	// Four decomposed capital E-acute take 12 bytes; composed they fit in 8.
	req.UnitName = "E\u0301E\u0301E\u0301E\u0301"
	req.AssetName = "  Cafe\u0301 Sessions "
	req.EventRef = "cafe\u0301-2026"
	rec, err := f.service.CreateAsset(ctx, creator, req)
	require.NoError(t, err)
	require.Equal(t, "\u00c9\u00c9\u00c9\u00c9", rec.UnitName)
	require.Equal(t, "Caf\u00e9 Sessions", rec.AssetName)
	require.Equal(t, "caf\u00e9-2026", rec.EventRef)

	info, err := f.ledger.AssetInfo(ctx, rec.AssetID)
	require.NoError(t, err)
	require.Equal(t, rec.UnitName, info.Params.UnitName)

	require.NoError(t, f.service.OptIn(ctx, fan, rec.AssetID))
	_, err = f.service.Mint(ctx, rec.AssetID, creator, fan.Address(), 1)
	require.NoError(t, err)
	for _, ref := range []string{"caf\u00e9-2026", "cafe\u0301-2026", " caf\u00e9-2026"} {
		v, err := f.service.Verify(ctx, rec.AssetID, fan.Address(), ref)
		require.NoError(t, err)
		require.True(t, v.Valid, "event ref %q", ref)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDrafted, StatusIssued, true},
		{StatusDrafted, StatusMinted, false},
		{StatusIssued, StatusMinted, true},
		{StatusIssued, StatusSoldOut, true},
		{StatusMinted, StatusMinted, true},
		{StatusMinted, StatusSoldOut, true},
		{StatusMinted, StatusIssued, false},
		{StatusSoldOut, StatusMinted, false},
	}
	for _, tc := range cases {
		got, err := tc.from.Transition(tc.to)
		if tc.ok && (err != nil || got != tc.to) {
			t.Fatalf("%s -> %s should be allowed: %v", tc.from, tc.to, err)
		}
		if !tc.ok && (err == nil || got != tc.from) {
			t.Fatalf("%s -> %s should be refused", tc.from, tc.to)
		}
	}
	if Status("bogus").Valid() || !StatusSoldOut.Valid() {
		t.Fatalf("unexpected validity")
	}
}
