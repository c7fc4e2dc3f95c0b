package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	bmerrors "batchmint/core/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAssetRoundTripAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"issued", "minted", "issued"} {
		rec := &AssetRecord{
			AssetID:     uint64(1000 + i),
			Creator:     "tkt1creator",
			UnitName:    "TIX",
			TotalSupply: 100,
			Authorities: map[string]string{"manager": "tkt1creator"},
			Attributes:  map[string]string{"row": fmt.Sprint(i)},
			Status:      status,
			EventRef:    "concert-2026",
		}
		if err := store.PutAsset(ctx, rec); err != nil {
			t.Fatalf("put asset: %v", err)
		}
	}

	got, err := store.GetAsset(ctx, 1001)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if got.Status != "minted" || got.Attributes["row"] != "1" || got.Authorities["manager"] != "tkt1creator" {
		t.Fatalf("unexpected record %+v", got)
	}

	got.CurrentSupply = 40
	got.Status = "sold_out"
	if err := store.PutAsset(ctx, got); err != nil {
		t.Fatalf("update asset: %v", err)
	}
	again, err := store.GetAsset(ctx, 1001)
	if err != nil {
		t.Fatalf("reload asset: %v", err)
	}
	if again.CurrentSupply != 40 || again.Status != "sold_out" {
		t.Fatalf("update not persisted: %+v", again)
	}

	issued, err := store.QueryAssets(ctx, AssetFilter{Status: "issued", EventRef: "concert-2026"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(issued) != 2 || issued[0].AssetID != 1000 || issued[1].AssetID != 1002 {
		t.Fatalf("unexpected query result %+v", issued)
	}

	if _, err := store.GetAsset(ctx, 77); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.PutAsset(ctx, &AssetRecord{}); !bmerrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAddSupplyAccumulatesConcurrentIncrements(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.PutAsset(ctx, &AssetRecord{AssetID: 7, UnitName: "TIX", TotalSupply: 10, Status: "issued"}); err != nil {
		t.Fatalf("put asset: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AddSupply(ctx, 7, 2, "minted", "sold_out")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("add supply: %v", err)
		}
	}

	got, err := store.GetAsset(ctx, 7)
	if err != nil {
		t.Fatalf("get asset: %v", err)
	}
	if got.CurrentSupply != 10 || got.Status != "sold_out" {
		t.Fatalf("increments lost: %+v", got)
	}

	rec, err := store.AddSupply(ctx, 7, 1, "minted", "sold_out")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict past total supply, got %v", err)
	}
	if rec == nil || rec.CurrentSupply != 10 {
		t.Fatalf("conflict should report the stored record, got %+v", rec)
	}
}

func TestAddSupplyMarksPartialMint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.PutAsset(ctx, &AssetRecord{AssetID: 8, UnitName: "TIX", TotalSupply: 10, Status: "issued"}); err != nil {
		t.Fatalf("put asset: %v", err)
	}
	got, err := store.AddSupply(ctx, 8, 4, "minted", "sold_out")
	if err != nil {
		t.Fatalf("add supply: %v", err)
	}
	if got.CurrentSupply != 4 || got.Status != "minted" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestSwapQueriesAndConditionalUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	early := &SwapRecord{
		ID:     uuid.New(),
		LegA:   SwapLeg{AssetID: 5, Amount: 1, From: "alice", To: "bob"},
		LegB:   SwapLeg{Amount: 500, From: "bob", To: "alice"},
		Status: "pending",
		Expiry: now.Add(-time.Minute).Unix(),
	}
	late := &SwapRecord{
		ID:     uuid.New(),
		LegA:   SwapLeg{AssetID: 6, Amount: 2, From: "carol", To: "dave"},
		LegB:   SwapLeg{AssetID: 7, Amount: 1, From: "dave", To: "carol"},
		Status: "pending",
		Expiry: now.Add(time.Hour).Unix(),
	}
	for _, rec := range []*SwapRecord{early, late} {
		if err := store.PutSwap(ctx, rec); err != nil {
			t.Fatalf("put swap: %v", err)
		}
	}

	due, err := store.QuerySwaps(ctx, SwapFilter{Status: "pending", ExpiresBefore: now})
	if err != nil {
		t.Fatalf("query due: %v", err)
	}
	if len(due) != 1 || due[0].ID != early.ID {
		t.Fatalf("unexpected due swaps %+v", due)
	}

	bobs, err := store.QuerySwaps(ctx, SwapFilter{Party: "bob", Status: "pending"})
	if err != nil {
		t.Fatalf("query party: %v", err)
	}
	if len(bobs) != 1 || bobs[0].LegB.Amount != 500 {
		t.Fatalf("unexpected party swaps %+v", bobs)
	}

	early.Status = "expired"
	if err := store.UpdateSwap(ctx, early, "pending"); err != nil {
		t.Fatalf("update swap: %v", err)
	}
	early.Status = "completed"
	if err := store.UpdateSwap(ctx, early, "pending"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	stored, err := store.GetSwap(ctx, early.ID)
	if err != nil {
		t.Fatalf("get swap: %v", err)
	}
	if stored.Status != "expired" {
		t.Fatalf("conflicting update applied: %s", stored.Status)
	}

	if _, err := store.GetSwap(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open("  "); !bmerrors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
