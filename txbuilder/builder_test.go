package txbuilder

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/txgroup"
)

type staticParams struct {
	params types.SuggestedParams
	calls  int
	err    error
}

func (s *staticParams) SuggestedParams(context.Context) (types.SuggestedParams, error) {
	s.calls++
	return s.params, s.err
}

func addr(fill byte) types.Address {
	return types.AddressFromBytes(bytes.Repeat([]byte{fill}, 20))
}

func newStatic() *staticParams {
	return &staticParams{params: types.SuggestedParams{GenesisID: "test-v1", LastRound: 500, MinFee: 1000}}
}

func TestBuildAppliesParamsAndPooledFees(t *testing.T) {
	src := newStatic()
	b := New(src)
	txns, params, err := b.Build(context.Background(),
		AppCall{Common: Common{FeeLegs: 2}, Sender: addr(1), AppID: 7, Method: "trigger"},
		Payment{Common: Common{Sponsored: true}, From: addr(2), To: addr(3), Amount: 900},
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("params fetched %d times", src.calls)
	}
	if params.LastRound != 500 {
		t.Fatalf("unexpected params %+v", params)
	}
	call, pay := txns[0], txns[1]
	if call.Fee != 2000 || pay.Fee != 0 {
		t.Fatalf("fees not pooled: call=%d pay=%d", call.Fee, pay.Fee)
	}
	if call.FirstValid != 500 || call.LastValid != 500+DefaultWindow || call.GenesisID != "test-v1" {
		t.Fatalf("validity window not applied: %+v", call)
	}
	if string(call.AppArgs[0]) != "trigger" || call.Type != types.TxTypeAppCall {
		t.Fatalf("app call not encoded: %+v", call)
	}
	if pay.Type != types.TxTypePayment || pay.Amount != 900 || pay.Receiver != addr(3) {
		t.Fatalf("payment not encoded: %+v", pay)
	}
}

func TestValidationHappensBeforeNetwork(t *testing.T) {
	cases := map[string]Intent{
		"zero receiver":     Payment{From: addr(1), Amount: 1},
		"zero amount":       Payment{From: addr(1), To: addr(2)},
		"empty method":      AppCall{Sender: addr(1), AppID: 7},
		"missing app":       AppOptIn{Sender: addr(1)},
		"long unit name":    AssetCreate{Creator: addr(1), Params: types.AssetParams{Total: 1, UnitName: "TOOLONGNAME"}},
		"long asset name":   AssetCreate{Creator: addr(1), Params: types.AssetParams{Total: 1, UnitName: "T", AssetName: strings.Repeat("a", 33)}},
		"zero supply":       AssetCreate{Creator: addr(1), Params: types.AssetParams{UnitName: "T"}},
		"transfer no asset": AssetTransfer{From: addr(1), To: addr(2), Amount: 1},
		"sponsor pays":      Payment{Common: Common{Sponsored: true, FeeLegs: 2}, From: addr(1), To: addr(2), Amount: 1},
	}
	for name, intent := range cases {
		src := newStatic()
		_, _, err := New(src).Build(context.Background(), intent)
		if !bmerrors.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
		if src.calls != 0 {
			t.Fatalf("%s: params fetched before validation", name)
		}
	}
}

func TestBuildPropagatesNetworkErrors(t *testing.T) {
	src := newStatic()
	src.err = bmerrors.Network("params", errors.New("connection refused"))
	_, _, err := New(src).Build(context.Background(), Payment{From: addr(1), To: addr(2), Amount: 1})
	if !bmerrors.IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestBuildGroupAssignsID(t *testing.T) {
	b := New(newStatic(), WithWindow(10))
	txns, id, err := b.BuildGroup(context.Background(),
		AssetTransfer{From: addr(1), To: addr(2), AssetID: 9, Amount: 1},
		AssetTransfer{From: addr(2), To: addr(1), AssetID: 10, Amount: 3},
	)
	if err != nil {
		t.Fatalf("build group: %v", err)
	}
	if id.IsZero() || txns[0].Group != id || txns[1].Group != id {
		t.Fatalf("group id not assigned")
	}
	if txns[0].LastValid != 510 {
		t.Fatalf("custom window ignored: %d", txns[0].LastValid)
	}
	if _, err := txgroup.Verify(txns); err != nil {
		t.Fatalf("verify: %v", err)
	}
	single, id, err := b.BuildGroup(context.Background(), AssetOptIn{Holder: addr(1), AssetID: 9})
	if err != nil || !id.IsZero() || !single[0].Group.IsZero() {
		t.Fatalf("single intent must stay ungrouped: %v", err)
	}
}
