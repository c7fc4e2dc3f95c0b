package txgroup

import (
	"testing"

	"github.com/stretchr/testify/require"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/crypto"
)

func signer(t *testing.T) *types.KeySigner {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return types.NewKeySigner(key)
}

func legs(a, b types.Address) []types.Transaction {
	return []types.Transaction{
		{Type: types.TxTypeAppCall, Sender: a, AppID: 1, AppArgs: [][]byte{[]byte("join")}, Fee: 1000},
		{Type: types.TxTypePayment, Sender: a, Receiver: b, Amount: 6, Fee: 1000},
	}
}

func TestAssignIsDeterministic(t *testing.T) {
	a, b := signer(t), signer(t)
	first, id1, err := Assign(legs(a.Address(), b.Address()))
	require.NoError(t, err)
	_, id2, err := Assign(legs(a.Address(), b.Address()))
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	for _, tx := range first {
		require.Equal(t, id1, tx.Group)
	}
	got, err := Verify(first)
	require.NoError(t, err)
	require.Equal(t, id1, got)
}

func TestOrderChangesID(t *testing.T) {
	a, b := signer(t), signer(t)
	txns := legs(a.Address(), b.Address())
	_, forward, err := Assign(txns)
	require.NoError(t, err)
	_, reverse, err := Assign([]types.Transaction{txns[1], txns[0]})
	require.NoError(t, err)
	require.NotEqual(t, forward, reverse)
}

func TestAssignRejectsRegrouping(t *testing.T) {
	a, b := signer(t), signer(t)
	grouped, _, err := Assign(legs(a.Address(), b.Address()))
	require.NoError(t, err)
	_, _, err = Assign(grouped)
	require.True(t, bmerrors.IsValidation(err))

	_, _, err = Assign(nil)
	require.True(t, bmerrors.IsValidation(err))
}

func TestVerifyDetectsTampering(t *testing.T) {
	a, b := signer(t), signer(t)
	grouped, _, err := Assign(legs(a.Address(), b.Address()))
	require.NoError(t, err)
	grouped[1].Amount = 7
	_, err = Verify(grouped)
	require.Error(t, err)
}

func TestSignOnlyOwnLegs(t *testing.T) {
	a, b := signer(t), signer(t)
	txns := []types.Transaction{
		{Type: types.TxTypePayment, Sender: a.Address(), Receiver: b.Address(), Amount: 1},
		{Type: types.TxTypeAssetTransfer, Sender: b.Address(), Receiver: a.Address(), AssetID: 9, Amount: 1},
	}
	grouped, _, err := Assign(txns)
	require.NoError(t, err)
	partial, err := Sign(types.Unsigned(grouped), a)
	require.NoError(t, err)
	require.True(t, partial[0].Signed())
	require.False(t, partial[1].Signed())
	require.NoError(t, partial[0].Verify())

	full, err := Sign(partial, b)
	require.NoError(t, err)
	require.True(t, full[0].Signed())
	require.NoError(t, full[1].Verify())

	outsider := signer(t)
	_, err = Sign(full, outsider)
	require.True(t, bmerrors.IsValidation(err))
}

func TestMergeCombinesCosignatures(t *testing.T) {
	a, b := signer(t), signer(t)
	txns := []types.Transaction{
		{Type: types.TxTypePayment, Sender: a.Address(), Receiver: b.Address(), Amount: 5},
		{Type: types.TxTypePayment, Sender: b.Address(), Receiver: a.Address(), Amount: 7},
	}
	grouped, _, err := Assign(txns)
	require.NoError(t, err)
	fromA, err := Sign(types.Unsigned(grouped), a)
	require.NoError(t, err)
	fromB, err := Sign(types.Unsigned(grouped), b)
	require.NoError(t, err)

	merged, err := Merge(fromA, fromB)
	require.NoError(t, err)
	require.NoError(t, merged[0].Verify())
	require.NoError(t, merged[1].Verify())

	tampered := types.Unsigned(grouped)
	tampered[1].Txn.Amount = 70
	_, err = Merge(fromA, tampered)
	require.True(t, bmerrors.IsValidation(err))

	_, err = Merge(fromA, fromA[:1])
	require.True(t, bmerrors.IsValidation(err))
}
