// Package txgroup binds an ordered list of transactions into one atomic unit.
// The group identifier is derived from the ordered set, so every party can
// recompute and check it before signing its own leg.
package txgroup

import (
	"fmt"

	"lukechampine.com/blake3"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
)

// MaxSize is the largest group the ledger accepts.
const MaxSize = 16

var groupDomain = []byte("TG")

// ComputeID derives the group identifier of txns. Each transaction contributes
// its ID computed with the group field cleared, in order.
func ComputeID(txns []types.Transaction) (types.Hash, error) {
	if len(txns) == 0 {
		return types.Hash{}, bmerrors.Validation("group", "at least one transaction required")
	}
	if len(txns) > MaxSize {
		return types.Hash{}, bmerrors.Validation("group", "%d transactions exceed the limit of %d", len(txns), MaxSize)
	}
	hasher := blake3.New(32, nil)
	hasher.Write(groupDomain)
	for _, tx := range txns {
		bare := tx
		bare.Group = types.Hash{}
		id := bare.ID()
		hasher.Write(id[:])
	}
	var out types.Hash
	copy(out[:], hasher.Sum(nil))
	return out, nil
}

// Assign returns copies of txns annotated with their shared group id. A
// transaction that already belongs to a group cannot join another.
func Assign(txns []types.Transaction) ([]types.Transaction, types.Hash, error) {
	for i, tx := range txns {
		if !tx.Group.IsZero() {
			return nil, types.Hash{}, bmerrors.Validation("group", "transaction %d already belongs to group %s", i, tx.Group)
		}
	}
	id, err := ComputeID(txns)
	if err != nil {
		return nil, types.Hash{}, err
	}
	out := make([]types.Transaction, len(txns))
	for i, tx := range txns {
		out[i] = tx.Clone()
		out[i].Group = id
	}
	return out, id, nil
}

// Verify checks that every leg carries the same group id and that it matches
// the ordered set. A lone ungrouped transaction is valid.
func Verify(txns []types.Transaction) (types.Hash, error) {
	if len(txns) == 1 && txns[0].Group.IsZero() {
		return types.Hash{}, nil
	}
	want, err := ComputeID(txns)
	if err != nil {
		return types.Hash{}, err
	}
	for i, tx := range txns {
		if tx.Group != want {
			return types.Hash{}, fmt.Errorf("transaction %d carries group %s, expected %s", i, tx.Group, want)
		}
	}
	return want, nil
}

// Transactions extracts the unsigned transactions from a signed group.
func Transactions(group []types.SignedTxn) []types.Transaction {
	out := make([]types.Transaction, len(group))
	for i, stx := range group {
		out[i] = stx.Txn
	}
	return out
}

// Sign fills in every leg whose sender is controlled by signer and leaves the
// others untouched.
func Sign(group []types.SignedTxn, signer types.Signer) ([]types.SignedTxn, error) {
	out := make([]types.SignedTxn, len(group))
	copy(out, group)
	signed := 0
	for i, stx := range group {
		if stx.Txn.Sender != signer.Address() {
			continue
		}
		s, err := signer.Sign(stx.Txn)
		if err != nil {
			return nil, fmt.Errorf("sign leg %d: %w", i, err)
		}
		out[i] = s
		signed++
	}
	if signed == 0 {
		return nil, bmerrors.Validation("signer", "%s sends no leg of this group", signer.Address())
	}
	return out, nil
}

// Merge combines partially signed copies of the same group. Each leg takes
// the first signature found for it. Every part must carry the same
// transactions in the same order.
func Merge(parts ...[]types.SignedTxn) ([]types.SignedTxn, error) {
	if len(parts) == 0 {
		return nil, bmerrors.Validation("group", "nothing to merge")
	}
	base := parts[0]
	ids := make([]types.Hash, len(base))
	for i, stx := range base {
		ids[i] = stx.Txn.ID()
	}
	out := make([]types.SignedTxn, len(base))
	copy(out, base)
	for p, part := range parts[1:] {
		if len(part) != len(base) {
			return nil, bmerrors.Validation("group", "part %d has %d legs, expected %d", p+1, len(part), len(base))
		}
		for i, stx := range part {
			if stx.Txn.ID() != ids[i] {
				return nil, bmerrors.Validation("group", "part %d leg %d differs from the first part", p+1, i)
			}
			if !out[i].Signed() && stx.Signed() {
				out[i].Sig = append([]byte(nil), stx.Sig...)
			}
		}
	}
	return out, nil
}
