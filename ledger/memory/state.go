package memory

import (
	"encoding/json"
	"fmt"

	"batchmint/core/types"
	"batchmint/storage"
)

var snapshotPrefix = []byte("ledger/snapshot/")

// SnapshotRetention is how many round snapshots stay in the database.
// Older rounds are pruned after each save.
const SnapshotRetention = 3

func snapshotKey(round uint64) []byte {
	return append(append([]byte(nil), snapshotPrefix...), fmt.Sprintf("%020d", round)...)
}

type account struct {
	Balance uint64                     `json:"balance"`
	Assets  map[uint64]uint64          `json:"assets,omitempty"`
	Local   map[uint64]types.KeyValues `json:"local,omitempty"`
	Created []uint64                   `json:"created,omitempty"`
}

func (a *account) clone() *account {
	out := &account{Balance: a.Balance}
	if a.Assets != nil {
		out.Assets = make(map[uint64]uint64, len(a.Assets))
		for id, amount := range a.Assets {
			out.Assets[id] = amount
		}
	}
	if a.Local != nil {
		out.Local = make(map[uint64]types.KeyValues, len(a.Local))
		for id, kv := range a.Local {
			out.Local[id] = kv.Clone()
		}
	}
	out.Created = append([]uint64(nil), a.Created...)
	return out
}

type application struct {
	ID      uint64          `json:"id"`
	Creator types.Address   `json:"creator"`
	Kind    string          `json:"kind"`
	Global  types.KeyValues `json:"global"`
}

type asset struct {
	ID      uint64            `json:"id"`
	Creator types.Address     `json:"creator"`
	Params  types.AssetParams `json:"params"`
}

// state is everything the ledger commits. Each group is applied to a clone
// and swapped in only when every leg succeeds.
type state struct {
	Round     uint64                             `json:"round"`
	Timestamp int64                              `json:"timestamp"`
	NextID    uint64                             `json:"nextId"`
	Accounts  map[types.Address]*account         `json:"accounts"`
	Apps      map[uint64]*application            `json:"apps"`
	Assets    map[uint64]*asset                  `json:"assets"`
	Guards    map[types.Address]uint64           `json:"guards"`
	Committed map[types.Hash]*types.Confirmation `json:"committed"`
}

func newState() *state {
	return &state{
		NextID:    1000,
		Accounts:  make(map[types.Address]*account),
		Apps:      make(map[uint64]*application),
		Assets:    make(map[uint64]*asset),
		Guards:    make(map[types.Address]uint64),
		Committed: make(map[types.Hash]*types.Confirmation),
	}
}

// clone copies everything a group can touch. Committed confirmations are
// append-only and shared.
func (s *state) clone() *state {
	out := &state{
		Round:     s.Round,
		Timestamp: s.Timestamp,
		NextID:    s.NextID,
		Accounts:  make(map[types.Address]*account, len(s.Accounts)),
		Apps:      make(map[uint64]*application, len(s.Apps)),
		Assets:    make(map[uint64]*asset, len(s.Assets)),
		Guards:    make(map[types.Address]uint64, len(s.Guards)),
		Committed: s.Committed,
	}
	for addr, acct := range s.Accounts {
		out.Accounts[addr] = acct.clone()
	}
	for id, app := range s.Apps {
		copied := *app
		copied.Global = app.Global.Clone()
		out.Apps[id] = &copied
	}
	for id, a := range s.Assets {
		copied := *a
		out.Assets[id] = &copied
	}
	for addr, appID := range s.Guards {
		out.Guards[addr] = appID
	}
	return out
}

func (s *state) account(addr types.Address) *account {
	acct, ok := s.Accounts[addr]
	if !ok {
		acct = &account{}
		s.Accounts[addr] = acct
	}
	return acct
}

func (s *state) allocateID() uint64 {
	s.NextID++
	return s.NextID
}

func (s *state) accountInfo(addr types.Address) *types.AccountInfo {
	info := &types.AccountInfo{Address: addr}
	acct, ok := s.Accounts[addr]
	if !ok {
		return info
	}
	info.Balance = acct.Balance
	if len(acct.Assets) > 0 {
		info.Assets = make(map[uint64]uint64, len(acct.Assets))
		for id, amount := range acct.Assets {
			info.Assets[id] = amount
		}
	}
	if len(acct.Local) > 0 {
		info.AppsLocalState = make(map[uint64]types.KeyValues, len(acct.Local))
		for id, kv := range acct.Local {
			info.AppsLocalState[id] = kv.Clone()
		}
	}
	info.CreatedAssets = append([]uint64(nil), acct.Created...)
	return info
}

// loadSnapshot restores the latest round snapshot. Keys sort by round.
func loadSnapshot(db storage.Database) (*state, error) {
	var raw []byte
	err := db.Iterate(snapshotPrefix, func(_, value []byte) bool {
		raw = value
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("load ledger snapshot: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	st := newState()
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decode ledger snapshot: %w", err)
	}
	if st.Committed == nil {
		st.Committed = make(map[types.Hash]*types.Confirmation)
	}
	if st.Guards == nil {
		st.Guards = make(map[types.Address]uint64)
	}
	return st, nil
}

func saveSnapshot(db storage.Database, st *state) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode ledger snapshot: %w", err)
	}
	if err := db.Put(snapshotKey(st.Round), raw); err != nil {
		return err
	}
	return pruneSnapshots(db, SnapshotRetention)
}

func pruneSnapshots(db storage.Database, keep int) error {
	var keys [][]byte
	err := db.Iterate(snapshotPrefix, func(key, _ []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return fmt.Errorf("list ledger snapshots: %w", err)
	}
	for len(keys) > keep {
		if err := db.Delete(keys[0]); err != nil {
			return fmt.Errorf("prune ledger snapshot %s: %w", keys[0], err)
		}
		keys = keys[1:]
	}
	return nil
}
