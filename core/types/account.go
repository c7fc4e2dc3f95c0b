package types

import "sort"

// StateValueType tags the payload of a StateValue.
type StateValueType uint8

const (
	StateBytes StateValueType = 1
	StateUint  StateValueType = 2
)

// StateValue is a single application storage slot.
type StateValue struct {
	Type  StateValueType `json:"type"`
	Bytes []byte         `json:"bytes,omitempty"`
	Uint  uint64         `json:"uint,omitempty"`
}

// KeyValues is application storage, global or per-account.
type KeyValues map[string]StateValue

// Uint returns the integer stored under key, or zero when absent.
func (kv KeyValues) Uint(key string) uint64 {
	v, ok := kv[key]
	if !ok || v.Type != StateUint {
		return 0
	}
	return v.Uint
}

// Bytes returns the byte slice stored under key, or nil when absent.
func (kv KeyValues) Bytes(key string) []byte {
	v, ok := kv[key]
	if !ok || v.Type != StateBytes {
		return nil
	}
	return v.Bytes
}

// Has reports whether key is present.
func (kv KeyValues) Has(key string) bool {
	_, ok := kv[key]
	return ok
}

// SetUint stores an integer slot.
func (kv KeyValues) SetUint(key string, v uint64) {
	kv[key] = StateValue{Type: StateUint, Uint: v}
}

// SetBytes stores a byte slot.
func (kv KeyValues) SetBytes(key string, v []byte) {
	kv[key] = StateValue{Type: StateBytes, Bytes: append([]byte(nil), v...)}
}

// Clone returns a deep copy.
func (kv KeyValues) Clone() KeyValues {
	if kv == nil {
		return nil
	}
	out := make(KeyValues, len(kv))
	for k, v := range kv {
		if v.Bytes != nil {
			v.Bytes = append([]byte(nil), v.Bytes...)
		}
		out[k] = v
	}
	return out
}

// Keys returns the slot names in sorted order.
func (kv KeyValues) Keys() []string {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AccountInfo is the ledger's view of a single account.
type AccountInfo struct {
	Address Address `json:"address"`
	Balance uint64  `json:"balance"`
	// Assets maps asset id to the units held. Presence means opted in.
	Assets map[uint64]uint64 `json:"assets,omitempty"`
	// AppsLocalState maps application id to local storage. Presence means
	// opted in.
	AppsLocalState map[uint64]KeyValues `json:"appsLocalState,omitempty"`
	CreatedAssets  []uint64             `json:"createdAssets,omitempty"`
}

// OptedInAsset reports whether the account may receive units of assetID.
func (a *AccountInfo) OptedInAsset(assetID uint64) bool {
	if a == nil {
		return false
	}
	_, ok := a.Assets[assetID]
	return ok
}

// AssetBalance returns the units of assetID held by the account.
func (a *AccountInfo) AssetBalance(assetID uint64) uint64 {
	if a == nil {
		return 0
	}
	return a.Assets[assetID]
}

// OptedInApp reports whether the account holds local state for appID.
func (a *AccountInfo) OptedInApp(appID uint64) bool {
	if a == nil {
		return false
	}
	_, ok := a.AppsLocalState[appID]
	return ok
}

// LocalState returns the account's storage for appID, or nil.
func (a *AccountInfo) LocalState(appID uint64) KeyValues {
	if a == nil {
		return nil
	}
	return a.AppsLocalState[appID]
}

// ApplicationInfo is the ledger's view of a deployed application.
type ApplicationInfo struct {
	ID          uint64    `json:"id"`
	Creator     Address   `json:"creator"`
	GlobalState KeyValues `json:"globalState"`
}

// AssetInfo is the ledger's view of an issued asset.
type AssetInfo struct {
	ID      uint64      `json:"id"`
	Creator Address     `json:"creator"`
	Params  AssetParams `json:"params"`
}
