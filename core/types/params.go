package types

// SuggestedParams are the network parameters a transaction must be built
// against. They go stale as rounds advance.
type SuggestedParams struct {
	GenesisID string `json:"genesisId"`
	LastRound uint64 `json:"lastRound"`
	MinFee    uint64 `json:"minFee"`
	// Timestamp is the ledger clock, in unix seconds, that application
	// programs evaluate time windows against.
	Timestamp int64 `json:"timestamp"`
}

// Confirmation reports where a committed group landed.
type Confirmation struct {
	TxID           Hash   `json:"txId"`
	GroupID        Hash   `json:"groupId"`
	Round          uint64 `json:"round"`
	Timestamp      int64  `json:"timestamp"`
	CreatedAssetID uint64 `json:"createdAssetId,omitempty"`
	CreatedAppID   uint64 `json:"createdAppId,omitempty"`
}
