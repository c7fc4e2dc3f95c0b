package ledger

import "batchmint/core/types"

// JSON-RPC method names served by ledger nodes.
const (
	MethodParams      = "ledger_params"
	MethodSubmit      = "ledger_submit"
	MethodPending     = "ledger_pending"
	MethodAccount     = "ledger_account"
	MethodApplication = "ledger_application"
	MethodAsset       = "ledger_asset"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeNotFound       = -32004
	CodeRejected       = -32010
)

// SubmitParams carries a signed group.
type SubmitParams struct {
	Txns []types.SignedTxn `json:"txns"`
}

// SubmitResult carries the id of the first transaction of a group.
type SubmitResult struct {
	TxID types.Hash `json:"txId"`
}

// PendingParams selects a transaction by id.
type PendingParams struct {
	TxID types.Hash `json:"txId"`
}

// PendingResult reports the status of a submitted transaction.
type PendingResult struct {
	Confirmed    bool                `json:"confirmed"`
	Confirmation *types.Confirmation `json:"confirmation,omitempty"`
	PoolError    string              `json:"poolError,omitempty"`
}

// AccountParams selects an account.
type AccountParams struct {
	Address types.Address `json:"address"`
}

// IDParams selects an application or asset.
type IDParams struct {
	ID uint64 `json:"id"`
}
