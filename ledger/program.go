package ledger

import "batchmint/core/types"

// AppContext is the view an on-ledger application gets while one of its calls
// is applied. Mutations to Global and Local storage are discarded if any leg of
// the enclosing group fails.
type AppContext interface {
	AppID() uint64
	Sender() types.Address
	Args() [][]byte
	// Group returns every leg of the enclosing atomic group; Index is the
	// position of the current call within it.
	Group() []types.Transaction
	Index() int
	// Now is the unix timestamp of the block being assembled.
	Now() int64
	Global() types.KeyValues
	// Local returns addr's storage for this application, or false when addr
	// has not opted in.
	Local(addr types.Address) (types.KeyValues, bool)
}

// Program is a deployed stateful application. Returning an error rejects the
// whole group.
type Program interface {
	OptIn(ctx AppContext) error
	Call(ctx AppContext) error
}
