package memory

import (
	"fmt"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/ledger"
)

func (l *Ledger) apply(st *state, group []types.Transaction, idx int, conf *types.Confirmation) error {
	tx := group[idx]
	sender := st.account(tx.Sender)
	if err := l.checkGuard(st, group, idx); err != nil {
		return err
	}
	if sender.Balance < tx.Fee {
		return bmerrors.Rejected("leg %d: %s cannot cover fee %d with balance %d", idx, tx.Sender, tx.Fee, sender.Balance)
	}
	sender.Balance -= tx.Fee

	switch tx.Type {
	case types.TxTypePayment:
		if sender.Balance < tx.Amount {
			return bmerrors.Rejected("leg %d: %s overspends: balance %d, payment %d", idx, tx.Sender, sender.Balance, tx.Amount)
		}
		receiver := st.account(tx.Receiver)
		if receiver.Balance+tx.Amount < receiver.Balance {
			return bmerrors.Rejected("leg %d: receiver balance overflow", idx)
		}
		sender.Balance -= tx.Amount
		receiver.Balance += tx.Amount

	case types.TxTypeAssetTransfer:
		if _, ok := st.Assets[tx.AssetID]; !ok {
			return bmerrors.Rejected("leg %d: asset %d does not exist", idx, tx.AssetID)
		}
		held, ok := sender.Assets[tx.AssetID]
		if !ok {
			return bmerrors.Rejected("leg %d: %s not opted in to asset %d", idx, tx.Sender, tx.AssetID)
		}
		if held < tx.Amount {
			return bmerrors.Rejected("leg %d: %s holds %d of asset %d, transfer %d", idx, tx.Sender, held, tx.AssetID, tx.Amount)
		}
		receiver := st.account(tx.Receiver)
		if _, ok := receiver.Assets[tx.AssetID]; !ok {
			return bmerrors.Rejected("leg %d: receiver %s not opted in to asset %d", idx, tx.Receiver, tx.AssetID)
		}
		sender.Assets[tx.AssetID] = held - tx.Amount
		receiver.Assets[tx.AssetID] += tx.Amount

	case types.TxTypeAssetCreate:
		params := tx.AssetParams
		if params.Total == 0 {
			return bmerrors.Rejected("leg %d: asset total must be positive", idx)
		}
		id := st.allocateID()
		st.Assets[id] = &asset{ID: id, Creator: tx.Sender, Params: params}
		holder := tx.Sender
		if !params.Reserve.IsZero() {
			holder = params.Reserve
		}
		reserve := st.account(holder)
		if reserve.Assets == nil {
			reserve.Assets = make(map[uint64]uint64)
		}
		reserve.Assets[id] = params.Total
		sender.Created = append(sender.Created, id)
		conf.CreatedAssetID = id

	case types.TxTypeAssetOptIn:
		if _, ok := st.Assets[tx.AssetID]; !ok {
			return bmerrors.Rejected("leg %d: asset %d does not exist", idx, tx.AssetID)
		}
		if sender.Assets == nil {
			sender.Assets = make(map[uint64]uint64)
		}
		if _, ok := sender.Assets[tx.AssetID]; !ok {
			sender.Assets[tx.AssetID] = 0
		}

	case types.TxTypeAppOptIn:
		program, err := l.program(st, tx.AppID, idx)
		if err != nil {
			return err
		}
		if _, ok := sender.Local[tx.AppID]; ok {
			return bmerrors.Rejected("leg %d: %s already opted in to application %d", idx, tx.Sender, tx.AppID)
		}
		if sender.Local == nil {
			sender.Local = make(map[uint64]types.KeyValues)
		}
		sender.Local[tx.AppID] = types.KeyValues{}
		if err := program.OptIn(newAppContext(st, group, idx, conf.Timestamp)); err != nil {
			return &bmerrors.RejectedByLedgerError{Reason: fmt.Sprintf("leg %d: application %d opt-in", idx, tx.AppID), Err: err}
		}

	case types.TxTypeAppCall:
		program, err := l.program(st, tx.AppID, idx)
		if err != nil {
			return err
		}
		if err := program.Call(newAppContext(st, group, idx, conf.Timestamp)); err != nil {
			return &bmerrors.RejectedByLedgerError{Reason: fmt.Sprintf("leg %d: application %d call", idx, tx.AppID), Err: err}
		}
	}
	return nil
}

// checkGuard rejects debits from a guarded account unless the group calls the
// guarding application. The application then validates the debit itself.
func (l *Ledger) checkGuard(st *state, group []types.Transaction, idx int) error {
	tx := group[idx]
	appID, guarded := st.Guards[tx.Sender]
	if !guarded {
		return nil
	}
	if tx.Type != types.TxTypePayment {
		return bmerrors.Rejected("leg %d: guarded account %s may only send payments", idx, tx.Sender)
	}
	for i, other := range group {
		if i != idx && other.Type == types.TxTypeAppCall && other.AppID == appID {
			return nil
		}
	}
	return bmerrors.Rejected("leg %d: debit from guarded account %s requires a call to application %d", idx, tx.Sender, appID)
}

func (l *Ledger) program(st *state, appID uint64, idx int) (ledger.Program, error) {
	app, ok := st.Apps[appID]
	if !ok {
		return nil, bmerrors.Rejected("leg %d: application %d does not exist", idx, appID)
	}
	program, ok := l.programs[app.Kind]
	if !ok {
		return nil, bmerrors.Rejected("leg %d: application %d has no %q program loaded", idx, appID, app.Kind)
	}
	return program, nil
}

type appContext struct {
	st    *state
	group []types.Transaction
	idx   int
	now   int64
}

func newAppContext(st *state, group []types.Transaction, idx int, now int64) *appContext {
	return &appContext{st: st, group: group, idx: idx, now: now}
}

func (c *appContext) AppID() uint64              { return c.group[c.idx].AppID }
func (c *appContext) Sender() types.Address      { return c.group[c.idx].Sender }
func (c *appContext) Args() [][]byte             { return c.group[c.idx].AppArgs }
func (c *appContext) Group() []types.Transaction { return c.group }
func (c *appContext) Index() int                 { return c.idx }
func (c *appContext) Now() int64                 { return c.now }

func (c *appContext) Global() types.KeyValues {
	return c.st.Apps[c.AppID()].Global
}

func (c *appContext) Local(addr types.Address) (types.KeyValues, bool) {
	acct, ok := c.st.Accounts[addr]
	if !ok {
		return nil, false
	}
	kv, ok := acct.Local[c.AppID()]
	return kv, ok
}
