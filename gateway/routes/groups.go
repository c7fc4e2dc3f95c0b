package routes

import (
	"net/http"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/ledger"
	"batchmint/services/settlement"
	"batchmint/txgroup"
)

// submitRequest carries a fully signed group. Groups returned by the prepare
// endpoints come back with their kind set and are completed by the queue
// coordinator, which reads caller, destination and amount from the
// transactions. The echoed descriptive fields are accepted and ignored. Any
// other group is relayed as is.
type submitRequest struct {
	Kind        settlement.Kind   `json:"kind,omitempty"`
	GroupID     types.Hash        `json:"groupId,omitempty"`
	Caller      types.Address     `json:"caller,omitempty"`
	Destination types.Address     `json:"destination,omitempty"`
	Amount      uint64            `json:"amount,omitempty"`
	Txns        []types.SignedTxn `json:"txns"`
}

func (s *server) submitGroup(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if len(req.Txns) == 0 {
		writeError(w, s.logger, bmerrors.Validation("txns", "at least one signed transaction required"))
		return
	}
	for i, stx := range req.Txns {
		if !stx.Signed() {
			writeError(w, s.logger, bmerrors.Validation("txns", "leg %d is not signed", i))
			return
		}
	}
	if len(req.Txns) > 1 {
		if _, err := txgroup.Verify(txgroup.Transactions(req.Txns)); err != nil {
			writeError(w, s.logger, bmerrors.Validation("txns", "%v", err))
			return
		}
	}

	if req.Kind != "" {
		if s.cfg.Queue == nil {
			writeError(w, s.logger, bmerrors.Validation("kind", "no queue coordinator configured"))
			return
		}
		if req.Kind != settlement.KindPayout && req.Kind != settlement.KindRefund {
			writeError(w, s.logger, bmerrors.Validation("kind", "unknown settlement kind %q", req.Kind))
			return
		}
		res, err := s.cfg.Queue.Complete(r.Context(), req.Txns)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	conf, err := ledger.SubmitAndWait(r.Context(), s.cfg.Ledger, req.Txns, s.cfg.ConfirmRounds)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.logger.Info("group relayed", "legs", len(req.Txns), "group", conf.GroupID.String(), "round", conf.Round)
	writeJSON(w, http.StatusOK, conf)
}
