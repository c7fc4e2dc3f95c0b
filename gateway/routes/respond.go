package routes

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	bmerrors "batchmint/core/errors"
	"batchmint/storage/index"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable,omitempty"`
	Shortfall uint64 `json:"shortfall,omitempty"`
	TxID      string `json:"txId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the settlement error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	var (
		validation *bmerrors.ValidationError
		funds      *bmerrors.InsufficientFundsError
		unknown    *bmerrors.OutcomeUnknownError
		network    *bmerrors.NetworkError
		rejected   *bmerrors.RejectedByLedgerError
		state      *bmerrors.StateInconsistencyError
	)
	switch {
	case errors.As(err, &validation):
		body.Kind = "validation"
		return http.StatusBadRequest, body
	case errors.As(err, &funds):
		body.Kind = "insufficient_funds"
		body.Shortfall = funds.Shortfall()
		return http.StatusPaymentRequired, body
	case errors.As(err, &unknown):
		// The group may have committed; retrying would build a second one.
		body.Kind = "outcome_unknown"
		body.TxID = unknown.TxID
		return http.StatusGatewayTimeout, body
	case errors.As(err, &network):
		body.Kind = "network"
		body.Retryable = true
		return http.StatusServiceUnavailable, body
	case errors.Is(err, index.ErrNotFound):
		body.Kind = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, index.ErrConflict):
		body.Kind = "conflict"
		return http.StatusConflict, body
	case errors.As(err, &rejected):
		body.Kind = "rejected"
		return http.StatusConflict, body
	case errors.As(err, &state):
		body.Kind = "state_inconsistency"
		return http.StatusInternalServerError, body
	default:
		body.Kind = "internal"
		return http.StatusInternalServerError, body
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return bmerrors.Validation("body", "request body required")
		}
		return bmerrors.Validation("body", "%v", err)
	}
	return nil
}
