package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/services/swap"
)

type proposeRequest struct {
	LegA swap.Leg `json:"legA"`
	LegB swap.Leg `json:"legB"`

	// TTLSeconds zero selects the orchestrator default.
	TTLSeconds int64 `json:"ttlSeconds"`
}

type executeRequest struct {
	// Signed holds each party's copy of the group with its own leg signed.
	Signed [][]types.SignedTxn `json:"signed"`
}

func swapIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, bmerrors.Validation("id", "swap id must be a uuid")
	}
	return id, nil
}

func (s *server) listSwaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var party types.Address
	if raw := strings.TrimSpace(q.Get("party")); raw != "" {
		if party, err = types.ParseAddress(raw); err != nil {
			writeError(w, s.logger, bmerrors.Validation("party", "%v", err))
			return
		}
	}
	out, err := s.cfg.Swaps.List(r.Context(), party, swap.Status(q.Get("status")), limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swaps": out})
}

func (s *server) proposeSwap(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, s.logger, bmerrors.Validation("ttlSeconds", "must not be negative"))
		return
	}
	out, err := s.cfg.Swaps.Propose(r.Context(), req.LegA, req.LegB, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *server) getSwap(w http.ResponseWriter, r *http.Request) {
	id, err := swapIDParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.cfg.Swaps.Get(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) buildSwap(w http.ResponseWriter, r *http.Request) {
	id, err := swapIDParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out, err := s.cfg.Swaps.Build(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) executeSwap(w http.ResponseWriter, r *http.Request) {
	id, err := swapIDParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if len(req.Signed) == 0 {
		writeError(w, s.logger, bmerrors.Validation("signed", "at least one signed copy required"))
		return
	}
	out, err := s.cfg.Swaps.Execute(r.Context(), id, req.Signed...)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
