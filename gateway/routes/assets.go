package routes

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/storage/index"
)

func assetIDParam(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, bmerrors.Validation("id", "asset id must be a positive integer")
	}
	return id, nil
}

func limitParam(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, bmerrors.Validation("limit", "must be a non-negative integer")
	}
	return n, nil
}

func (s *server) listAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	filter := index.AssetFilter{Status: q.Get("status"), EventRef: q.Get("eventRef"), Limit: limit}
	if raw := strings.TrimSpace(q.Get("creator")); raw != "" {
		creator, err := types.ParseAddress(raw)
		if err != nil {
			writeError(w, s.logger, bmerrors.Validation("creator", "%v", err))
			return
		}
		filter.Creator = creator.String()
	}
	recs, err := s.cfg.Assets.List(r.Context(), filter)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assets": recs})
}

func (s *server) getAsset(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	rec, err := s.cfg.Assets.Get(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *server) verifyAsset(w http.ResponseWriter, r *http.Request) {
	id, err := assetIDParam(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	addr, err := types.ParseAddress(strings.TrimSpace(r.URL.Query().Get("address")))
	if err != nil {
		writeError(w, s.logger, bmerrors.Validation("address", "%v", err))
		return
	}
	v, err := s.cfg.Assets.Verify(r.Context(), id, addr, r.URL.Query().Get("eventRef"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
