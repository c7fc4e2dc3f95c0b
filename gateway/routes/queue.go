package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
	"batchmint/native/queue"
	queuesvc "batchmint/services/queue"
)

const wsWriteTimeout = 10 * time.Second

type statusResponse struct {
	queue.Status
	AppID                uint64 `json:"appId"`
	TimeRemainingSeconds int64  `json:"timeRemainingSeconds"`
}

func newStatusResponse(appID uint64, st queue.Status) statusResponse {
	return statusResponse{AppID: appID, Status: st, TimeRemainingSeconds: int64(st.TimeRemaining / time.Second)}
}

type prepareRequest struct {
	Address types.Address `json:"address"`
}

func (s *server) queueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Queue.Status(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(s.cfg.Queue.AppID(), st))
}

func (s *server) prepareTrigger(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.Address.IsZero() {
		writeError(w, s.logger, bmerrors.Validation("address", "caller address required"))
		return
	}
	pending, err := s.cfg.Queue.PrepareTrigger(r.Context(), req.Address)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *server) prepareRefund(w http.ResponseWriter, r *http.Request) {
	var req prepareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if req.Address.IsZero() {
		writeError(w, s.logger, bmerrors.Validation("address", "participant address required"))
		return
	}
	pending, err := s.cfg.Queue.PrepareRefund(r.Context(), req.Address)
	if errors.Is(err, queuesvc.ErrNothingEscrowed) {
		st, statusErr := s.cfg.Queue.Status(r.Context())
		if statusErr != nil {
			writeError(w, s.logger, statusErr)
			return
		}
		writeJSON(w, http.StatusOK, queuesvc.Result{NoOp: true, Status: st})
		return
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type streamMessage struct {
	Type   string          `json:"type"`
	Status *statusResponse `json:"status,omitempty"`
	Event  *types.Event    `json:"event,omitempty"`
}

// queueStream pushes the queue status whenever it changes, plus every
// coordinator event when a broadcaster is configured.
func (s *server) queueStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
			s.logger.Debug("queue stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *server) stream(ctx context.Context, conn *websocket.Conn) error {
	var updates <-chan *types.Event
	if s.cfg.Events != nil {
		ch, cancel := s.cfg.Events.Subscribe()
		defer cancel()
		updates = ch
	}
	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	var last *queue.Status
	push := func() error {
		st, err := s.cfg.Queue.Status(ctx)
		if err != nil {
			if bmerrors.IsRetryable(err) {
				return nil
			}
			return err
		}
		if last != nil && sameProgress(*last, st) {
			return nil
		}
		last = &st
		resp := newStatusResponse(s.cfg.Queue.AppID(), st)
		return writeStream(ctx, conn, streamMessage{Type: "status", Status: &resp})
	}
	if err := push(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := push(); err != nil {
				return err
			}
		case ev, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if err := writeStream(ctx, conn, streamMessage{Type: "event", Event: ev}); err != nil {
				return err
			}
			if err := push(); err != nil {
				return err
			}
		}
	}
}

// sameProgress ignores the countdown so an idle queue does not stream every
// tick.
func sameProgress(a, b queue.Status) bool {
	return a.QueueCount == b.QueueCount &&
		a.TotalEscrowed == b.TotalEscrowed &&
		a.Epoch == b.Epoch &&
		a.QueueStartTime == b.QueueStartTime &&
		a.Phase == b.Phase
}

func writeStream(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
