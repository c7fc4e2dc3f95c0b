// Package rpcserver exposes a reference ledger over the JSON-RPC methods that
// ledger.RPCClient speaks.
package rpcserver

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	bmerrors "batchmint/core/errors"
	"batchmint/ledger"
	"batchmint/ledger/memory"
	"batchmint/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20
)

// RPCRequest is a JSON-RPC 2.0 request. Params is positional.
type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      any               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Server serves a memory.Ledger.
type Server struct {
	ledger    *memory.Ledger
	authToken string
	logger    *slog.Logger
}

// New builds a server. When authToken is set, ledger_submit requires it as a
// bearer token.
func New(l *memory.Ledger, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ledger: l, authToken: strings.TrimSpace(authToken), logger: logger}
}

// Handler returns the HTTP routes: POST / for JSON-RPC and GET /healthz.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Post("/", s.handle)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		params, _ := s.ledger.SuggestedParams(r.Context())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "round": params.LastRound})
	})
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, nil, ledger.CodeInvalidRequest, "failed to read request body", err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, ledger.CodeInvalidRequest, "request body required", nil)
		return
	}
	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, ledger.CodeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, ledger.CodeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}

	// Application errors travel in the JSON-RPC envelope with a 200 so clients
	// only read transport-level statuses as network failures.
	result, rpcErr := s.dispatch(r, req)
	status := http.StatusOK
	if rpcErr != nil {
		writeError(w, status, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		status = rpcStatus(rpcErr.Code)
	} else {
		writeResult(w, req.ID, result)
	}
	observability.HTTP().Observe("ledger", req.Method, status, time.Since(start))
}

func (s *Server) dispatch(r *http.Request, req *RPCRequest) (any, *RPCError) {
	ctx := r.Context()
	switch req.Method {
	case ledger.MethodParams:
		params, err := s.ledger.SuggestedParams(ctx)
		return params, toRPCError(err)

	case ledger.MethodSubmit:
		if rpcErr := s.requireAuth(r); rpcErr != nil {
			return nil, rpcErr
		}
		var params ledger.SubmitParams
		if rpcErr := decodeParam(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
		txID, err := s.ledger.Submit(ctx, params.Txns)
		if err != nil {
			s.logger.Debug("submit rejected", "legs", len(params.Txns), "error", err)
			return nil, toRPCError(err)
		}
		return ledger.SubmitResult{TxID: txID}, nil

	case ledger.MethodPending:
		var params ledger.PendingParams
		if rpcErr := decodeParam(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
		conf, ok := s.ledger.Pending(params.TxID)
		if !ok {
			return ledger.PendingResult{}, nil
		}
		return ledger.PendingResult{Confirmed: true, Confirmation: conf}, nil

	case ledger.MethodAccount:
		var params ledger.AccountParams
		if rpcErr := decodeParam(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
		info, err := s.ledger.AccountInfo(ctx, params.Address)
		return info, toRPCError(err)

	case ledger.MethodApplication:
		var params ledger.IDParams
		if rpcErr := decodeParam(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
		info, err := s.ledger.ApplicationInfo(ctx, params.ID)
		return info, toRPCError(err)

	case ledger.MethodAsset:
		var params ledger.IDParams
		if rpcErr := decodeParam(req, &params); rpcErr != nil {
			return nil, rpcErr
		}
		info, err := s.ledger.AssetInfo(ctx, params.ID)
		return info, toRPCError(err)

	case "":
		return nil, &RPCError{Code: ledger.CodeInvalidRequest, Message: "method required"}
	default:
		return nil, &RPCError{Code: ledger.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.authToken)) != 1 {
		return &RPCError{Code: ledger.CodeRejected, Message: "unauthorized"}
	}
	return nil
}

func decodeParam(req *RPCRequest, out any) *RPCError {
	if len(req.Params) != 1 {
		return &RPCError{Code: ledger.CodeInvalidParams, Message: fmt.Sprintf("%s expects one parameter", req.Method)}
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return &RPCError{Code: ledger.CodeInvalidParams, Message: "invalid parameter", Data: err.Error()}
	}
	return nil
}

func toRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, bmerrors.ErrNotFound):
		return &RPCError{Code: ledger.CodeNotFound, Message: err.Error()}
	case bmerrors.IsValidation(err):
		return &RPCError{Code: ledger.CodeInvalidParams, Message: err.Error()}
	case bmerrors.IsRejected(err):
		return &RPCError{Code: ledger.CodeRejected, Message: rejectionReason(err)}
	default:
		return &RPCError{Code: ledger.CodeInternal, Message: err.Error()}
	}
}

// rejectionReason strips the local "rejected by ledger" prefix so the client
// does not repeat it when it rebuilds the error.
func rejectionReason(err error) string {
	var rejected *bmerrors.RejectedByLedgerError
	if errors.As(err, &rejected) {
		if rejected.Err != nil {
			return fmt.Sprintf("%s: %v", rejected.Reason, rejected.Err)
		}
		return rejected.Reason
	}
	return err.Error()
}

// rpcStatus maps an error code to the HTTP status recorded in metrics.
func rpcStatus(code int) int {
	switch code {
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeRejected:
		return http.StatusConflict
	case ledger.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func writeError(w http.ResponseWriter, status int, id any, code int, message string, data any) {
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(RPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

func writeResult(w http.ResponseWriter, id any, result any) {
	_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

