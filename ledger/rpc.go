package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	bmerrors "batchmint/core/errors"
	"batchmint/core/types"
)

// RPCOptions configures an RPCClient.
type RPCOptions struct {
	Endpoint     string
	AuthToken    string
	Timeout      time.Duration
	RPS          float64
	Burst        int
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// RPCClient implements Client against a ledger node's JSON-RPC endpoint.
type RPCClient struct {
	endpoint     string
	authToken    string
	http         *http.Client
	limiter      *rate.Limiter
	pollInterval time.Duration
	nextID       atomic.Int64
}

var _ Client = (*RPCClient)(nil)

// NewRPCClient constructs a client with sensible defaults.
func NewRPCClient(opts RPCOptions) (*RPCClient, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, bmerrors.Validation("endpoint", "ledger endpoint required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &RPCClient{
		endpoint:     endpoint,
		authToken:    strings.TrimSpace(opts.AuthToken),
		http:         client,
		limiter:      rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		pollInterval: opts.PollInterval,
	}, nil
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SuggestedParams fetches the current network parameters.
func (c *RPCClient) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	var out types.SuggestedParams
	if err := c.call(ctx, MethodParams, []any{}, &out); err != nil {
		return types.SuggestedParams{}, err
	}
	return out, nil
}

// errNotSent marks transport failures that happened before the request left
// the client.
var errNotSent = errors.New("request not sent")

// Submit sends a signed group. A transport failure after the request may have
// reached the node is reported as an OutcomeUnknownError.
func (c *RPCClient) Submit(ctx context.Context, group []types.SignedTxn) (types.Hash, error) {
	if len(group) == 0 {
		return types.Hash{}, bmerrors.Validation("group", "empty group")
	}
	var out SubmitResult
	if err := c.call(ctx, MethodSubmit, []any{SubmitParams{Txns: group}}, &out); err != nil {
		if mayHaveBeenSent(err) {
			return types.Hash{}, bmerrors.OutcomeUnknown(MethodSubmit, group[0].Txn.ID().String(), err)
		}
		return types.Hash{}, err
	}
	return out.TxID, nil
}

func mayHaveBeenSent(err error) bool {
	var netErr *bmerrors.NetworkError
	if !errors.As(err, &netErr) {
		return false
	}
	if errors.Is(err, errNotSent) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return false
	}
	return true
}

// WaitForConfirmation polls the node until txID commits or rounds pass. Only
// a pool error is a definite rejection; every other failure leaves the outcome
// unknown.
func (c *RPCClient) WaitForConfirmation(ctx context.Context, txID types.Hash, rounds uint64) (*types.Confirmation, error) {
	if rounds == 0 {
		rounds = DefaultConfirmRounds
	}
	const op = "wait for confirmation"
	start, err := c.SuggestedParams(ctx)
	if err != nil {
		return nil, bmerrors.OutcomeUnknown(op, txID.String(), err)
	}
	deadline := start.LastRound + rounds
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		var pending PendingResult
		if err := c.call(ctx, MethodPending, []any{PendingParams{TxID: txID}}, &pending); err != nil {
			return nil, bmerrors.OutcomeUnknown(op, txID.String(), err)
		}
		if pending.PoolError != "" {
			return nil, bmerrors.Rejected("%s", pending.PoolError)
		}
		if pending.Confirmed && pending.Confirmation != nil {
			return pending.Confirmation, nil
		}
		params, err := c.SuggestedParams(ctx)
		if err != nil {
			return nil, bmerrors.OutcomeUnknown(op, txID.String(), err)
		}
		if params.LastRound > deadline {
			return nil, bmerrors.OutcomeUnknown(op, txID.String(), fmt.Errorf("not confirmed within %d rounds", rounds))
		}
		select {
		case <-ctx.Done():
			return nil, bmerrors.OutcomeUnknown(op, txID.String(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// AccountInfo fetches balances, holdings and local state.
func (c *RPCClient) AccountInfo(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	var out types.AccountInfo
	if err := c.call(ctx, MethodAccount, []any{AccountParams{Address: addr}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ApplicationInfo fetches an application's global state.
func (c *RPCClient) ApplicationInfo(ctx context.Context, appID uint64) (*types.ApplicationInfo, error) {
	var out types.ApplicationInfo
	if err := c.call(ctx, MethodApplication, []any{IDParams{ID: appID}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AssetInfo fetches an asset's parameters.
func (c *RPCClient) AssetInfo(ctx context.Context, assetID uint64) (*types.AssetInfo, error) {
	var out types.AssetInfo
	if err := c.call(ctx, MethodAsset, []any{IDParams{ID: assetID}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return bmerrors.Network(method, fmt.Errorf("%w: %v", errNotSent, err))
	}
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return bmerrors.Network(method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return bmerrors.Network(method, fmt.Errorf("%w: throttled by node", errNotSent))
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return bmerrors.Network(method, fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return bmerrors.Network(method, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return mapRPCError(method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return fmt.Errorf("ledger rpc %s: empty result", method)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

func mapRPCError(method string, obj *jsonRPCErrorObj) error {
	switch obj.Code {
	case CodeRejected:
		return bmerrors.Rejected("%s", obj.Message)
	case CodeNotFound:
		return &bmerrors.RejectedByLedgerError{Reason: obj.Message, Err: bmerrors.ErrNotFound}
	case CodeInvalidParams:
		return &bmerrors.ValidationError{Field: method, Reason: obj.Message}
	default:
		return fmt.Errorf("ledger rpc %s error %d: %s", method, obj.Code, obj.Message)
	}
}
