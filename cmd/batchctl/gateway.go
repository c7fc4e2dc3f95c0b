package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var gatewayHTTPClient = http.DefaultClient

// gatewayError is a non-2xx gateway reply.
type gatewayError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	Shortfall uint64 `json:"shortfall"`
	TxID      string `json:"txId"`
}

func (e *gatewayError) Error() string {
	msg := fmt.Sprintf("gateway %d", e.Status)
	if e.Kind != "" {
		msg += " " + e.Kind
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Shortfall > 0 {
		msg += fmt.Sprintf(" (short by %d)", e.Shortfall)
	}
	if e.TxID != "" {
		msg += fmt.Sprintf(" (check tx %s before retrying)", e.TxID)
	}
	if e.Retryable {
		msg += " (retryable)"
	}
	return msg
}

// callGateway sends body as JSON and returns the raw reply.
func (c *cli) callGateway(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}
	url := strings.TrimRight(c.opts.gatewayURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := gatewayHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode/100 != 2 {
		gwErr := &gatewayError{Status: res.StatusCode}
		if jsonErr := json.Unmarshal(raw, gwErr); jsonErr != nil {
			gwErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, gwErr
	}
	return raw, nil
}

func (c *cli) gatewayJSON(ctx context.Context, method, path string, body, out any) error {
	raw, err := c.callGateway(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
