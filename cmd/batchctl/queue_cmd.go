package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"batchmint/core/types"
	queuesvc "batchmint/services/queue"
	"batchmint/services/settlement"
)

// coordinator returns a read and join coordinator. Escrow releases go through
// the gateway, which holds the escrow key.
func (c *cli) coordinator() (*queuesvc.Coordinator, error) {
	if c.opts.appID == 0 {
		return nil, fmt.Errorf("--app-id is required")
	}
	client, err := dialLedger(c.opts)
	if err != nil {
		return nil, err
	}
	return queuesvc.New(client, nil, c.opts.appID)
}

func (c *cli) deadline() (context.Context, context.CancelFunc) {
	timeout := c.opts.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

type statusOutput struct {
	AppID                uint64 `json:"appId"`
	TimeRemainingSeconds int64  `json:"timeRemainingSeconds"`
	Status               any    `json:"status"`
}

func (c *cli) runStatus(args []string) int {
	if err := c.flagSet("status").Parse(args); err != nil {
		return 1
	}
	coord, err := c.coordinator()
	if err != nil {
		return c.fail("%v", err)
	}
	ctx, cancel := c.deadline()
	defer cancel()
	st, err := coord.Status(ctx)
	if err != nil {
		return c.fail("%v", err)
	}
	return c.printJSON(statusOutput{
		AppID:                coord.AppID(),
		TimeRemainingSeconds: int64(st.TimeRemaining / time.Second),
		Status:               st,
	})
}

func (c *cli) runInit(args []string) int {
	if err := c.flagSet("init").Parse(args); err != nil {
		return 1
	}
	coord, err := c.coordinator()
	if err != nil {
		return c.fail("%v", err)
	}
	signer, err := c.signer()
	if err != nil {
		return c.fail("%v", err)
	}
	ctx, cancel := c.deadline()
	defer cancel()
	res, err := coord.Init(ctx, signer)
	if err != nil {
		return c.fail("%v", err)
	}
	return c.printJSON(res)
}

func (c *cli) runJoin(args []string) int {
	fs := c.flagSet("join")
	var count uint64
	fs.Uint64Var(&count, "count", 1, "number of requests to join with")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if count == 0 {
		return c.fail("--count must be positive")
	}
	coord, err := c.coordinator()
	if err != nil {
		return c.fail("%v", err)
	}
	signer, err := c.signer()
	if err != nil {
		return c.fail("%v", err)
	}
	ctx, cancel := c.deadline()
	defer cancel()
	res, err := coord.Join(ctx, signer, count)
	if err != nil {
		return c.fail("%v", err)
	}
	return c.printJSON(res)
}

func (c *cli) runTrigger(args []string) int {
	if err := c.flagSet("trigger").Parse(args); err != nil {
		return 1
	}
	signer, err := c.signer()
	if err != nil {
		return c.fail("%v", err)
	}
	ctx, cancel := c.deadline()
	defer cancel()
	var pending settlement.PendingGroup
	if err := c.gatewayJSON(ctx, http.MethodPost, "/v1/queue/trigger/prepare", prepareBody(signer.Address()), &pending); err != nil {
		return c.fail("prepare trigger: %v", err)
	}
	return c.settle(ctx, &pending, signer)
}

func (c *cli) runRefund(args []string) int {
	if err := c.flagSet("refund").Parse(args); err != nil {
		return 1
	}
	signer, err := c.signer()
	if err != nil {
		return c.fail("%v", err)
	}
	ctx, cancel := c.deadline()
	defer cancel()
	raw, err := c.callGateway(ctx, http.MethodPost, "/v1/queue/refund/prepare", prepareBody(signer.Address()))
	if err != nil {
		return c.fail("prepare refund: %v", err)
	}
	var peek struct {
		NoOp bool `json:"noop"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		return c.fail("decode reply: %v", err)
	}
	if peek.NoOp {
		var res queuesvc.Result
		if err := json.Unmarshal(raw, &res); err != nil {
			return c.fail("decode reply: %v", err)
		}
		return c.printJSON(res)
	}
	var pending settlement.PendingGroup
	if err := json.Unmarshal(raw, &pending); err != nil {
		return c.fail("decode reply: %v", err)
	}
	return c.settle(ctx, &pending, signer)
}

// settle signs the caller's leg of a prepared group and submits it through
// the gateway so the coordinator records the outcome.
func (c *cli) settle(ctx context.Context, pending *settlement.PendingGroup, signer types.Signer) int {
	if err := pending.Sign(signer); err != nil {
		return c.fail("sign: %v", err)
	}
	if !pending.Complete() {
		return c.fail("prepared group still has unsigned legs")
	}
	var res queuesvc.Result
	if err := c.gatewayJSON(ctx, http.MethodPost, "/v1/groups/submit", pending, &res); err != nil {
		return c.fail("submit: %v", err)
	}
	return c.printJSON(res)
}

func prepareBody(addr types.Address) map[string]string {
	return map[string]string{"address": addr.String()}
}
