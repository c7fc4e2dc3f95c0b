package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"

	"batchmint/core/types"
	"batchmint/services/swap"
)

func (c *cli) runSwapSign(args []string) int {
	fs := c.flagSet("swap-sign")
	var id, out string
	fs.StringVar(&id, "id", "", "swap id")
	fs.StringVar(&out, "out", "", "write the signed copy here instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	swapID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return c.fail("--id must be a swap uuid")
	}
	signer, err := c.signer()
	if err != nil {
		return c.fail("%v", err)
	}
	ctx, cancel := c.deadline()
	defer cancel()

	// Build reuses a still valid group, so both parties sign the same one.
	var s swap.Swap
	if err := c.gatewayJSON(ctx, http.MethodPost, "/v1/swaps/"+swapID.String()+"/build", nil, &s); err != nil {
		return c.fail("build swap: %v", err)
	}
	if signer.Address() != s.A.From && signer.Address() != s.B.From {
		return c.fail("%s is not a party to swap %s", signer.Address(), swapID)
	}
	signed, err := swap.Sign(&s, signer)
	if err != nil {
		return c.fail("sign: %v", err)
	}
	raw, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		return c.fail("encode: %v", err)
	}
	if out == "" {
		fmt.Fprintln(c.stdout, string(raw))
		return 0
	}
	if err := os.WriteFile(out, raw, 0o600); err != nil {
		return c.fail("write %s: %v", out, err)
	}
	fmt.Fprintf(c.stdout, "signed copy of %s written to %s\n", swapID, out)
	return 0
}

func (c *cli) runSwapExecute(args []string) int {
	fs := c.flagSet("swap-execute")
	var id, files string
	fs.StringVar(&id, "id", "", "swap id")
	fs.StringVar(&files, "signed", "", "comma separated signed copies from swap-sign")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	swapID, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return c.fail("--id must be a swap uuid")
	}
	var copies [][]types.SignedTxn
	for _, path := range strings.Split(files, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return c.fail("read %s: %v", path, err)
		}
		var signed []types.SignedTxn
		if err := json.Unmarshal(raw, &signed); err != nil {
			return c.fail("decode %s: %v", path, err)
		}
		copies = append(copies, signed)
	}
	if len(copies) == 0 {
		return c.fail("--signed needs at least one file")
	}
	ctx, cancel := c.deadline()
	defer cancel()
	var done swap.Swap
	body := map[string]any{"signed": copies}
	if err := c.gatewayJSON(ctx, http.MethodPost, "/v1/swaps/"+swapID.String()+"/execute", body, &done); err != nil {
		return c.fail("execute swap: %v", err)
	}
	return c.printJSON(done)
}
