package main

import (
	"fmt"
	"strings"

	"batchmint/core/types"
	"batchmint/crypto"
)

func (c *cli) runKeygen(args []string) int {
	fs := c.flagSet("keygen")
	var (
		out   string
		light bool
	)
	fs.StringVar(&out, "out", "", "keystore file to create")
	fs.BoolVar(&light, "light-kdf", false, "use the light scrypt parameters")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(out) == "" {
		return c.fail("--out is required")
	}
	secret, err := c.passphrase().Get()
	if err != nil {
		return c.fail("%v", err)
	}
	key, err := crypto.GenerateKeystore(out, secret, light)
	if err != nil {
		return c.fail("generate keystore: %v", err)
	}
	fmt.Fprintln(c.stdout, types.NewKeySigner(key).Address().String())
	return 0
}

func (c *cli) runAddress(args []string) int {
	if err := c.flagSet("address").Parse(args); err != nil {
		return 1
	}
	signer, err := c.signer()
	if err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintln(c.stdout, signer.Address().String())
	return 0
}
