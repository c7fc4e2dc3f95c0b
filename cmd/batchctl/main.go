package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"batchmint/cmd/internal/passphrase"
	"batchmint/core/types"
	"batchmint/crypto"
	"batchmint/ledger"
)

const defaultPassphraseEnv = "BATCHCTL_PASSPHRASE"

type globalOptions struct {
	ledgerURL   string
	ledgerToken string
	gatewayURL  string
	appID       uint64
	keystore    string
	passEnv     string
	timeout     time.Duration
}

var dialLedger = func(opts globalOptions) (ledger.Client, error) {
	return ledger.NewRPCClient(ledger.RPCOptions{
		Endpoint:  opts.ledgerURL,
		AuthToken: opts.ledgerToken,
		Timeout:   opts.timeout,
	})
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, rest, err := parseGlobalFlags(args, stderr)
	if err != nil {
		return 1
	}
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	c := &cli{opts: opts, stdout: stdout, stderr: stderr}
	switch rest[0] {
	case "keygen":
		return c.runKeygen(rest[1:])
	case "address":
		return c.runAddress(rest[1:])
	case "status":
		return c.runStatus(rest[1:])
	case "init":
		return c.runInit(rest[1:])
	case "join":
		return c.runJoin(rest[1:])
	case "trigger":
		return c.runTrigger(rest[1:])
	case "refund":
		return c.runRefund(rest[1:])
	case "swap-sign":
		return c.runSwapSign(rest[1:])
	case "swap-execute":
		return c.runSwapExecute(rest[1:])
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func parseGlobalFlags(args []string, stderr io.Writer) (globalOptions, []string, error) {
	fs := flag.NewFlagSet("batchctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }

	var opts globalOptions
	appID, _ := strconv.ParseUint(os.Getenv("BATCHCTL_APP_ID"), 10, 64)
	fs.StringVar(&opts.ledgerURL, "ledger", envOr("BATCHCTL_LEDGER", "http://127.0.0.1:8545"), "ledger JSON-RPC endpoint")
	fs.StringVar(&opts.ledgerToken, "ledger-token", os.Getenv("BATCHCTL_LEDGER_TOKEN"), "ledger bearer token")
	fs.StringVar(&opts.gatewayURL, "gateway", envOr("BATCHCTL_GATEWAY", "http://127.0.0.1:8080"), "batchd gateway base URL")
	fs.Uint64Var(&opts.appID, "app-id", appID, "queue application id")
	fs.StringVar(&opts.keystore, "keystore", os.Getenv("BATCHCTL_KEYSTORE"), "keystore file of the acting account")
	fs.StringVar(&opts.passEnv, "passphrase-env", defaultPassphraseEnv, "environment variable holding the keystore passphrase")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall command timeout")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

type cli struct {
	opts   globalOptions
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("batchctl "+name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	fs.Usage = func() { fmt.Fprintln(c.stderr, usage()) }
	return fs
}

func (c *cli) fail(format string, args ...any) int {
	fmt.Fprintf(c.stderr, "Error: "+format+"\n", args...)
	return 1
}

func (c *cli) printJSON(v any) int {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return c.fail("encode output: %v", err)
	}
	fmt.Fprintln(c.stdout, string(raw))
	return 0
}

func (c *cli) passphrase() *passphrase.Source {
	return passphrase.NewSource(c.opts.passEnv, "keystore")
}

func (c *cli) signer() (types.Signer, error) {
	path := strings.TrimSpace(c.opts.keystore)
	if path == "" {
		return nil, fmt.Errorf("--keystore is required")
	}
	secret, err := c.passphrase().Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, secret)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", path, err)
	}
	return types.NewKeySigner(key), nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  batchctl [global flags] <command> [flags]

Global flags:
  --ledger URL           ledger JSON-RPC endpoint ($BATCHCTL_LEDGER)
  --gateway URL          batchd gateway ($BATCHCTL_GATEWAY)
  --app-id ID            queue application id ($BATCHCTL_APP_ID)
  --keystore PATH        keystore of the acting account ($BATCHCTL_KEYSTORE)
  --passphrase-env NAME  variable holding the keystore passphrase

Commands:
  keygen        Create a new keystore (--out PATH)
  address       Print the keystore address
  status        Show the queue status
  init          Start the queue clock
  join          Join the queue (--count N)
  trigger       Settle a queue whose threshold is met
  refund        Reclaim escrowed funds after the window expires
  swap-sign     Sign your leg of a swap (--id UUID [--out PATH])
  swap-execute  Submit the signed copies of a swap (--id UUID --signed a.json,b.json)
`)
}
