package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML files can use strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the batchd service configuration.
type Config struct {
	Service       string              `toml:"Service"`
	Environment   string              `toml:"Environment"`
	Ledger        LedgerConfig        `toml:"ledger"`
	Queue         QueueConfig         `toml:"queue"`
	Gateway       GatewayConfig       `toml:"gateway"`
	Index         IndexConfig         `toml:"index"`
	Swap          SwapConfig          `toml:"swap"`
	Observability ObservabilityConfig `toml:"observability"`
}

// LedgerConfig points at the ledger node's JSON-RPC endpoint.
type LedgerConfig struct {
	Endpoint          string   `toml:"Endpoint"`
	AuthToken         string   `toml:"AuthToken"`
	AuthTokenEnv      string   `toml:"AuthTokenEnv"`
	Timeout           Duration `toml:"Timeout"`
	PollInterval      Duration `toml:"PollInterval"`
	RequestsPerSecond float64  `toml:"RequestsPerSecond"`
	Burst             int      `toml:"Burst"`
	ConfirmRounds     uint64   `toml:"ConfirmRounds"`
}

// QueueConfig selects the coordinated queue application and the escrow key.
type QueueConfig struct {
	AppID               uint64   `toml:"AppID"`
	EscrowKeystore      string   `toml:"EscrowKeystore"`
	EscrowPassphraseEnv string   `toml:"EscrowPassphraseEnv"`
	ReadRetries         int      `toml:"ReadRetries"`
	ReadBackoff         Duration `toml:"ReadBackoff"`
}

// GatewayConfig tunes the HTTP gateway.
type GatewayConfig struct {
	ListenAddress     string   `toml:"ListenAddress"`
	ReadTimeout       Duration `toml:"ReadTimeout"`
	WriteTimeout      Duration `toml:"WriteTimeout"`
	IdleTimeout       Duration `toml:"IdleTimeout"`
	RequestsPerSecond float64  `toml:"RequestsPerSecond"`
	Burst             int      `toml:"Burst"`
	StreamInterval    Duration `toml:"StreamInterval"`
	// MaxConnections caps concurrently accepted connections. Zero disables
	// the cap.
	MaxConnections int `toml:"MaxConnections"`
}

// IndexConfig selects the side index database.
type IndexConfig struct {
	DSN string `toml:"DSN"`
}

// SwapConfig tunes the swap orchestrator.
type SwapConfig struct {
	DefaultTTL    Duration `toml:"DefaultTTL"`
	SweepInterval Duration `toml:"SweepInterval"`
}

// ObservabilityConfig controls logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel         string  `toml:"LogLevel"`
	Metrics          bool    `toml:"Metrics"`
	Tracing          bool    `toml:"Tracing"`
	TraceSampleRatio float64 `toml:"TraceSampleRatio"`
	OTLPEndpoint     string  `toml:"OTLPEndpoint"`
	OTLPHeaders      string  `toml:"OTLPHeaders"`
	Insecure         bool    `toml:"Insecure"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Service:     "batchd",
		Environment: "devnet",
		Ledger: LedgerConfig{
			Endpoint:          "http://127.0.0.1:8545",
			Timeout:           Duration{10 * time.Second},
			PollInterval:      Duration{time.Second},
			RequestsPerSecond: 20,
			Burst:             40,
			ConfirmRounds:     10,
		},
		Queue: QueueConfig{
			EscrowPassphraseEnv: "BATCHMINT_ESCROW_PASSPHRASE",
			ReadRetries:         3,
			ReadBackoff:         Duration{200 * time.Millisecond},
		},
		Gateway: GatewayConfig{
			ListenAddress:     ":8080",
			ReadTimeout:       Duration{15 * time.Second},
			WriteTimeout:      Duration{30 * time.Second},
			IdleTimeout:       Duration{2 * time.Minute},
			RequestsPerSecond: 5,
			Burst:             10,
			StreamInterval:    Duration{2 * time.Second},
			MaxConnections:    1024,
		},
		Index: IndexConfig{DSN: "batchmint-index.db"},
		Swap: SwapConfig{
			DefaultTTL:    Duration{15 * time.Minute},
			SweepInterval: Duration{30 * time.Second},
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Metrics:  true,
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LedgerAuthToken returns the configured token, preferring the environment
// variable when one is named and set.
func (c *Config) LedgerAuthToken() string {
	if env := strings.TrimSpace(c.Ledger.AuthTokenEnv); env != "" {
		if value := strings.TrimSpace(os.Getenv(env)); value != "" {
			return value
		}
	}
	return c.Ledger.AuthToken
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Service) == "" {
		return fmt.Errorf("config: Service must be set")
	}
	if strings.TrimSpace(c.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger.Endpoint must be set")
	}
	if c.Ledger.Timeout.Duration <= 0 {
		return fmt.Errorf("ledger.Timeout must be positive")
	}
	if c.Ledger.RequestsPerSecond < 0 || c.Ledger.Burst < 0 {
		return fmt.Errorf("ledger rate limit must not be negative")
	}
	if c.Queue.ReadRetries < 0 {
		return fmt.Errorf("queue.ReadRetries must not be negative")
	}
	if c.Queue.EscrowKeystore != "" && c.Queue.AppID == 0 {
		return fmt.Errorf("queue.AppID must be set when an escrow keystore is configured")
	}
	if strings.TrimSpace(c.Gateway.ListenAddress) == "" {
		return fmt.Errorf("gateway.ListenAddress must be set")
	}
	if c.Gateway.RequestsPerSecond <= 0 || c.Gateway.Burst <= 0 {
		return fmt.Errorf("gateway rate limit must be positive")
	}
	if c.Gateway.StreamInterval.Duration <= 0 {
		return fmt.Errorf("gateway.StreamInterval must be positive")
	}
	if c.Gateway.MaxConnections < 0 {
		return fmt.Errorf("gateway.MaxConnections must not be negative")
	}
	if strings.TrimSpace(c.Index.DSN) == "" {
		return fmt.Errorf("index.DSN must be set")
	}
	if c.Swap.DefaultTTL.Duration <= 0 {
		return fmt.Errorf("swap.DefaultTTL must be positive")
	}
	if c.Swap.SweepInterval.Duration <= 0 {
		return fmt.Errorf("swap.SweepInterval must be positive")
	}
	switch strings.ToLower(c.Observability.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("observability.LogLevel %q is not a level", c.Observability.LogLevel)
	}
	if r := c.Observability.TraceSampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("observability.TraceSampleRatio must be within [0, 1]")
	}
	return nil
}
