package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"batchmint/core/types"
	"batchmint/native/queue"
)

// Genesis describes the initial state of a devnet ledger.
type Genesis struct {
	GenesisID     string         `yaml:"genesisId"`
	MinFee        uint64         `yaml:"minFee"`
	RoundInterval time.Duration  `yaml:"roundInterval"`
	DataDir       string         `yaml:"dataDir"`
	AuthToken     string         `yaml:"authToken"`
	Accounts      []GenesisAlloc `yaml:"accounts"`
	Queues        []GenesisQueue `yaml:"queues"`
}

// GenesisAlloc funds one account.
type GenesisAlloc struct {
	Address string `yaml:"address"`
	Balance uint64 `yaml:"balance"`
}

// GenesisQueue deploys one queue application. Its escrow account is guarded
// by the application from the first round.
type GenesisQueue struct {
	Name          string        `yaml:"name"`
	Creator       string        `yaml:"creator"`
	Threshold     uint64        `yaml:"threshold"`
	BaseCost      uint64        `yaml:"baseCost"`
	EffectiveCost uint64        `yaml:"effectiveCost"`
	TimeWindow    time.Duration `yaml:"timeWindow"`
	Platform      string        `yaml:"platform"`
	Escrow        string        `yaml:"escrow"`
}

// LoadGenesis reads a YAML genesis file.
func LoadGenesis(path string) (*Genesis, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open genesis: %w", err)
	}
	defer file.Close()

	var g Genesis
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&g); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	g.applyDefaults()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

func (g *Genesis) applyDefaults() {
	if strings.TrimSpace(g.GenesisID) == "" {
		g.GenesisID = "batchmint-devnet-v1"
	}
	if g.MinFee == 0 {
		g.MinFee = 1000
	}
	if g.RoundInterval == 0 {
		g.RoundInterval = 2 * time.Second
	}
}

// Validate checks addresses and queue parameters.
func (g *Genesis) Validate() error {
	if g.RoundInterval < 0 {
		return fmt.Errorf("genesis: roundInterval must not be negative")
	}
	for i, alloc := range g.Accounts {
		if _, err := types.ParseAddress(alloc.Address); err != nil {
			return fmt.Errorf("genesis: accounts[%d]: %w", i, err)
		}
	}
	names := make(map[string]struct{}, len(g.Queues))
	for i, q := range g.Queues {
		if _, dup := names[q.Name]; dup {
			return fmt.Errorf("genesis: queues[%d]: duplicate name %q", i, q.Name)
		}
		names[q.Name] = struct{}{}
		if _, err := types.ParseAddress(q.Creator); err != nil {
			return fmt.Errorf("genesis: queues[%d].creator: %w", i, err)
		}
		cfg, err := q.QueueConfig()
		if err != nil {
			return fmt.Errorf("genesis: queues[%d]: %w", i, err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("genesis: queues[%d]: %w", i, err)
		}
	}
	return nil
}

// QueueConfig converts q into the application's deployment parameters.
func (q GenesisQueue) QueueConfig() (queue.Config, error) {
	platform, err := types.ParseAddress(q.Platform)
	if err != nil {
		return queue.Config{}, fmt.Errorf("platform: %w", err)
	}
	escrow, err := types.ParseAddress(q.Escrow)
	if err != nil {
		return queue.Config{}, fmt.Errorf("escrow: %w", err)
	}
	if q.TimeWindow%time.Second != 0 {
		return queue.Config{}, fmt.Errorf("timeWindow %s must be whole seconds", q.TimeWindow)
	}
	return queue.Config{
		Threshold:     q.Threshold,
		BaseCost:      q.BaseCost,
		EffectiveCost: q.EffectiveCost,
		TimeWindow:    uint64(q.TimeWindow / time.Second),
		Platform:      platform,
		Escrow:        escrow,
	}, nil
}
