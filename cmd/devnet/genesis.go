package main

import (
	"fmt"
	"log/slog"

	"batchmint/config"
	"batchmint/core/types"
	"batchmint/ledger/memory"
	"batchmint/native/queue"
)

// queueProgram is the application kind the devnet registers queue programs
// under.
const queueProgram = "queue"

// applyGenesis funds the genesis accounts and deploys each queue with its
// escrow guarded. It returns the application id of every queue by name.
func applyGenesis(l *memory.Ledger, g *config.Genesis, logger *slog.Logger) (map[string]uint64, error) {
	for _, alloc := range g.Accounts {
		addr, err := types.ParseAddress(alloc.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis account %s: %w", alloc.Address, err)
		}
		if err := l.Fund(addr, alloc.Balance); err != nil {
			return nil, fmt.Errorf("fund %s: %w", alloc.Address, err)
		}
	}

	apps := make(map[string]uint64, len(g.Queues))
	for _, q := range g.Queues {
		cfg, err := q.QueueConfig()
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", q.Name, err)
		}
		creator, err := types.ParseAddress(q.Creator)
		if err != nil {
			return nil, fmt.Errorf("queue %s creator: %w", q.Name, err)
		}
		appID, err := l.DeployApplication(creator, queueProgram, cfg.GlobalState())
		if err != nil {
			return nil, fmt.Errorf("deploy queue %s: %w", q.Name, err)
		}
		if err := l.Guard(cfg.Escrow, appID); err != nil {
			return nil, fmt.Errorf("guard escrow of %s: %w", q.Name, err)
		}
		apps[q.Name] = appID
		logger.Info("queue deployed",
			"name", q.Name,
			"app_id", appID,
			"threshold", cfg.Threshold,
			"effective_cost", cfg.EffectiveCost,
			"escrow", cfg.Escrow.String())
	}
	return apps, nil
}

func registerPrograms(l *memory.Ledger) {
	l.RegisterProgram(queueProgram, queue.Program{})
}
