package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"batchmint/cmd/internal/passphrase"
	"batchmint/config"
	"batchmint/core/events"
	"batchmint/core/types"
	"batchmint/crypto"
	"batchmint/gateway/middleware"
	"batchmint/gateway/routes"
	"batchmint/ledger"
	"batchmint/observability/logging"
	telemetry "batchmint/observability/otel"
	"batchmint/services/assets"
	queuesvc "batchmint/services/queue"
	"batchmint/services/settlement"
	"batchmint/services/swap"
	"batchmint/storage/index"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to batchd TOML configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{
		Service: cfg.Service,
		Env:     cfg.Environment,
		Level:   cfg.Observability.LogLevel,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("batchd exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Service,
		Environment: cfg.Environment,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Observability.OTLPHeaders),
		Traces:      cfg.Observability.Tracing,
		SampleRatio: cfg.Observability.TraceSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	client, err := ledger.NewRPCClient(ledger.RPCOptions{
		Endpoint:     cfg.Ledger.Endpoint,
		AuthToken:    cfg.LedgerAuthToken(),
		Timeout:      cfg.Ledger.Timeout.Duration,
		RPS:          cfg.Ledger.RequestsPerSecond,
		Burst:        cfg.Ledger.Burst,
		PollInterval: cfg.Ledger.PollInterval.Duration,
	})
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	store, err := index.Open(cfg.Index.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	broadcaster := events.NewBroadcaster(64)

	var coord *queuesvc.Coordinator
	if cfg.Queue.AppID != 0 {
		coord, err = newCoordinator(cfg, client, broadcaster, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no queue application configured, queue routes disabled")
	}

	assetSvc, err := assets.New(client, store,
		assets.WithEmitter(broadcaster),
		assets.WithLogger(logger),
		assets.WithConfirmRounds(cfg.Ledger.ConfirmRounds))
	if err != nil {
		return err
	}
	swaps, err := swap.New(client, store, swap.WithEmitter(broadcaster), swap.WithLogger(logger))
	if err != nil {
		return err
	}
	go swaps.Run(ctx, cfg.Swap.SweepInterval.Duration)

	limit := middleware.RateLimit{RatePerSecond: cfg.Gateway.RequestsPerSecond, Burst: cfg.Gateway.Burst}
	handler, err := routes.New(routes.Config{
		Ledger: client,
		Queue:  coord,
		Assets: assetSvc,
		Swaps:  swaps,
		Events: broadcaster,
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			routes.LimitQueue:  limit,
			routes.LimitGroups: limit,
			routes.LimitAssets: limit,
			routes.LimitSwaps:  limit,
		}, logger),
		Logger:         logger,
		ConfirmRounds:  cfg.Ledger.ConfirmRounds,
		StreamInterval: cfg.Gateway.StreamInterval.Duration,
		Metrics:        cfg.Observability.Metrics,
		Tracing:        cfg.Observability.Tracing,
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Gateway.ReadTimeout.Duration,
		WriteTimeout:      cfg.Gateway.WriteTimeout.Duration,
		IdleTimeout:       cfg.Gateway.IdleTimeout.Duration,
	}
	ln, err := middleware.Listen(ctx, srv.Addr, cfg.Gateway.MaxConnections)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "ledger", cfg.Ledger.Endpoint, "max_connections", cfg.Gateway.MaxConnections)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newCoordinator(cfg *config.Config, client ledger.Client, emitter events.Emitter, logger *slog.Logger) (*queuesvc.Coordinator, error) {
	var exec *settlement.Executor
	if path := strings.TrimSpace(cfg.Queue.EscrowKeystore); path != "" {
		signer, err := loadSigner(path, passphrase.NewSource(cfg.Queue.EscrowPassphraseEnv, "escrow"))
		if err != nil {
			return nil, err
		}
		exec, err = settlement.NewExecutor(client, signer, cfg.Queue.AppID, settlement.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info("escrow executor loaded", "escrow", signer.Address().String())
	} else {
		logger.Warn("no escrow keystore configured, trigger and refund preparation disabled")
	}
	return queuesvc.New(client, exec, cfg.Queue.AppID,
		queuesvc.WithEmitter(emitter),
		queuesvc.WithLogger(logger),
		queuesvc.WithConfirmRounds(cfg.Ledger.ConfirmRounds),
		queuesvc.WithReadRetry(cfg.Queue.ReadRetries, cfg.Queue.ReadBackoff.Duration))
}

func loadSigner(path string, pass *passphrase.Source) (types.Signer, error) {
	secret, err := pass.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, secret)
	if err != nil {
		return nil, fmt.Errorf("load keystore %s: %w", path, err)
	}
	return types.NewKeySigner(key), nil
}
