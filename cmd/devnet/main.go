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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"batchmint/config"
	"batchmint/ledger/memory"
	"batchmint/ledger/rpcserver"
	"batchmint/observability/logging"
	"batchmint/storage"
)

func main() {
	var (
		genesisPath string
		listen      string
		dataDir     string
		logLevel    string
	)
	flag.StringVar(&genesisPath, "genesis", "genesis.yaml", "path to the YAML genesis file")
	flag.StringVar(&listen, "listen", "127.0.0.1:8545", "JSON-RPC listen address")
	flag.StringVar(&dataDir, "data-dir", "", "LevelDB directory; overrides the genesis dataDir, empty keeps state in memory")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	logger := logging.New(logging.Options{Service: "devnet", Env: "devnet", Level: logLevel})
	g, err := config.LoadGenesis(genesisPath)
	if err != nil {
		logger.Error("load genesis", "error", err)
		os.Exit(1)
	}
	if strings.TrimSpace(dataDir) != "" {
		g.DataDir = dataDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, g, listen, logger); err != nil {
		logger.Error("devnet exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, g *config.Genesis, listen string, logger *slog.Logger) error {
	dbPath := ""
	if dir := strings.TrimSpace(g.DataDir); dir != "" {
		dbPath = filepath.Join(dir, "ledger")
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer db.Close()

	l, err := memory.New(
		memory.WithDatabase(db),
		memory.WithLogger(logger),
		memory.WithGenesisID(g.GenesisID),
		memory.WithMinFee(g.MinFee),
	)
	if err != nil {
		return err
	}
	registerPrograms(l)
	if l.Restored() {
		logger.Info("ledger restored, skipping genesis", "data_dir", g.DataDir)
	} else {
		apps, err := applyGenesis(l, g, logger)
		if err != nil {
			return err
		}
		for name, id := range apps {
			fmt.Printf("queue %s: app id %d\n", name, id)
		}
	}
	go l.Run(ctx, g.RoundInterval)

	mux := http.NewServeMux()
	mux.Handle("/", rpcserver.New(l, g.AuthToken, logger).Handler())
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devnet ledger listening", "addr", listen, "genesis_id", g.GenesisID, "round_interval", g.RoundInterval)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
