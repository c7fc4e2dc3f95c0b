// Package routes mounts the settlement services on a chi router.
package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"batchmint/core/events"
	"batchmint/gateway/middleware"
	"batchmint/ledger"
	"batchmint/services/assets"
	queuesvc "batchmint/services/queue"
	"batchmint/services/swap"
)

// Rate limit keys.
const (
	LimitQueue  = "queue"
	LimitGroups = "groups"
	LimitAssets = "assets"
	LimitSwaps  = "swaps"
)

type Config struct {
	Ledger        ledger.Client
	Queue         *queuesvc.Coordinator
	Assets        *assets.Service
	Swaps         *swap.Orchestrator
	Events        *events.Broadcaster
	RateLimiter   *middleware.RateLimiter
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	ConfirmRounds uint64

	// StreamInterval is how often the websocket stream polls queue status.
	StreamInterval time.Duration
	Metrics        bool
	Tracing        bool
}

type server struct {
	cfg    Config
	logger *slog.Logger
}

// New builds the gateway handler. Services left nil are not mounted.
func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("routes: ledger client required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 2 * time.Second
	}
	if cfg.ConfirmRounds == 0 {
		cfg.ConfirmRounds = ledger.DefaultConfirmRounds
	}
	s := &server{cfg: cfg, logger: cfg.Logger.With("component", "gateway")}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Instrument("gateway", s.logger))

	r.Get("/healthz", s.health)
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		if cfg.Queue != nil {
			v1.Route("/queue", func(qr chi.Router) {
				s.limit(qr, LimitQueue)
				qr.Get("/status", s.queueStatus)
				qr.Get("/stream", s.queueStream)
				qr.Post("/trigger/prepare", s.prepareTrigger)
				qr.Post("/refund/prepare", s.prepareRefund)
			})
		}
		v1.Group(func(gr chi.Router) {
			s.limit(gr, LimitGroups)
			gr.Post("/groups/submit", s.submitGroup)
		})
		if cfg.Assets != nil {
			v1.Route("/assets", func(ar chi.Router) {
				s.limit(ar, LimitAssets)
				ar.Get("/", s.listAssets)
				ar.Get("/{id}", s.getAsset)
				ar.Get("/{id}/verify", s.verifyAsset)
			})
		}
		if cfg.Swaps != nil {
			v1.Route("/swaps", func(sr chi.Router) {
				s.limit(sr, LimitSwaps)
				sr.Get("/", s.listSwaps)
				sr.Post("/", s.proposeSwap)
				sr.Get("/{id}", s.getSwap)
				sr.Post("/{id}/build", s.buildSwap)
				sr.Post("/{id}/execute", s.executeSwap)
			})
		}
	})

	if cfg.Tracing {
		return otelhttp.NewHandler(r, "gateway"), nil
	}
	return r, nil
}

func (s *server) limit(r chi.Router, key string) {
	if s.cfg.RateLimiter != nil {
		r.Use(s.cfg.RateLimiter.Middleware(key))
	}
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	params, err := s.cfg.Ledger.SuggestedParams(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "round": params.LastRound})
}
