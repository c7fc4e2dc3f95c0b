package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"queue": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("queue")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"queue": {RatePerSecond: 1, Burst: 1},
		"swaps": {RatePerSecond: 1, Burst: 1},
	}, nil)
	queueHandler := limiter.Middleware("queue")(okHandler())
	swapHandler := limiter.Middleware("swaps")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	res := httptest.NewRecorder()
	queueHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected queue request to succeed, got %d", res.Code)
	}

	swapReq := httptest.NewRequest(http.MethodGet, "/v1/swaps/abc", nil)
	swapReq.Header.Set("X-API-Key", "tenant-A")
	swapRes := httptest.NewRecorder()
	swapHandler.ServeHTTP(swapRes, swapReq)
	if swapRes.Code != http.StatusOK {
		t.Fatalf("expected first swap request to succeed, got %d", swapRes.Code)
	}

	swapRes = httptest.NewRecorder()
	swapHandler.ServeHTTP(swapRes, swapReq)
	if swapRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second swap request to hit limit, got %d", swapRes.Code)
	}
}

func TestRateLimiterPrefersAPIKeyOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"queue": {RatePerSecond: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("queue")(okHandler())

	for _, tenant := range []string{"tenant-A", "tenant-B"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil)
		req.Header.Set("X-API-Key", tenant)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusOK {
			t.Fatalf("expected %s request to succeed, got %d", tenant, res.Code)
		}
	}
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"queue": {RatePerSecond: 0.001, Burst: 1},
	}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("queue")(okHandler())

	serve := func() int {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/queue/status", nil))
		return res.Code
	}
	if code := serve(); code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", code)
	}
	if code := serve(); code != http.StatusTooManyRequests {
		t.Fatalf("expected throttle, got %d", code)
	}
	now = now.Add(10 * time.Minute)
	if code := serve(); code != http.StatusOK {
		t.Fatalf("expected a fresh bucket after idling, got %d", code)
	}
}

func TestRateLimiterPassesUnknownKeys(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("anything")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d: expected pass-through, got %d", i, res.Code)
		}
	}
}
