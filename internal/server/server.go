// Package server exposes funding intents, operator actions, health and
// metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fundrails/internal/chain"
	"fundrails/internal/config"
	"fundrails/internal/dlq"
	"fundrails/internal/funding"
	"fundrails/internal/hmacauth"
	"fundrails/internal/idempotency"
	"fundrails/internal/ledger"
	"fundrails/internal/logger"
	"fundrails/internal/metrics"
	"fundrails/internal/reconcile"
	"fundrails/internal/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deps are the components a Server routes requests to.
type Deps struct {
	Funding     *funding.Service
	Ledger      ledger.Store
	Idempotency idempotency.Store
	Failures    *dlq.Log
	Scanner     *reconcile.Scanner
	ScanTask    *scheduler.Task
	Chain       chain.Source
}

type Server struct {
	cfg        config.ServiceConfig
	deps       Deps
	hmac       *hmacauth.Verifier
	metrics    *metrics.Registry
	log        *zap.Logger
	httpServer *http.Server

	Now func() time.Time
}

func NewServer(cfg config.ServiceConfig, deps Deps, log *zap.Logger, m *metrics.Registry) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("http")
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.HMACSecret,
			MaxSkew: cfg.HMACClockSkew,
			Logger:  log,
		},
		metrics: m,
		log:     log,
		Now:     time.Now,
	}

	signed := func(h http.HandlerFunc) http.Handler { return s.hmac.Middleware(h) }

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/funding-intents", signed(s.handleCreateIntent))
	mux.Handle("GET /api/v1/funding-intents/{id}", signed(s.handleGetIntent))
	mux.Handle("POST /api/v1/funding-intents/{id}/reject", signed(s.handleRejectIntent))
	mux.Handle("POST /api/v1/funding-intents/{id}/resolve", signed(s.handleResolveIntent))
	mux.Handle("POST /api/v1/scans", signed(s.handleForceScan))
	mux.Handle("GET /api/v1/settlement-failures", signed(s.handleSettlementFailures))
	mux.Handle("GET /api/v1/metrics", m.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           requestIDMiddleware(log, mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler returns the routed handler, including request id middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type componentHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func checkComponent(ctx context.Context, fn func(context.Context) error) componentHealth {
	if fn == nil {
		return componentHealth{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := fn(ctx); err != nil {
		return componentHealth{Error: err.Error()}
	}
	return componentHealth{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var chainPing func(context.Context) error
	if checker, ok := s.deps.Chain.(chain.HealthChecker); ok {
		chainPing = checker.Ping
	}
	rpc := checkComponent(ctx, chainPing)
	db := checkComponent(ctx, s.deps.Ledger.Ping)
	healthy := rpc.Connected && db.Connected

	depth, err := s.deps.Failures.Depth()
	if err != nil {
		s.log.Warn("dead letter depth unavailable", zap.Error(err))
	} else {
		s.metrics.SetDeadLetterDepth(depth)
	}

	var lagSeconds *float64
	if db.Connected {
		if cur, err := s.deps.Ledger.LoadCursor(ctx); err == nil && cur != nil {
			lag := s.Now().Sub(cur.LastProcessedTime)
			s.metrics.SetCursorLag(lag)
			secs := lag.Seconds()
			lagSeconds = &secs
		}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	resp := struct {
		Status           string          `json:"status"`
		RPC              componentHealth `json:"rpc"`
		Database         componentHealth `json:"database"`
		QueueDepth       int             `json:"queue_depth"`
		CursorLagSeconds *float64        `json:"cursor_lag_seconds"`
	}{
		Status:           status,
		RPC:              rpc,
		Database:         db,
		QueueDepth:       depth,
		CursorLagSeconds: lagSeconds,
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// ledgerStatus maps ledger sentinel errors onto HTTP codes.
func ledgerStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrIntentNotActive), errors.Is(err, ledger.ErrTxRefSettled):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrOwnerNotFound):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		ctx := logger.WithContext(r.Context(), log.With(zap.String("request_id", id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
