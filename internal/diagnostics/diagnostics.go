// Package diagnostics implements the keeper's HTTP diagnostics surface
// (spec.md §6): read-only status/positions/performance/locks/market-quality
// views plus a manual execute and blacklist-admin channel. Grounded on the
// teacher's internal/infrastructure/server.HealthServer and
// internal/infrastructure/metrics.Server — same net/http.ServeMux +
// promhttp.Handler shape, generalized from health-check JSON to the keeper's
// own read models.
//
// This surface is a thin read/admin layer over the coordination core; it
// does not itself own any of the invariants spec.md §8 tests.
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/internal/evaluator"
	"fundingkeeper/internal/lockregistry"
	"fundingkeeper/internal/perf"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Server exposes the keeper's HTTP diagnostics surface.
type Server struct {
	logger core.ILogger
	srv    *http.Server

	venues   map[string]core.VenueAdapter
	locks    *lockregistry.Registry
	store    core.PositionStore
	eval     *evaluator.Evaluator
	reconciler core.Reconciler
	perfLog  *perf.Logger
	health   core.HealthMonitor
	actions  core.CoreActions
}

// Config is the wiring the diagnostics surface reads from.
type Config struct {
	Addr       string
	Venues     map[string]core.VenueAdapter
	Locks      *lockregistry.Registry
	Store      core.PositionStore
	Evaluator  *evaluator.Evaluator
	Reconciler core.Reconciler
	PerfLog    *perf.Logger
	Health     core.HealthMonitor
	Actions    core.CoreActions
}

// New builds a diagnostics Server. Call Start to begin serving.
func New(cfg Config, logger core.ILogger) *Server {
	return &Server{
		logger:     logger.WithField("component", "diagnostics"),
		venues:     cfg.Venues,
		locks:      cfg.Locks,
		store:      cfg.Store,
		eval:       cfg.Evaluator,
		reconciler: cfg.Reconciler,
		perfLog:    cfg.PerfLog,
		health:     cfg.Health,
		actions:    cfg.Actions,
		srv:        &http.Server{Addr: cfg.Addr},
	}
}

// Start begins serving in the background. Mirrors the teacher's
// HealthServer.Start: returns immediately, logs a failure if the listener
// dies for any reason other than a graceful Stop.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/keeper/status", s.handleStatus)
	mux.HandleFunc("/keeper/positions", s.handlePositions)
	mux.HandleFunc("/keeper/performance", s.handlePerformance)
	mux.HandleFunc("/keeper/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("/keeper/locks", s.handleLocks)
	mux.HandleFunc("/keeper/market-quality", s.handleMarketQuality)
	mux.HandleFunc("/keeper/execute", s.handleExecute)
	mux.HandleFunc("/keeper/market-quality/blacklist", s.handleBlacklistAdd)
	mux.HandleFunc("/keeper/market-quality/blacklist/", s.handleBlacklistRemove)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv.Handler = mux
	go func() {
		s.logger.Info("starting diagnostics server", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("diagnostics server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleStatus reports overall keeper health: component checks plus the
// global lock state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"time":             time.Now(),
		"global_lock_held": s.locks.IsGlobalLockHeld(),
	}
	if holder, ok := s.locks.GlobalLockHolder(); ok {
		resp["global_lock_holder"] = holder
	}
	if s.reconciler != nil {
		resp["reconciler"] = s.reconciler.Status()
	}
	if s.health != nil {
		resp["components"] = s.health.Status()
		if !s.health.IsHealthy() {
			resp["status"] = "unhealthy"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	resp["status"] = "ok"
	writeJSON(w, http.StatusOK, resp)
}

// handlePositions lists every hedged pair the position store knows about.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.store.GetAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pairs)
}

// handlePerformance reports accumulated funding-capture/APY stats per symbol.
func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if s.perfLog == nil {
		writeJSON(w, http.StatusOK, []perf.SymbolStats{})
		return
	}
	writeJSON(w, http.StatusOK, s.perfLog.All())
}

// handleDiagnostics is a catch-all debug snapshot: active orders and held
// symbol locks, for operators chasing a stuck execution.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_orders":  s.locks.GetAllActiveOrders(),
		"locked_symbols": s.locks.LockedSymbols(),
	})
}

// handleLocks reports the global lock and every held per-symbol lock.
func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"global_lock_held": s.locks.IsGlobalLockHeld(),
		"symbol_locks":     s.locks.LockedSymbols(),
	}
	if holder, ok := s.locks.GlobalLockHolder(); ok {
		resp["global_lock_holder"] = holder
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleMarketQuality reports the dynamic blacklist the evaluator maintains.
func (s *Server) handleMarketQuality(w http.ResponseWriter, r *http.Request) {
	if s.eval == nil {
		writeJSON(w, http.StatusOK, []evaluator.BlacklistEntry{})
		return
	}
	writeJSON(w, http.StatusOK, s.eval.ListBlacklist())
}

// executeRequest is the body of POST /keeper/execute: a manual override to
// place a single order on one venue, bypassing the scheduler.
type executeRequest struct {
	Venue         string          `json:"venue"`
	Symbol        string          `json:"symbol"`
	Side          core.PositionSide `json:"side"`
	Type          core.OrderType  `json:"type"`
	TimeInForce   core.TimeInForce `json:"time_in_force"`
	Size          decimal.Decimal `json:"size"`
	Price         decimal.Decimal `json:"price"`
	ReduceOnly    bool            `json:"reduce_only"`
	ThreadID      string          `json:"thread_id"`
}

// handleExecute places a single manual order through CoreActions.PlaceOrder,
// which hands it straight to the Order Executor's slot/backoff/cancel path.
// It takes no symbol lock and is not gated by the circuit breakers.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	venue, ok := s.venues[req.Venue]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown venue: "+req.Venue)
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = "manual-" + time.Now().UTC().Format(time.RFC3339Nano)
	}

	order, err := s.actions.PlaceOrder(r.Context(), venue, core.PlaceOrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Size:        req.Size,
		Price:       req.Price,
		ReduceOnly:  req.ReduceOnly,
	}, req.ThreadID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type blacklistRequest struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	TTL    string `json:"ttl"` // parsed with time.ParseDuration; empty means 24h
}

// handleBlacklistAdd lets an admin channel force-add a symbol to the dynamic
// blacklist for a TTL (24h when none is given).
func (s *Server) handleBlacklistAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req blacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	ttl := 24 * time.Hour
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl: "+err.Error())
			return
		}
		ttl = parsed
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin channel"
	}
	s.eval.AutoBlacklist(req.Symbol, reason, ttl)
	writeJSON(w, http.StatusOK, map[string]string{"symbol": core.NormalizeSymbol(req.Symbol), "status": "blacklisted"})
}

// handleBlacklistRemove lets an admin channel force-clear a blacklist entry,
// e.g. after confirming a false-positive auto-blacklist.
func (s *Server) handleBlacklistRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "DELETE only")
		return
	}
	symbol := strings.TrimPrefix(r.URL.Path, "/keeper/market-quality/blacklist/")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required in path")
		return
	}
	s.eval.ClearBlacklist(symbol)
	writeJSON(w, http.StatusOK, map[string]string{"symbol": core.NormalizeSymbol(symbol), "status": "cleared"})
}
