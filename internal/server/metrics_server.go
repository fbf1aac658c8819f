package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/lspecian/vexfs/eventsync/internal/batch"
	syncerrors "github.com/lspecian/vexfs/eventsync/internal/errors"
	"github.com/lspecian/vexfs/eventsync/internal/metrics"
	"github.com/lspecian/vexfs/eventsync/internal/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Engine is the part of the synchronization engine the admin endpoints expose
type Engine interface {
	GetSyncMetrics() model.SynchronizationMetrics
	AdaptationHistory() []batch.AdaptationDecision
	PendingEvents() []*model.PendingEvent
	RetryFailed(ctx context.Context, id string) error
	DiscardFailed(id string) error
}

// MetricsServer serves Prometheus metrics, health probes and the engine's
// admin endpoints via HTTP
type MetricsServer struct {
	router     *mux.Router
	httpServer *http.Server
	metrics    *metrics.Metrics
	engine     Engine
	logger     *zap.Logger
	maxPending int
	interval   time.Duration
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port int
	Path string
	// MaxPending is the pending table capacity; /ready fails once it is reached
	MaxPending int
	// CollectInterval is how often system metrics are refreshed
	CollectInterval time.Duration
}

// NewMetricsServer creates a new metrics server
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, engine Engine, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	interval := cfg.CollectInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	router := mux.NewRouter()
	ms := &MetricsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:    m,
		engine:     engine,
		logger:     logger,
		maxPending: cfg.MaxPending,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}

	router.Handle(path, promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", ms.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", ms.readyHandler).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1/sync").Subrouter()
	v1.HandleFunc("/metrics", ms.syncMetricsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/adaptation", ms.adaptationHandler).Methods(http.MethodGet)
	v1.HandleFunc("/pending", ms.pendingHandler).Methods(http.MethodGet)
	v1.HandleFunc("/pending/{id}/retry", ms.retryHandler).Methods(http.MethodPost)
	v1.HandleFunc("/pending/{id}", ms.discardHandler).Methods(http.MethodDelete)

	return ms
}

// Handler returns the router, mainly for tests
func (s *MetricsServer) Handler() http.Handler {
	return s.router
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

// healthHandler handles health check requests
func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// readyHandler reports not ready while the pending table is full
func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.GetSyncMetrics()
	if s.maxPending > 0 && stats.PendingEvents >= s.maxPending {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":         "not_ready",
			"reason":         "pending_events_full",
			"pending_events": stats.PendingEvents,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ready",
		"timestamp":      time.Now().Format(time.RFC3339),
		"pending_events": stats.PendingEvents,
	})
}

func (s *MetricsServer) syncMetricsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetSyncMetrics())
}

func (s *MetricsServer) adaptationHandler(w http.ResponseWriter, r *http.Request) {
	history := s.engine.AdaptationHistory()
	if history == nil {
		history = []batch.AdaptationDecision{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *MetricsServer) pendingHandler(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.PendingEvents()
	if want := r.URL.Query().Get("status"); want != "" {
		filtered := pending[:0]
		for _, pe := range pending {
			if string(pe.State.Status) == want {
				filtered = append(filtered, pe)
			}
		}
		pending = filtered
	}
	s.writeJSON(w, http.StatusOK, pending)
}

func (s *MetricsServer) retryHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.RetryFailed(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying", "event_id": id})
}

func (s *MetricsServer) discardHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.DiscardFailed(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MetricsServer) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *MetricsServer) writeError(w http.ResponseWriter, err error) {
	code := grpcCode(err)
	httpStatus := httpStatusFromCode(code)
	s.logger.Warn("HTTP error response",
		zap.Int("status_code", httpStatus),
		zap.String("code", code.String()),
		zap.Error(err))
	s.writeJSON(w, httpStatus, map[string]string{
		"status":     "error",
		"error_code": syncerrors.GetCode(err).String(),
		"message":    err.Error(),
	})
}

func grpcCode(err error) codes.Code {
	var se *syncerrors.SyncError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus().Code()
	}
	return status.Code(err)
}

func httpStatusFromCode(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Aborted:
		return http.StatusConflict
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

// updateSystemMetrics updates system-level metrics
func (s *MetricsServer) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	s.metrics.UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine(),
		s.engine.GetSyncMetrics().NetworkEfficiency)
}
