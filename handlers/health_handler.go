package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/services/audit"
	"github.com/upb/tenant-auth/utils"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Stats     *ReadinessStats   `json:"stats,omitempty"`
}

// ReadinessStats reports resource usage alongside the readiness checks.
type ReadinessStats struct {
	DatabasePool *PoolStats  `json:"database_pool,omitempty"`
	Audit        *AuditStats `json:"audit,omitempty"`
}

// PoolStats is a subset of sql.DBStats.
type PoolStats struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
}

// AuditStats reports the decision audit queue.
type AuditStats struct {
	Started       bool `json:"started"`
	PendingEvents int  `json:"pending_events"`
	BufferSize    int  `json:"buffer_size"`
	WorkerCount   int  `json:"worker_count"`
}

// CachePinger is implemented by optional shared caches.
type CachePinger interface {
	Ping(ctx context.Context) error
}

// PoolStatter reports connection pool usage.
type PoolStatter interface {
	Stats() sql.DBStats
}

// AuditStatter reports the state of the asynchronous audit writer.
type AuditStatter interface {
	GetStats() audit.Stats
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	store  repositories.HealthChecker
	schema repositories.SchemaVerifier
	cache  CachePinger
	pool   PoolStatter
	audit  AuditStatter
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. cache may be nil.
func NewHealthHandler(store repositories.HealthChecker, schema repositories.SchemaVerifier, cache CachePinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		store:  store,
		schema: schema,
		cache:  cache,
		logger: logger,
	}
}

// WithPoolStats adds connection pool usage to readiness responses.
func (h *HealthHandler) WithPoolStats(pool PoolStatter) *HealthHandler {
	h.pool = pool
	return h
}

// WithAuditStats adds the audit queue to readiness responses. A stopped
// audit writer is reported but does not fail readiness.
func (h *HealthHandler) WithAuditStats(a AuditStatter) *HealthHandler {
	h.audit = a
	return h
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	_ = utils.WriteOK(w, response)
}

// HandleReadiness handles GET /readyz
// The store must be reachable and its schema must match. The shared key
// cache is reported but never fails readiness.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if err := h.store.HealthCheck(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unhealthy"
		allHealthy = false
	} else {
		checks["database"] = "healthy"
	}

	if err := h.schema.VerifySchema(ctx); err != nil {
		h.logger.Error("schema verification failed", zap.Error(err))
		checks["schema"] = "mismatch"
		allHealthy = false
	} else {
		checks["schema"] = "ok"
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			h.logger.Warn("key cache health check failed", zap.Error(err))
			checks["key_cache"] = "degraded"
		} else {
			checks["key_cache"] = "healthy"
		}
	}

	stats := h.collectStats(checks)

	// Determine overall status
	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
		Stats:     stats,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) collectStats(checks map[string]string) *ReadinessStats {
	if h.pool == nil && h.audit == nil {
		return nil
	}
	stats := &ReadinessStats{}

	if h.pool != nil {
		db := h.pool.Stats()
		stats.DatabasePool = &PoolStats{
			OpenConnections: db.OpenConnections,
			InUse:           db.InUse,
			Idle:            db.Idle,
			WaitCount:       db.WaitCount,
			WaitDurationMS:  db.WaitDuration.Milliseconds(),
		}
	}

	if h.audit != nil {
		a := h.audit.GetStats()
		stats.Audit = &AuditStats{
			Started:       a.Started,
			PendingEvents: a.PendingEvents,
			BufferSize:    a.BufferSize,
			WorkerCount:   a.WorkerCount,
		}
		if a.Started {
			checks["audit"] = "running"
		} else {
			checks["audit"] = "stopped"
		}
	}
	return stats
}
