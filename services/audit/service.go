package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/upb/tenant-auth/internal/observability"
	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

var (
	// ErrNotStarted is returned when events are logged before Start or after Stop.
	ErrNotStarted = errors.New("audit service not started")
	// ErrBufferFull is returned when an event is dropped for lack of buffer space.
	ErrBufferFull = errors.New("audit event buffer full")
)

// AuditService writes audit entries asynchronously. It is used for events
// that are not part of a transaction, such as denied authorization checks.
// Writes are best-effort: a full buffer drops the event with a warning.
type AuditService struct {
	auditRepo    repositories.AuditRepository
	logger       *zap.Logger
	eventChan    chan *models.AuditLog
	workerCount  int
	bufferSize   int
	writeTimeout time.Duration
	wg           sync.WaitGroup
	mu           sync.RWMutex
	started      bool
	stopped      bool

	// inflight counts events queued but not yet written; drained is closed
	// each time it drops back to zero.
	flushMu  sync.Mutex
	inflight int
	drained  chan struct{}
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize   int           // Size of the event buffer channel
	WorkerCount  int           // Number of concurrent workers
	WriteTimeout time.Duration // Bound on each insert
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		WorkerCount:  2,
		WriteTimeout: 2 * time.Second,
	}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, config Config) *AuditService {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &AuditService{
		auditRepo:    auditRepo,
		logger:       logger,
		eventChan:    make(chan *models.AuditLog, config.BufferSize),
		workerCount:  config.WorkerCount,
		bufferSize:   config.BufferSize,
		writeTimeout: config.WriteTimeout,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}
	if s.stopped {
		return fmt.Errorf("audit service already stopped")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting events and waits up to timeout for queued ones to be written.
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.started = false
	s.stopped = true
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// LogEvent queues an entry without blocking.
func (s *AuditService) LogEvent(log *models.AuditLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return ErrNotStarted
	}

	s.track()
	select {
	case s.eventChan <- log:
		return nil
	default:
		s.untrack()
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("action", string(log.Action)),
			zap.String("tenant_id", log.TenantID))
		return ErrBufferFull
	}
}

// LogAuthorizationDenied records a denied capability check for p.
func (s *AuditService) LogAuthorizationDenied(ctx context.Context, p *models.Principal, capability, reason string) error {
	if p == nil {
		return nil
	}
	log := models.NewAuditLog(p.TenantID, models.AuditActionAuthorizationDenied).
		WithPrincipal(p.ID).
		WithRequest(observability.RequestID(ctx)).
		WithDetails(map[string]string{
			"capability": capability,
			"reason":     reason,
		})
	return s.LogEvent(log)
}

// worker processes events from the channel
func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for log := range s.eventChan {
		if err := s.processEvent(log); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(log.Action)),
				zap.String("tenant_id", log.TenantID))
		}
		s.untrack()
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// processEvent processes a single audit event
func (s *AuditService) processEvent(log *models.AuditLog) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, log); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// Flush blocks until every queued event has been written, or ctx is done.
// Environments that freeze between requests call it before responding.
func (s *AuditService) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	if s.inflight == 0 {
		s.flushMu.Unlock()
		return nil
	}
	drained := s.drained
	s.flushMu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit flush: %w", ctx.Err())
	}
}

func (s *AuditService) track() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.inflight == 0 {
		s.drained = make(chan struct{})
	}
	s.inflight++
}

func (s *AuditService) untrack() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		close(s.drained)
	}
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}
