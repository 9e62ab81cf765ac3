package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

// MockAuditRepository is a mock implementation of AuditRepository
type MockAuditRepository struct {
	mock.Mock
	mu           sync.Mutex
	insertedLogs []*models.AuditLog
}

func (m *MockAuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	args := m.Called(ctx, log)
	m.mu.Lock()
	defer m.mu.Unlock()
	if args.Error(0) == nil {
		m.insertedLogs = append(m.insertedLogs, log)
	}
	return args.Error(0)
}

func (m *MockAuditRepository) ListByPrincipal(ctx context.Context, principalID uuid.UUID, limit int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, principalID, limit)
	if logs := args.Get(0); logs != nil {
		return logs.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return m
}

func (m *MockAuditRepository) GetInsertedLogs() []*models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.AuditLog(nil), m.insertedLogs...)
}

func (m *MockAuditRepository) insertedCount() int {
	return len(m.GetInsertedLogs())
}

func TestAuditService_StartStop(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	config := Config{
		BufferSize:  10,
		WorkerCount: 2,
	}

	service := NewAuditService(mockRepo, zap.NewNop(), config)

	err := service.Start()
	require.NoError(t, err)

	stats := service.GetStats()
	assert.True(t, stats.Started)
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 10, stats.BufferSize)

	// Cannot start again
	assert.Error(t, service.Start())

	require.NoError(t, service.Stop(5*time.Second))

	// Stopped services reject events and cannot restart
	assert.ErrorIs(t, service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)), ErrNotStarted)
	assert.Error(t, service.Start())
	assert.ErrorIs(t, service.Stop(time.Second), ErrNotStarted)
}

func TestAuditService_LogEventBeforeStart(t *testing.T) {
	service := NewAuditService(new(MockAuditRepository), zap.NewNop(), DefaultConfig())

	err := service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied))

	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestAuditService_LogAuthorizationDenied(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, service.Start())

	p := models.NewPrincipal("https://idp.example.com", "bob", "acme", []string{"reader"})
	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-7")
	require.NoError(t, service.LogAuthorizationDenied(ctx, p, "writer", "missing_role"))

	// Stop drains the queue.
	require.NoError(t, service.Stop(5*time.Second))

	logs := mockRepo.GetInsertedLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "acme", logs[0].TenantID)
	assert.Equal(t, models.AuditActionAuthorizationDenied, logs[0].Action)
	assert.Equal(t, p.ID, *logs[0].PrincipalID)
	assert.Equal(t, "req-7", logs[0].RequestID)

	var details map[string]string
	require.NoError(t, json.Unmarshal(logs[0].Details, &details))
	assert.Equal(t, "writer", details["capability"])
	assert.Equal(t, "missing_role", details["reason"])
}

func TestAuditService_LogAuthorizationDeniedNilPrincipal(t *testing.T) {
	service := NewAuditService(new(MockAuditRepository), zap.NewNop(), DefaultConfig())

	assert.NoError(t, service.LogAuthorizationDenied(context.Background(), nil, "reader", "no_principal"))
}

func TestAuditService_ConcurrentLogging(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil)

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 1000, WorkerCount: 4})
	require.NoError(t, service.Start())

	const goroutines, perGoroutine = 10, 20
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				assert.NoError(t, service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, service.Stop(5*time.Second))
	assert.Equal(t, goroutines*perGoroutine, mockRepo.insertedCount())
}

func TestAuditService_InsertFailureIsLogged(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, service.Start())
	require.NoError(t, service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)))

	require.NoError(t, service.Stop(5*time.Second))
	assert.Equal(t, 0, mockRepo.insertedCount())
	mockRepo.AssertNumberOfCalls(t, "Insert", 1)
}

func TestAuditService_BufferFull(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	release := make(chan struct{})
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		<-release
	})

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 5, WorkerCount: 1})
	require.NoError(t, service.Start())

	successCount := 0
	var lastErr error
	for i := 0; i < 20; i++ {
		if err := service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)); err == nil {
			successCount++
		} else {
			lastErr = err
		}
	}

	// One event in the worker plus a full buffer at most.
	assert.LessOrEqual(t, successCount, 6)
	assert.ErrorIs(t, lastErr, ErrBufferFull)

	close(release)
	require.NoError(t, service.Stop(5*time.Second))
}

func TestAuditService_StopTimeout(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	release := make(chan struct{})
	defer close(release)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		<-release
	})

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, service.Start())
	require.NoError(t, service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)))

	err := service.Stop(100 * time.Millisecond)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestAuditService_Flush(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		time.Sleep(20 * time.Millisecond)
	})

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, service.Start())
	defer service.Stop(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)))
	}

	require.NoError(t, service.Flush(context.Background()))
	assert.Equal(t, 3, mockRepo.insertedCount())
	assert.Equal(t, 0, service.GetStats().PendingEvents)

	// Nothing queued returns at once, and the service keeps accepting events.
	require.NoError(t, service.Flush(context.Background()))
	require.NoError(t, service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)))
	require.NoError(t, service.Flush(context.Background()))
	assert.Equal(t, 4, mockRepo.insertedCount())
}

func TestAuditService_FlushCountsFailedWrites(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(errors.New("db down"))

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, service.Start())
	defer service.Stop(time.Second)
	require.NoError(t, service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)))

	require.NoError(t, service.Flush(context.Background()))
	mockRepo.AssertNumberOfCalls(t, "Insert", 1)
}

func TestAuditService_FlushHonorsContext(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	release := make(chan struct{})
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		<-release
	})

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 10, WorkerCount: 1})
	require.NoError(t, service.Start())
	require.NoError(t, service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := service.Flush(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, service.Stop(time.Second))
}

func TestAuditService_FlushAfterDroppedEvent(t *testing.T) {
	mockRepo := new(MockAuditRepository)
	release := make(chan struct{})
	mockRepo.On("Insert", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		<-release
	})

	service := NewAuditService(mockRepo, zap.NewNop(), Config{BufferSize: 1, WorkerCount: 1})
	require.NoError(t, service.Start())
	defer service.Stop(time.Second)

	var dropped bool
	for i := 0; i < 5; i++ {
		if err := service.LogEvent(models.NewAuditLog("acme", models.AuditActionAuthorizationDenied)); errors.Is(err, ErrBufferFull) {
			dropped = true
		}
	}
	require.True(t, dropped)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Flush(ctx))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, 1000, config.BufferSize)
	assert.Equal(t, 2, config.WorkerCount)
	assert.Equal(t, 2*time.Second, config.WriteTimeout)
}
