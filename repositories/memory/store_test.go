package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

func seededStore(t *testing.T) (*Store, *repositories.Repositories) {
	t.Helper()
	s := NewStore()
	repos := s.Repositories()
	_, _, err := repos.Tenants.EnsureTenant(context.Background(), "acme")
	require.NoError(t, err)
	return s, repos
}

func TestPrincipalRepository_CreateIfAbsent(t *testing.T) {
	_, repos := seededStore(t)
	ctx := context.Background()

	first := models.NewPrincipal("https://idp", "alice", "acme", []string{"reader"})
	got, created, err := repos.Principals.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.ID, got.ID)

	second := models.NewPrincipal("https://idp", "alice", "acme", []string{"writer"})
	got, created, err = repos.Principals.CreateIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, []string{"reader"}, got.Roles)

	other := models.NewPrincipal("https://other-idp", "alice", "acme", nil)
	_, created, err = repos.Principals.CreateIfAbsent(ctx, other)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPrincipalRepository_CreateIfAbsentConcurrent(t *testing.T) {
	s, repos := seededStore(t)

	const n = 32
	ids := make([]uuid.UUID, n)
	var createdCount int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := models.NewPrincipal("https://idp", "bob", "acme", nil)
			got, created, err := repos.Principals.CreateIfAbsent(context.Background(), p)
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = got.ID
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	assert.Equal(t, 1, s.PrincipalCount())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestPrincipalRepository_ReturnsCopies(t *testing.T) {
	_, repos := seededStore(t)
	ctx := context.Background()

	p := models.NewPrincipal("https://idp", "alice", "acme", []string{"reader"})
	_, _, err := repos.Principals.CreateIfAbsent(ctx, p)
	require.NoError(t, err)

	got, err := repos.Principals.FindByExternalID(ctx, "https://idp", "alice")
	require.NoError(t, err)
	got.Roles[0] = "admin"

	again, err := repos.Principals.FindByExternalID(ctx, "https://idp", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, again.Roles)
}

func TestPrincipalRepository_NotFound(t *testing.T) {
	_, repos := seededStore(t)
	ctx := context.Background()

	_, err := repos.Principals.FindByExternalID(ctx, "https://idp", "ghost")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.ErrorIs(t, repos.Principals.Update(ctx, &models.Principal{ID: uuid.New()}), repositories.ErrNotFound)
	assert.ErrorIs(t, repos.Principals.TouchLastSeen(ctx, uuid.New(), time.Now()), repositories.ErrNotFound)
}

func TestTransaction_Rollback(t *testing.T) {
	s, repos := seededStore(t)
	tm := s.TransactionManager()
	ctx := context.Background()

	existing := models.NewPrincipal("https://idp", "carol", "acme", []string{"reader"})
	_, _, err := repos.Principals.CreateIfAbsent(ctx, existing)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = tm.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		p := models.NewPrincipal("https://idp", "dave", "acme", nil)
		if _, _, err := repos.Principals.CreateIfAbsent(ctx, p); err != nil {
			return err
		}
		if err := repos.Principals.TouchLastSeen(ctx, existing.ID, time.Now().Add(time.Hour)); err != nil {
			return err
		}
		changed := *existing
		changed.Roles = []string{"admin"}
		if err := repos.Principals.Update(ctx, &changed); err != nil {
			return err
		}
		if err := repos.AuditLogs.WithTx(tx).Insert(ctx, models.NewAuditLog("acme", models.AuditActionPrincipalProvisioned).WithPrincipal(p.ID)); err != nil {
			return err
		}
		if err := repos.Tenants.SetStatus(ctx, "acme", models.TenantSuspended); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repos.Principals.FindByExternalID(ctx, "https://idp", "dave")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	carol, err := repos.Principals.FindByExternalID(ctx, "https://idp", "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, carol.Roles)
	assert.Equal(t, existing.LastSeenAt, carol.LastSeenAt)

	status, err := repos.Tenants.GetStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.TenantActive, status)
	assert.Equal(t, 1, s.PrincipalCount())
}

func TestTransaction_Commit(t *testing.T) {
	s, repos := seededStore(t)
	ctx := context.Background()

	var id uuid.UUID
	err := s.TransactionManager().InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		p, _, err := repos.Principals.WithTx(tx).CreateIfAbsent(ctx, models.NewPrincipal("https://idp", "erin", "acme", nil))
		if err != nil {
			return err
		}
		id = p.ID
		return repos.AuditLogs.Insert(ctx, models.NewAuditLog("acme", models.AuditActionPrincipalProvisioned).WithPrincipal(id))
	})
	require.NoError(t, err)

	logs, err := repos.AuditLogs.ListByPrincipal(ctx, id, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestTenantRepository(t *testing.T) {
	_, repos := seededStore(t)
	ctx := context.Background()

	tenant, created, err := repos.Tenants.EnsureTenant(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.TenantActive, tenant.Status)

	require.NoError(t, repos.Tenants.SetStatus(ctx, "acme", models.TenantSuspended))
	status, err := repos.Tenants.GetStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.TenantSuspended, status)

	_, err = repos.Tenants.GetStatus(ctx, "ghost")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.ErrorIs(t, repos.Tenants.SetStatus(ctx, "ghost", models.TenantActive), repositories.ErrNotFound)
	assert.Error(t, repos.Tenants.SetStatus(ctx, "acme", "deleted"))
}

func TestStore_CanceledContext(t *testing.T) {
	s, repos := seededStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repos.Principals.FindByExternalID(ctx, "https://idp", "alice")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.HealthCheck(ctx), context.Canceled)
}

type createResult struct {
	p       *models.Principal
	created bool
	err     error
}

func createInBackground(repos *repositories.Repositories, ctx context.Context, p *models.Principal) <-chan createResult {
	ch := make(chan createResult, 1)
	go func() {
		got, created, err := repos.Principals.CreateIfAbsent(ctx, p)
		ch <- createResult{got, created, err}
	}()
	return ch
}

func TestTransaction_PendingInsertIsInvisibleAndRolledBack(t *testing.T) {
	s, repos := seededStore(t)
	ctx := context.Background()

	tx, err := s.TransactionManager().Begin(ctx)
	require.NoError(t, err)
	pending, created, err := repos.Principals.WithTx(tx).CreateIfAbsent(tx.Context(), models.NewPrincipal("https://idp", "carol", "acme", nil))
	require.NoError(t, err)
	require.True(t, created)

	// Other callers do not see the uncommitted row.
	_, err = repos.Principals.FindByExternalID(ctx, "https://idp", "carol")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.Equal(t, 0, s.PrincipalCount())

	// A competing insert waits for the owner to finish.
	result := createInBackground(repos, ctx, models.NewPrincipal("https://idp", "carol", "acme", nil))
	select {
	case r := <-result:
		t.Fatalf("competing insert returned before the transaction finished: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, tx.Rollback())

	var r createResult
	select {
	case r = <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("competing insert never resumed")
	}
	require.NoError(t, r.err)
	assert.True(t, r.created)
	assert.NotEqual(t, pending.ID, r.p.ID)

	found, err := repos.Principals.FindByExternalID(ctx, "https://idp", "carol")
	require.NoError(t, err)
	assert.Equal(t, r.p.ID, found.ID)
	assert.Equal(t, 1, s.PrincipalCount())
}

func TestTransaction_WaitingInsertSeesCommittedRow(t *testing.T) {
	s, repos := seededStore(t)
	ctx := context.Background()

	tx, err := s.TransactionManager().Begin(ctx)
	require.NoError(t, err)
	winner, _, err := repos.Principals.CreateIfAbsent(tx.Context(), models.NewPrincipal("https://idp", "dave", "acme", nil))
	require.NoError(t, err)

	result := createInBackground(repos, ctx, models.NewPrincipal("https://idp", "dave", "acme", nil))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tx.Commit())

	r := <-result
	require.NoError(t, r.err)
	assert.False(t, r.created)
	assert.Equal(t, winner.ID, r.p.ID)
}

func TestTransaction_WaitingInsertHonorsContext(t *testing.T) {
	s, repos := seededStore(t)

	tx, err := s.TransactionManager().Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	_, _, err = repos.Principals.CreateIfAbsent(tx.Context(), models.NewPrincipal("https://idp", "erin", "acme", nil))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = repos.Principals.CreateIfAbsent(ctx, models.NewPrincipal("https://idp", "erin", "acme", nil))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransaction_UpdatesApplyOnCommit(t *testing.T) {
	s, repos := seededStore(t)
	ctx := context.Background()
	p, _, err := repos.Principals.CreateIfAbsent(ctx, models.NewPrincipal("https://idp", "frank", "acme", []string{"reader"}))
	require.NoError(t, err)

	tx, err := s.TransactionManager().Begin(ctx)
	require.NoError(t, err)
	changed := *p
	changed.Roles = []string{"admin"}
	require.NoError(t, repos.Principals.WithTx(tx).Update(tx.Context(), &changed))
	require.NoError(t, repos.Tenants.WithTx(tx).SetStatus(tx.Context(), "acme", models.TenantSuspended))

	// The transaction reads its own writes; everyone else reads committed rows.
	inside, err := repos.Principals.FindByExternalID(tx.Context(), "https://idp", "frank")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, inside.Roles)
	outside, err := repos.Principals.FindByExternalID(ctx, "https://idp", "frank")
	require.NoError(t, err)
	assert.Equal(t, []string{"reader"}, outside.Roles)
	status, err := repos.Tenants.GetStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.TenantActive, status)

	require.NoError(t, tx.Commit())

	outside, err = repos.Principals.FindByExternalID(ctx, "https://idp", "frank")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, outside.Roles)
	status, err = repos.Tenants.GetStatus(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, models.TenantSuspended, status)
	assert.Error(t, tx.Commit())
}

func TestTransactionManager_InTransactionRollsBackOnPanic(t *testing.T) {
	s, repos := seededStore(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.TransactionManager().InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
			if _, _, err := repos.Principals.CreateIfAbsent(ctx, models.NewPrincipal("https://idp", "gina", "acme", nil)); err != nil {
				return err
			}
			panic("boom")
		})
	})

	_, err := repos.Principals.FindByExternalID(ctx, "https://idp", "gina")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}
