// Package memory is an in-process implementation of the repositories
// interfaces. It enforces the same (issuer, subject) uniqueness as the
// Postgres schema and is used for DB_DRIVER=memory and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

type externalKey struct {
	issuer  string
	subject string
}

// Store holds all rows behind one mutex.
//
// Rows inserted inside a transaction are visible only to that transaction
// until it commits. A conflicting insert from anyone else waits for the
// owner to finish, the way a unique index does in Postgres. Updates made in
// a transaction are buffered and applied on commit.
type Store struct {
	mu         sync.Mutex
	principals map[uuid.UUID]*models.Principal
	byExternal map[externalKey]uuid.UUID
	tenants    map[string]*models.Tenant
	audit      []*models.AuditLog
	clock      func() time.Time

	// Uncommitted inserts and the transaction that made them.
	principalOwner map[uuid.UUID]*Transaction
	tenantOwner    map[string]*Transaction
	auditOwner     map[uuid.UUID]*Transaction
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		principals:     make(map[uuid.UUID]*models.Principal),
		byExternal:     make(map[externalKey]uuid.UUID),
		tenants:        make(map[string]*models.Tenant),
		clock:          func() time.Time { return time.Now().UTC() },
		principalOwner: make(map[uuid.UUID]*Transaction),
		tenantOwner:    make(map[string]*Transaction),
		auditOwner:     make(map[uuid.UUID]*Transaction),
	}
}

// Repositories returns repository views over the store.
func (s *Store) Repositories() *repositories.Repositories {
	return &repositories.Repositories{
		Principals: &PrincipalRepository{s: s},
		Tenants:    &TenantRepository{s: s},
		AuditLogs:  &AuditRepository{s: s},
	}
}

// TransactionManager returns a manager for transactions over the store.
func (s *Store) TransactionManager() repositories.TransactionManager {
	return &TransactionManager{s: s}
}

// HealthCheck always succeeds while ctx is live.
func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// VerifySchema is a no-op; the store has no schema.
func (s *Store) VerifySchema(ctx context.Context) error {
	return ctx.Err()
}

// PrincipalCount returns the number of committed principals.
func (s *Store) PrincipalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.principals) - len(s.principalOwner)
}

// visible reports whether a row inserted by owner can be seen by cur.
func visible(owner, cur *Transaction) bool {
	return owner == nil || owner == cur
}

// principal returns the row for id as cur sees it. Must hold s.mu.
func (s *Store) principal(id uuid.UUID, cur *Transaction) (*models.Principal, bool) {
	if cur != nil {
		if p, ok := cur.principals[id]; ok {
			return p, true
		}
	}
	p, ok := s.principals[id]
	if !ok || !visible(s.principalOwner[id], cur) {
		return nil, false
	}
	return p, true
}

// tenant returns the row for id as cur sees it. Must hold s.mu.
func (s *Store) tenant(id string, cur *Transaction) (*models.Tenant, bool) {
	if cur != nil {
		if t, ok := cur.tenants[id]; ok {
			return t, true
		}
	}
	t, ok := s.tenants[id]
	if !ok || !visible(s.tenantOwner[id], cur) {
		return nil, false
	}
	return t, true
}

// waitFor releases s.mu until owner finishes or ctx ends. Must hold s.mu.
func (s *Store) waitFor(ctx context.Context, owner *Transaction) error {
	s.mu.Unlock()
	defer s.mu.Lock()
	select {
	case <-owner.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitTenant waits out another transaction's pending insert of tenantID
// and reports whether the tenant exists for cur. Must hold s.mu.
func (s *Store) awaitTenant(ctx context.Context, tenantID string, cur *Transaction) (bool, error) {
	for {
		owner := s.tenantOwner[tenantID]
		if owner == nil || owner == cur {
			_, ok := s.tenant(tenantID, cur)
			return ok, nil
		}
		if err := s.waitFor(ctx, owner); err != nil {
			return false, err
		}
	}
}

func clonePrincipal(p *models.Principal) *models.Principal {
	c := *p
	c.Roles = append([]string{}, p.Roles...)
	c.TenantStatus = ""
	return &c
}

func cloneTenant(t *models.Tenant) *models.Tenant {
	c := *t
	return &c
}

// PrincipalRepository implements repositories.PrincipalRepository
type PrincipalRepository struct {
	s  *Store
	tx *Transaction
}

// FindByExternalID retrieves a principal by issuer and subject
func (r *PrincipalRepository) FindByExternalID(ctx context.Context, issuer, subject string) (*models.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	id, ok := r.s.byExternal[externalKey{issuer, subject}]
	if !ok {
		return nil, fmt.Errorf("find principal: %w", repositories.ErrNotFound)
	}
	p, ok := r.s.principal(id, cur)
	if !ok {
		return nil, fmt.Errorf("find principal: %w", repositories.ErrNotFound)
	}
	return clonePrincipal(p), nil
}

// CreateIfAbsent inserts p unless (issuer, subject) is taken. An insert of
// the same identity still pending in another transaction is waited out.
func (r *PrincipalRepository) CreateIfAbsent(ctx context.Context, p *models.Principal) (*models.Principal, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	key := externalKey{p.Issuer, p.Subject}
	for {
		id, ok := r.s.byExternal[key]
		if !ok {
			break
		}
		owner := r.s.principalOwner[id]
		if visible(owner, cur) {
			existing, _ := r.s.principal(id, cur)
			return clonePrincipal(existing), false, nil
		}
		if err := r.s.waitFor(ctx, owner); err != nil {
			return nil, false, err
		}
	}
	if _, ok := r.s.principals[p.ID]; ok {
		return nil, false, fmt.Errorf("create principal: %w", repositories.ErrDuplicate)
	}
	exists, err := r.s.awaitTenant(ctx, p.TenantID, cur)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, fmt.Errorf("create principal: unknown tenant %q", p.TenantID)
	}

	stored := clonePrincipal(p)
	stored.Roles = models.NormalizeRoles(stored.Roles)
	r.s.principals[stored.ID] = stored
	r.s.byExternal[key] = stored.ID
	if cur != nil {
		r.s.principalOwner[stored.ID] = cur
		cur.createdPrincipals = append(cur.createdPrincipals, stored.ID)
	}
	return clonePrincipal(stored), true, nil
}

// Update writes the mutable principal fields
func (r *PrincipalRepository) Update(ctx context.Context, p *models.Principal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	current, ok := r.s.principal(p.ID, cur)
	if !ok {
		return fmt.Errorf("update principal: %w", repositories.ErrNotFound)
	}

	p.UpdatedAt = r.s.clock()
	next := clonePrincipal(current)
	next.Roles = models.NormalizeRoles(p.Roles)
	next.Email = p.Email
	next.DisplayName = p.DisplayName
	next.UpdatedAt = p.UpdatedAt
	r.s.writePrincipal(next, cur)
	return nil
}

// TouchLastSeen records the latest resolve time
func (r *PrincipalRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	current, ok := r.s.principal(id, cur)
	if !ok {
		return fmt.Errorf("touch principal: %w", repositories.ErrNotFound)
	}
	next := clonePrincipal(current)
	next.LastSeenAt = at
	r.s.writePrincipal(next, cur)
	return nil
}

// writePrincipal stores p directly, or in cur's buffer when the row is
// committed and cur is open. Must hold s.mu.
func (s *Store) writePrincipal(p *models.Principal, cur *Transaction) {
	if cur == nil || s.principalOwner[p.ID] == cur {
		s.principals[p.ID] = p
		return
	}
	cur.principals[p.ID] = p
}

// WithTx returns a new repository instance bound to the transaction
func (r *PrincipalRepository) WithTx(tx repositories.Transaction) repositories.PrincipalRepository {
	memTx, _ := tx.(*Transaction)
	return &PrincipalRepository{s: r.s, tx: memTx}
}

// TenantRepository implements repositories.TenantRepository
type TenantRepository struct {
	s  *Store
	tx *Transaction
}

// GetStatus returns the tenant status
func (r *TenantRepository) GetStatus(ctx context.Context, tenantID string) (models.TenantStatus, error) {
	t, err := r.Get(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// Get retrieves a tenant by ID
func (r *TenantRepository) Get(ctx context.Context, tenantID string) (*models.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	t, ok := r.s.tenant(tenantID, cur)
	if !ok {
		return nil, fmt.Errorf("get tenant: %w", repositories.ErrNotFound)
	}
	return cloneTenant(t), nil
}

// EnsureTenant creates an active tenant when absent
func (r *TenantRepository) EnsureTenant(ctx context.Context, tenantID string) (*models.Tenant, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	exists, err := r.s.awaitTenant(ctx, tenantID, cur)
	if err != nil {
		return nil, false, err
	}
	if exists {
		t, _ := r.s.tenant(tenantID, cur)
		return cloneTenant(t), false, nil
	}
	t := models.NewTenant(tenantID)
	r.s.tenants[tenantID] = t
	if cur != nil {
		r.s.tenantOwner[tenantID] = cur
		cur.createdTenants = append(cur.createdTenants, tenantID)
	}
	return cloneTenant(t), true, nil
}

// SetStatus changes the tenant status
func (r *TenantRepository) SetStatus(ctx context.Context, tenantID string, status models.TenantStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("invalid tenant status %q", status)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	current, ok := r.s.tenant(tenantID, cur)
	if !ok {
		return fmt.Errorf("set tenant status: %w", repositories.ErrNotFound)
	}
	next := cloneTenant(current)
	next.Status = status
	next.UpdatedAt = r.s.clock()
	if cur == nil || r.s.tenantOwner[tenantID] == cur {
		r.s.tenants[tenantID] = next
	} else {
		cur.tenants[tenantID] = next
	}
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *TenantRepository) WithTx(tx repositories.Transaction) repositories.TenantRepository {
	memTx, _ := tx.(*Transaction)
	return &TenantRepository{s: r.s, tx: memTx}
}

// AuditRepository implements repositories.AuditRepository
type AuditRepository struct {
	s  *Store
	tx *Transaction
}

// Insert appends an audit log entry
func (r *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	for _, existing := range r.s.audit {
		if existing.ID == log.ID {
			return fmt.Errorf("insert audit log: %w", repositories.ErrDuplicate)
		}
	}
	entry := *log
	r.s.audit = append(r.s.audit, &entry)
	if cur != nil {
		r.s.auditOwner[entry.ID] = cur
		cur.createdAudit = append(cur.createdAudit, entry.ID)
	}
	return nil
}

// ListByPrincipal returns the newest entries for a principal first
func (r *AuditRepository) ListByPrincipal(ctx context.Context, principalID uuid.UUID, limit int) ([]*models.AuditLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur := txFrom(ctx, r.tx)

	var out []*models.AuditLog
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		e := r.s.audit[i]
		if e.PrincipalID == nil || *e.PrincipalID != principalID || !visible(r.s.auditOwner[e.ID], cur) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	memTx, _ := tx.(*Transaction)
	return &AuditRepository{s: r.s, tx: memTx}
}
