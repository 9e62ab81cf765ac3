package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

type transactionContextKey struct{}

// TransactionManager implements repositories.TransactionManager
type TransactionManager struct {
	s *Store
}

// Begin starts a new transaction
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := &Transaction{
		s:          tm.s,
		done:       make(chan struct{}),
		principals: make(map[uuid.UUID]*models.Principal),
		tenants:    make(map[string]*models.Tenant),
	}
	tx.ctx = context.WithValue(ctx, transactionContextKey{}, tx)
	return tx, nil
}

// InTransaction executes fn within a transaction. It commits when fn
// succeeds and rolls back when fn fails or panics.
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx.Context(), tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Transaction implements repositories.Transaction
type Transaction struct {
	s        *Store
	ctx      context.Context
	done     chan struct{}
	finished bool

	// Rows this transaction inserted; hidden from others until commit.
	createdPrincipals []uuid.UUID
	createdTenants    []string
	createdAudit      []uuid.UUID

	// Buffered updates to committed rows, applied on commit.
	principals map[uuid.UUID]*models.Principal
	tenants    map[string]*models.Tenant
}

// Commit publishes the transaction's inserts and applies its updates
func (t *Transaction) Commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.finished {
		return fmt.Errorf("commit: transaction already finished")
	}

	for _, id := range t.createdPrincipals {
		delete(t.s.principalOwner, id)
	}
	for _, id := range t.createdTenants {
		delete(t.s.tenantOwner, id)
	}
	for _, id := range t.createdAudit {
		delete(t.s.auditOwner, id)
	}
	for id, p := range t.principals {
		if _, ok := t.s.principals[id]; ok {
			t.s.principals[id] = p
		}
	}
	for id, tenant := range t.tenants {
		if _, ok := t.s.tenants[id]; ok {
			t.s.tenants[id] = tenant
		}
	}
	t.finish()
	return nil
}

// Rollback discards every write made through the transaction
func (t *Transaction) Rollback() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.finished {
		return nil
	}

	for _, id := range t.createdPrincipals {
		if p, ok := t.s.principals[id]; ok {
			delete(t.s.byExternal, externalKey{p.Issuer, p.Subject})
			delete(t.s.principals, id)
		}
		delete(t.s.principalOwner, id)
	}
	for _, id := range t.createdTenants {
		delete(t.s.tenants, id)
		delete(t.s.tenantOwner, id)
	}
	if len(t.createdAudit) > 0 {
		kept := t.s.audit[:0]
		for _, e := range t.s.audit {
			if t.s.auditOwner[e.ID] != t {
				kept = append(kept, e)
			}
		}
		t.s.audit = kept
		for _, id := range t.createdAudit {
			delete(t.s.auditOwner, id)
		}
	}
	t.finish()
	return nil
}

// finish wakes writers waiting on this transaction. Must hold s.mu.
func (t *Transaction) finish() {
	t.finished = true
	close(t.done)
}

// Context returns the transaction context
func (t *Transaction) Context() context.Context {
	return t.ctx
}

// txFrom prefers an explicitly bound transaction over one carried by ctx.
// A finished transaction no longer isolates anything. Must hold s.mu.
func txFrom(ctx context.Context, bound *Transaction) *Transaction {
	tx := bound
	if tx == nil {
		tx, _ = ctx.Value(transactionContextKey{}).(*Transaction)
	}
	if tx == nil || tx.finished {
		return nil
	}
	return tx
}
