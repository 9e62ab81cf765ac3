package models

import "time"

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// MaxTenantIDLength is the width of the tenant id column.
const MaxTenantIDLength = 128

// Valid reports whether s is a known status.
func (s TenantStatus) Valid() bool {
	return s == TenantActive || s == TenantSuspended
}

// Tenant is the isolation boundary principals belong to.
type Tenant struct {
	ID        string       `json:"id" db:"id"`
	Status    TenantStatus `json:"status" db:"status"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}

// NewTenant creates an active tenant.
func NewTenant(id string) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		ID:        id,
		Status:    TenantActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsSuspended returns true if the tenant is suspended
func (t *Tenant) IsSuspended() bool {
	return t.Status == TenantSuspended
}
