package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Column widths of the principals table.
const (
	MaxSubjectLength     = 255
	MaxEmailLength       = 320
	MaxDisplayNameLength = 255
)

// Principal is the internal identity bound to one (issuer, subject) pair
// of an external identity provider.
type Principal struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Issuer      string    `json:"issuer" db:"issuer"`
	Subject     string    `json:"subject" db:"subject"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	Roles       []string  `json:"roles" db:"roles"`
	Email       string    `json:"email,omitempty" db:"email"`
	DisplayName string    `json:"display_name,omitempty" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
	LastSeenAt  time.Time `json:"last_seen_at" db:"last_seen_at"`

	// TenantStatus is filled in by the resolver on every resolve. Not a column.
	TenantStatus TenantStatus `json:"tenant_status,omitempty" db:"-"`
}

// NewPrincipal creates a new Principal with a normalized role set.
func NewPrincipal(issuer, subject, tenantID string, roles []string) *Principal {
	now := time.Now().UTC()
	return &Principal{
		ID:         uuid.New(),
		Issuer:     issuer,
		Subject:    subject,
		TenantID:   tenantID,
		Roles:      NormalizeRoles(roles),
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeenAt: now,
	}
}

// HasRole reports whether role is in the principal's role set.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SameRoles reports whether the principal's roles equal roles as a set.
func (p *Principal) SameRoles(roles []string) bool {
	a := NormalizeRoles(p.Roles)
	b := NormalizeRoles(roles)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NormalizeRoles returns a sorted copy of roles without blanks or duplicates.
// The result is never nil.
func NormalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
