package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionPrincipalProvisioned  AuditAction = "principal_provisioned"
	AuditActionPrincipalRolesChanged AuditAction = "principal_roles_changed"
	AuditActionTenantProvisioned     AuditAction = "tenant_provisioned"
	AuditActionTenantStatusChanged   AuditAction = "tenant_status_changed"
	AuditActionAuthorizationDenied   AuditAction = "authorization_denied"
)

// AuditLog represents an audit trail entry. Entries for principal and tenant
// changes are written in the same transaction as the change they describe.
type AuditLog struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	TenantID    string          `json:"tenant_id" db:"tenant_id"`
	PrincipalID *uuid.UUID      `json:"principal_id,omitempty" db:"principal_id"`
	Action      AuditAction     `json:"action" db:"action"`
	Details     json.RawMessage `json:"details" db:"details"` // JSONB for flexible metadata
	RequestID   string          `json:"request_id" db:"request_id"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(tenantID string, action AuditAction) *AuditLog {
	return &AuditLog{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Action:    action,
		Details:   json.RawMessage(`{}`),
		Timestamp: time.Now().UTC(),
	}
}

// WithPrincipal sets the principal ID
func (a *AuditLog) WithPrincipal(principalID uuid.UUID) *AuditLog {
	a.PrincipalID = &principalID
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets the request ID
func (a *AuditLog) WithRequest(requestID string) *AuditLog {
	a.RequestID = requestID
	return a
}
