// Package authz decides whether a resolved principal may use a capability.
package authz

import (
	"strings"

	"github.com/upb/tenant-auth/models"
)

// Denial reasons. They are for logs; callers return a generic message.
const (
	ReasonNoPrincipal       = "no_principal"
	ReasonTenantSuspended   = "tenant_suspended"
	ReasonTenantInactive    = "tenant_inactive"
	ReasonInvalidCapability = "invalid_capability"
	ReasonMissingRole       = "missing_role"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

var allow = Decision{Allowed: true}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Authorize allows p to use capability only if p holds a role of the same
// name and p's tenant is known to be active. Anything else is denied,
// including a principal whose tenant status was never filled in.
func Authorize(p *models.Principal, capability string) Decision {
	if p == nil {
		return deny(ReasonNoPrincipal)
	}
	switch p.TenantStatus {
	case models.TenantActive:
	case models.TenantSuspended:
		return deny(ReasonTenantSuspended)
	default:
		return deny(ReasonTenantInactive)
	}
	if strings.TrimSpace(capability) == "" {
		return deny(ReasonInvalidCapability)
	}
	if !p.HasRole(capability) {
		return deny(ReasonMissingRole)
	}
	return allow
}
