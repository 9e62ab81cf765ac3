// Package observability builds the service's zap logger and attaches
// request-scoped fields to it.
package observability
