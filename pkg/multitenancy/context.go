// Package multitenancy propagates the tenant identity through contexts and
// scopes stream identifiers in shared-database deployments. Event metadata
// and retry partition keys consume the tenant from the context; single-tenant
// deployments never set one and fall back to DefaultTenant.
package multitenancy

import "context"

// DefaultTenant is assumed when the context carries no tenant.
const DefaultTenant = "default"

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const tenantKey contextKey = "tenant_id"

// WithTenant returns a context carrying the tenant ID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantFromContext returns the tenant ID carried by the context, or
// DefaultTenant when none is set.
func TenantFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tenantKey).(string); ok && id != "" {
		return id
	}
	return DefaultTenant
}

// HasTenant reports whether the context carries an explicit tenant ID.
func HasTenant(ctx context.Context) bool {
	id, ok := ctx.Value(tenantKey).(string)
	return ok && id != ""
}
