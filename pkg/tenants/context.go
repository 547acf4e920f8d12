// Package tenants carries the tenant scope of a request and provides the
// isolation checker used to prove that tenant boundaries hold.
package tenants

import "context"

// Default is the tenant used by single-tenant deployments and bare API
// keys with no explicit tenant binding.
const Default = "default"

type tenantKey struct{}

// WithTenant binds a tenant ID to the context. The auth middleware calls
// this once per request; everything downstream reads it back.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// FromContext returns the tenant bound to the context, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}
