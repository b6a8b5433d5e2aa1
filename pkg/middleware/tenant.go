// Package middleware provides shared middleware helpers for the CCOS control plane.
//
// This package lives in pkg/ (not internal/) so that a downstream repo
// can use GetTenant() and SetTenant() in its own middleware.
package middleware

import "context"

type contextKey string

const tenantKey contextKey = "tenant"

// GetTenant extracts the tenant ID from the context.
// Returns "default" if no tenant is set.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok && v != "" {
		return v
	}
	return "default"
}

// SetTenant stores the tenant ID in the context.
func SetTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}
