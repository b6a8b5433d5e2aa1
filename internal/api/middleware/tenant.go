package middleware

import (
	"context"
	"net/http"
	"strings"

	pkgmw "github.com/agentoven/ccos/control-plane/pkg/middleware"
)

type contextKey string

const (
	// TenantIDKey is the context key for the tenant ID.
	TenantIDKey contextKey = "tenant_id"
)

// TenantExtractor extracts tenant information from the request.
// It checks the X-Tenant-Id header, then the tenant query parameter,
// and falls back to "default".
func TenantExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := ""

		// Priority 1: X-Tenant-Id header
		if h := r.Header.Get("X-Tenant-Id"); h != "" {
			tenant = strings.TrimSpace(h)
		}

		// Priority 2: tenant query parameter
		if tenant == "" {
			if q := r.URL.Query().Get("tenant"); q != "" {
				tenant = strings.TrimSpace(q)
			}
		}

		// A Bearer token in the Authorization header is not inspected: no
		// "sub" or "tenant" claim is read from it, so it never sets the tenant.
		if tenant == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				_ = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Default tenant
		if tenant == "" {
			tenant = "default"
		}

		// Use pkg/middleware for the tenant context key (shared with downstream repos)
		ctx := pkgmw.SetTenant(r.Context(), tenant)
		ctx = context.WithValue(ctx, TenantIDKey, tenant)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetTenant retrieves the tenant ID from the request context.
// Delegates to pkg/middleware.GetTenant for cross-module compatibility.
func GetTenant(ctx context.Context) string {
	return pkgmw.GetTenant(ctx)
}

// GetTenantID retrieves the tenant ID from the request context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return "default"
}
