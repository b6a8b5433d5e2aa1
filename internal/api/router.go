package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/agentoven/ccos/control-plane/internal/api/handlers"
	"github.com/agentoven/ccos/control-plane/internal/api/middleware"
	"github.com/agentoven/ccos/control-plane/internal/config"
	"github.com/agentoven/ccos/control-plane/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router exposing the CCOS capability
// marketplace, resolver, approvals, causal chain, streams, and sandbox.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authChain contracts.AuthProviderChain) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)

	// Pluggable auth middleware: the chain walks registered providers
	// (API key, service account, OIDC, ...) and stores the resulting
	// Identity in context for handlers.
	if authChain != nil {
		authMW := middleware.NewAuthMiddleware(authChain)
		r.Use(authMW.Handler)
	}

	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: !isWildcard, // safe: only allow credentials with explicit origins
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/capabilities", func(r chi.Router) {
			r.Get("/", h.ListCapabilities)
			r.Post("/", h.RegisterCapability)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCapability)
				r.Post("/execute", h.ExecuteCapability)
				r.Post("/resolve", h.ResolveCapability)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetApproval)
				r.Post("/decide", h.DecideApproval)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.CreateRun)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", h.GetRun)
				r.Post("/cancel", h.CancelRun)
				r.Route("/actions", func(r chi.Router) {
					r.Get("/", h.ListActions)
					r.Post("/", h.AppendAction)
				})
			})
		})

		r.Route("/streams", func(r chi.Router) {
			r.Post("/", h.OpenStream)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetStream)
				r.Post("/ingest", h.IngestChunk)
			})
		})

		r.Route("/sandbox", func(r chi.Router) {
			r.Post("/execute", h.Execute)
		})

		r.Route("/quarantine", func(r chi.Router) {
			r.Post("/", h.PutQuarantine)
			r.Post("/{id}/dereference", h.DereferenceQuarantine)
		})
	})

	return r
}

// parseCORSOrigins reads CCOS_CORS_ORIGINS as a comma-separated list,
// defaulting to a wildcard (safe only because AllowCredentials is then
// forced false).
//
//	CCOS_CORS_ORIGINS=https://ccos.example.com,http://localhost:5173
//	CCOS_CORS_ORIGINS=*  (default)
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("CCOS_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}

	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "ccos-control-plane",
		})
	}
}
