// Package server provides the public entry point for initializing the CCOS
// control plane server.
//
// This package exists in pkg/ (not internal/) so that a downstream repo can
// import it and compose the full server with overrides.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/api"
	"github.com/agentoven/ccos/control-plane/internal/api/handlers"
	ccosauth "github.com/agentoven/ccos/control-plane/internal/auth"
	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/config"
	"github.com/agentoven/ccos/control-plane/internal/marketplace"
	"github.com/agentoven/ccos/control-plane/internal/quarantine"
	"github.com/agentoven/ccos/control-plane/internal/resolver"
	"github.com/agentoven/ccos/control-plane/internal/sandbox"
	"github.com/agentoven/ccos/control-plane/internal/store"
	"github.com/agentoven/ccos/control-plane/internal/streaming"
	"github.com/agentoven/ccos/control-plane/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Config is the public configuration for the control plane server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized CCOS control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Registry is the capability manifest registry. Exposed so callers can
	// pre-register Local/Native providers that can't travel over the wire.
	Registry *marketplace.Registry

	// Dispatcher executes registered capabilities.
	Dispatcher *marketplace.Dispatcher

	// Resolver runs the missing-capability resolution pipeline. Exposed so
	// callers can wire collaborators (LocalScanner, MCP, ToolSelector, ...)
	// before the server starts serving.
	Resolver *resolver.Resolver

	// Approvals is the causal chain's typed approval queue.
	Approvals *causalchain.Queue

	// Streams is the stream processor registry; Transport drives SSE
	// connections into it.
	Streams   *streaming.Registry
	Transport *streaming.Transport

	// Sandbox executes untrusted capability-synthesis code.
	Sandbox *sandbox.Executor
	DepGate *sandbox.DependencyGate

	// AuthChain is the pluggable authentication provider chain.
	AuthChain *ccosauth.ProviderChain

	// Store is the file-backed persistence layer for manifests, approvals,
	// and causal-chain actions.
	Store *store.MemoryStore

	// Quarantine is the content-addressed, TTL-bounded byte store for
	// untrusted payloads.
	Quarantine *quarantine.Store

	Handlers *handlers.Handlers

	Config *Config
	Port   int

	shutdownTelemetry func(context.Context) error
}

// LoadConfig builds a server Config from environment variables via
// internal/config.
func LoadConfig() *Config {
	c := config.Load()
	return &Config{
		Port:         c.Port,
		Version:      c.Version,
		OTELEnabled:  c.Telemetry.Enabled,
		OTELEndpoint: c.Telemetry.OTLPEndpoint,
		ServiceName:  c.Telemetry.ServiceName,
	}
}

// New builds a Server with default configuration loaded from the
// environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig builds a Server with an explicit Config.
func NewWithConfig(ctx context.Context, cfg *Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(config.TelemetryConfig{
		Enabled:      cfg.OTELEnabled,
		OTLPEndpoint: cfg.OTELEndpoint,
		ServiceName:  cfg.ServiceName,
	})
	if err != nil {
		return nil, err
	}

	sandboxCfg := config.Load().Sandbox

	persistence := store.NewMemoryStore()

	registry := marketplace.NewRegistry()
	registry.OnRegister = func(m marketplace.CapabilityManifest) {
		if err := persistence.SaveManifest(ctx, m); err != nil {
			log.Warn().Err(err).Str("capability_id", m.ID).Msg("failed to persist capability manifest")
		}
	}
	if persisted, err := persistence.LoadManifests(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted capability manifests")
	} else {
		registry.Registrar = true
		for _, m := range persisted {
			if err := registry.Register(m); err != nil {
				log.Warn().Err(err).Str("capability_id", m.ID).Msg("failed to reload persisted manifest")
			}
		}
		registry.Registrar = false
	}
	dispatcher := marketplace.NewDispatcher(registry)

	approvals := causalchain.NewQueue()
	approvals.OnCreate = func(req causalchain.ApprovalRequest) {
		if err := persistence.SaveApproval(ctx, req); err != nil {
			log.Warn().Err(err).Str("approval_id", req.ID).Msg("failed to persist approval request")
		}
	}
	approvals.OnDecision = func(req causalchain.ApprovalRequest) {
		if err := persistence.SaveApproval(ctx, req); err != nil {
			log.Warn().Err(err).Str("approval_id", req.ID).Msg("failed to persist approval decision")
		}
	}
	if persisted, err := persistence.LoadApprovals(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load persisted approvals")
	} else {
		for _, req := range persisted {
			approvals.Restore(req)
		}
	}

	resolverQueue := resolver.NewQueue()
	res := resolver.NewResolver(registry, resolverQueue, approvals, nil)
	res.CapabilityStorageDir = sandboxCfg.CapabilityStorage
	res.BypassHighRisk = sandboxCfg.BypassHighRisk

	streamRegistry := streaming.NewRegistry(nil)
	transport := streaming.NewTransport(streamRegistry)
	// The marketplace's Streaming provider kind hands off to the stream
	// registry rather than returning a value synchronously: callers open a
	// stream via POST /api/v1/streams and poll/ingest against its id, so
	// dispatcher.StreamOpener is left unset here.

	allowlist := sandbox.NewAllowlist()
	depGate := sandbox.NewDependencyGate(allowlist, approvals)
	executor := sandbox.NewExecutor()
	if sandboxCfg.BwrapPath != "" && sandboxCfg.BwrapPath != "bwrap" {
		executor.BwrapPath = sandboxCfg.BwrapPath
	}

	quarantineStore := quarantine.NewStore(sandboxCfg.QuarantineTTL)

	h := handlers.New(registry, dispatcher, res, resolverQueue, approvals, streamRegistry, transport, executor, depGate, quarantineStore)
	h.ActionStore = persistence
	quarantineStore.ChainFor = h.ChainFor

	authChain := ccosauth.NewProviderChain()
	apiKeyProvider := ccosauth.NewAPIKeyProvider()
	if apiKeyProvider.Enabled() {
		authChain.RegisterProvider(apiKeyProvider)
	}
	svcAcctProvider := ccosauth.NewServiceAccountProvider()
	if svcAcctProvider.Enabled() {
		authChain.RegisterProvider(svcAcctProvider)
	}

	internalCfg := &config.Config{Port: cfg.Port, Version: cfg.Version}
	router := api.NewRouter(internalCfg, h, authChain)

	log.Info().Msg("capability registry initialized")
	log.Info().Msg("resolver pipeline initialized")
	log.Info().Msg("stream transport initialized")
	log.Info().Msg("sandbox executor initialized")

	return &Server{
		Handler:           router,
		Registry:          registry,
		Dispatcher:        dispatcher,
		Resolver:          res,
		Approvals:         approvals,
		Streams:           streamRegistry,
		Transport:         transport,
		Sandbox:           executor,
		DepGate:           depGate,
		AuthChain:         authChain,
		Store:             persistence,
		Quarantine:        quarantineStore,
		Handlers:          h,
		Config:            cfg,
		Port:              cfg.Port,
		shutdownTelemetry: shutdownTelemetry,
	}, nil
}

// Shutdown releases server resources (telemetry exporter flush, store flush).
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close store")
		}
	}
	if s.shutdownTelemetry != nil {
		return s.shutdownTelemetry(ctx)
	}
	return nil
}
