// Package handlers implements the HTTP handlers for the CCOS control plane:
// capability manifest CRUD and dispatch, missing-capability resolution,
// approval decisions, run lifecycle and causal-chain inspection, stream
// lifecycle, and sandboxed code execution.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/marketplace"
	"github.com/agentoven/ccos/control-plane/internal/quarantine"
	"github.com/agentoven/ccos/control-plane/internal/resolver"
	"github.com/agentoven/ccos/control-plane/internal/sandbox"
	"github.com/agentoven/ccos/control-plane/internal/schema"
	"github.com/agentoven/ccos/control-plane/internal/store"
	"github.com/agentoven/ccos/control-plane/internal/streaming"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

// Handlers holds every CCOS subsystem the HTTP surface fronts. Resolver,
// Streams/Transport, Sandbox, DepGate, Quarantine and ActionStore are
// nil-checked at call time, so a minimal deployment — e.g. a resolver-less
// test harness — can leave them unset. Registry, Dispatcher, Approvals and
// Runs are dereferenced without a check by the handlers that use them;
// ResolverQ is not read by any handler.
type Handlers struct {
	Registry   *marketplace.Registry
	Dispatcher *marketplace.Dispatcher
	Resolver   *resolver.Resolver
	ResolverQ  *resolver.Queue
	Approvals  *causalchain.Queue
	Runs       *causalchain.RunRegistry
	Streams    *streaming.Registry
	Transport  *streaming.Transport
	Sandbox    *sandbox.Executor
	DepGate    *sandbox.DependencyGate
	Quarantine *quarantine.Store

	// ActionStore, when set, persists every run's causal chain as it's
	// appended to — wired onto each Chain's OnAppend hook as it's created.
	ActionStore store.ActionStore

	chainsMu sync.Mutex
	chains   map[string]*causalchain.Chain
}

// New wires a Handlers from its subsystem collaborators.
func New(registry *marketplace.Registry, dispatcher *marketplace.Dispatcher, res *resolver.Resolver, resQ *resolver.Queue, approvals *causalchain.Queue, streams *streaming.Registry, transport *streaming.Transport, exec *sandbox.Executor, depGate *sandbox.DependencyGate, qstore *quarantine.Store) *Handlers {
	return &Handlers{
		Registry:   registry,
		Dispatcher: dispatcher,
		Resolver:   res,
		ResolverQ:  resQ,
		Approvals:  approvals,
		Runs:       causalchain.NewRunRegistry(approvals),
		Streams:    streams,
		Transport:  transport,
		Sandbox:    exec,
		DepGate:    depGate,
		Quarantine: qstore,
		chains:     make(map[string]*causalchain.Chain),
	}
}

// ChainFor returns the causal chain for runID, creating an empty one on
// first reference (a run's chain starts empty the moment anything asks
// about it, whether that's an append or a read).
func (h *Handlers) ChainFor(runID string) *causalchain.Chain {
	h.chainsMu.Lock()
	defer h.chainsMu.Unlock()
	c, ok := h.chains[runID]
	if !ok {
		c = causalchain.NewChain(runID)
		if h.ActionStore != nil {
			actionStore := h.ActionStore
			if persisted, err := actionStore.LoadActions(context.Background(), runID); err != nil {
				log.Warn().Err(err).Str("run_id", runID).Msg("failed to load persisted causal chain actions")
			} else {
				c.Restore(persisted)
			}
			c.OnAppend = func(a causalchain.Action) {
				if err := actionStore.SaveAction(context.Background(), runID, a); err != nil {
					log.Warn().Err(err).Str("run_id", runID).Msg("failed to persist causal chain action")
				}
			}
		}
		h.chains[runID] = c
	}
	return c
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("handlers: failed encoding response")
	}
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// ── Capabilities ─────────────────────────────────────────────────────────

type httpProviderDTO struct {
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token,omitempty"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type mcpProviderDTO struct {
	ServerURL       string            `json:"server_url"`
	ToolName        string            `json:"tool_name"`
	TimeoutMs       int               `json:"timeout_ms,omitempty"`
	ProtocolVersion string            `json:"protocol_version,omitempty"`
	InputRemap      map[string]string `json:"input_remap,omitempty"`
}

type streamingProviderDTO struct {
	Endpoint string `json:"endpoint"`
}

// registerManifestRequest is the wire shape for register_capability_manifest.
// Only HTTP/MCP/Streaming providers are registrable over the API — Local and
// Native providers wrap in-process Go handlers and are wired at startup.
type registerManifestRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`

	ProviderKind string                `json:"provider_kind"`
	HTTP         *httpProviderDTO      `json:"http,omitempty"`
	MCP          *mcpProviderDTO       `json:"mcp,omitempty"`
	Streaming    *streamingProviderDTO `json:"streaming,omitempty"`

	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	Permissions []string          `json:"permissions,omitempty"`
	Effects     []string          `json:"effects,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Domains     []string          `json:"domains,omitempty"`
	Categories  []string          `json:"categories,omitempty"`

	EffectType     string `json:"effect_type,omitempty"`
	ApprovalStatus string `json:"approval_status,omitempty"`
}

func (req *registerManifestRequest) toManifest() (marketplace.CapabilityManifest, error) {
	m := marketplace.CapabilityManifest{
		ID:             req.ID,
		Name:           req.Name,
		Description:    req.Description,
		Version:        req.Version,
		Permissions:    req.Permissions,
		Effects:        req.Effects,
		Metadata:       req.Metadata,
		Domains:        req.Domains,
		Categories:     req.Categories,
		EffectType:     marketplace.EffectType(req.EffectType),
		ApprovalStatus: marketplace.ApprovalStatus(req.ApprovalStatus),
	}
	if m.ApprovalStatus == "" {
		m.ApprovalStatus = marketplace.ApprovalPending
	}

	switch marketplace.ProviderKind(req.ProviderKind) {
	case marketplace.ProviderHTTP:
		if req.HTTP == nil {
			return m, errHTTPProviderRequired
		}
		m.Provider = marketplace.Provider{Kind: marketplace.ProviderHTTP, HTTP: &marketplace.HTTPProvider{
			BaseURL: req.HTTP.BaseURL, AuthToken: req.HTTP.AuthToken, TimeoutMs: req.HTTP.TimeoutMs,
		}}
	case marketplace.ProviderMCP:
		if req.MCP == nil {
			return m, errMCPProviderRequired
		}
		m.Provider = marketplace.Provider{Kind: marketplace.ProviderMCP, MCP: &marketplace.MCPProvider{
			ServerURL: req.MCP.ServerURL, ToolName: req.MCP.ToolName, TimeoutMs: req.MCP.TimeoutMs,
			ProtocolVersion: req.MCP.ProtocolVersion, InputRemap: req.MCP.InputRemap,
		}}
	case marketplace.ProviderStreaming:
		if req.Streaming == nil {
			return m, errStreamingProviderRequired
		}
		m.Provider = marketplace.Provider{Kind: marketplace.ProviderStreaming, Streaming: &marketplace.StreamingProvider{
			Endpoint: req.Streaming.Endpoint,
		}}
	default:
		return m, errUnknownProviderKind
	}

	if len(req.InputSchema) > 0 {
		s, err := schema.Compile(string(req.InputSchema))
		if err != nil {
			return m, err
		}
		m.InputSchema = s
	}
	if len(req.OutputSchema) > 0 {
		s, err := schema.Compile(string(req.OutputSchema))
		if err != nil {
			return m, err
		}
		m.OutputSchema = s
	}
	return m, nil
}

var (
	errHTTPProviderRequired      = httpProviderErr("http provider fields required for provider_kind=http")
	errMCPProviderRequired       = httpProviderErr("mcp provider fields required for provider_kind=mcp")
	errStreamingProviderRequired = httpProviderErr("streaming provider fields required for provider_kind=streaming")
	errUnknownProviderKind       = httpProviderErr("unknown or unregistrable provider_kind")
)

type httpProviderErr string

func (e httpProviderErr) Error() string { return string(e) }

// ListCapabilities handles GET /api/v1/capabilities.
func (h *Handlers) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	q := marketplace.Query{
		Domain:   r.URL.Query().Get("domain"),
		Category: r.URL.Query().Get("category"),
		Text:     r.URL.Query().Get("q"),
	}
	respondJSON(w, http.StatusOK, h.Registry.ListWithQuery(q))
}

// GetCapability handles GET /api/v1/capabilities/{id}.
func (h *Handlers) GetCapability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := h.Registry.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

// RegisterCapability handles POST /api/v1/capabilities.
func (h *Handlers) RegisterCapability(w http.ResponseWriter, r *http.Request) {
	var req registerManifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	m, err := req.toManifest()
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Registry.Register(m); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// ExecuteCapability handles POST /api/v1/capabilities/{id}/execute.
func (h *Handlers) ExecuteCapability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var raw interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	inputs, err := value.FromJSON(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.Dispatcher.Execute(r.Context(), id, inputs)
	if err != nil {
		if _, ok := err.(*marketplace.CapabilityNotFoundError); ok && h.Resolver != nil {
			resolved, rerr := h.Resolver.Resolve(r.Context(), id, inputs)
			if rerr != nil {
				respondError(w, http.StatusNotFound, rerr)
				return
			}
			result, err = h.Dispatcher.Execute(r.Context(), resolved.ID, inputs)
		}
		if err != nil {
			respondError(w, http.StatusBadGateway, err)
			return
		}
	}

	out, err := value.ToJSON(result)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// ResolveCapability handles POST /api/v1/capabilities/{id}/resolve: an
// explicit trigger for the missing-capability pipeline, independent of a
// failed dispatch.
func (h *Handlers) ResolveCapability(w http.ResponseWriter, r *http.Request) {
	if h.Resolver == nil {
		respondError(w, http.StatusServiceUnavailable, errResolverUnconfigured)
		return
	}
	id := chi.URLParam(r, "id")
	var raw interface{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	args, err := value.FromJSON(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	m, err := h.Resolver.Resolve(r.Context(), id, args)
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusOK, m)
}

var errResolverUnconfigured = httpProviderErr("resolver not configured")

// ── Approvals ────────────────────────────────────────────────────────────

// ListApprovals handles GET /api/v1/approvals?status=Pending.
func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	status := causalchain.ApprovalStatus(r.URL.Query().Get("status"))
	respondJSON(w, http.StatusOK, h.Approvals.List(status))
}

// GetApproval handles GET /api/v1/approvals/{id}.
func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, ok := h.Approvals.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, httpProviderErr("approval not found: "+id))
		return
	}
	respondJSON(w, http.StatusOK, a)
}

type decideApprovalRequest struct {
	Approve bool `json:"approve"`
}

// DecideApproval handles POST /api/v1/approvals/{id}/decide.
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req decideApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	a, err := h.Approvals.Decide(id, req.Approve)
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// ── Causal chain ─────────────────────────────────────────────────────────

type createRunRequest struct {
	SessionID string `json:"session_id"`
	Goal      string `json:"goal,omitempty"`
	Schedule  string `json:"schedule,omitempty"`

	TriggerCapabilityID string                 `json:"trigger_capability_id,omitempty"`
	TriggerInputs       map[string]interface{} `json:"trigger_inputs,omitempty"`

	MaxSteps     int    `json:"max_steps,omitempty"`
	DeadlineUnix *int64 `json:"deadline_unix,omitempty"`
}

type runResponse struct {
	ID                  string                 `json:"id"`
	SessionID           string                 `json:"session_id"`
	Status              string                 `json:"status"`
	Steps               int                    `json:"steps"`
	MaxSteps            int                    `json:"max_steps,omitempty"`
	TriggerCapabilityID string                 `json:"trigger_capability_id,omitempty"`
	TriggerInputs       map[string]interface{} `json:"trigger_inputs,omitempty"`
}

// CreateRun handles POST /api/v1/runs (§3's Run lifecycle, scenario 6:
// trigger_capability_id/trigger_inputs are forwarded verbatim so a caller
// that round-trips them sees them echoed back, and the run's lifecycle
// state is surfaced as "status", never the literal "unknown").
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	budget := causalchain.Budget{MaxSteps: req.MaxSteps}
	if req.DeadlineUnix != nil {
		d := time.Unix(*req.DeadlineUnix, 0)
		budget.Deadline = &d
	}
	run := h.Runs.Create(req.SessionID, budget)
	respondJSON(w, http.StatusCreated, runResponse{
		ID:                  run.ID,
		SessionID:           run.SessionID,
		Status:              string(run.Status),
		Steps:               run.Steps,
		MaxSteps:            budget.MaxSteps,
		TriggerCapabilityID: req.TriggerCapabilityID,
		TriggerInputs:       req.TriggerInputs,
	})
}

// GetRun handles GET /api/v1/runs/{runID}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, ok := h.Runs.Get(runID)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
		return
	}
	respondJSON(w, http.StatusOK, runResponse{
		ID: run.ID, SessionID: run.SessionID, Status: string(run.Status),
		Steps: run.Steps, MaxSteps: run.Budget.MaxSteps,
	})
}

// CancelRun handles POST /api/v1/runs/{runID}/cancel: transitions the run to
// Cancelled and invalidates every pending approval scoped to it (§5).
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.Runs.Cancel(runID); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	run, _ := h.Runs.Get(runID)
	respondJSON(w, http.StatusOK, runResponse{ID: run.ID, SessionID: run.SessionID, Status: string(run.Status), Steps: run.Steps})
}

// ListActions handles GET /api/v1/runs/{runID}/actions.
func (h *Handlers) ListActions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	respondJSON(w, http.StatusOK, h.ChainFor(runID).Snapshot())
}

type appendActionRequest struct {
	SessionID    string                 `json:"session_id"`
	PlanID       string                 `json:"plan_id"`
	IntentID     string                 `json:"intent_id"`
	StepID       string                 `json:"step_id"`
	ActionType   string                 `json:"action_type"`
	EventType    string                 `json:"event_type"`
	CapabilityID string                 `json:"capability_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// AppendAction handles POST /api/v1/runs/{runID}/actions, used by external
// callers (the sandbox IPC bridge, the evaluator host) to record audit
// events against a run's causal chain over HTTP rather than in-process.
func (h *Handlers) AppendAction(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req appendActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	a := h.ChainFor(runID).RecordChatAuditEvent(
		r.Context(), req.PlanID, req.IntentID, req.SessionID, runID, req.StepID,
		causalchain.ActionType(req.ActionType), req.EventType, req.CapabilityID, req.Metadata,
	)
	respondJSON(w, http.StatusCreated, a)
}

// ── Streams ──────────────────────────────────────────────────────────────

type openStreamRequest struct {
	StreamID      string          `json:"stream_id"`
	ProcessorFn   string          `json:"processor_fn,omitempty"`
	ResultSchema  json.RawMessage `json:"result_schema,omitempty"`
	QueueCapacity int             `json:"queue_capacity,omitempty"`
	Endpoint      string          `json:"endpoint"`
	AuthHeader    string          `json:"auth_header,omitempty"`
	AuthValue     string          `json:"auth_value,omitempty"`
	RetryAttempts int             `json:"retry_attempts,omitempty"`
}

// OpenStream handles POST /api/v1/streams: registers a stream processor and
// starts its SSE transport in the background.
func (h *Handlers) OpenStream(w http.ResponseWriter, r *http.Request) {
	if h.Streams == nil || h.Transport == nil {
		respondError(w, http.StatusServiceUnavailable, httpProviderErr("streaming not configured"))
		return
	}
	var req openStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.StreamID == "" || req.Endpoint == "" {
		respondError(w, http.StatusBadRequest, httpProviderErr("stream_id and endpoint are required"))
		return
	}

	var resultSchema *schema.TypeExpr
	if len(req.ResultSchema) > 0 {
		s, err := schema.Compile(string(req.ResultSchema))
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		resultSchema = s
	}
	queueCap := req.QueueCapacity
	if queueCap <= 0 {
		queueCap = streaming.DefaultQueueCapacity
	}
	h.Streams.Register(req.StreamID, req.ProcessorFn, value.Nil, resultSchema, queueCap)
	h.Streams.StartDrainLoop(context.Background(), req.StreamID, 0)

	stopCh := make(chan struct{})
	cfg := streaming.TransportConfig{
		Endpoint: req.Endpoint, AuthHeader: req.AuthHeader, AuthValue: req.AuthValue, RetryAttempts: req.RetryAttempts,
	}
	go h.Transport.Run(context.Background(), req.StreamID, cfg, stopCh)

	respondJSON(w, http.StatusCreated, streaming.StreamHandle{StreamID: req.StreamID, StopCh: stopCh})
}

// GetStream handles GET /api/v1/streams/{id}.
func (h *Handlers) GetStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reg, ok := h.Streams.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, httpProviderErr("stream not found: "+id))
		return
	}
	respondJSON(w, http.StatusOK, reg)
}

type ingestChunkRequest struct {
	Chunk  interface{} `json:"chunk"`
	Action string      `json:"action,omitempty"`
}

// IngestChunk handles POST /api/v1/streams/{id}/ingest: manual chunk
// delivery, or a directive action (pause/resume/cancel/complete/stop) when
// Action is set and Chunk is omitted.
func (h *Handlers) IngestChunk(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ingestChunkRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
	}
	chunk, err := value.FromJSON(req.Chunk)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Streams.Ingest(id, chunk, req.Action); err != nil {
		if _, ok := err.(*streaming.BackpressureError); ok {
			respondError(w, http.StatusTooManyRequests, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

// ── Sandbox ──────────────────────────────────────────────────────────────

type sandboxExecuteRequest struct {
	SessionID     string            `json:"session_id"`
	RunID         string            `json:"run_id"`
	Language      string            `json:"language"`
	Code          string            `json:"code"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	InputFiles    map[string]string `json:"input_files,omitempty"`
	MemoryLimitMB int               `json:"memory_limit_mb,omitempty"`
	TimeoutMs     int               `json:"timeout_ms,omitempty"`
	NoSandbox     bool              `json:"no_sandbox,omitempty"`
}

type sandboxExecuteResponse struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Execute handles POST /api/v1/sandbox/execute: resolves the dependency
// allowlist for the requested packages, then runs the code inside the
// bubblewrap sandbox.
func (h *Handlers) Execute(w http.ResponseWriter, r *http.Request) {
	if h.Sandbox == nil {
		respondError(w, http.StatusServiceUnavailable, httpProviderErr("sandbox not configured"))
		return
	}
	var req sandboxExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	if h.DepGate != nil && len(req.Dependencies) > 0 {
		if _, err := h.DepGate.Resolve(req.SessionID, req.RunID, req.Language, req.Dependencies); err != nil {
			respondError(w, http.StatusForbidden, err)
			return
		}
	}

	inputFiles := make(map[string][]byte, len(req.InputFiles))
	for name, content := range req.InputFiles {
		inputFiles[name] = []byte(content)
	}

	cfg := sandbox.ExecConfig{MemoryLimitMB: req.MemoryLimitMB, TimeoutMs: req.TimeoutMs, NoSandbox: req.NoSandbox}
	result, err := h.Sandbox.Execute(r.Context(), req.Language, req.Code, inputFiles, cfg)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	respondJSON(w, http.StatusOK, sandboxExecuteResponse{
		Success: result.Success, Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode,
	})
}

// ── Quarantine ───────────────────────────────────────────────────────────

type putQuarantineRequest struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	StepID    string `json:"step_id"`
	Data      string `json:"data"` // base64-encoded bytes
}

type putQuarantineResponse struct {
	PointerID string `json:"pointer_id"`
}

// PutQuarantine handles POST /api/v1/quarantine: stores untrusted bytes and
// returns the opaque pointer_id callers pass through the value channel
// instead of the bytes themselves.
func (h *Handlers) PutQuarantine(w http.ResponseWriter, r *http.Request) {
	if h.Quarantine == nil {
		respondError(w, http.StatusServiceUnavailable, httpProviderErr("quarantine not configured"))
		return
	}
	var req putQuarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("data must be base64-encoded: %w", err))
		return
	}
	id := h.Quarantine.Put(r.Context(), req.SessionID, req.RunID, req.StepID, data)
	respondJSON(w, http.StatusCreated, putQuarantineResponse{PointerID: id})
}

type dereferenceQuarantineRequest struct {
	SessionID    string `json:"session_id"`
	RunID        string `json:"run_id"`
	StepID       string `json:"step_id"`
	CapabilityID string `json:"capability_id"`
}

type dereferenceQuarantineResponse struct {
	Data string `json:"data"` // base64-encoded bytes
}

// DereferenceQuarantine handles POST /api/v1/quarantine/{id}/dereference:
// returns the quarantined bytes for pointer id, gated to capabilities whose
// registered manifest is tagged "transform".
func (h *Handlers) DereferenceQuarantine(w http.ResponseWriter, r *http.Request) {
	if h.Quarantine == nil || h.Registry == nil {
		respondError(w, http.StatusServiceUnavailable, httpProviderErr("quarantine not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	var req dereferenceQuarantineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := h.Registry.Get(req.CapabilityID)
	if err != nil {
		respondError(w, http.StatusNotFound, err)
		return
	}
	data, err := h.Quarantine.Dereference(r.Context(), req.SessionID, req.RunID, req.StepID, caller, id)
	if err != nil {
		switch err.(type) {
		case *quarantine.ErrNotTransform:
			respondError(w, http.StatusForbidden, err)
		case *quarantine.ErrPointerNotFound:
			respondError(w, http.StatusNotFound, err)
		default:
			respondError(w, http.StatusInternalServerError, err)
		}
		return
	}
	respondJSON(w, http.StatusOK, dereferenceQuarantineResponse{Data: base64.StdEncoding.EncodeToString(data)})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
