package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/marketplace"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

// LocalManifestScanner implements §4.5 stage 4: a filesystem scan for a
// manifest matching capabilityID (e.g. a directory of pre-authored
// capability.json files).
type LocalManifestScanner interface {
	Scan(ctx context.Context, capabilityID string) (marketplace.CapabilityManifest, bool)
}

// MCPDiscoverer implements §4.5 stage 5/6: registry query plus server
// introspection.
type MCPDiscoverer interface {
	DiscoverServers(ctx context.Context, capabilityID string) ([]MCPServerCandidate, error)
	IntrospectTools(ctx context.Context, serverURL string) ([]MCPToolCandidate, error)
}

// ServerSelectionHandler gates trust for unknown MCP server domains (§4.5
// stage 5); curated-override domains bypass this gate entirely.
type ServerSelectionHandler interface {
	ApproveDomain(ctx context.Context, domain string) bool
}

// ToolSelectorLLM renders a prompt over the top-N candidates and parses back
// a tool_name/input_remap answer (§4.5 stage 6, second tier).
type ToolSelectorLLM interface {
	SelectTool(ctx context.Context, capabilityID string, candidates []MCPToolCandidate) (ToolSelection, bool, error)
}

// ToolSelection is the parsed shape an LLM tool-selector returns.
type ToolSelection struct {
	ToolName   string
	InputRemap map[string]string
}

// RTFSGenerator implements §4.5 stage 7: local template-based synthesis of
// a pure Local-provider manifest, with no LLM or network round trip.
type RTFSGenerator interface {
	GenerateLocal(ctx context.Context, capabilityID string, argSample value.Value) (marketplace.CapabilityManifest, bool)
}

// UserInteractionHandler implements §4.5 stage 8: surfaces a request to a
// human operator with context and reports whether they supplied a manifest.
type UserInteractionHandler interface {
	RequestHint(ctx context.Context, capabilityID string, argSample value.Value) (marketplace.CapabilityManifest, bool)
}

// SynthesisLLM implements §4.5 stage 9: renders a synthesis prompt and
// returns raw RTFS source for a `(capability ...)` form.
type SynthesisLLM interface {
	Synthesize(ctx context.Context, capabilityID string, argSample value.Value, existingCapabilities []string) (rtfsSource string, ok bool, err error)
}

// RTFSParser turns a raw `(capability ...)` source string into a validated
// manifest, isolating the resolver from the evaluator's reader/parser.
type RTFSParser interface {
	Parse(source string) (marketplace.CapabilityManifest, error)
}

// Resolver wires the queue, alias cache, registry, and every pluggable
// discovery/synthesis collaborator into the ordered, first-success
// pipeline. Collaborators left nil cause their stage to be skipped (not
// treated as a pipeline failure) — this lets a minimal deployment run
// stages 1-4 only.
type Resolver struct {
	Queue    *Queue
	Registry *marketplace.Registry
	Aliases  *AliasStore
	Overrides []CuratedOverride

	LocalScanner    LocalManifestScanner
	MCP             MCPDiscoverer
	ServerSelection ServerSelectionHandler
	ToolSelector    ToolSelectorLLM
	RTFSGen         RTFSGenerator
	UserInteraction UserInteractionHandler
	Synthesizer     SynthesisLLM
	RTFSParser      RTFSParser

	ApprovalQueue *causalchain.Queue
	Chain         *causalchain.Chain
	Observer      Observer

	// CapabilityStorageDir is CCOS_CAPABILITY_STORAGE: generated RTFS is
	// persisted under <dir>/generated/<sanitized-id>/capability.rtfs.
	CapabilityStorageDir string

	MaxAttempts int
	BypassHighRisk bool

	sf singleflight.Group

	historyMu sync.Mutex
	history   map[string]*History
}

// NewResolver creates a Resolver with default attempt limits.
func NewResolver(registry *marketplace.Registry, queue *Queue, approvals *causalchain.Queue, chain *causalchain.Chain) *Resolver {
	return &Resolver{
		Queue:         queue,
		Registry:      registry,
		Aliases:       NewAliasStore(""),
		ApprovalQueue: approvals,
		Chain:         chain,
		MaxAttempts:   DefaultMaxAttempts,
		history:       make(map[string]*History),
	}
}

func (r *Resolver) emit(capabilityID string, stage Stage, summary, detail string) {
	if r.Observer != nil {
		// Fire-and-forget: observer delivery never blocks pipeline progress
		// (SPEC_FULL supplement #8).
		go r.Observer(ResolutionEvent{CapabilityID: capabilityID, Stage: stage, Summary: summary, Detail: detail, Timestamp: time.Now()})
	}
}

func (r *Resolver) recordHistoryFailure(capabilityID string, timeout bool) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	h, ok := r.history[capabilityID]
	if !ok {
		h = &History{}
		r.history[capabilityID] = h
	}
	h.RepeatedFailures++
	if timeout {
		h.Timeouts++
	}
}

func (r *Resolver) historyFor(capabilityID string) History {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	if h, ok := r.history[capabilityID]; ok {
		return *h
	}
	return History{}
}

// Resolve runs the enqueue + pipeline for capabilityID, deduplicating
// concurrent resolutions of the same id via singleflight (two evaluator
// suspensions hitting the same missing capability at once share one
// pipeline run).
func (r *Resolver) Resolve(ctx context.Context, capabilityID string, args value.Value) (marketplace.CapabilityManifest, error) {
	v, err, _ := r.sf.Do(capabilityID, func() (interface{}, error) {
		return r.resolveOnce(ctx, capabilityID, args)
	})
	if err != nil {
		return marketplace.CapabilityManifest{}, err
	}
	return v.(marketplace.CapabilityManifest), nil
}

func (r *Resolver) resolveOnce(ctx context.Context, capabilityID string, args value.Value) (marketplace.CapabilityManifest, error) {
	if _, err := r.Queue.Enqueue(capabilityID, args); err != nil {
		if _, ok := r.Queue.StatusOf(capabilityID); ok {
			// Already tracked: fall through to attempt resolution anyway if
			// it's actually resolvable right now (e.g. a retry became due).
		}
	}
	r.Queue.Start(capabilityID)

	m, stage, err := r.runStages(ctx, capabilityID, args)
	if err != nil {
		timeout := strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline")
		r.recordHistoryFailure(capabilityID, timeout)
		req := r.Queue.Fail(capabilityID, err, r.MaxAttempts)
		r.emit(capabilityID, stage, "resolution failed", err.Error())
		if req.Status == StatusPermanentlyFailed {
			return marketplace.CapabilityManifest{}, fmt.Errorf("resolver: %s permanently failed after %d attempts: %w", capabilityID, req.Attempts, err)
		}
		return marketplace.CapabilityManifest{}, fmt.Errorf("resolver: %s failed, retry after %s: %w", capabilityID, req.RetryAfter.Format(time.RFC3339), err)
	}

	risk := AssessRisk(capabilityID, r.historyFor(capabilityID))
	if RequiresApproval(risk.Level, r.BypassHighRisk) && r.ApprovalQueue != nil {
		approved, ok := r.ApprovalQueue.FindApproved(causalchain.CategoryCapabilityRegistration, "", "", time.Now())
		if !ok || approved.CapabilityID != capabilityID {
			r.ApprovalQueue.Create(causalchain.ApprovalRequest{
				Category:     causalchain.CategoryCapabilityRegistration,
				Risk:         risk,
				CapabilityID: capabilityID,
				Stage:        string(stage),
			})
			return marketplace.CapabilityManifest{}, fmt.Errorf("resolver: %s resolved via %s but risk=%s requires approval before registration", capabilityID, stage, risk.Level)
		}
	}

	// The resolver pipeline having reached this point (no pending approval
	// blocked it above) is itself the authorization: a Pending manifest
	// surfaced by MCP discovery is promoted to AutoApproved before
	// registration so Registry.Register doesn't bounce it back to Pending
	// handling.
	if m.ApprovalStatus == marketplace.ApprovalPending {
		m.ApprovalStatus = marketplace.ApprovalAutoApproved
	}
	if err := r.Registry.Register(m); err != nil {
		return marketplace.CapabilityManifest{}, err
	}
	r.Queue.Resolve(capabilityID)
	r.emit(capabilityID, stage, "resolved and registered", m.ID)
	return m, nil
}

// runStages attempts each pipeline stage in order, stopping at first
// success. It returns the winning stage for observability even on failure
// (the stage reached when all were exhausted).
func (r *Resolver) runStages(ctx context.Context, id string, args value.Value) (marketplace.CapabilityManifest, Stage, error) {
	var lastTransportErr error

	if m, ok := r.stageMarketplaceExact(id); ok {
		return m, StageMarketplaceExact, nil
	}
	if m, ok, err := r.stageAliasCache(ctx, id); ok {
		return m, StageAliasCache, nil
	} else if err != nil {
		lastTransportErr = err
	}
	if m, ok := r.stagePartialMatch(id); ok {
		return m, StagePartialMatch, nil
	}
	if m, ok := r.stageLocalManifest(ctx, id); ok {
		return m, StageLocalManifest, nil
	}
	if m, ok, err := r.stageMCPDiscoveryAndToolSelection(ctx, id, args); ok {
		return m, StageToolSelection, nil
	} else if err != nil {
		lastTransportErr = err
	}
	if m, ok := r.stageRTFSGeneration(ctx, id, args); ok {
		return m, StageRTFSGeneration, nil
	}
	if m, ok := r.stageUserInteraction(ctx, id, args); ok {
		return m, StageUserInteraction, nil
	}
	if m, ok := r.stageLLMSynthesis(ctx, id, args); ok {
		return m, StageLLMSynthesis, nil
	}
	// A transient MCP transport error (e.g. a rate-limited introspection
	// call) is more useful to the caller than the generic "no stage
	// resolved" message, and lets it carry a RetryAfterHint through to
	// Queue.Fail.
	if lastTransportErr != nil {
		return marketplace.CapabilityManifest{}, StageToolSelection, fmt.Errorf("resolver: no stage resolved capability %q: %w", id, lastTransportErr)
	}
	return marketplace.CapabilityManifest{}, StageLLMSynthesis, fmt.Errorf("resolver: no stage resolved capability %q", id)
}

// stageMarketplaceExact is stage 1: a last race-condition check against the
// live registry before doing any discovery work.
func (r *Resolver) stageMarketplaceExact(id string) (marketplace.CapabilityManifest, bool) {
	r.emit(id, StageMarketplaceExact, "checking marketplace for exact match", "")
	m, err := r.Registry.Get(id)
	if err != nil {
		return marketplace.CapabilityManifest{}, false
	}
	return m, true
}

// stageAliasCache is stage 2: rematerialize from a disk-backed alias,
// evicting it if the tool has disappeared from the server. A non-nil error
// means introspection itself failed (as opposed to a clean miss), and is
// threaded back to the caller so a transient transport failure's
// RetryAfterHint isn't lost.
func (r *Resolver) stageAliasCache(ctx context.Context, id string) (marketplace.CapabilityManifest, bool, error) {
	if r.Aliases == nil {
		return marketplace.CapabilityManifest{}, false, nil
	}
	entry, pattern, ok := r.Aliases.Lookup(id)
	if !ok {
		return marketplace.CapabilityManifest{}, false, nil
	}
	r.emit(id, StageAliasCache, "alias hit, rematerializing manifest", pattern)

	if r.MCP == nil {
		return marketplace.CapabilityManifest{}, false, nil
	}
	tools, err := introspectWithRetry(ctx, r.MCP, entry.ServerURL)
	if err != nil {
		return marketplace.CapabilityManifest{}, false, err
	}
	for _, t := range tools {
		if t.Name == entry.ToolName {
			return mcpManifest(id, entry.ServerURL, t, entry.InputRemap), true, nil
		}
	}

	r.emit(id, StageAliasCache, "alias tool disappeared, evicting", pattern)
	r.Aliases.Evict(pattern)
	return marketplace.CapabilityManifest{}, false, nil
}

var mcpPrefix = regexp.MustCompile(`^mcp[._]`)

// stagePartialMatch is stage 3: require the last id segment to match or be
// a >=3-char prefix of a candidate's last segment, with identical preceding
// segments. Skipped for MCP-prefixed ids (false-positive prone).
func (r *Resolver) stagePartialMatch(id string) (marketplace.CapabilityManifest, bool) {
	if mcpPrefix.MatchString(strings.ToLower(id)) {
		return marketplace.CapabilityManifest{}, false
	}
	r.emit(id, StagePartialMatch, "scanning marketplace for partial match", "")

	idSegs := strings.Split(id, ".")
	idLast := idSegs[len(idSegs)-1]
	idPrefix := strings.Join(idSegs[:len(idSegs)-1], ".")

	for _, m := range r.Registry.List() {
		segs := strings.Split(m.ID, ".")
		if len(segs) != len(idSegs) {
			continue
		}
		if strings.Join(segs[:len(segs)-1], ".") != idPrefix {
			continue
		}
		candLast := segs[len(segs)-1]
		if candLast == idLast {
			return m, true
		}
		minLen := len(idLast)
		if len(candLast) < minLen {
			minLen = len(candLast)
		}
		if minLen >= 3 && strings.HasPrefix(candLast, idLast[:minLen]) {
			return m, true
		}
	}
	return marketplace.CapabilityManifest{}, false
}

// stageLocalManifest is stage 4: a filesystem scan hook.
func (r *Resolver) stageLocalManifest(ctx context.Context, id string) (marketplace.CapabilityManifest, bool) {
	if r.LocalScanner == nil {
		return marketplace.CapabilityManifest{}, false
	}
	r.emit(id, StageLocalManifest, "scanning local manifest directory", "")
	return r.LocalScanner.Scan(ctx, id)
}

// stageMCPDiscoveryAndToolSelection folds stages 5 and 6: discover
// candidate servers (scored, trust-gated, curated overrides auto-approved),
// introspect the winner, then select a tool on it (heuristic scoring first,
// LLM selector second, domain-keyword fallback last).
func (r *Resolver) stageMCPDiscoveryAndToolSelection(ctx context.Context, id string, args value.Value) (marketplace.CapabilityManifest, bool, error) {
	if r.MCP == nil {
		return marketplace.CapabilityManifest{}, false, nil
	}
	r.emit(id, StageMCPDiscovery, "querying MCP registry", "")

	servers, err := r.MCP.DiscoverServers(ctx, id)
	if err != nil {
		return marketplace.CapabilityManifest{}, false, err
	}
	if len(servers) == 0 {
		return marketplace.CapabilityManifest{}, false, nil
	}

	if override, ok := MatchOverride(r.Overrides, id); ok {
		servers = append([]MCPServerCandidate{{Name: override.ServerName, URL: override.ServerURL, Domain: domainOf(override.ServerURL)}}, servers...)
	}

	type scored struct {
		c     MCPServerCandidate
		score float64
	}
	var candidates []scored
	for _, c := range servers {
		candidates = append(candidates, scored{c, ScoreServer(id, c)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	var lastErr error
	for _, cand := range candidates {
		if cand.score < MinServerScore {
			continue
		}
		approved := cand.score == candidates[0].score && isAutoApproved(r.Overrides, cand.c.URL)
		if !approved && r.ServerSelection != nil {
			approved = r.ServerSelection.ApproveDomain(ctx, cand.c.Domain)
		}
		if !approved {
			continue
		}

		tools, err := introspectWithRetry(ctx, r.MCP, cand.c.URL)
		if err != nil {
			lastErr = err
			continue
		}
		if len(tools) == 0 {
			continue
		}
		r.emit(id, StageToolSelection, "selecting tool on "+cand.c.Name, fmt.Sprintf("%d candidates", len(tools)))

		if sel, remap, ok := r.selectTool(ctx, id, tools); ok {
			m := mcpManifest(id, cand.c.URL, sel, remap)
			if r.Aliases != nil {
				r.Aliases.Put(id, AliasEntry{ServerName: cand.c.Name, ServerURL: cand.c.URL, ToolName: sel.Name, InputRemap: remap})
			}
			return m, true, nil
		}
	}
	return marketplace.CapabilityManifest{}, false, lastErr
}

func isAutoApproved(overrides []CuratedOverride, url string) bool {
	for _, o := range overrides {
		if o.ServerURL == url && o.AutoApproved {
			return true
		}
	}
	return false
}

func domainOf(rawURL string) string {
	u := strings.TrimPrefix(strings.TrimPrefix(rawURL, "https://"), "http://")
	if i := strings.Index(u, "/"); i >= 0 {
		u = u[:i]
	}
	return u
}

// selectTool implements stage 6's three-tier selection: heuristic scoring,
// then LLM tool-selector, then domain-keyword fallback.
func (r *Resolver) selectTool(ctx context.Context, id string, tools []MCPToolCandidate) (MCPToolCandidate, map[string]string, bool) {
	var best MCPToolCandidate
	bestScore, bestOverlap := -1.0, 0.0
	for _, t := range tools {
		score, overlap := ScoreTool(id, t)
		if score > bestScore {
			best, bestScore, bestOverlap = t, score, overlap
		}
	}
	if bestScore >= HeuristicSelectThreshold || bestOverlap >= HeuristicOverlapThreshold {
		return best, nil, true
	}

	if r.ToolSelector != nil {
		sel, ok, err := r.ToolSelector.SelectTool(ctx, id, tools)
		if err == nil && ok {
			for _, t := range tools {
				if t.Name == sel.ToolName {
					return t, sel.InputRemap, true
				}
			}
		}
	}

	if fallback, ok := DomainKeywordFallback(id, tools); ok {
		return fallback, nil, true
	}
	return MCPToolCandidate{}, nil, false
}

func mcpManifest(id, serverURL string, t MCPToolCandidate, remap map[string]string) marketplace.CapabilityManifest {
	return marketplace.CapabilityManifest{
		ID:          id,
		Name:        t.Name,
		Description: t.Description,
		Provider: marketplace.Provider{
			Kind: marketplace.ProviderMCP,
			MCP: &marketplace.MCPProvider{
				ServerURL:  serverURL,
				ToolName:   t.Name,
				InputRemap: remap,
			},
		},
		ApprovalStatus: marketplace.ApprovalPending,
		EffectType:     marketplace.EffectEffectful,
	}
}

// stageRTFSGeneration is stage 7: pure local template synthesis.
func (r *Resolver) stageRTFSGeneration(ctx context.Context, id string, args value.Value) (marketplace.CapabilityManifest, bool) {
	if r.RTFSGen == nil {
		return marketplace.CapabilityManifest{}, false
	}
	r.emit(id, StageRTFSGeneration, "attempting pure template synthesis", "")
	return r.RTFSGen.GenerateLocal(ctx, id, args)
}

// stageUserInteraction is stage 8: surface to a human operator.
func (r *Resolver) stageUserInteraction(ctx context.Context, id string, args value.Value) (marketplace.CapabilityManifest, bool) {
	if r.UserInteraction == nil {
		return marketplace.CapabilityManifest{}, false
	}
	r.emit(id, StageUserInteraction, "requesting operator hint", "")
	return r.UserInteraction.RequestHint(ctx, id, args)
}

// stageLLMSynthesis is stage 9: render a synthesis prompt, parse the
// returned RTFS form, and persist it under CapabilityStorageDir.
func (r *Resolver) stageLLMSynthesis(ctx context.Context, id string, args value.Value) (marketplace.CapabilityManifest, bool) {
	if r.Synthesizer == nil || r.RTFSParser == nil {
		return marketplace.CapabilityManifest{}, false
	}
	r.emit(id, StageLLMSynthesis, "requesting LLM synthesis", "")

	existing := make([]string, 0)
	for _, m := range r.Registry.List() {
		existing = append(existing, m.ID)
	}

	src, ok, err := r.Synthesizer.Synthesize(ctx, id, args, existing)
	if err != nil || !ok {
		return marketplace.CapabilityManifest{}, false
	}

	m, err := r.RTFSParser.Parse(src)
	if err != nil {
		log.Warn().Str("capability_id", id).Err(err).Msg("resolver: synthesized RTFS failed to parse")
		return marketplace.CapabilityManifest{}, false
	}

	if r.CapabilityStorageDir != "" {
		if err := r.persistGenerated(id, src); err != nil {
			log.Warn().Str("capability_id", id).Err(err).Msg("resolver: failed to persist generated RTFS")
		}
	}
	return m, true
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeID(id string) string {
	return nonAlnum.ReplaceAllString(id, "_")
}

func (r *Resolver) persistGenerated(id, src string) error {
	dir := filepath.Join(r.CapabilityStorageDir, "generated", sanitizeID(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "capability.rtfs"), []byte(src), 0o644)
}

// TransportBackoff returns the exponential backoff policy used for resolver
// retries (distinct from the §4.5 fixed 60s Failed retry_after, this governs
// retrying a single stage's own transient I/O, e.g. an MCP introspection
// call) — initial 250ms, cap 5s, matching the streaming transport's policy.
func TransportBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// maxIntrospectRetries bounds introspectWithRetry's attempts; MCP servers
// are host-provided and a stuck one must not stall the whole pipeline.
const maxIntrospectRetries = 3

// MCPTransportError wraps an IntrospectTools failure that carries a
// server-supplied Retry-After value (e.g. an HTTP 429/503 response), so
// Queue.Fail can honor it via RetryAfterHint instead of DefaultRetryAfter.
type MCPTransportError struct {
	ServerURL  string
	RetryAfter string
	Cause      error
}

func (e *MCPTransportError) Error() string {
	return fmt.Sprintf("resolver: mcp transport error for %s: %v", e.ServerURL, e.Cause)
}

func (e *MCPTransportError) Unwrap() error { return e.Cause }

// RetryAfterSeconds implements RetryAfterHint (queue.go).
func (e *MCPTransportError) RetryAfterSeconds() string { return e.RetryAfter }

// introspectWithRetry retries a single server's IntrospectTools call against
// TransportBackoff, since a transient MCP server hiccup shouldn't sink an
// otherwise-good candidate on the first failure. If every attempt fails with
// an MCPTransportError carrying a Retry-After hint, that hint is preserved in
// the returned error so the resolution queue's eventual Fail call can honor
// it.
func introspectWithRetry(ctx context.Context, mcp MCPDiscoverer, serverURL string) ([]MCPToolCandidate, error) {
	var tools []MCPToolCandidate
	var lastErr error
	op := func() error {
		t, err := mcp.IntrospectTools(ctx, serverURL)
		if err != nil {
			lastErr = err
			return err
		}
		tools = t
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(TransportBackoff(), maxIntrospectRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, lastErr
	}
	return tools, nil
}

// parseRetryAfterSeconds parses a provider-supplied retry-after hint (e.g. an
// HTTP Retry-After header value surfaced by a RetryAfterHint error) into a
// duration, for use in place of DefaultRetryAfter when a Failed stage's
// cause carries one.
func parseRetryAfterSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
