// Package resolver implements the missing-capability resolver (§4.5): a
// deduplicated queue plus an ordered, first-success resolution pipeline
// (marketplace exact match, alias cache, partial match, local manifest scan,
// MCP discovery, tool selection, pure synthesis, user interaction, LLM
// synthesis), with risk assessment and retry backoff.
//
// Grounded on original_source/ccos/src/synthesis/core/missing_capability_resolver.rs
// for stage shape and state machine; pipeline-as-ordered-strategies modeled
// on internal/auth/chain.go's ProviderChain contract.
package resolver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

// Status is the per-request state machine: Pending -> InProgress ->
// {Resolved | Failed(retry_after) | PermanentlyFailed}.
type Status string

const (
	StatusPending           Status = "Pending"
	StatusInProgress        Status = "InProgress"
	StatusResolved          Status = "Resolved"
	StatusFailed            Status = "Failed"
	StatusPermanentlyFailed Status = "PermanentlyFailed"
)

// DefaultMaxAttempts caps retries before a request escalates to
// PermanentlyFailed.
const DefaultMaxAttempts = 5

// DefaultRetryAfter is the backoff applied to a Failed (not yet permanent)
// request per §4.5 ("emit Failed{retry_after=60s}").
const DefaultRetryAfter = 60 * time.Second

// Request tracks one missing-capability resolution attempt across retries.
type Request struct {
	CapabilityID string
	Args         value.Value
	Status       Status
	Attempts     int
	RetryAfter   *time.Time
	CreatedAt    time.Time
	LastError    string
}

// Stage names one of the nine pipeline stages, used in ResolutionEvent and
// in risk-assessment history lookups.
type Stage string

const (
	StageMarketplaceExact Stage = "marketplace_exact"
	StageAliasCache       Stage = "alias_cache"
	StagePartialMatch     Stage = "partial_match"
	StageLocalManifest    Stage = "local_manifest"
	StageMCPDiscovery     Stage = "mcp_discovery"
	StageToolSelection    Stage = "tool_selection"
	StageRTFSGeneration   Stage = "rtfs_generation"
	StageUserInteraction  Stage = "user_interaction"
	StageLLMSynthesis     Stage = "llm_synthesis"
)

// ResolutionEvent is emitted at every pipeline stage to an optional observer.
type ResolutionEvent struct {
	CapabilityID string
	Stage        Stage
	Summary      string
	Detail       string
	Timestamp    time.Time
}

// Observer receives ResolutionEvents. Delivery is fire-and-forget: a slow or
// panicking observer must not stall resolution (SPEC_FULL supplement #8).
type Observer func(ResolutionEvent)

// DuplicateRequestError signals that Enqueue silently dropped a duplicate
// (the id was already pending, in-progress, or tracked as failed).
type DuplicateRequestError struct{ CapabilityID string }

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("resolver: %s already tracked, duplicate enqueue dropped", e.CapabilityID)
}

// Queue holds the three mutually-exclusive request sets. Invariant: an id
// appears in at most one of pending/inProgress/failed at a time.
type Queue struct {
	mu         sync.Mutex
	pending    map[string]*Request
	inProgress map[string]*Request
	failed     map[string]*Request
	resolved   map[string]bool
}

// NewQueue creates an empty resolution queue.
func NewQueue() *Queue {
	return &Queue{
		pending:    make(map[string]*Request),
		inProgress: make(map[string]*Request),
		failed:     make(map[string]*Request),
		resolved:   make(map[string]bool),
	}
}

// Enqueue adds a new Pending request unless id is already tracked in any of
// the three sets, in which case the duplicate is silently dropped (per
// §4.5) and Enqueue reports it via DuplicateRequestError so callers can log
// at debug level without treating it as a failure.
func (q *Queue) Enqueue(capabilityID string, args value.Value) (Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[capabilityID]; ok {
		return Request{}, &DuplicateRequestError{CapabilityID: capabilityID}
	}
	if _, ok := q.inProgress[capabilityID]; ok {
		return Request{}, &DuplicateRequestError{CapabilityID: capabilityID}
	}
	if _, ok := q.failed[capabilityID]; ok {
		return Request{}, &DuplicateRequestError{CapabilityID: capabilityID}
	}

	req := &Request{CapabilityID: capabilityID, Args: args, Status: StatusPending, CreatedAt: time.Now()}
	q.pending[capabilityID] = req
	return *req, nil
}

// Start moves a pending request to InProgress, returning it. Returns false
// if no pending request exists for id.
func (q *Queue) Start(capabilityID string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.pending[capabilityID]
	if !ok {
		return Request{}, false
	}
	delete(q.pending, capabilityID)
	req.Status = StatusInProgress
	q.inProgress[capabilityID] = req
	return *req, true
}

// Resolve records a successful resolution: the request leaves in-progress
// and is marked resolved; it is no longer tracked in any retry set.
func (q *Queue) Resolve(capabilityID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, capabilityID)
	delete(q.failed, capabilityID)
	q.resolved[capabilityID] = true
}

// RetryAfterHint is implemented by a stage failure cause that knows a
// provider-supplied retry-after value (e.g. an HTTP 429/503 Retry-After
// header surfaced through the resolution pipeline), letting Fail honor it
// instead of the fixed DefaultRetryAfter.
type RetryAfterHint interface {
	RetryAfterSeconds() string
}

// Fail records a failed attempt. If attempts remain under maxAttempts, the
// request moves to Failed with a RetryAfter; otherwise it escalates to
// PermanentlyFailed and is retained for inspection but never retried. When
// cause implements RetryAfterHint and its value parses, that value overrides
// DefaultRetryAfter.
func (q *Queue) Fail(capabilityID string, cause error, maxAttempts int) Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.inProgress[capabilityID]
	if !ok {
		req = &Request{CapabilityID: capabilityID, CreatedAt: time.Now()}
	}
	delete(q.inProgress, capabilityID)

	req.Attempts++
	if cause != nil {
		req.LastError = cause.Error()
	}

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if req.Attempts >= maxAttempts {
		req.Status = StatusPermanentlyFailed
		req.RetryAfter = nil
	} else {
		req.Status = StatusFailed
		wait := DefaultRetryAfter
		var hint RetryAfterHint
		if errors.As(cause, &hint) {
			if d, err := parseRetryAfterSeconds(hint.RetryAfterSeconds()); err == nil {
				wait = d
			}
		}
		retry := time.Now().Add(wait)
		req.RetryAfter = &retry
	}
	q.failed[capabilityID] = req
	return *req
}

// Retryable moves a Failed (not PermanentlyFailed) request whose RetryAfter
// has elapsed back to Pending, returning it. Returns false if not found or
// not yet due.
func (q *Queue) Retryable(capabilityID string, now time.Time) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.failed[capabilityID]
	if !ok || req.Status != StatusFailed || req.RetryAfter == nil || now.Before(*req.RetryAfter) {
		return Request{}, false
	}
	delete(q.failed, capabilityID)
	req.Status = StatusPending
	req.RetryAfter = nil
	q.pending[capabilityID] = req
	return *req, true
}

// StatusOf reports which set (if any) currently tracks id.
func (q *Queue) StatusOf(capabilityID string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if req, ok := q.pending[capabilityID]; ok {
		return req.Status, true
	}
	if req, ok := q.inProgress[capabilityID]; ok {
		return req.Status, true
	}
	if req, ok := q.failed[capabilityID]; ok {
		return req.Status, true
	}
	if q.resolved[capabilityID] {
		return StatusResolved, true
	}
	return "", false
}
