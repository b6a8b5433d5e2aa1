// Package causalchain implements the append-only action log (§3's
// Run/Session/CausalChain) and the typed approval queue gating human-in-the-
// loop decisions. Grounded on internal/workflow/engine.go's gate-key scoping
// pattern (runID:stepName), generalized to CCOS's richer category set.
package causalchain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ActionType distinguishes causal-chain entries.
type ActionType string

const (
	ActionCapabilityCall ActionType = "CapabilityCall"
	ActionInternalStep   ActionType = "InternalStep"
	ActionPolicyDecision ActionType = "PolicyDecision"
	ActionEgressAttempt  ActionType = "EgressAttempt"
)

// Action is one append-only causal chain entry.
type Action struct {
	ActionID   string
	Parent     string // empty if root
	SessionID  string
	PlanID     string
	IntentID   string
	ActionType ActionType
	// FunctionName mirrors the capability id for CapabilityCall actions, so
	// monitors can key off it without inspecting Arguments.
	FunctionName string
	Arguments    map[string]interface{}
	Result       interface{}
	Cost         float64
	DurationMs   int64
	Timestamp    int64 // epoch ms
	Metadata     map[string]interface{}
}

// Chain is an append-only log of Actions for one run. Safe for concurrent
// use by a single writer and many readers; readers observe a consistent
// prefix (never a partially-appended Action).
type Chain struct {
	mu      sync.RWMutex
	runID   string
	actions []Action
	lastTS  int64

	// OnAppend, when set, is invoked after each action is stamped and
	// stored — the hook a file-backed ActionStore uses to persist the log
	// incrementally rather than re-serializing the full slice per append.
	OnAppend func(Action)
}

// NewChain creates an empty causal chain for a run.
func NewChain(runID string) *Chain {
	return &Chain{runID: runID}
}

// Append adds an action to the chain, stamping a fresh action_id and a
// timestamp that is monotonically non-decreasing within the run even if the
// wall clock goes backwards.
func (c *Chain) Append(a Action) Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	a.ActionID = uuid.NewString()
	now := time.Now().UnixMilli()
	if now <= c.lastTS {
		now = c.lastTS + 1
	}
	a.Timestamp = now
	c.lastTS = now

	c.actions = append(c.actions, a)
	if c.OnAppend != nil {
		c.OnAppend(a)
	}
	return a
}

// Restore replaces the chain's action log with previously-persisted actions
// (already stamped with IDs and timestamps) — used at startup to rehydrate
// a chain from a file-backed ActionStore without re-running Append's
// ID/timestamp assignment.
func (c *Chain) Restore(actions []Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = actions
	if n := len(actions); n > 0 && actions[n-1].Timestamp > c.lastTS {
		c.lastTS = actions[n-1].Timestamp
	}
}

// Snapshot returns a copy of all actions appended so far.
func (c *Chain) Snapshot() []Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Action, len(c.actions))
	copy(out, c.actions)
	return out
}

// RecordChatAuditEvent folds event_type/session_id/run_id/step_id into
// metadata before appending, matching record_chat_audit_event's exact shape
// (these fields live in metadata, not as dedicated struct fields, per
// SPEC_FULL supplement #9). CapabilityCall actions use capabilityID as
// FunctionName for monitor visibility.
func (c *Chain) RecordChatAuditEvent(ctx context.Context, planID, intentID, sessionID, runID, stepID string, actionType ActionType, eventType string, capabilityID string, metadata map[string]interface{}) Action {
	md := make(map[string]interface{}, len(metadata)+4)
	for k, v := range metadata {
		md[k] = v
	}
	md["event_type"] = eventType
	md["session_id"] = sessionID
	md["run_id"] = runID
	md["step_id"] = stepID

	a := Action{
		PlanID:     planID,
		IntentID:   intentID,
		ActionType: actionType,
		Metadata:   md,
	}
	if actionType == ActionCapabilityCall {
		a.FunctionName = capabilityID
	}
	appended := c.Append(a)
	log.Debug().
		Str("run_id", runID).
		Str("action_id", appended.ActionID).
		Str("event_type", eventType).
		Msg("causal chain: audit event recorded")
	return appended
}

// ── Approval queue ───────────────────────────────────────────────────────

// ApprovalCategory discriminates the typed approval reasons.
type ApprovalCategory string

const (
	CategoryChatPolicyException        ApprovalCategory = "ChatPolicyException"
	CategoryChatPublicDeclassification ApprovalCategory = "ChatPublicDeclassification"
	CategoryPackageApproval            ApprovalCategory = "PackageApproval"
	CategoryHttpHostApproval           ApprovalCategory = "HttpHostApproval"
	CategoryCapabilityRegistration     ApprovalCategory = "CapabilityRegistration"
)

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "Pending"
	StatusApproved ApprovalStatus = "Approved"
	StatusRejected ApprovalStatus = "Rejected"
	StatusExpired  ApprovalStatus = "Expired"
	// StatusCancelled marks a Pending approval invalidated by its run being
	// cancelled (§5); distinct from StatusRejected, which is an explicit
	// human decision.
	StatusCancelled ApprovalStatus = "Cancelled"
)

// Risk captures the resolver's/policy engine's assessed severity for a
// pending approval.
type Risk struct {
	Level   string // Low | Medium | High | Critical
	Reasons []string
}

// ApprovalRequest is a typed, scoped, possibly expiring authorization.
// Only the fields relevant to the category in use are populated — this
// mirrors a Rust sum type's per-variant payload via a flat struct with
// category-specific zero values elsewhere.
type ApprovalRequest struct {
	ID       string
	Category ApprovalCategory
	Risk     Risk
	ExpiresAt *time.Time
	Status   ApprovalStatus
	Context  map[string]interface{}

	// Scope — exact match is required by every gating call site.
	SessionID string
	RunID     string

	// ChatPolicyException
	ExceptionKind string

	// ChatPublicDeclassification
	TransformCapabilityID string
	VerifierCapabilityID  string
	Constraints           map[string]interface{}

	// PackageApproval
	Package  string
	Language string

	// HttpHostApproval
	Host               string
	Port               int
	URL                string
	HTTPScope          string
	HTTPCapabilityID   string

	// CapabilityRegistration
	CapabilityID string
	Stage        string
}

// IsExpired reports whether the request's expiry has passed as of now.
func (a ApprovalRequest) IsExpired(now time.Time) bool {
	return a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// MatchesScope reports whether this approval authorizes the given
// session/run pair. An empty SessionID/RunID on the approval means it is
// scoped at that level (global); a non-empty value must match exactly.
func (a ApprovalRequest) MatchesScope(sessionID, runID string) bool {
	if a.SessionID != "" && a.SessionID != sessionID {
		return false
	}
	if a.RunID != "" && a.RunID != runID {
		return false
	}
	return true
}

// ErrApprovalExpired reports a matching approval record that has passed its
// expiry. No function in this package returns it; FindApproved skips expired
// records instead.
var ErrApprovalExpired = fmt.Errorf("causalchain: approval expired")

// Queue is the in-memory approval queue. Approvals are immutable once
// decided — status only moves forward (Pending -> Approved/Rejected/Expired).
// File-backed persistence is an external collaborator per spec.md §1 and is
// not implemented here; Queue is safe to wrap with a persistence hook via
// OnDecision.
type Queue struct {
	mu         sync.RWMutex
	byID       map[string]*ApprovalRequest
	OnDecision func(ApprovalRequest)
	// OnCreate, when set, is invoked after a new pending approval is
	// assigned an ID — the hook a file-backed ApprovalStore uses to persist
	// the record before a decision is ever made.
	OnCreate func(ApprovalRequest)
}

// NewQueue creates an empty approval queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[string]*ApprovalRequest)}
}

// Create enqueues a new pending approval request, assigning a fresh ID.
func (q *Queue) Create(req ApprovalRequest) ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	req.ID = uuid.NewString()
	req.Status = StatusPending
	q.byID[req.ID] = &req
	log.Info().
		Str("approval_id", req.ID).
		Str("category", string(req.Category)).
		Str("risk", req.Risk.Level).
		Msg("approval requested")
	if q.OnCreate != nil {
		q.OnCreate(req)
	}
	return req
}

// Decide moves a pending approval to Approved or Rejected. Returns an error
// if the approval is unknown or already decided.
func (q *Queue) Decide(id string, approve bool) (ApprovalRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.byID[id]
	if !ok {
		return ApprovalRequest{}, fmt.Errorf("causalchain: approval %s not found", id)
	}
	if rec.Status != StatusPending {
		return ApprovalRequest{}, fmt.Errorf("causalchain: approval %s already %s", id, rec.Status)
	}
	if approve {
		rec.Status = StatusApproved
	} else {
		rec.Status = StatusRejected
	}
	out := *rec
	if q.OnDecision != nil {
		q.OnDecision(out)
	}
	return out, nil
}

// InvalidateForRun marks every Pending approval exactly scoped to runID
// (RunID == runID, not the global/session-wide "" scope) as Cancelled,
// implementing §5's "cancelling a run invalidates all pending approvals
// scoped to it (they become unactionable)". Returns the count invalidated.
func (q *Queue) InvalidateForRun(runID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, rec := range q.byID {
		if rec.Status != StatusPending || rec.RunID != runID {
			continue
		}
		rec.Status = StatusCancelled
		n++
		if q.OnDecision != nil {
			q.OnDecision(*rec)
		}
	}
	return n
}

// FindApproved returns the first non-expired Approved request matching
// category and scope, or false if none matches. Only Pending approvals are
// invalidated when a run is cancelled (see InvalidateForRun and
// RunRegistry.Cancel); an already-Approved record stays usable for the rest
// of the run's (now-cancelled) lifetime, matching §5's "pending approvals"
// wording.
func (q *Queue) FindApproved(category ApprovalCategory, sessionID, runID string, now time.Time) (ApprovalRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, rec := range q.byID {
		if rec.Category != category || rec.Status != StatusApproved {
			continue
		}
		if !rec.MatchesScope(sessionID, runID) {
			continue
		}
		if rec.IsExpired(now) {
			continue
		}
		return *rec, true
	}
	return ApprovalRequest{}, false
}

// Restore reinserts an approval record as-is — used at startup to reload
// records from a file-backed ApprovalStore without running them back
// through Create's fresh-ID/Pending assignment.
func (q *Queue) Restore(req ApprovalRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.byID[req.ID] = &req
}

// Get returns the approval by id.
func (q *Queue) Get(id string) (ApprovalRequest, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.byID[id]
	if !ok {
		return ApprovalRequest{}, false
	}
	return *rec, true
}

// List returns a snapshot of all approvals, optionally filtered by status.
func (q *Queue) List(status ApprovalStatus) []ApprovalRequest {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]ApprovalRequest, 0, len(q.byID))
	for _, rec := range q.byID {
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, *rec)
	}
	return out
}
