package causalchain

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunStatus is a Run's lifecycle state (§3).
type RunStatus string

const (
	RunScheduled RunStatus = "Scheduled"
	RunActive    RunStatus = "Active"
	RunPaused    RunStatus = "Paused"
	RunCompleted RunStatus = "Completed"
	RunCancelled RunStatus = "Cancelled"
	RunFailed    RunStatus = "Failed"
)

var runTerminal = map[RunStatus]bool{
	RunCompleted: true, RunCancelled: true, RunFailed: true,
}

// Budget bounds a Run's resource consumption (§3): a step ceiling and/or a
// wall-clock deadline. A zero Budget is unbounded.
type Budget struct {
	MaxSteps int
	Deadline *time.Time
}

// ErrBudgetExceeded is returned by RunRegistry.StepTaken once a run has taken
// more than MaxSteps steps or its Deadline has passed.
var ErrBudgetExceeded = fmt.Errorf("causalchain: run budget exceeded")

// Run is one Session-scoped execution: its lifecycle state, budget, step
// count, and the CausalChain of Actions it has appended.
type Run struct {
	ID        string
	SessionID string
	Status    RunStatus
	Budget    Budget
	Steps     int
	CreatedAt time.Time
	Chain     *Chain
}

// RunRegistry tracks every live Run and is the one place a run transitions
// between states. Cancelling a run here is also what invalidates its
// pending approvals (via Approvals.InvalidateForRun), so callers that mint
// runs through something other than RunRegistry.Create lose that guarantee.
type RunRegistry struct {
	mu        sync.Mutex
	runs      map[string]*Run
	Approvals *Queue
}

// NewRunRegistry creates an empty registry. approvals may be nil in tests
// that don't exercise approval-invalidation on cancel.
func NewRunRegistry(approvals *Queue) *RunRegistry {
	return &RunRegistry{runs: make(map[string]*Run), Approvals: approvals}
}

// Create registers a new Run in Scheduled state with its own CausalChain.
func (r *RunRegistry) Create(sessionID string, budget Budget) *Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	run := &Run{
		ID:        id,
		SessionID: sessionID,
		Status:    RunScheduled,
		Budget:    budget,
		CreatedAt: time.Now(),
		Chain:     NewChain(id),
	}
	r.runs[id] = run
	return run
}

// Get returns the run by id.
func (r *RunRegistry) Get(runID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	return run, ok
}

// Start transitions a Scheduled or Paused run to Active.
func (r *RunRegistry) Start(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("causalchain: run %s not found", runID)
	}
	if runTerminal[run.Status] {
		return fmt.Errorf("causalchain: run %s is %s, cannot start", runID, run.Status)
	}
	run.Status = RunActive
	return nil
}

// Pause transitions an Active run to Paused.
func (r *RunRegistry) Pause(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("causalchain: run %s not found", runID)
	}
	if run.Status != RunActive {
		return fmt.Errorf("causalchain: run %s is %s, cannot pause", runID, run.Status)
	}
	run.Status = RunPaused
	return nil
}

// Complete transitions a run to Completed.
func (r *RunRegistry) Complete(runID string) error {
	return r.finish(runID, RunCompleted)
}

// Fail transitions a run to Failed.
func (r *RunRegistry) Fail(runID string) error {
	return r.finish(runID, RunFailed)
}

func (r *RunRegistry) finish(runID string, status RunStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("causalchain: run %s not found", runID)
	}
	if runTerminal[run.Status] {
		return fmt.Errorf("causalchain: run %s is already %s", runID, run.Status)
	}
	run.Status = status
	return nil
}

// Cancel transitions a run to Cancelled and invalidates every pending
// approval scoped to it (§5: "cancelling a run invalidates all pending
// approvals scoped to it"). Cancelling an already-terminal run is a no-op
// error, not re-triggered invalidation.
func (r *RunRegistry) Cancel(runID string) error {
	r.mu.Lock()
	run, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("causalchain: run %s not found", runID)
	}
	if runTerminal[run.Status] {
		r.mu.Unlock()
		return fmt.Errorf("causalchain: run %s is already %s", runID, run.Status)
	}
	run.Status = RunCancelled
	r.mu.Unlock()

	if r.Approvals != nil {
		r.Approvals.InvalidateForRun(runID)
	}
	return nil
}

// StepTaken increments a run's step count and reports ErrBudgetExceeded once
// the count exceeds MaxSteps or Deadline has passed, without itself changing Status —
// the caller decides whether budget exhaustion fails or merely halts the run.
func (r *RunRegistry) StepTaken(runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("causalchain: run %s not found", runID)
	}
	run.Steps++
	if run.Budget.MaxSteps > 0 && run.Steps > run.Budget.MaxSteps {
		return ErrBudgetExceeded
	}
	if run.Budget.Deadline != nil && time.Now().After(*run.Budget.Deadline) {
		return ErrBudgetExceeded
	}
	return nil
}
