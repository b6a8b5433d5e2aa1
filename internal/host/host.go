// Package host defines the abstract contract the evaluator yields to: step
// lifecycle notification, step-scoped context read/write, exposure override
// control, and cross-plan parameter lookup. Grounded on
// pkg/contracts/contracts.go's interface-segregation pattern (small named
// service interfaces) and internal/workflow/engine.go's gate-channel
// signaling for step lifecycle.
package host

import (
	"context"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

// StepHandle identifies one open step/step-if/step-loop/step-parallel frame.
type StepHandle struct {
	RunID   string
	StepID  string
	Name    string
}

// ExposurePolicy controls what step-scoped context a child capability may
// see, set by a step form's :expose-context and :context-keys options.
type ExposurePolicy struct {
	ExposeAll bool
	Keys      []string
}

// Host is the interface the evaluator yields control to via RequiresHost.
// No type in this module implements it, and no test fake exists; the
// evaluator returns RequiresHost outcomes and never calls a Host itself.
type Host interface {
	// StepStarted notifies the host a step has opened, returning a handle
	// used for the matching StepCompleted/StepFailed call.
	StepStarted(ctx context.Context, runID, name string) (StepHandle, error)
	StepCompleted(ctx context.Context, h StepHandle, result value.Value) error
	StepFailed(ctx context.Context, h StepHandle, err error) error

	// ContextGet/ContextSet read and write step-scoped context visible to
	// child capabilities per the step's ExposurePolicy.
	ContextGet(ctx context.Context, h StepHandle, key string) (value.Value, bool)
	ContextSet(ctx context.Context, h StepHandle, key string, v value.Value) error

	// SetExposureOverride/ClearExposureOverride let a step form override
	// the default exposure policy for its children.
	SetExposureOverride(ctx context.Context, h StepHandle, policy ExposurePolicy)
	ClearExposureOverride(ctx context.Context, h StepHandle)

	// CrossPlanParam looks up a parameter shared across plans in the same
	// session (e.g. a declassification policy pack version).
	CrossPlanParam(ctx context.Context, sessionID, key string) (value.Value, bool)

	// Dispatch services a HostCall: it is the single seam through which the
	// evaluator's RequiresHost suspension is resolved. Implementations may
	// themselves suspend on I/O (sandbox execution, HTTP, MCP, streaming);
	// the evaluator never calls Dispatch directly — only the driver loop
	// that owns eval_expr's resume path does, after observing RequiresHost.
	Dispatch(ctx context.Context, call HostCall) (value.Value, error)
}

// HostCall is the suspension envelope the evaluator returns when it needs an
// external or non-pure effect serviced.
type HostCall struct {
	CapabilityID   string
	Args           value.Value
	SecurityContext SecurityContext
	CausalContext  *CausalContext
	Metadata       map[string]interface{}
}

// SecurityContext is the RuntimeContext the evaluator carries: it gates
// which capabilities may be invoked without suspension versus which always
// require a host round trip.
type SecurityContext struct {
	SessionID string
	RunID     string
	// AllowedEffects lists effect_type values this context permits to run
	// without an approval round trip (e.g. Pure, PureProvisional).
	AllowedEffects map[string]bool
}

// Permits reports whether effectType may run without further host mediation
// under this security context.
func (s SecurityContext) Permits(effectType string) bool {
	return s.AllowedEffects[effectType]
}

// CausalContext threads plan/intent/session/step identity through a
// suspended call so the host can attribute the resulting causal-chain action
// correctly.
type CausalContext struct {
	PlanID   string
	IntentID string
	StepID   string
}
