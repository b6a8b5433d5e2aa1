package sandbox

import (
	"testing"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
)

func TestAllowlistScopes(t *testing.T) {
	a := NewAllowlist()
	if a.Allowed("s1", "r1", "python", "requests") {
		t.Fatal("expected nothing allowed initially")
	}

	a.AllowGlobal("python", "requests")
	if !a.Allowed("s1", "r1", "python", "requests") {
		t.Error("expected global allow to apply to any session/run")
	}
	if a.Allowed("s1", "r1", "python", "numpy") {
		t.Error("expected a different package to remain disallowed")
	}

	a.AllowForSession("s2", "python", "numpy")
	if !a.Allowed("s2", "r1", "python", "numpy") {
		t.Error("expected session-scoped allow to apply within that session")
	}
	if a.Allowed("s3", "r1", "python", "numpy") {
		t.Error("expected session-scoped allow not to leak to a different session")
	}

	a.AllowForRun("run-x", "python", "pandas")
	if !a.Allowed("s1", "run-x", "python", "pandas") {
		t.Error("expected run-scoped allow to apply within that run")
	}
	if a.Allowed("s1", "run-y", "python", "pandas") {
		t.Error("expected run-scoped allow not to leak to a different run")
	}
}

func TestDependencyGateUsesAllowlistFirst(t *testing.T) {
	allow := NewAllowlist()
	allow.AllowGlobal("python", "requests")
	approvals := causalchain.NewQueue()
	gate := NewDependencyGate(allow, approvals)

	effective, err := gate.Resolve("s1", "r1", "python", []string{"requests"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(effective) != 1 || effective[0] != "requests" {
		t.Errorf("unexpected effective deps: %v", effective)
	}
	if len(approvals.List("")) != 0 {
		t.Error("expected no approval request created for an already-allowed package")
	}
}

func TestDependencyGateCreatesApprovalForUnknownPackage(t *testing.T) {
	allow := NewAllowlist()
	approvals := causalchain.NewQueue()
	gate := NewDependencyGate(allow, approvals)

	_, err := gate.Resolve("s1", "r1", "python", []string{"sketchy-pkg"})
	if err == nil {
		t.Fatal("expected a DependencyRequiresApprovalError")
	}
	depErr, ok := err.(*DependencyRequiresApprovalError)
	if !ok {
		t.Fatalf("expected *DependencyRequiresApprovalError, got %T", err)
	}

	pending := approvals.List(causalchain.StatusPending)
	if len(pending) != 1 || pending[0].ID != depErr.ApprovalID {
		t.Fatalf("expected exactly one pending approval matching %s, got %+v", depErr.ApprovalID, pending)
	}
	if pending[0].Category != causalchain.CategoryPackageApproval || pending[0].Package != "sketchy-pkg" {
		t.Errorf("unexpected approval request: %+v", pending[0])
	}
}

func TestDependencyGateHonorsApprovedRequest(t *testing.T) {
	allow := NewAllowlist()
	approvals := causalchain.NewQueue()
	gate := NewDependencyGate(allow, approvals)

	_, err := gate.Resolve("s1", "r1", "python", []string{"sketchy-pkg"})
	depErr := err.(*DependencyRequiresApprovalError)

	if _, decErr := approvals.Decide(depErr.ApprovalID, true); decErr != nil {
		t.Fatalf("Decide: %v", decErr)
	}

	effective, err := gate.Resolve("s1", "r1", "python", []string{"sketchy-pkg"})
	if err != nil {
		t.Fatalf("expected retry to succeed after approval, got: %v", err)
	}
	if len(effective) != 1 || effective[0] != "sketchy-pkg" {
		t.Errorf("unexpected effective deps: %v", effective)
	}
}
