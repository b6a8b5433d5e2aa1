package sandbox

import (
	"context"
	"testing"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
)

func TestClassifyErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&MissingDependencyError{Module: "requests"}, "missing_dependency:requests"},
		{&ExecutionTimeoutError{TimeoutMs: 1000}, "timeout"},
		{&ExecutionFailedError{ExitCode: 1, Stderr: "SyntaxError: bad"}, "syntax_error"},
		{&ExecutionFailedError{ExitCode: 1, Stderr: "boom"}, "runtime_error"},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestRefineAndExecuteStopsAfterMaxTurns(t *testing.T) {
	calls := 0
	gen := func(ctx context.Context, history []RefinementAttempt) (string, error) {
		calls++
		return "print('ok')", nil
	}
	exec := NewExecutor()

	// Without NoSandbox set and no bwrap assumed present, every turn's
	// Execute call fails with SandboxUnavailableError; this exercises the
	// loop's attempt bookkeeping and maxTurns cutoff without depending on
	// bwrap/python actually being installed.
	allow := NewAllowlist()
	approvals := causalchain.NewQueue()
	gate := NewDependencyGate(allow, approvals)

	_, history, err := RefineAndExecute(context.Background(), gen, exec, gate, "s1", "r1", "python", nil, ExecConfig{NoSandbox: false}, 2)
	if err == nil {
		t.Fatal("expected an error since bwrap/python are not exercised in this unit test")
	}
	if len(history) != 2 {
		t.Fatalf("expected exactly maxTurns=2 attempts recorded, got %d", len(history))
	}
	if calls != 2 {
		t.Errorf("expected generator invoked once per turn, got %d", calls)
	}
}
