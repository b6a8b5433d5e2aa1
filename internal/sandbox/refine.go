package sandbox

import (
	"context"
	"strings"
)

// RefinementAttempt is one generate/execute/classify turn, appended to the
// refinement_history returned by RefineAndExecute regardless of outcome.
type RefinementAttempt struct {
	Turn            int
	Code            string
	Result          Result
	Classification  string
	Err             error
	AddedDependency string
}

// Classify buckets an execution error into a prompt-hint category for the
// next generation turn, per §4.4's "classification feeds targeted prompt
// hints."
func Classify(err error) string {
	switch e := err.(type) {
	case *MissingDependencyError:
		return "missing_dependency:" + e.Module
	case *ExecutionTimeoutError:
		return "timeout"
	case *ExecutionFailedError:
		if strings.Contains(strings.ToLower(e.Stderr), "syntaxerror") {
			return "syntax_error"
		}
		return "runtime_error"
	case nil:
		return ""
	default:
		return "unknown_error"
	}
}

// Generator produces the next turn's code, given the prior attempts (empty
// on the first turn).
type Generator func(ctx context.Context, history []RefinementAttempt) (code string, err error)

// RefineAndExecute implements §4.4's "generate -> execute -> classify(error)
// -> refine" loop: up to maxTurns attempts, with a missing-dependency
// classification auto-adding the module to the next turn's dependency set
// via gate. It stops at the first successful execution or after maxTurns.
func RefineAndExecute(ctx context.Context, gen Generator, exec *Executor, gate *DependencyGate, sessionID, runID, language string, inputFiles map[string][]byte, cfg ExecConfig, maxTurns int) (Result, []RefinementAttempt, error) {
	var history []RefinementAttempt
	var dependencies []string

	for turn := 1; turn <= maxTurns; turn++ {
		code, err := gen(ctx, history)
		if err != nil {
			return Result{}, history, err
		}

		if len(dependencies) > 0 {
			if _, gateErr := gate.Resolve(sessionID, runID, language, dependencies); gateErr != nil {
				history = append(history, RefinementAttempt{Turn: turn, Code: code, Classification: "dependency_pending", Err: gateErr})
				return Result{}, history, gateErr
			}
		}

		result, execErr := exec.Execute(ctx, language, code, inputFiles, cfg)
		attempt := RefinementAttempt{Turn: turn, Code: code, Result: result, Err: execErr, Classification: Classify(execErr)}

		if execErr == nil {
			history = append(history, attempt)
			return result, history, nil
		}

		if missing, ok := execErr.(*MissingDependencyError); ok {
			attempt.AddedDependency = missing.Module
			dependencies = append(dependencies, missing.Module)
		}
		history = append(history, attempt)
	}

	last := history[len(history)-1]
	return last.Result, history, last.Err
}
