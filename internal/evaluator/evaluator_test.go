package evaluator

import (
	"testing"

	"github.com/agentoven/ccos/control-plane/internal/host"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

func newEval() *Evaluator {
	return New(host.SecurityContext{SessionID: "s1", RunID: "r1"})
}

func TestLiteralAndSymbol(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	env.Bind("x", value.Int(7))

	o, err := ev.Eval(value.Lit(value.Int(5)), env)
	if err != nil || !o.Done || o.Value.Int != 5 {
		t.Fatalf("literal: %+v %v", o, err)
	}

	o, err = ev.Eval(value.Sym("x"), env)
	if err != nil || !o.Done || o.Value.Int != 7 {
		t.Fatalf("symbol: %+v %v", o, err)
	}

	_, err = ev.Eval(value.Sym("undefined"), env)
	if _, ok := err.(*UndefinedSymbolError); !ok {
		t.Fatalf("expected UndefinedSymbolError, got %v", err)
	}
}

func TestIfBranches(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	thenE, elseE := value.Lit(value.Int(1)), value.Lit(value.Int(2))
	cond := value.Lit(value.Bool(true))
	expr := value.Expression{Kind: value.ExprIf, Cond: &cond, Then: &thenE, Else: &elseE}

	o, err := ev.Eval(expr, env)
	if err != nil || o.Value.Int != 1 {
		t.Fatalf("if-true: %+v %v", o, err)
	}

	falseCond := value.Lit(value.Bool(false))
	expr.Cond = &falseCond
	o, err = ev.Eval(expr, env)
	if err != nil || o.Value.Int != 2 {
		t.Fatalf("if-false: %+v %v", o, err)
	}
}

func TestLetSequentialBinding(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	expr := value.Expression{
		Kind: value.ExprLet,
		Bindings: []value.LetBinding{
			{Name: "a", Value: value.Lit(value.Int(1))},
			{Name: "b", Value: value.Sym("a")},
		},
		Body: []value.Expression{value.Sym("b")},
	}
	o, err := ev.Eval(expr, env)
	if err != nil || o.Value.Int != 1 {
		t.Fatalf("let: %+v %v", o, err)
	}
}

func TestCapabilityCallSuspends(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	expr := value.Expression{
		Kind:  value.ExprList,
		Items: []value.Expression{value.Sym("some.capability"), value.Lit(value.Int(42))},
	}
	o, err := ev.Eval(expr, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Done {
		t.Fatalf("expected suspension, got Complete(%v)", o.Value)
	}
	if o.Host.CapabilityID != "some.capability" {
		t.Errorf("CapabilityID = %q", o.Host.CapabilityID)
	}
	if len(o.Host.Args.Vector) != 1 || o.Host.Args.Vector[0].Int != 42 {
		t.Errorf("Args = %+v", o.Host.Args)
	}
}

func TestLocalFunctionDoesNotSuspend(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	fnExpr := value.Expression{
		Kind:   value.ExprFn,
		Params: []string{"x"},
		Body:   []value.Expression{value.Sym("x")},
	}
	fo, err := ev.Eval(fnExpr, env)
	if err != nil || !fo.Done {
		t.Fatalf("fn literal: %+v %v", fo, err)
	}
	env.Bind("identity", fo.Value)

	callExpr := value.Expression{
		Kind:  value.ExprList,
		Items: []value.Expression{value.Sym("identity"), value.Lit(value.Int(9))},
	}
	o, err := ev.Eval(callExpr, env)
	if err != nil || !o.Done || o.Value.Int != 9 {
		t.Fatalf("local call: %+v %v", o, err)
	}
}

func TestMutualRecursionViaPlaceholder(t *testing.T) {
	ev := newEval()
	env := NewEnv()

	// (let [is-even (fn [n] (if (= n 0) true (is-odd (dec n))))
	//       is-odd  (fn [n] (if (= n 0) false (is-even (dec n))))]
	//   (is-even 4))
	//
	// Simplified without primitive = / dec (none defined): f's body refers
	// to g, which is bound later in the same let; calling f from the let
	// body must see g's final binding (3) rather than an unbound symbol.
	expr := value.Expression{
		Kind: value.ExprLet,
		Bindings: []value.LetBinding{
			{Name: "f", Value: value.Expression{Kind: value.ExprFn, Params: nil, Body: []value.Expression{value.Sym("g")}}},
			{Name: "g", Value: value.Lit(value.Int(3))},
		},
		Body: []value.Expression{{Kind: value.ExprList, Items: []value.Expression{value.Sym("f")}}},
	}
	o, err := ev.Eval(expr, env)
	if err != nil || o.Value.Int != 3 {
		t.Fatalf("mutual-recursion setup: %+v %v", o, err)
	}
}

func TestMatchWithVectorPatternAndRest(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	subject := value.Lit(value.Vector([]value.Value{value.Int(1), value.Int(2), value.Int(3)}))
	expr := value.Expression{
		Kind:    value.ExprMatch,
		Subject: &subject,
		Clauses: []value.MatchClause{
			{
				Pattern: value.Expression{Kind: value.ExprVector, Items: []value.Expression{value.Sym("head")}, Rest: "tail"},
				Body:    value.Sym("tail"),
			},
		},
	}
	o, err := ev.Eval(expr, env)
	if err != nil || !o.Done {
		t.Fatalf("match: %+v %v", o, err)
	}
	if len(o.Value.Vector) != 2 || o.Value.Vector[0].Int != 2 {
		t.Errorf("tail = %+v", o.Value)
	}
}

func TestMatchFallsThroughToError(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	subject := value.Lit(value.Int(5))
	expr := value.Expression{
		Kind:    value.ExprMatch,
		Subject: &subject,
		Clauses: []value.MatchClause{
			{Pattern: value.Lit(value.Int(1)), Body: value.Lit(value.Int(100))},
		},
	}
	_, err := ev.Eval(expr, env)
	if _, ok := err.(*MatchError); !ok {
		t.Fatalf("expected MatchError, got %v", err)
	}
}

func TestTryCatchRecoversFromLocalError(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	expr := value.Expression{
		Kind:    value.ExprTry,
		TryBody: []value.Expression{value.Sym("nope")},
		Catches: []value.CatchClause{
			{Pattern: value.Sym("e"), Body: value.Lit(value.String("recovered"))},
		},
	}
	o, err := ev.Eval(expr, env)
	if err != nil || o.Value.Str != "recovered" {
		t.Fatalf("try/catch: %+v %v", o, err)
	}
}

func TestForLoopCollectsResults(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	seq := value.Lit(value.Vector([]value.Value{value.Int(1), value.Int(2), value.Int(3)}))
	expr := value.Expression{
		Kind:    value.ExprFor,
		ForVar:  "x",
		ForSeq:  &seq,
		ForBody: []value.Expression{value.Sym("x")},
	}
	o, err := ev.Eval(expr, env)
	if err != nil || !o.Done {
		t.Fatalf("for: %+v %v", o, err)
	}
	if len(o.Value.Vector) != 3 {
		t.Errorf("expected 3 results, got %+v", o.Value)
	}
}

func TestStepParallelMergeConflictRejectedByDefault(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	branchA := value.Lit(value.Map(map[value.MapKey]value.Value{value.StringKey("k"): value.Int(1)}))
	branchB := value.Lit(value.Map(map[value.MapKey]value.Value{value.StringKey("k"): value.String("x")}))
	expr := value.Expression{
		Kind:     value.ExprStepParallel,
		StepBody: []value.Expression{branchA, branchB},
	}
	_, err := ev.Eval(expr, env)
	if _, ok := err.(*MergeConflictError); !ok {
		t.Fatalf("expected MergeConflictError, got %v", err)
	}
}

func TestStepParallelMergesCompatibleWrites(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	branchA := value.Lit(value.Map(map[value.MapKey]value.Value{value.StringKey("a"): value.Int(1)}))
	branchB := value.Lit(value.Map(map[value.MapKey]value.Value{value.StringKey("b"): value.Int(2)}))
	expr := value.Expression{
		Kind:     value.ExprStepParallel,
		StepBody: []value.Expression{branchA, branchB},
	}
	o, err := ev.Eval(expr, env)
	if err != nil || !o.Done {
		t.Fatalf("step-parallel: %+v %v", o, err)
	}
	a, _ := o.Value.Get(value.StringKey("a"))
	b, _ := o.Value.Get(value.StringKey("b"))
	if a.Int != 1 || b.Int != 2 {
		t.Errorf("merged = %+v", o.Value)
	}
}

func TestRecursionCapIsEnforced(t *testing.T) {
	ev := New(host.SecurityContext{})
	ev.RecursionCap = 3
	env := NewEnv()

	// Nest do-forms deeper than the cap.
	inner := value.Lit(value.Int(1))
	for i := 0; i < 10; i++ {
		inner = value.Expression{Kind: value.ExprDo, Body: []value.Expression{inner}}
	}

	_, err := ev.Eval(inner, env)
	if _, ok := err.(*MaxRecursionExceededError); !ok {
		t.Fatalf("expected MaxRecursionExceededError, got %v", err)
	}
}

func TestWithResourceClearsHandleOnExit(t *testing.T) {
	ev := newEval()
	env := NewEnv()
	handle := &value.ResourceHandle{Kind: "file", ID: "h1"}
	init := value.Lit(value.Resource(handle))
	expr := value.Expression{
		Kind:         value.ExprWithResource,
		ResourceName: "f",
		ResourceType: "file",
		ResourceInit: &init,
		Body:         []value.Expression{value.Sym("f")},
	}
	o, err := ev.Eval(expr, env)
	if err != nil || !o.Done {
		t.Fatalf("with-resource: %+v %v", o, err)
	}
	if handle.Kind != "" {
		t.Errorf("expected handle to be cleared on release, Kind=%q", handle.Kind)
	}
}
