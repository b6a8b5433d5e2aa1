// Package evaluator implements the deterministic, single-threaded,
// cooperative tree-walker (§4.7): eval_expr(expr, env) -> ExecutionOutcome,
// where ExecutionOutcome is Complete(Value) or RequiresHost(HostCall).
//
// Grounded on spec.md §9's explicit direction to keep RequiresHost "explicit,
// with one enum and no hidden stacks" and on internal/router/router.go's
// RouteStream callback-resumption idiom, adapted from callback style to
// return-value suspension (there is no direct teacher analog for a yielding
// tree-walker).
package evaluator

import (
	"fmt"

	"github.com/agentoven/ccos/control-plane/internal/host"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

// DefaultRecursionCap bounds eval's recursion depth to prevent stack
// exhaustion; each recursive descent increments the counter.
const DefaultRecursionCap = 50

// MaxRecursionExceededError is raised when the recursion cap is hit.
type MaxRecursionExceededError struct{ Cap int }

func (e *MaxRecursionExceededError) Error() string {
	return fmt.Sprintf("evaluator: max recursion depth %d exceeded", e.Cap)
}

// UndefinedSymbolError is raised when a symbol has no binding in scope.
type UndefinedSymbolError struct{ Symbol string }

func (e *UndefinedSymbolError) Error() string {
	return fmt.Sprintf("evaluator: undefined symbol %q", e.Symbol)
}

// MatchError is raised when no match clause's pattern accepts the subject.
type MatchError struct{ Subject value.Value }

func (e *MatchError) Error() string { return "evaluator: no match clause applied" }

// MergeConflictError is raised by step-parallel when branches write
// incompatible types to the same context key under the default
// reject-by-default merge policy (§9 Open Question #1).
type MergeConflictError struct{ Key string }

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("evaluator: incompatible step-parallel merge at key %q", e.Key)
}

// Outcome is ExecutionOutcome: exactly one of the two fields is meaningful.
type Outcome struct {
	Done  bool
	Value value.Value
	Host  *host.HostCall
}

func Complete(v value.Value) Outcome  { return Outcome{Done: true, Value: v} }
func RequiresHost(c host.HostCall) Outcome { return Outcome{Done: false, Host: &c} }

// Env is a lexical-scope environment: a child frame plus a parent pointer.
// Evaluation never mutates a parent frame's bindings from a child.
type Env struct {
	parent *Env
	vars   map[string]value.Value
}

// NewEnv creates a root environment with no parent.
func NewEnv() *Env { return &Env{vars: make(map[string]value.Value)} }

// Child creates a new lexical scope nested under e.
func (e *Env) Child() *Env { return &Env{parent: e, vars: make(map[string]value.Value)} }

// Bind sets name in this frame (not a parent's).
func (e *Env) Bind(name string, v value.Value) { e.vars[name] = v }

// Lookup resolves name through the lexical chain.
func (e *Env) Lookup(name string) (value.Value, bool) {
	for cur := e; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return value.Nil, false
}

// Evaluator holds the pieces of a RuntimeContext the tree-walker consults
// while deciding whether an application may run in-process or must suspend.
type Evaluator struct {
	RecursionCap int
	Security     host.SecurityContext
}

// New creates an Evaluator with the default recursion cap.
func New(sec host.SecurityContext) *Evaluator {
	return &Evaluator{RecursionCap: DefaultRecursionCap, Security: sec}
}

// Eval evaluates expr in env at the top level (depth 0).
func (ev *Evaluator) Eval(expr value.Expression, env *Env) (Outcome, error) {
	cap := ev.RecursionCap
	if cap <= 0 {
		cap = DefaultRecursionCap
	}
	return ev.eval(expr, env, 0, cap)
}

// eval is the recursive core. The clone-on-descend pattern (each call
// receives its own depth counter passed by value, never a shared mutable
// counter) honors the cap even under structural recursion: a deeply nested
// literal vector cannot bypass the check by avoiding the depth increment.
func (ev *Evaluator) eval(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	if depth > cap {
		return Outcome{}, &MaxRecursionExceededError{Cap: cap}
	}

	switch expr.Kind {
	case value.ExprLiteral:
		return Complete(expr.Literal), nil

	case value.ExprSymbol:
		v, ok := env.Lookup(expr.Symbol)
		if !ok {
			return Outcome{}, &UndefinedSymbolError{Symbol: expr.Symbol}
		}
		return Complete(v), nil

	case value.ExprVector:
		return ev.evalCollection(expr.Items, env, depth, cap, value.Vector)

	case value.ExprMap:
		return ev.evalMap(expr, env, depth, cap)

	case value.ExprList:
		return ev.evalList(expr, env, depth, cap)

	case value.ExprIf:
		return ev.evalIf(expr, env, depth, cap)

	case value.ExprLet:
		return ev.evalLet(expr, env, depth, cap)

	case value.ExprDo:
		return ev.evalSeq(expr.Body, env, depth, cap)

	case value.ExprFn, value.ExprDefn:
		return ev.evalFn(expr, env)

	case value.ExprMatch:
		return ev.evalMatch(expr, env, depth, cap)

	case value.ExprTry:
		return ev.evalTry(expr, env, depth, cap)

	case value.ExprFor:
		return ev.evalFor(expr, env, depth, cap)

	case value.ExprParallel:
		return ev.evalSeq(expr.Body, env, depth, cap)

	case value.ExprWithResource:
		return ev.evalWithResource(expr, env, depth, cap)

	case value.ExprDef:
		return ev.evalDef(expr, env, depth, cap)

	case value.ExprDefstruct:
		return Complete(value.Nil), nil

	case value.ExprStep, value.ExprStepIf, value.ExprStepLoop, value.ExprStepParallel:
		return ev.evalStep(expr, env, depth, cap)

	default:
		return Outcome{}, fmt.Errorf("evaluator: unknown expression kind %d", expr.Kind)
	}
}

// evalCollection evaluates a slice of sub-expressions in order, wrapping the
// results with build. An item's error or RequiresHost suspension is returned
// as-is, so a capability call inside a vector/map literal suspends the
// enclosing evaluation like any other call.
func (ev *Evaluator) evalCollection(items []value.Expression, env *Env, depth, cap int, build func([]value.Value) value.Value) (Outcome, error) {
	out := make([]value.Value, len(items))
	for i, item := range items {
		o, err := ev.eval(item, env, depth+1, cap)
		if err != nil {
			return Outcome{}, err
		}
		if !o.Done {
			return o, nil
		}
		out[i] = o.Value
	}
	return Complete(build(out)), nil
}

func (ev *Evaluator) evalMap(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	m := make(map[value.MapKey]value.Value, len(expr.MapKeys))
	for i := range expr.MapKeys {
		ko, err := ev.eval(expr.MapKeys[i], env, depth+1, cap)
		if err != nil {
			return Outcome{}, err
		}
		if !ko.Done {
			return ko, nil
		}
		vo, err := ev.eval(expr.MapVals[i], env, depth+1, cap)
		if err != nil {
			return Outcome{}, err
		}
		if !vo.Done {
			return vo, nil
		}
		m[toMapKey(ko.Value)] = vo.Value
	}
	return Complete(value.Map(m)), nil
}

func toMapKey(v value.Value) value.MapKey {
	switch v.Kind {
	case value.KindKeyword:
		return value.KeywordKey(v.Str)
	case value.KindInt:
		return value.IntKey(v.Int)
	default:
		return value.StringKey(v.Str)
	}
}

func (ev *Evaluator) evalIf(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	co, err := ev.eval(*expr.Cond, env, depth+1, cap)
	if err != nil || !co.Done {
		return co, err
	}
	if co.Value.Truthy() {
		return ev.eval(*expr.Then, env, depth+1, cap)
	}
	if expr.Else != nil {
		return ev.eval(*expr.Else, env, depth+1, cap)
	}
	return Complete(value.Nil), nil
}

func (ev *Evaluator) evalSeq(body []value.Expression, env *Env, depth, cap int) (Outcome, error) {
	var last Outcome = Complete(value.Nil)
	for _, e := range body {
		o, err := ev.eval(e, env, depth+1, cap)
		if err != nil {
			return Outcome{}, err
		}
		if !o.Done {
			return o, nil
		}
		last = o
	}
	return last, nil
}

func (ev *Evaluator) evalDef(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	o, err := ev.eval(*expr.DefValue, env, depth+1, cap)
	if err != nil || !o.Done {
		return o, err
	}
	env.Bind(expr.DefName, o.Value)
	return Complete(o.Value), nil
}

func (ev *Evaluator) evalFn(expr value.Expression, env *Env) (Outcome, error) {
	closureEnv := env
	fn := &value.Function{
		Name:   expr.Name,
		Params: expr.Params,
		Call: func(args []value.Value) (value.Value, error) {
			callEnv := closureEnv.Child()
			if err := bindParams(callEnv, expr.Params, expr.Rest, args); err != nil {
				return value.Nil, err
			}
			o, err := ev.eval(value.Expression{Kind: value.ExprDo, Body: expr.Body}, callEnv, 0, ev.effectiveCap())
			if err != nil {
				return value.Nil, err
			}
			if !o.Done {
				return value.Nil, fmt.Errorf("evaluator: function body suspended on host call; pure functions must not perform effects")
			}
			return o.Value, nil
		},
	}
	v := value.Fn(fn)
	if expr.Kind == value.ExprDefn && expr.Name != "" {
		env.Bind(expr.Name, v)
	}
	return Complete(v), nil
}

func (ev *Evaluator) effectiveCap() int {
	if ev.RecursionCap <= 0 {
		return DefaultRecursionCap
	}
	return ev.RecursionCap
}

func bindParams(env *Env, params []string, rest string, args []value.Value) error {
	if rest == "" && len(args) != len(params) {
		return fmt.Errorf("evaluator: arity mismatch: expected %d args, got %d", len(params), len(args))
	}
	if rest != "" && len(args) < len(params) {
		return fmt.Errorf("evaluator: arity mismatch: expected at least %d args, got %d", len(params), len(args))
	}
	for i, p := range params {
		env.Bind(p, args[i])
	}
	if rest != "" {
		env.Bind(rest, value.Vector(args[len(params):]))
	}
	return nil
}

// evalLet detects self/mutual recursion among function bindings via a
// placeholder-cell pass: every name is pre-bound to a FunctionPlaceholder
// before any binding's value expression is evaluated, so closures created
// during evaluation can already resolve sibling names. Once the real value
// is computed, the binding is rebound in place. Non-recursive (non-fn)
// bindings are evaluated strictly left-to-right and see only earlier
// bindings, matching ordinary sequential let semantics.
func (ev *Evaluator) evalLet(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	letEnv := env.Child()

	for _, b := range expr.Bindings {
		if b.Value.Kind == value.ExprFn || b.Value.Kind == value.ExprDefn {
			letEnv.Bind(b.Name, value.Value{Kind: value.KindFunctionPlaceholder, Str: b.Name})
		}
	}

	for _, b := range expr.Bindings {
		o, err := ev.eval(b.Value, letEnv, depth+1, cap)
		if err != nil {
			return Outcome{}, err
		}
		if !o.Done {
			return o, nil
		}
		letEnv.Bind(b.Name, o.Value)
	}

	return ev.evalSeq(expr.Body, letEnv, depth, cap)
}

func (ev *Evaluator) evalMatch(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	so, err := ev.eval(*expr.Subject, env, depth+1, cap)
	if err != nil || !so.Done {
		return so, err
	}

	for _, clause := range expr.Clauses {
		bindings, ok := matchPattern(clause.Pattern, so.Value)
		if !ok {
			continue
		}
		clauseEnv := env.Child()
		for name, v := range bindings {
			clauseEnv.Bind(name, v)
		}
		if clause.Guard != nil {
			go_, err := ev.eval(*clause.Guard, clauseEnv, depth+1, cap)
			if err != nil || !go_.Done {
				return go_, err
			}
			if !go_.Value.Truthy() {
				continue
			}
		}
		return ev.eval(clause.Body, clauseEnv, depth+1, cap)
	}
	return Outcome{}, &MatchError{Subject: so.Value}
}

// matchPattern reports whether subject matches pattern, returning any
// variable bindings the pattern introduces. Supports literals, keywords,
// wildcard/binding symbols, vectors (with a trailing rest symbol), and maps
// (with key bindings and a rest symbol).
func matchPattern(pattern value.Expression, subject value.Value) (map[string]value.Value, bool) {
	switch pattern.Kind {
	case value.ExprLiteral:
		if value.Equal(pattern.Literal, subject) {
			return map[string]value.Value{}, true
		}
		return nil, false

	case value.ExprSymbol:
		if pattern.Symbol == "_" {
			return map[string]value.Value{}, true
		}
		return map[string]value.Value{pattern.Symbol: subject}, true

	case value.ExprVector:
		if subject.Kind != value.KindVector {
			return nil, false
		}
		return matchSequence(pattern.Items, pattern.Rest, subject.Vector)

	case value.ExprMap:
		if subject.Kind != value.KindMap {
			return nil, false
		}
		bindings := map[string]value.Value{}
		for i, keyExpr := range pattern.MapKeys {
			ko, ok := literalMapKey(keyExpr)
			if !ok {
				return nil, false
			}
			v, present := subject.Get(ko)
			if !present {
				return nil, false
			}
			sub, ok := matchPattern(pattern.MapVals[i], v)
			if !ok {
				return nil, false
			}
			for k, v := range sub {
				bindings[k] = v
			}
		}
		if pattern.Rest != "" {
			rest := make(map[value.MapKey]value.Value)
			matched := map[value.MapKey]bool{}
			for _, keyExpr := range pattern.MapKeys {
				if ko, ok := literalMapKey(keyExpr); ok {
					matched[ko] = true
				}
			}
			for k, v := range subject.Map {
				if !matched[k] {
					rest[k] = v
				}
			}
			bindings[pattern.Rest] = value.Map(rest)
		}
		return bindings, true

	default:
		return nil, false
	}
}

func literalMapKey(e value.Expression) (value.MapKey, bool) {
	if e.Kind != value.ExprLiteral {
		return value.MapKey{}, false
	}
	switch e.Literal.Kind {
	case value.KindKeyword:
		return value.KeywordKey(e.Literal.Str), true
	case value.KindString:
		return value.StringKey(e.Literal.Str), true
	case value.KindInt:
		return value.IntKey(e.Literal.Int), true
	default:
		return value.MapKey{}, false
	}
}

func matchSequence(itemPatterns []value.Expression, rest string, items []value.Value) (map[string]value.Value, bool) {
	if rest == "" && len(itemPatterns) != len(items) {
		return nil, false
	}
	if rest != "" && len(items) < len(itemPatterns) {
		return nil, false
	}
	bindings := map[string]value.Value{}
	for i, p := range itemPatterns {
		sub, ok := matchPattern(p, items[i])
		if !ok {
			return nil, false
		}
		for k, v := range sub {
			bindings[k] = v
		}
	}
	if rest != "" {
		bindings[rest] = value.Vector(items[len(itemPatterns):])
	}
	return bindings, true
}

func (ev *Evaluator) evalTry(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	out, err := ev.evalSeq(expr.TryBody, env, depth+1, cap)
	if err != nil {
		for _, c := range expr.Catches {
			bindings, ok := matchPattern(c.Pattern, errToValue(err))
			if !ok {
				continue
			}
			catchEnv := env.Child()
			for name, v := range bindings {
				catchEnv.Bind(name, v)
			}
			out, err = ev.eval(c.Body, catchEnv, depth+1, cap)
			break
		}
	}

	if len(expr.Finally) > 0 {
		fo, ferr := ev.evalSeq(expr.Finally, env, depth+1, cap)
		if ferr != nil {
			// finally's error dominates the original, on all exit paths.
			return Outcome{}, ferr
		}
		if !fo.Done {
			return fo, nil
		}
	}
	return out, err
}

func errToValue(err error) value.Value {
	return value.String(err.Error())
}

func (ev *Evaluator) evalFor(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	so, err := ev.eval(*expr.ForSeq, env, depth+1, cap)
	if err != nil || !so.Done {
		return so, err
	}
	if so.Value.Kind != value.KindVector && so.Value.Kind != value.KindList {
		return Outcome{}, fmt.Errorf("evaluator: for requires a vector or list, got %s", so.Value.Kind)
	}
	seq := so.Value.Vector
	if so.Value.Kind == value.KindList {
		seq = so.Value.List
	}

	results := make([]value.Value, 0, len(seq))
	for _, item := range seq {
		loopEnv := env.Child()
		loopEnv.Bind(expr.ForVar, item)
		o, err := ev.evalSeq(expr.ForBody, loopEnv, depth+1, cap)
		if err != nil {
			return Outcome{}, err
		}
		if !o.Done {
			return o, nil
		}
		results = append(results, o.Value)
	}
	return Complete(value.Vector(results)), nil
}

func (ev *Evaluator) evalWithResource(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	io, err := ev.eval(*expr.ResourceInit, env, depth+1, cap)
	if err != nil || !io.Done {
		return io, err
	}

	resEnv := env.Child()
	resEnv.Bind(expr.ResourceName, io.Value)

	out, runErr := ev.evalSeq(expr.Body, resEnv, depth+1, cap)

	// Release is idempotent: double-release is a no-op. The release
	// capability call itself is a host effect in the full system; here we
	// mark the handle released so a second with-resource exit over the same
	// handle is safely skipped. Concrete release dispatch is wired by the
	// host via expr.ResourceType.
	if io.Value.Kind == value.KindResourceHandle && io.Value.Handle != nil {
		io.Value.Handle.Kind = "" // cleared => already released
	}

	return out, runErr
}

func (ev *Evaluator) evalStep(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	stepEnv := env.Child()
	if expr.StepOptions.Params != nil {
		po, err := ev.eval(*expr.StepOptions.Params, env, depth+1, cap)
		if err != nil || !po.Done {
			return po, err
		}
		stepEnv.Bind("params", po.Value)
	}

	switch expr.Kind {
	case value.ExprStep:
		return ev.evalSeq(expr.StepBody, stepEnv, depth+1, cap)

	case value.ExprStepIf:
		return ev.evalIf(value.Expression{Kind: value.ExprIf, Cond: expr.Cond, Then: expr.Then, Else: expr.Else}, stepEnv, depth, cap)

	case value.ExprStepLoop:
		maxIters := expr.MaxIters
		if maxIters <= 0 {
			maxIters = 1000
		}
		var last Outcome = Complete(value.Nil)
		for i := 0; i < maxIters; i++ {
			co, err := ev.eval(*expr.Cond, stepEnv, depth+1, cap)
			if err != nil || !co.Done {
				return co, err
			}
			if !co.Value.Truthy() {
				break
			}
			o, err := ev.evalSeq(expr.StepBody, stepEnv, depth+1, cap)
			if err != nil {
				return Outcome{}, err
			}
			if !o.Done {
				return o, nil
			}
			last = o
		}
		return last, nil

	case value.ExprStepParallel:
		return ev.evalStepParallel(expr, stepEnv, depth, cap)

	default:
		return Outcome{}, fmt.Errorf("evaluator: evalStep called with non-step kind %d", expr.Kind)
	}
}

// evalStepParallel isolates each branch's context and merges per policy.
// Per §9's Open Question #1, mixed-type conflicts on the default policy
// (MergeKeepExisting or MergeMerge without compatible types) are rejected.
func (ev *Evaluator) evalStepParallel(expr value.Expression, stepEnv *Env, depth, cap int) (Outcome, error) {
	type branchResult struct {
		value value.Value
	}
	results := make([]branchResult, 0, len(expr.StepBody))
	for _, branch := range expr.StepBody {
		branchEnv := stepEnv.Child()
		o, err := ev.eval(branch, branchEnv, depth+1, cap)
		if err != nil {
			return Outcome{}, err
		}
		if !o.Done {
			return o, nil
		}
		results = append(results, branchResult{value: o.Value})
	}

	merged := value.Map(nil)
	for _, r := range results {
		if r.value.Kind != value.KindMap {
			continue
		}
		for k, v := range r.value.Map {
			existing, present := merged.Get(k)
			if !present {
				merged = merged.WithEntry(k, v)
				continue
			}
			switch expr.MergePolicy {
			case value.MergeOverwrite:
				merged = merged.WithEntry(k, v)
			case value.MergeMerge:
				if existing.Kind != v.Kind {
					return Outcome{}, &MergeConflictError{Key: k.String()}
				}
				merged = merged.WithEntry(k, v)
			default: // MergeKeepExisting
				if existing.Kind != v.Kind {
					return Outcome{}, &MergeConflictError{Key: k.String()}
				}
			}
		}
	}
	return Complete(merged), nil
}

// evalList evaluates an s-expression application: (op arg...). If op
// resolves to a locally-bound Function value, it runs in-process (pure
// sub-language evaluation never yields). Otherwise op names a capability by
// id: the evaluator packages a HostCall and suspends — it never executes a
// non-local call in-process, per the §4.7 contract.
func (ev *Evaluator) evalList(expr value.Expression, env *Env, depth, cap int) (Outcome, error) {
	if len(expr.Items) == 0 {
		return Complete(value.List(nil)), nil
	}

	head := expr.Items[0]
	args := expr.Items[1:]

	argVals := make([]value.Value, len(args))
	for i, a := range args {
		o, err := ev.eval(a, env, depth+1, cap)
		if err != nil {
			return Outcome{}, err
		}
		if !o.Done {
			return o, nil
		}
		argVals[i] = o.Value
	}

	if head.Kind == value.ExprSymbol {
		if fnVal, ok := env.Lookup(head.Symbol); ok && fnVal.Kind == value.KindFunction {
			out, err := fnVal.Fn.Call(argVals)
			if err != nil {
				return Outcome{}, err
			}
			return Complete(out), nil
		}
		if fnVal, ok := env.Lookup(head.Symbol); ok && fnVal.Kind == value.KindFunctionPlaceholder {
			return Outcome{}, fmt.Errorf("evaluator: %q referenced before its recursive binding was resolved", head.Symbol)
		}

		return RequiresHost(host.HostCall{
			CapabilityID:    head.Symbol,
			Args:            value.Vector(argVals),
			SecurityContext: ev.Security,
		}), nil
	}

	ho, err := ev.eval(head, env, depth+1, cap)
	if err != nil || !ho.Done {
		return ho, err
	}
	if ho.Value.Kind != value.KindFunction {
		return Outcome{}, fmt.Errorf("evaluator: head of application is not callable: %s", ho.Value.Kind)
	}
	out, err := ho.Value.Fn.Call(argVals)
	if err != nil {
		return Outcome{}, err
	}
	return Complete(out), nil
}
