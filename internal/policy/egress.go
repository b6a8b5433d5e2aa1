// Package policy implements the egress gate, declassification, and audit
// emission (§4.3). Exact verifier-constraint and parse_egress_inputs
// semantics are grounded on original_source/ccos/src/chat/mod.rs lines
// 3373-3463; rule dispatch is modeled on internal/auth/chain.go's ordered
// provider-chain contract.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/label"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

// Decision is the outcome of an egress gate evaluation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// ExceptionKindPiiRedacted identifies the one policy-exception kind that
// authorizes pii.redacted egress (§4.3); an approved ChatPolicyException of
// any other kind must not open this gate.
const ExceptionKindPiiRedacted = "egress.pii_redacted"

// RuleID identifies which egress rule produced a decision.
const (
	RulePublic        = "chat.egress.public"
	RulePiiRedacted   = "chat.egress.pii_redacted"
	RuleDefaultDeny   = "chat.egress.default_deny"
)

// EgressDeniedError is returned when the gate denies a payload; it is fatal
// to the current capability call but is recorded, not swallowed (§4.3's
// failure semantics).
type EgressDeniedError struct {
	RuleID string
	Reason string
}

func (e *EgressDeniedError) Error() string {
	return fmt.Sprintf("egress denied (%s): %s", e.RuleID, e.Reason)
}

// EgressInputs is the parsed form of a ccos.egress.prepare_outbound call.
type EgressInputs struct {
	Content           value.Value
	SessionID         string
	RunID             string
	StepID            string
	PolicyPackVersion string
	ContentClass      *label.Label
}

const defaultPolicyPackVersion = "chat-mode-v0"

// ParseEgressInputs extracts the required fields from a call map, defaulting
// policy_pack_version and treating content_class as an optional override of
// the label that would otherwise be derived from __ccos_meta.
func ParseEgressInputs(call value.Value) (EgressInputs, error) {
	get := func(key string) (value.Value, bool) {
		if v, ok := call.Get(value.KeywordKey(key)); ok {
			return v, true
		}
		return call.Get(value.StringKey(key))
	}

	content, ok := get("content")
	if !ok {
		return EgressInputs{}, fmt.Errorf("policy: missing required field content")
	}
	sessionID, ok := get("session_id")
	if !ok {
		return EgressInputs{}, fmt.Errorf("policy: missing required field session_id")
	}
	runID, ok := get("run_id")
	if !ok {
		return EgressInputs{}, fmt.Errorf("policy: missing required field run_id")
	}
	stepID, ok := get("step_id")
	if !ok {
		return EgressInputs{}, fmt.Errorf("policy: missing required field step_id")
	}

	out := EgressInputs{
		Content:           content,
		SessionID:         sessionID.Str,
		RunID:             runID.Str,
		StepID:            stepID.Str,
		PolicyPackVersion: defaultPolicyPackVersion,
	}
	if ppv, ok := get("policy_pack_version"); ok {
		out.PolicyPackVersion = ppv.Str
	}
	if cc, ok := get("content_class"); ok {
		if l, ok := label.Parse(cc.Str); ok {
			out.ContentClass = &l
		}
	}
	return out, nil
}

// Gate evaluates the egress state machine and emits the two required audit
// actions (policy.decision and egress.attempt) to chain.
type Gate struct {
	Approvals *causalchain.Queue
	Chain     *causalchain.Chain
}

// Evaluate runs the egress decision for one EgressInputs and returns the
// (possibly stripped) outbound value on allow, or an EgressDeniedError on
// deny.
func (g *Gate) Evaluate(ctx context.Context, in EgressInputs) (value.Value, error) {
	class := label.ExtractLabel(in.Content)
	if in.ContentClass != nil {
		class = *in.ContentClass
	}

	var decision Decision
	var ruleID string
	var reason string

	switch class {
	case label.Public:
		decision, ruleID, reason = DecisionAllow, RulePublic, "content classified public"
	case label.PiiRedacted:
		approved := findApprovedPiiException(g.Approvals, in.SessionID, in.RunID, time.Now())
		if approved {
			decision, ruleID, reason = DecisionAllow, RulePiiRedacted, "approved egress.pii_redacted policy exception"
		} else {
			decision, ruleID, reason = DecisionDeny, RuleDefaultDeny, "pii.redacted requires an approved policy exception"
		}
	default:
		decision, ruleID, reason = DecisionDeny, RuleDefaultDeny, fmt.Sprintf("classification %s is not exportable", class)
	}

	g.emitAudit(in, ruleID, decision, reason, class)

	if decision == DecisionDeny {
		return value.Nil, &EgressDeniedError{RuleID: ruleID, Reason: reason}
	}

	return label.StripCCOSMeta(in.Content), nil
}

func (g *Gate) emitAudit(in EgressInputs, ruleID string, decision Decision, reason string, class label.Label) {
	md := map[string]interface{}{
		"gate":                  "egress",
		"decision":              string(decision),
		"rule_id":               ruleID,
		"reason":                reason,
		"payload_classification": string(class),
		"policy_pack_version":   in.PolicyPackVersion,
	}
	g.Chain.RecordChatAuditEvent(context.Background(), "", "", in.SessionID, in.RunID, in.StepID,
		causalchain.ActionPolicyDecision, "policy.decision", "", md)
	g.Chain.RecordChatAuditEvent(context.Background(), "", "", in.SessionID, in.RunID, in.StepID,
		causalchain.ActionEgressAttempt, "egress.attempt", "", md)
}

// MCPResultFilter applies the same lattice/gate to results returning from
// external MCP tools before they enter the evaluator's value space.
func (g *Gate) MCPResultFilter(ctx context.Context, sessionID, runID, stepID string, result value.Value) (value.Value, error) {
	return g.Evaluate(ctx, EgressInputs{
		Content:           result,
		SessionID:         sessionID,
		RunID:             runID,
		StepID:            stepID,
		PolicyPackVersion: defaultPolicyPackVersion,
	})
}

// ── Declassification ─────────────────────────────────────────────────────

// VerifierConstraints are the declassification verifier's pass/fail checks.
type VerifierConstraints struct {
	MaxLen            int
	ForbidQuotes      bool
	ForbidIdentifiers bool
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	digitRun5    = regexp.MustCompile(`\d{5,}`)
)

const smartQuoteLeftDouble = "“"
const smartQuoteRightDouble = "”"
const smartQuoteLeftSingle = "‘"
const smartQuoteRightSingle = "’"

// VerifyConstraints checks text against constraints, returning ok and the
// full list of issues found (every check is independently reported, never
// short-circuited, matching scenario 2's "issues containing email-like and
// @-handle markers" — plural).
func VerifyConstraints(text string, c VerifierConstraints) (bool, []string) {
	var issues []string

	if c.MaxLen > 0 && len(text) > c.MaxLen {
		issues = append(issues, fmt.Sprintf("text exceeds max_len %d", c.MaxLen))
	}

	if c.ForbidQuotes {
		if strings.ContainsAny(text, `"'`) ||
			strings.Contains(text, smartQuoteLeftDouble) || strings.Contains(text, smartQuoteRightDouble) ||
			strings.Contains(text, smartQuoteLeftSingle) || strings.Contains(text, smartQuoteRightSingle) {
			issues = append(issues, "text contains quote characters")
		}
	}

	if c.ForbidIdentifiers {
		if emailPattern.MatchString(text) {
			issues = append(issues, "text contains an email-like identifier")
		}
		if strings.Contains(text, "@") {
			issues = append(issues, "text contains an @-handle marker")
		}
		if digitRun5.MatchString(text) {
			issues = append(issues, "text contains a digit run of length >= 5")
		}
	}

	return len(issues) == 0, issues
}

// DeclassificationResult is the outcome of attempting to declassify a
// pii.redacted payload to public.
type DeclassificationResult struct {
	Class  label.Label
	Text   string
	OK     bool
	Issues []string
}

// Declassify requires a run-scoped approved ChatPublicDeclassification
// record and a passing verifier call. Only if both pass does the result
// carry class=public; otherwise it stays pii.redacted with Issues populated.
func (g *Gate) Declassify(ctx context.Context, sessionID, runID, text string, constraints VerifierConstraints) DeclassificationResult {
	_, approved := g.Approvals.FindApproved(causalchain.CategoryChatPublicDeclassification, sessionID, runID, time.Now())
	if !approved {
		return DeclassificationResult{Class: label.PiiRedacted, Text: text, OK: false, Issues: []string{"no approved ChatPublicDeclassification record for this session/run"}}
	}

	ok, issues := VerifyConstraints(text, constraints)
	if !ok {
		return DeclassificationResult{Class: label.PiiRedacted, Text: text, OK: false, Issues: issues}
	}
	return DeclassificationResult{Class: label.Public, Text: text, OK: true}
}

// findApprovedPiiException scans approved ChatPolicyException requests for
// one scoped to sessionID/runID, unexpired, and specifically of kind
// ExceptionKindPiiRedacted. causalchain.Queue.FindApproved matches on
// category+scope only, so the exception kind is filtered here — an approved
// exception of any other kind must not open pii.redacted egress.
func findApprovedPiiException(approvals *causalchain.Queue, sessionID, runID string, now time.Time) bool {
	for _, rec := range approvals.List(causalchain.StatusApproved) {
		if rec.Category != causalchain.CategoryChatPolicyException {
			continue
		}
		if rec.ExceptionKind != ExceptionKindPiiRedacted {
			continue
		}
		if !rec.MatchesScope(sessionID, runID) {
			continue
		}
		if rec.IsExpired(now) {
			continue
		}
		return true
	}
	return false
}
