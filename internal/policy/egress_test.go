package policy

import (
	"context"
	"testing"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/label"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

func newGate() *Gate {
	return &Gate{Approvals: causalchain.NewQueue(), Chain: causalchain.NewChain("r1")}
}

// Scenario 1 from §8: public is allowed, PII is denied.
func TestEgressPublicAllowedPiiDenied(t *testing.T) {
	g := newGate()

	out, err := g.Evaluate(context.Background(), EgressInputs{
		Content: value.String("hello"), SessionID: "s1", RunID: "r1", StepID: "k1",
	})
	if err != nil {
		t.Fatalf("expected plain string to be allowed as public, got %v", err)
	}
	if out.Str != "hello" {
		t.Errorf("expected unwrapped %q, got %v", "hello", out)
	}
	actions := g.Chain.Snapshot()
	if len(actions) != 2 {
		t.Fatalf("expected 2 audit actions, got %d", len(actions))
	}
	if actions[0].Metadata["rule_id"] != RulePublic || actions[0].Metadata["decision"] != "allow" {
		t.Errorf("unexpected audit metadata: %v", actions[0].Metadata)
	}

	g2 := newGate()
	labeled := label.AttachLabel(value.String("hello"), label.PiiChatMessage, nil)
	_, err = g2.Evaluate(context.Background(), EgressInputs{
		Content: labeled, SessionID: "s1", RunID: "r1", StepID: "k1",
	})
	if _, ok := err.(*EgressDeniedError); !ok {
		t.Fatalf("expected EgressDeniedError for PII content, got %v", err)
	}
	actions2 := g2.Chain.Snapshot()
	if len(actions2) != 2 || actions2[0].Metadata["decision"] != "deny" || actions2[0].Metadata["rule_id"] != RuleDefaultDeny {
		t.Errorf("unexpected deny audit metadata: %+v", actions2)
	}
}

// An approved ChatPolicyException of an unrelated kind must not open
// pii.redacted egress — only ExceptionKindPiiRedacted does.
func TestPiiRedactedEgressRequiresMatchingExceptionKind(t *testing.T) {
	g := newGate()
	req := g.Approvals.Create(causalchain.ApprovalRequest{
		Category:      causalchain.CategoryChatPolicyException,
		SessionID:     "s1",
		RunID:         "r1",
		ExceptionKind: "some.other.kind",
	})
	if _, err := g.Approvals.Decide(req.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	labeled := label.AttachLabel(value.String("hello"), label.PiiChatMessage, nil)
	_, err := g.Evaluate(context.Background(), EgressInputs{
		Content: labeled, SessionID: "s1", RunID: "r1", StepID: "k1",
	})
	if _, ok := err.(*EgressDeniedError); !ok {
		t.Fatalf("expected a non-matching exception kind to still deny, got %v", err)
	}
}

// An approved ChatPolicyException with ExceptionKindPiiRedacted allows
// pii.redacted content through.
func TestPiiRedactedEgressAllowedWithMatchingExceptionKind(t *testing.T) {
	g := newGate()
	req := g.Approvals.Create(causalchain.ApprovalRequest{
		Category:      causalchain.CategoryChatPolicyException,
		SessionID:     "s1",
		RunID:         "r1",
		ExceptionKind: ExceptionKindPiiRedacted,
	})
	if _, err := g.Approvals.Decide(req.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	labeled := label.AttachLabel(value.String("hello"), label.PiiChatMessage, nil)
	out, err := g.Evaluate(context.Background(), EgressInputs{
		Content: labeled, SessionID: "s1", RunID: "r1", StepID: "k1",
	})
	if err != nil {
		t.Fatalf("expected matching exception kind to allow, got %v", err)
	}
	if out.Str != "hello" {
		t.Errorf("expected unwrapped %q, got %v", "hello", out)
	}
}

// Scenario 2 from §8: declassification requires an approved, scope-matching
// record and a passing verifier call.
func TestDeclassificationRequiresApprovalAndPassingVerifier(t *testing.T) {
	g := newGate()
	future := time.Now().Add(time.Hour)
	req := g.Approvals.Create(causalchain.ApprovalRequest{
		Category: causalchain.CategoryChatPublicDeclassification, SessionID: "s1", RunID: "r1", ExpiresAt: &future,
	})
	g.Approvals.Decide(req.ID, true)

	constraints := VerifierConstraints{MaxLen: 1000, ForbidQuotes: true, ForbidIdentifiers: true}

	clean := "Summary with no names or numbers"
	res := g.Declassify(context.Background(), "s1", "r1", clean, constraints)
	if !res.OK || res.Class != label.Public {
		t.Fatalf("expected declassification to succeed, got %+v", res)
	}

	withEmail := "Contact me at a@b.co"
	res2 := g.Declassify(context.Background(), "s1", "r1", withEmail, constraints)
	if res2.OK || res2.Class != label.PiiRedacted {
		t.Fatalf("expected declassification to fail for text with email, got %+v", res2)
	}
	if len(res2.Issues) < 2 {
		t.Fatalf("expected multiple issues (email-like and @-handle), got %v", res2.Issues)
	}
}

func TestDeclassificationWithoutApprovalFails(t *testing.T) {
	g := newGate()
	res := g.Declassify(context.Background(), "s1", "r1", "anything", VerifierConstraints{MaxLen: 100})
	if res.OK {
		t.Fatal("expected declassification without an approved record to fail")
	}
}

func TestVerifyConstraintsReportsAllIssuesIndependently(t *testing.T) {
	ok, issues := VerifyConstraints(`Email a@b.com and id 123456`, VerifierConstraints{
		MaxLen: 10, ForbidQuotes: false, ForbidIdentifiers: true,
	})
	if ok {
		t.Fatal("expected failure")
	}
	// max_len, email, @-marker, digit run >= 5 -> 4 issues.
	if len(issues) != 4 {
		t.Errorf("expected 4 independent issues, got %d: %v", len(issues), issues)
	}
}

func TestParseEgressInputsDefaultsPolicyPackVersion(t *testing.T) {
	call := value.Map(map[value.MapKey]value.Value{
		value.KeywordKey("content"):    value.String("x"),
		value.KeywordKey("session_id"): value.String("s1"),
		value.KeywordKey("run_id"):     value.String("r1"),
		value.KeywordKey("step_id"):    value.String("k1"),
	})
	in, err := ParseEgressInputs(call)
	if err != nil {
		t.Fatalf("ParseEgressInputs: %v", err)
	}
	if in.PolicyPackVersion != "chat-mode-v0" {
		t.Errorf("PolicyPackVersion = %q, want default", in.PolicyPackVersion)
	}
}

func TestParseEgressInputsRequiresFields(t *testing.T) {
	call := value.Map(map[value.MapKey]value.Value{
		value.KeywordKey("content"): value.String("x"),
	})
	if _, err := ParseEgressInputs(call); err == nil {
		t.Fatal("expected error for missing session_id/run_id/step_id")
	}
}
