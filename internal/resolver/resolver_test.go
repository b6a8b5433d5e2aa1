package resolver

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/marketplace"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

func TestQueueEnqueueDedup(t *testing.T) {
	q := NewQueue()
	if _, err := q.Enqueue("x.y", value.Nil); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := q.Enqueue("x.y", value.Nil); err == nil {
		t.Fatal("expected duplicate enqueue to be rejected")
	}
}

func TestQueueStateMachine(t *testing.T) {
	q := NewQueue()
	q.Enqueue("x.y", value.Nil)
	if _, ok := q.Start("x.y"); !ok {
		t.Fatal("expected Start to succeed on pending request")
	}
	req := q.Fail("x.y", nil, 5)
	if req.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", req.Status)
	}
	if req.RetryAfter == nil {
		t.Fatal("expected RetryAfter to be set")
	}

	if _, ok := q.Retryable("x.y", time.Now()); ok {
		t.Fatal("expected not yet retryable immediately")
	}
	if _, ok := q.Retryable("x.y", req.RetryAfter.Add(time.Second)); !ok {
		t.Fatal("expected retryable after RetryAfter elapses")
	}
}

func TestQueueEscalatesToPermanentlyFailed(t *testing.T) {
	q := NewQueue()
	q.Enqueue("x.y", value.Nil)
	q.Start("x.y")

	var req Request
	for i := 0; i < 3; i++ {
		req = q.Fail("x.y", nil, 3)
		if req.Status == StatusPermanentlyFailed {
			break
		}
		if _, ok := q.Retryable("x.y", req.RetryAfter.Add(time.Second)); !ok {
			t.Fatalf("attempt %d: expected request to become retryable", i)
		}
		if _, ok := q.Start("x.y"); !ok {
			t.Fatalf("attempt %d: expected Start to succeed after retry", i)
		}
	}
	if req.Status != StatusPermanentlyFailed {
		t.Fatalf("expected PermanentlyFailed after exceeding max attempts, got %s", req.Status)
	}
}

// An MCPTransportError carrying a Retry-After hint must override
// DefaultRetryAfter in Fail.
func TestQueueFailHonorsRetryAfterHint(t *testing.T) {
	q := NewQueue()
	q.Enqueue("x.y", value.Nil)
	q.Start("x.y")

	cause := &MCPTransportError{ServerURL: "https://mcp.example.com", RetryAfter: "5"}
	req := q.Fail("x.y", cause, 5)
	if req.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", req.Status)
	}
	wantNotAfter := time.Now().Add(6 * time.Second)
	if req.RetryAfter == nil || req.RetryAfter.After(wantNotAfter) {
		t.Fatalf("expected RetryAfter honoring the 5s hint, got %v", req.RetryAfter)
	}
}

func TestQueueFailFallsBackToDefaultOnUnparseableHint(t *testing.T) {
	q := NewQueue()
	q.Enqueue("x.y", value.Nil)
	q.Start("x.y")

	cause := &MCPTransportError{ServerURL: "https://mcp.example.com", RetryAfter: "not-a-number"}
	req := q.Fail("x.y", cause, 5)
	wantAfter := time.Now().Add(DefaultRetryAfter - time.Second)
	if req.RetryAfter == nil || req.RetryAfter.Before(wantAfter) {
		t.Fatalf("expected fallback to DefaultRetryAfter, got %v", req.RetryAfter)
	}
}

func TestMatchesWildcard(t *testing.T) {
	cases := []struct {
		pattern, id string
		want        bool
	}{
		{"weather.*", "weather.get_forecast", true},
		{"weather.*", "traffic.get", false},
		{"*.lookup", "geo.lookup", true},
		{"geo.*.v1", "geo.code.v1", true},
		{"geo.*.v1", "geo.code.v2", false},
		{"exact.match", "exact.match", true},
		{"exact.match", "exact.matches", false},
	}
	for _, c := range cases {
		got, err := MatchesWildcard(c.pattern, c.id)
		if err != nil {
			t.Fatalf("MatchesWildcard(%q,%q): %v", c.pattern, c.id, err)
		}
		if got != c.want {
			t.Errorf("MatchesWildcard(%q,%q) = %v, want %v", c.pattern, c.id, got, c.want)
		}
	}
}

func TestMatchesWildcardRejectsMultipleStars(t *testing.T) {
	_, err := MatchesWildcard("a.*.b.*", "a.x.b.y")
	if _, ok := err.(*InvalidWildcardPatternError); !ok {
		t.Fatalf("expected InvalidWildcardPatternError, got %v", err)
	}
}

func TestLoadOverridesRejectsMultiWildcardAtLoadTime(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/overrides.yaml"
	writeFile(t, path, "- pattern: \"a.*.b.*\"\n  server_name: bad\n")
	_, err := LoadOverrides(path)
	if _, ok := err.(*InvalidWildcardPatternError); !ok {
		t.Fatalf("expected InvalidWildcardPatternError at load time, got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writeFile: %v", err)
	}
}

func TestAliasStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/aliases.json"

	s1 := NewAliasStore(path)
	if err := s1.Put("weather.*", AliasEntry{ServerName: "acme-weather", ServerURL: "https://acme.example/mcp", ToolName: "get_forecast"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2 := NewAliasStore(path)
	entry, pattern, ok := s2.Lookup("weather.get_forecast")
	if !ok {
		t.Fatal("expected alias to be loaded from disk")
	}
	if pattern != "weather.*" || entry.ToolName != "get_forecast" {
		t.Errorf("unexpected alias: pattern=%q entry=%+v", pattern, entry)
	}
}

func TestScoreServerPrefersExactNameMatch(t *testing.T) {
	exact := ScoreServer("weather.forecast", MCPServerCandidate{Name: "weather.forecast"})
	partial := ScoreServer("weather.forecast", MCPServerCandidate{Name: "weather-tools"})
	if exact <= partial {
		t.Errorf("expected exact match to score higher: exact=%v partial=%v", exact, partial)
	}
}

func TestScoreServerDemotesGenericNaming(t *testing.T) {
	plain := ScoreServer("weather.forecast", MCPServerCandidate{Name: "weather.forecast", Description: "weather.forecast tool"})
	plugin := ScoreServer("weather.forecast", MCPServerCandidate{Name: "weather.forecast-plugin", Description: "weather.forecast tool"})
	if plugin >= plain {
		t.Errorf("expected -plugin suffix to demote score: plain=%v plugin=%v", plain, plugin)
	}
}

func TestScoreToolSynonymEquivalence(t *testing.T) {
	score, _ := ScoreTool("weather.get_forecast", MCPToolCandidate{Name: "fetch_forecast", Description: "fetches a forecast"})
	if score <= 0 {
		t.Errorf("expected synonym (get/fetch) to contribute positive score, got %v", score)
	}
}

func TestDomainKeywordFallbackPicksSharedDomainTokens(t *testing.T) {
	candidates := []MCPToolCandidate{
		{Name: "list_invoices", Description: "lists invoices"},
		{Name: "unrelated_tool", Description: "does something else"},
	}
	best, ok := DomainKeywordFallback("billing.invoices.list", candidates)
	if !ok || best.Name != "list_invoices" {
		t.Fatalf("expected list_invoices to win fallback, got %+v ok=%v", best, ok)
	}
}

func TestAssessRiskEscalatesOnSensitiveNameAndHistory(t *testing.T) {
	low := AssessRisk("weather.get_forecast", History{})
	if low.Level != "Low" {
		t.Errorf("expected Low, got %s", low.Level)
	}

	high := AssessRisk("admin.delete_user", History{})
	if high.Level != "High" {
		t.Errorf("expected High for sensitive name, got %s", high.Level)
	}

	critical := AssessRisk("payment.charge_card", History{Timeouts: 1})
	if critical.Level != "Critical" {
		t.Errorf("expected Critical for sensitive name + timeout history, got %s", critical.Level)
	}
}

func TestRequiresApprovalBypassHigh(t *testing.T) {
	if !RequiresApproval("High", false) {
		t.Error("expected High to require approval by default")
	}
	if RequiresApproval("High", true) {
		t.Error("expected High to skip approval when bypassed")
	}
	if !RequiresApproval("Critical", true) {
		t.Error("expected Critical to always require approval")
	}
}

func TestResolveStopsAtFirstSuccessfulStage(t *testing.T) {
	registry := marketplace.NewRegistry()
	registry.Register(marketplace.CapabilityManifest{ID: "weather.get_forecast", ApprovalStatus: marketplace.ApprovalApproved})

	q := NewQueue()
	approvals := causalchain.NewQueue()
	chain := causalchain.NewChain("r1")
	r := NewResolver(registry, q, approvals, chain)

	m, err := r.Resolve(context.Background(), "weather.get_forecast", value.Nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.ID != "weather.get_forecast" {
		t.Errorf("expected marketplace-exact stage to win, got %+v", m)
	}
}

func TestResolveFailsWhenNoStageMatches(t *testing.T) {
	registry := marketplace.NewRegistry()
	q := NewQueue()
	approvals := causalchain.NewQueue()
	chain := causalchain.NewChain("r1")
	r := NewResolver(registry, q, approvals, chain)

	_, err := r.Resolve(context.Background(), "nonexistent.capability", value.Nil)
	if err == nil {
		t.Fatal("expected resolution failure when no stage matches")
	}
	status, ok := q.StatusOf("nonexistent.capability")
	if !ok || status != StatusFailed {
		t.Errorf("expected queue to track a Failed request, got status=%s ok=%v", status, ok)
	}
}

func TestResolveGatesHighRiskOnApproval(t *testing.T) {
	registry := marketplace.NewRegistry()
	registry.Register(marketplace.CapabilityManifest{ID: "admin.delete_user", ApprovalStatus: marketplace.ApprovalApproved})

	q := NewQueue()
	approvals := causalchain.NewQueue()
	chain := causalchain.NewChain("r1")
	r := NewResolver(registry, q, approvals, chain)

	_, err := r.Resolve(context.Background(), "admin.delete_user", value.Nil)
	if err == nil {
		t.Fatal("expected High-risk resolution to require approval before registration")
	}

	pending := approvals.List(causalchain.StatusPending)
	if len(pending) != 1 || pending[0].Category != causalchain.CategoryCapabilityRegistration {
		t.Fatalf("expected one pending CapabilityRegistration approval, got %+v", pending)
	}
}
