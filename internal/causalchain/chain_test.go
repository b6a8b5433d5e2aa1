package causalchain

import (
	"context"
	"testing"
	"time"
)

func TestAppendAssignsMonotonicTimestamps(t *testing.T) {
	c := NewChain("run-1")
	first := c.Append(Action{ActionType: ActionInternalStep})
	second := c.Append(Action{ActionType: ActionInternalStep})

	if first.ActionID == "" || second.ActionID == "" {
		t.Fatal("expected fresh action ids")
	}
	if second.Timestamp < first.Timestamp {
		t.Fatalf("timestamps not monotonic: %d then %d", first.Timestamp, second.Timestamp)
	}
}

func TestRecordChatAuditEventFoldsFieldsIntoMetadata(t *testing.T) {
	c := NewChain("run-1")
	a := c.RecordChatAuditEvent(context.Background(), "plan-1", "intent-1", "sess-1", "run-1", "step-1",
		ActionCapabilityCall, "egress.attempt", "egress.prepare_outbound", map[string]interface{}{"decision": "allow"})

	if a.FunctionName != "egress.prepare_outbound" {
		t.Errorf("FunctionName = %q, want capability id for CapabilityCall actions", a.FunctionName)
	}
	if a.Metadata["event_type"] != "egress.attempt" {
		t.Errorf("metadata missing event_type")
	}
	if a.Metadata["session_id"] != "sess-1" || a.Metadata["run_id"] != "run-1" || a.Metadata["step_id"] != "step-1" {
		t.Errorf("metadata missing folded scope fields: %v", a.Metadata)
	}
	if a.Metadata["decision"] != "allow" {
		t.Errorf("caller-provided metadata lost: %v", a.Metadata)
	}
}

func TestApprovalQueueScopingAndExpiry(t *testing.T) {
	q := NewQueue()
	past := time.Now().Add(-time.Minute)
	expired := q.Create(ApprovalRequest{
		Category:  CategoryChatPublicDeclassification,
		SessionID: "s1",
		RunID:     "r1",
		ExpiresAt: &past,
	})
	if _, err := q.Decide(expired.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if _, ok := q.FindApproved(CategoryChatPublicDeclassification, "s1", "r1", time.Now()); ok {
		t.Fatal("expired approval must never authorize")
	}

	future := time.Now().Add(time.Hour)
	live := q.Create(ApprovalRequest{
		Category:  CategoryChatPublicDeclassification,
		SessionID: "s1",
		RunID:     "r1",
		ExpiresAt: &future,
	})
	if _, err := q.Decide(live.ID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	if _, ok := q.FindApproved(CategoryChatPublicDeclassification, "s1", "r1", time.Now()); !ok {
		t.Fatal("expected live, approved, scope-matching record to authorize")
	}
	if _, ok := q.FindApproved(CategoryChatPublicDeclassification, "s2", "r1", time.Now()); ok {
		t.Fatal("session-scoped approval must not authorize a different session")
	}
}

func TestDecideRejectsAlreadyDecided(t *testing.T) {
	q := NewQueue()
	req := q.Create(ApprovalRequest{Category: CategoryPackageApproval})
	if _, err := q.Decide(req.ID, true); err != nil {
		t.Fatalf("first Decide: %v", err)
	}
	if _, err := q.Decide(req.ID, false); err == nil {
		t.Fatal("expected error deciding an already-decided approval")
	}
}
