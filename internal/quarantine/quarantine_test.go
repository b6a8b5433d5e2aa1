package quarantine_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/marketplace"
	"github.com/agentoven/ccos/control-plane/internal/quarantine"
)

func transformManifest(id string) marketplace.CapabilityManifest {
	return marketplace.CapabilityManifest{ID: id, Categories: []string{"transform"}}
}

func plainManifest(id string) marketplace.CapabilityManifest {
	return marketplace.CapabilityManifest{ID: id, Categories: []string{"http"}}
}

func TestPutThenDereferenceByTransform(t *testing.T) {
	s := quarantine.NewStore(time.Minute)
	ctx := context.Background()

	id := s.Put(ctx, "sess-1", "run-1", "step-1", []byte("untrusted payload"))

	got, err := s.Dereference(ctx, "sess-1", "run-1", "step-1", transformManifest("cap.transform"), id)
	if err != nil {
		t.Fatalf("Dereference() error = %v", err)
	}
	if string(got) != "untrusted payload" {
		t.Errorf("Dereference() = %q, want %q", got, "untrusted payload")
	}
}

func TestDereferenceDeniedForNonTransform(t *testing.T) {
	s := quarantine.NewStore(time.Minute)
	ctx := context.Background()

	id := s.Put(ctx, "sess-1", "run-1", "step-1", []byte("untrusted payload"))

	_, err := s.Dereference(ctx, "sess-1", "run-1", "step-1", plainManifest("cap.http"), id)
	if err == nil {
		t.Fatal("Dereference() expected error for non-transform capability, got nil")
	}
	if _, ok := err.(*quarantine.ErrNotTransform); !ok {
		t.Errorf("Dereference() error type = %T, want *ErrNotTransform", err)
	}
}

func TestDereferenceUnknownPointer(t *testing.T) {
	s := quarantine.NewStore(time.Minute)
	ctx := context.Background()

	_, err := s.Dereference(ctx, "sess-1", "run-1", "step-1", transformManifest("cap.transform"), "nonexistent")
	if _, ok := err.(*quarantine.ErrPointerNotFound); !ok {
		t.Errorf("Dereference() error type = %T, want *ErrPointerNotFound", err)
	}
}

func TestDereferenceExpiredPointerEvictsOnRead(t *testing.T) {
	s := quarantine.NewStore(time.Millisecond)
	ctx := context.Background()

	id := s.Put(ctx, "sess-1", "run-1", "step-1", []byte("short-lived"))
	time.Sleep(5 * time.Millisecond)

	if _, err := s.Dereference(ctx, "sess-1", "run-1", "step-1", transformManifest("cap.transform"), id); err == nil {
		t.Fatal("Dereference() expected expiry error, got nil")
	}
	if got := s.Len(); got != 0 {
		t.Errorf("Len() after expired read = %d, want 0 (lazy eviction)", got)
	}
}

func TestPutIsContentAddressed(t *testing.T) {
	s := quarantine.NewStore(time.Minute)
	ctx := context.Background()

	id1 := s.Put(ctx, "sess-1", "run-1", "step-1", []byte("same bytes"))
	id2 := s.Put(ctx, "sess-2", "run-2", "step-2", []byte("same bytes"))

	if id1 != id2 {
		t.Errorf("Put() pointer ids = %q, %q, want equal for identical content", id1, id2)
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1 (deduplicated)", got)
	}
}

func TestPutAndDereferenceAreAudited(t *testing.T) {
	chain := causalchain.NewChain("run-1")
	s := quarantine.NewStore(time.Minute)
	s.ChainFor = func(runID string) *causalchain.Chain { return chain }
	ctx := context.Background()

	id := s.Put(ctx, "sess-1", "run-1", "step-1", []byte("payload"))
	s.Dereference(ctx, "sess-1", "run-1", "step-1", transformManifest("cap.transform"), id)

	actions := chain.Snapshot()
	if len(actions) != 2 {
		t.Fatalf("chain.Snapshot() returned %d actions, want 2 (put + dereference)", len(actions))
	}
	if actions[0].Metadata["event_type"] != "quarantine.put" {
		t.Errorf("actions[0] event_type = %v, want quarantine.put", actions[0].Metadata["event_type"])
	}
	if actions[1].Metadata["event_type"] != "quarantine.dereference" {
		t.Errorf("actions[1] event_type = %v, want quarantine.dereference", actions[1].Metadata["event_type"])
	}
}
