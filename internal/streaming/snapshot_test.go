package streaming

import (
	"testing"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store := NewSnapshotStore(t.TempDir())

	snap := Snapshot{
		StreamID:     "s1",
		ProcessorFn:  "custom",
		CurrentState: value.String("mid-stream"),
		Status:       StatusActive,
		Continuation: map[string]interface{}{"count": 3.0},
	}
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok := store.Load("s1")
	if !ok {
		t.Fatal("expected to load the saved snapshot")
	}
	if loaded.ProcessorFn != "custom" || loaded.Status != StatusActive {
		t.Errorf("unexpected loaded snapshot: %+v", loaded)
	}
	if loaded.CurrentState.Str != "mid-stream" {
		t.Errorf("expected CurrentState to round-trip, got %+v", loaded.CurrentState)
	}
}

func TestSnapshotStoreLoadMissingReturnsFalse(t *testing.T) {
	store := NewSnapshotStore(t.TempDir())
	if _, ok := store.Load("does-not-exist"); ok {
		t.Fatal("expected Load to report false for an unknown stream id")
	}
}

func TestSnapshotStoreOverwritesOnSecondSave(t *testing.T) {
	store := NewSnapshotStore(t.TempDir())
	store.Save(Snapshot{StreamID: "s1", Status: StatusActive})
	store.Save(Snapshot{StreamID: "s1", Status: StatusPaused})

	loaded, ok := store.Load("s1")
	if !ok || loaded.Status != StatusPaused {
		t.Fatalf("expected second Save to overwrite the first, got %+v", loaded)
	}
}

func TestSnapshotStoreRemove(t *testing.T) {
	store := NewSnapshotStore(t.TempDir())
	store.Save(Snapshot{StreamID: "s1", Status: StatusActive})
	store.Remove("s1")

	if _, ok := store.Load("s1"); ok {
		t.Fatal("expected snapshot to be gone after Remove")
	}
}

func TestRegistryResumeRecreatesRegistration(t *testing.T) {
	store := NewSnapshotStore(t.TempDir())
	store.Save(Snapshot{
		StreamID:     "s1",
		ProcessorFn:  "custom",
		CurrentState: value.String("resumed-state"),
		Status:       StatusActive,
		Continuation: map[string]interface{}{"count": 7.0},
	})

	r := NewRegistry(nil)
	r.Snapshot = store

	reg, ok := r.Resume("s1", nil)
	if !ok {
		t.Fatal("expected Resume to find the persisted snapshot")
	}
	if reg.ProcessorFn != "custom" || reg.Status != StatusActive {
		t.Errorf("unexpected resumed registration: %+v", reg)
	}
	if reg.CurrentState.Str != "resumed-state" {
		t.Errorf("expected resumed state to round-trip, got %+v", reg.CurrentState)
	}

	// The registration must be reachable through the registry's normal path,
	// with a fresh (empty) queue ready to accept new chunks.
	got, ok := r.Get("s1")
	if !ok || got != reg {
		t.Fatal("expected Resume to register the stream in the registry")
	}
	if err := r.Ingest("s1", value.String("after-resume"), ""); err != nil {
		t.Fatalf("expected the resumed registration's fresh queue to accept new chunks: %v", err)
	}
}

func TestRegistryResumeMissingSnapshotReturnsFalse(t *testing.T) {
	r := NewRegistry(nil)
	r.Snapshot = NewSnapshotStore(t.TempDir())

	if _, ok := r.Resume("never-existed", nil); ok {
		t.Fatal("expected Resume to report false for a stream with no snapshot")
	}
}

func TestRegistryResumeNilSnapshotStoreReturnsFalse(t *testing.T) {
	r := NewRegistry(nil) // Snapshot left nil: persistence disabled
	if _, ok := r.Resume("s1", nil); ok {
		t.Fatal("expected Resume to report false when the registry has no SnapshotStore configured")
	}
}
