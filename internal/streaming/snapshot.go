package streaming

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/agentoven/ccos/control-plane/internal/schema"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

// Snapshot is the persisted shape of one stream registration, written after
// each settled chunk and on registration (§4.6).
type Snapshot struct {
	StreamID     string
	ProcessorFn  string
	CurrentState value.Value
	Status       Status
	Continuation map[string]interface{}
}

// SnapshotStore persists stream snapshots to a directory, one file per
// stream id, using the write-temp-then-rename atomicity pattern (matching
// internal/store/memory.go's saveSnapshot/loadSnapshot and
// internal/resolver/alias.go's AliasStore).
type SnapshotStore struct {
	mu  sync.Mutex
	dir string
}

// NewSnapshotStore creates a store backed by dir. The directory is not
// touched here; it is created on the first Save.
func NewSnapshotStore(dir string) *SnapshotStore {
	return &SnapshotStore{dir: dir}
}

func (s *SnapshotStore) path(streamID string) string {
	return filepath.Join(s.dir, streamID+".json")
}

// Save writes snap, overwriting any prior snapshot for the same stream id.
func (s *SnapshotStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := s.path(snap.StreamID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the last snapshot for streamID, if any.
func (s *SnapshotStore) Load(streamID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(streamID))
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

// Remove deletes a stream's snapshot, called when its registration reaches
// a terminal status.
func (s *SnapshotStore) Remove(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	os.Remove(s.path(streamID))
}

// Resume reloads the last snapshot for streamID and recreates its
// registration with a fresh queue and stats, per §4.6's resume_stream.
// resultSchema is re-supplied by the caller since schemas aren't persisted
// as part of the snapshot (they're a capability-manifest-level concern, not
// per-stream state).
func (r *Registry) Resume(streamID string, resultSchema *schema.TypeExpr) (*Registration, bool) {
	if r.Snapshot == nil {
		return nil, false
	}
	snap, ok := r.Snapshot.Load(streamID)
	if !ok {
		return nil, false
	}

	r.mu.Lock()
	reg := &Registration{
		StreamID:     snap.StreamID,
		ProcessorFn:  snap.ProcessorFn,
		CurrentState: snap.CurrentState,
		Status:       snap.Status,
		Continuation: snap.Continuation,
		ResultSchema: resultSchema,
		queueCap:     DefaultQueueCapacity,
	}
	r.regs[streamID] = reg
	r.mu.Unlock()
	return reg, true
}
