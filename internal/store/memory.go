// Package store — file-backed Store implementation.
// Used as the default persistence layer (no external database dependency);
// state is snapshotted to JSON under a configurable data directory so a
// restarted ccosd picks back up where it left off.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/marketplace"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Manifests map[string]marketplace.CapabilityManifest `json:"manifests"`
	Approvals map[string]causalchain.ApprovalRequest     `json:"approvals"`
	Actions   map[string][]causalchain.Action            `json:"actions"` // key: run_id
}

// MemoryStore implements Store with in-memory maps, debounced to a JSON
// snapshot file on disk.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]marketplace.CapabilityManifest
	approvals map[string]causalchain.ApprovalRequest
	actions   map[string][]causalchain.Action // key: run_id

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
}

// NewMemoryStore creates a file-backed store.
// If CCOS_DATA_DIR is set, data is persisted to a JSON file in that
// directory; otherwise defaults to ~/.ccos/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		manifests: make(map[string]marketplace.CapabilityManifest),
		approvals: make(map[string]causalchain.ApprovalRequest),
		actions:   make(map[string][]causalchain.Action),
		saveCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}

	dataDir := os.Getenv("CCOS_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".ccos")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("store configured")
	return m
}

// Close stops the background save loop, flushing any pending write first.
func (m *MemoryStore) Close() error {
	if m.snapshotPath == "" {
		return nil
	}
	close(m.doneCh)
	m.saveSnapshot()
	return nil
}

func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Manifests: m.manifests,
		Approvals: m.approvals,
		Actions:   m.actions,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("no snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if snap.Manifests != nil {
		m.manifests = snap.Manifests
	}
	if snap.Approvals != nil {
		m.approvals = snap.Approvals
	}
	if snap.Actions != nil {
		m.actions = snap.Actions
	}
}

// ── ManifestStore ────────────────────────────────────────────

func (m *MemoryStore) SaveManifest(_ context.Context, manifest marketplace.CapabilityManifest) error {
	m.mu.Lock()
	m.manifests[manifest.ID] = manifest
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) LoadManifests(_ context.Context) ([]marketplace.CapabilityManifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]marketplace.CapabilityManifest, 0, len(m.manifests))
	for _, man := range m.manifests {
		out = append(out, man)
	}
	return out, nil
}

// ── ApprovalStore ────────────────────────────────────────────

func (m *MemoryStore) SaveApproval(_ context.Context, req causalchain.ApprovalRequest) error {
	m.mu.Lock()
	m.approvals[req.ID] = req
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) LoadApprovals(_ context.Context) ([]causalchain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]causalchain.ApprovalRequest, 0, len(m.approvals))
	for _, req := range m.approvals {
		out = append(out, req)
	}
	return out, nil
}

// ── ActionStore ──────────────────────────────────────────────

func (m *MemoryStore) SaveAction(_ context.Context, runID string, a causalchain.Action) error {
	m.mu.Lock()
	m.actions[runID] = append(m.actions[runID], a)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) LoadActions(_ context.Context, runID string) ([]causalchain.Action, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]causalchain.Action, len(m.actions[runID]))
	copy(out, m.actions[runID])
	return out, nil
}
