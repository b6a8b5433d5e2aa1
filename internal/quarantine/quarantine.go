// Package quarantine implements the content-addressed, TTL-bounded byte
// store for untrusted payloads (§3's QuarantineStore). Grounded on
// internal/resolver/alias.go's mutex-guarded map shape and
// internal/policy/egress.go's audit-emission pattern: every Put/Dereference
// records a causal chain action, and Dereference is gated to capabilities
// whose manifest is tagged "transform" — the only variant permitted to pull
// raw bytes back out of quarantine.
package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/marketplace"
)

// transformCategory is the CapabilityManifest.Categories tag that grants
// Dereference access. A manifest without this category may Put into
// quarantine (producing a pointer other capabilities pass around as an
// opaque string) but may never read the bytes back.
const transformCategory = "transform"

// ErrPointerNotFound is returned when pointerID is unknown or has already
// expired and been swept.
type ErrPointerNotFound struct{ PointerID string }

func (e *ErrPointerNotFound) Error() string {
	return fmt.Sprintf("quarantine: pointer not found: %s", e.PointerID)
}

// ErrNotTransform is returned by Dereference when the calling capability's
// manifest is not tagged "transform".
type ErrNotTransform struct{ CapabilityID string }

func (e *ErrNotTransform) Error() string {
	return fmt.Sprintf("quarantine: capability %s is not tagged transform, cannot dereference", e.CapabilityID)
}

type entry struct {
	bytes     []byte
	expiresAt time.Time
}

// Store is the quarantine byte store: single writer per record via the
// mutex guard, readers get a copy of the bytes they asked for, never a
// live slice into the map.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration

	// ChainFor, when set, resolves the run-scoped causal chain that
	// receives an audit action for every Put and Dereference call — mirrors
	// handlers.Handlers.ChainFor's per-run chain map rather than assuming a
	// single shared chain.
	ChainFor func(runID string) *causalchain.Chain
}

// DefaultTTL is how long a quarantined blob survives without being
// dereferenced, absent an explicit TTL on NewStore.
const DefaultTTL = 15 * time.Minute

// NewStore creates an empty quarantine store. ttl <= 0 uses DefaultTTL.
func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{entries: make(map[string]entry), ttl: ttl}
}

// pointerID derives a content address: same bytes always produce the same
// pointer, so re-quarantining identical content is a no-op refresh of its
// TTL rather than a duplicate entry.
func pointerID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put quarantines data, returning its pointer_id. The caller is expected to
// pass this string through the generic value channel — never the bytes
// themselves — to whatever capability eventually needs to Dereference them.
func (s *Store) Put(ctx context.Context, sessionID, runID, stepID string, data []byte) string {
	id := pointerID(data)

	s.mu.Lock()
	s.entries[id] = entry{bytes: data, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.audit(sessionID, runID, stepID, "quarantine.put", id, "")
	return id
}

// Dereference returns the quarantined bytes for pointerID, provided caller
// is tagged "transform". Every call is audited regardless of outcome.
func (s *Store) Dereference(ctx context.Context, sessionID, runID, stepID string, caller marketplace.CapabilityManifest, pointerID string) ([]byte, error) {
	if !isTransform(caller) {
		s.audit(sessionID, runID, stepID, "quarantine.dereference_denied", pointerID, caller.ID)
		return nil, &ErrNotTransform{CapabilityID: caller.ID}
	}

	s.mu.RLock()
	e, ok := s.entries[pointerID]
	s.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			// Expired: evict now rather than waiting for the next sweep —
			// matches internal/resolver/alias.go's read-time eviction, no
			// separate janitor goroutine.
			s.mu.Lock()
			delete(s.entries, pointerID)
			s.mu.Unlock()
		}
		s.audit(sessionID, runID, stepID, "quarantine.dereference_missing", pointerID, caller.ID)
		return nil, &ErrPointerNotFound{PointerID: pointerID}
	}

	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)

	s.audit(sessionID, runID, stepID, "quarantine.dereference", pointerID, caller.ID)
	return out, nil
}

// isTransform reports whether m is tagged as a transform capability and may
// therefore call Dereference.
func isTransform(m marketplace.CapabilityManifest) bool {
	for _, c := range m.Categories {
		if c == transformCategory {
			return true
		}
	}
	return false
}

func (s *Store) audit(sessionID, runID, stepID, eventType, pointerID, capabilityID string) {
	if s.ChainFor == nil {
		return
	}
	chain := s.ChainFor(runID)
	if chain == nil {
		return
	}
	md := map[string]interface{}{"pointer_id": pointerID}
	chain.RecordChatAuditEvent(context.Background(), "", "", sessionID, runID, stepID,
		causalchain.ActionInternalStep, eventType, capabilityID, md)
}

// Len reports the number of live (non-expired as of last access) entries.
// Used by tests and operator diagnostics; not part of the dereference path.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
