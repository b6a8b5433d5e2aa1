package marketplace

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// CapabilityNotFoundError is raised by Get/Execute when no manifest is
// registered under the given id; the host lifts this into a resolution
// request (see internal/resolver).
type CapabilityNotFoundError struct {
	ID string
}

func (e *CapabilityNotFoundError) Error() string {
	return fmt.Sprintf("capability not found: %s", e.ID)
}

// RegistrationDeniedError is raised when register_capability_manifest is
// called for a manifest in Pending/Rejected state by a caller that doesn't
// hold the registrar capability.
type RegistrationDeniedError struct {
	ID     string
	Status ApprovalStatus
}

func (e *RegistrationDeniedError) Error() string {
	return fmt.Sprintf("registration of %s denied: approval_status=%s", e.ID, e.Status)
}

// Query filters list_capabilities_with_query.
type Query struct {
	Domain   string
	Category string
	Text     string // textual match against id/name/description
}

func (q Query) matches(m CapabilityManifest) bool {
	if q.Domain != "" {
		found := false
		for _, d := range m.Domains {
			if d == q.Domain {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Category != "" {
		found := false
		for _, c := range m.Categories {
			if c == q.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		haystack := strings.ToLower(m.ID + " " + m.Name + " " + m.Description)
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

// Registry is the marketplace's manifest map: single writer, many readers.
// Writes happen under the guard; readers get a copy of the manifest they
// asked for, never a live pointer into the map.
type Registry struct {
	mu        sync.RWMutex
	manifests map[string]CapabilityManifest
	// Registrar, when true, allows bypassing the Pending/Rejected
	// registration guard — set by the one caller (the resolver, or an
	// operator tool) that holds the "registrar" capability.
	Registrar bool
	// OnRegister, when set, is invoked after a manifest is stored — the hook
	// a file-backed ManifestStore uses to persist the marketplace across
	// restarts.
	OnRegister func(CapabilityManifest)
}

// NewRegistry creates an empty capability manifest registry.
func NewRegistry() *Registry {
	return &Registry{manifests: make(map[string]CapabilityManifest)}
}

// Register inserts or replaces a manifest by id. If two manifests share an
// id, last write wins. Rejects manifests in Pending/Rejected state unless
// the registry is in registrar mode.
func (r *Registry) Register(m CapabilityManifest) error {
	if (m.ApprovalStatus == ApprovalPending || m.ApprovalStatus == ApprovalRejected) && !r.Registrar {
		return &RegistrationDeniedError{ID: m.ID, Status: m.ApprovalStatus}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[m.ID] = m
	log.Info().
		Str("capability_id", m.ID).
		Str("provider", string(m.Provider.Kind)).
		Str("approval_status", string(m.ApprovalStatus)).
		Msg("capability manifest registered")
	if r.OnRegister != nil {
		r.OnRegister(m)
	}
	return nil
}

// Get returns a copy of the manifest registered under id.
func (r *Registry) Get(id string) (CapabilityManifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[id]
	if !ok {
		return CapabilityManifest{}, &CapabilityNotFoundError{ID: id}
	}
	return m, nil
}

// Has reports whether id is registered, without the NotFound error overhead.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.manifests[id]
	return ok
}

// List returns all manifests, ordered by id for stable iteration.
func (r *Registry) List() []CapabilityManifest {
	return r.ListWithQuery(Query{})
}

// ListWithQuery returns manifests matching q, ordered by id.
func (r *Registry) ListWithQuery(q Query) []CapabilityManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CapabilityManifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		if q.matches(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered manifests.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.manifests)
}
