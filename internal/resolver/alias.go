package resolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// AliasEntry is a disk-backed alias-cache record: a previously successful
// MCP-server/tool resolution for a capability-id pattern, rematerialized on
// a later exact match without repeating discovery.
type AliasEntry struct {
	ServerName string            `json:"server_name" yaml:"server_name"`
	ServerURL  string            `json:"server_url" yaml:"server_url"`
	ToolName   string            `json:"tool_name" yaml:"tool_name"`
	InputRemap map[string]string `json:"input_remap,omitempty" yaml:"input_remap,omitempty"`
}

// InvalidWildcardPatternError is returned when a pattern carries more than
// one `*`, per §9 Open Question #3's resolved grammar (exactly one wildcard
// per pattern: prefix, suffix, or middle-contains).
type InvalidWildcardPatternError struct{ Pattern string }

func (e *InvalidWildcardPatternError) Error() string {
	return fmt.Sprintf("resolver: pattern %q has more than one wildcard; exactly one `*` is allowed", e.Pattern)
}

// MatchesWildcard reports whether id matches pattern under the single-`*`
// grammar: no `*` means an exact match; `prefix*` matches any id with that
// prefix; `*suffix` matches any id with that suffix; `pre*post` matches ids
// both prefixed and suffixed accordingly (middle-contains).
func MatchesWildcard(pattern, id string) (bool, error) {
	idx := strings.Index(pattern, "*")
	if idx == -1 {
		return pattern == id, nil
	}
	if strings.Count(pattern, "*") > 1 {
		return false, &InvalidWildcardPatternError{Pattern: pattern}
	}
	prefix, suffix := pattern[:idx], pattern[idx+1:]
	return strings.HasPrefix(id, prefix) && strings.HasSuffix(id, suffix) && len(id) >= len(prefix)+len(suffix), nil
}

// AliasStore is a mutex-guarded, disk-persisted pattern -> AliasEntry map.
// Persistence uses the write-temp-then-rename pattern (matching
// internal/store/memory.go's saveSnapshot) for atomicity; writes are
// synchronous since aliases change rarely compared to request volume.
type AliasStore struct {
	mu      sync.RWMutex
	path    string // empty disables persistence
	entries map[string]AliasEntry
}

// NewAliasStore creates an AliasStore backed by path (a JSON file); pass ""
// to keep aliases in memory only (used in tests).
func NewAliasStore(path string) *AliasStore {
	s := &AliasStore{path: path, entries: make(map[string]AliasEntry)}
	if path != "" {
		s.load()
	}
	return s
}

func (s *AliasStore) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var entries map[string]AliasEntry
	if json.Unmarshal(data, &entries) == nil {
		s.entries = entries
	}
}

func (s *AliasStore) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Put stores (or replaces) the alias for pattern and persists.
func (s *AliasStore) Put(pattern string, entry AliasEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[pattern] = entry
	return s.save()
}

// Evict removes a stale alias (its MCP tool has disappeared) and persists.
func (s *AliasStore) Evict(pattern string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, pattern)
	return s.save()
}

// Lookup finds the first pattern whose wildcard grammar matches id,
// returning its entry and the pattern matched. Patterns are evaluated in
// insertion-independent, but deterministic, sorted order so lookups are
// reproducible across runs.
func (s *AliasStore) Lookup(id string) (AliasEntry, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patterns := make([]string, 0, len(s.entries))
	for p := range s.entries {
		patterns = append(patterns, p)
	}
	sortStrings(patterns)

	for _, p := range patterns {
		ok, err := MatchesWildcard(p, id)
		if err != nil || !ok {
			continue
		}
		return s.entries[p], p, true
	}
	return AliasEntry{}, "", false
}

func sortStrings(ss []string) {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
}

// CuratedOverride is one operator-curated MCP server hint loaded from
// overrides.json/.yaml: a wildcard id pattern mapped to a trusted server,
// auto-approved regardless of the ServerSelectionHandler's domain-trust gate
// (§4.5 stage 5).
type CuratedOverride struct {
	Pattern      string `yaml:"pattern"`
	ServerName   string `yaml:"server_name"`
	ServerURL    string `yaml:"server_url"`
	AutoApproved bool   `yaml:"auto_approved"`
}

// LoadOverrides reads a YAML overrides file (operator-curated server hints)
// and validates every pattern's wildcard grammar up front, per §9 Open
// Question #3: multi-`*` patterns are rejected at load time rather than
// silently misinterpreted at match time.
func LoadOverrides(path string) ([]CuratedOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var overrides []CuratedOverride
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("resolver: parse overrides file: %w", err)
	}
	for _, o := range overrides {
		if strings.Count(o.Pattern, "*") > 1 {
			return nil, &InvalidWildcardPatternError{Pattern: o.Pattern}
		}
	}
	return overrides, nil
}

// MatchOverride returns the first curated override whose pattern matches id.
func MatchOverride(overrides []CuratedOverride, id string) (CuratedOverride, bool) {
	for _, o := range overrides {
		if ok, err := MatchesWildcard(o.Pattern, id); err == nil && ok {
			return o, true
		}
	}
	return CuratedOverride{}, false
}
