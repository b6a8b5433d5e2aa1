package resolver

import "strings"

// MCPServerCandidate is a server discovered from the MCP registry, scored
// against the requested capability id during §4.5 stage 5.
type MCPServerCandidate struct {
	Name        string
	URL         string
	Description string
	RepoURL     string
	Domain      string
}

// MCPToolCandidate is a tool enumerated from an introspected MCP server,
// scored during §4.5 stage 6.
type MCPToolCandidate struct {
	Name        string
	Description string
	InputSchema string // raw JSON schema, used to derive input-key hints
}

// demotedWords reduce a server's score (generic/over-broad naming);
// promotedWords raise it (purpose-built API/SDK naming).
var demotedWords = []string{"plugin", "extension", "specific", "custom"}
var promotedWords = []string{"api", "sdk", "client", "service", "provider"}

// ScoreServer implements §4.5 stage 5's server scoring: exact name match >
// description exact-phrase match > partial name match > description
// contains, with demotions/promotions from naming conventions and an
// "officialness" bonus when the requested id's leading segment appears in
// the server name or repo URL.
func ScoreServer(capabilityID string, c MCPServerCandidate) float64 {
	id := strings.ToLower(capabilityID)
	name := strings.ToLower(c.Name)
	desc := strings.ToLower(c.Description)
	segments := strings.Split(id, ".")
	lead := segments[0]

	var score float64
	switch {
	case name == id:
		score = 1.0
	case strings.Contains(desc, id):
		score = 0.7
	case strings.Contains(name, id) || strings.Contains(id, name):
		score = 0.5
	case strings.Contains(desc, lead):
		score = 0.3
	default:
		score = 0.0
	}

	for _, w := range demotedWords {
		if strings.Contains(name, w) {
			score -= 0.15
		}
	}
	for _, w := range promotedWords {
		if strings.Contains(name, w) {
			score += 0.1
		}
	}

	if strings.Contains(name, lead) || strings.Contains(strings.ToLower(c.RepoURL), lead) {
		score += 0.2
	}

	if score < 0 {
		score = 0
	}
	return score
}

// MinServerScore is the §4.5 stage 5 cutoff: servers scoring below this are
// dropped from consideration.
const MinServerScore = 0.3

// synonymGroups let last-segment equivalence recognize common verb aliases
// (get/list/fetch/retrieve are the same intent; create/add likewise).
var synonymGroups = [][]string{
	{"get", "list", "fetch", "retrieve"},
	{"create", "add", "new"},
	{"delete", "remove", "destroy"},
	{"update", "edit", "modify", "set"},
}

func synonymOf(a, b string) bool {
	if a == b {
		return true
	}
	for _, group := range synonymGroups {
		inA, inB := false, false
		for _, w := range group {
			if w == a {
				inA = true
			}
			if w == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	return false
}

func lastSegment(id string) string {
	segs := strings.Split(id, ".")
	return segs[len(segs)-1]
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == ' '
	})
	return fields
}

// TokenOverlap returns the Jaccard-style overlap ratio between two token
// sets: |intersection| / |union of a's tokens|, used both as a standalone
// heuristic-selection threshold and as an input to ScoreTool.
func TokenOverlap(a, b []string) float64 {
	if len(a) == 0 {
		return 0
	}
	bset := make(map[string]bool, len(b))
	for _, t := range b {
		bset[t] = true
	}
	hits := 0
	for _, t := range a {
		if bset[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(a))
}

// ScoreTool implements §4.5 stage 6's per-tool scoring: description match +
// token overlap + last-segment equivalence (with synonyms).
func ScoreTool(capabilityID string, t MCPToolCandidate) (score, overlap float64) {
	idTokens := tokenize(capabilityID)
	nameTokens := tokenize(t.Name)
	overlap = TokenOverlap(idTokens, nameTokens)

	score = overlap * 2.0

	if strings.Contains(strings.ToLower(t.Description), strings.ToLower(capabilityID)) {
		score += 1.5
	}

	a, b := tokenize(lastSegment(capabilityID)), tokenize(lastSegment(t.Name))
	equiv := len(a) == len(b)
	for i := 0; equiv && i < len(a); i++ {
		equiv = synonymOf(a[i], b[i])
	}
	if equiv {
		score += 1.0
	}

	return score, overlap
}

// HeuristicSelectThreshold / HeuristicOverlapThreshold gate stage 6's
// heuristic auto-selection: if the top tool clears either bar, no LLM
// tool-selector round trip is needed.
const (
	HeuristicSelectThreshold  = 3.0
	HeuristicOverlapThreshold = 0.75
)

// DomainKeywordFallback implements stage 6's last-resort selection when no
// LLM tool-selector is configured and no candidate clears the heuristic
// bar: pick the best candidate sharing non-verb domain tokens with the
// requested id, subject to a minimum score/overlap floor.
func DomainKeywordFallback(capabilityID string, candidates []MCPToolCandidate) (MCPToolCandidate, bool) {
	verbs := map[string]bool{}
	for _, g := range synonymGroups {
		for _, w := range g {
			verbs[w] = true
		}
	}
	idDomain := map[string]bool{}
	for _, t := range tokenize(capabilityID) {
		if !verbs[t] {
			idDomain[t] = true
		}
	}

	var best MCPToolCandidate
	bestShared := 0
	bestScore := 0.0
	found := false
	for _, c := range candidates {
		shared := 0
		for _, t := range tokenize(c.Name) {
			if idDomain[t] && !verbs[t] {
				shared++
			}
		}
		score, overlap := ScoreTool(capabilityID, c)
		if shared == 0 || (score < 1.0 && overlap < 0.3) {
			continue
		}
		if shared > bestShared || (shared == bestShared && score > bestScore) {
			best, bestShared, bestScore, found = c, shared, score, true
		}
	}
	return best, found
}
