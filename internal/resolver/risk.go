package resolver

import (
	"fmt"
	"strings"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
)

// sensitiveNamePatterns are capability-id substrings that on their own
// justify elevated risk regardless of history (§4.5 risk assessment).
var sensitiveNamePatterns = []string{"admin", "root", "payment", "auth", "database", "pii"}

// History summarizes a capability id's prior resolution attempts, feeding
// the risk-level escalation alongside name-pattern matching.
type History struct {
	Timeouts        int
	RepeatedFailures int
}

// AssessRisk derives a priority level and human-readable reasons from name
// patterns and attempt history. Name-pattern hits alone produce at least
// High; repeated timeouts/failures escalate further, topping out at
// Critical. Critical, and High unless explicitly bypassed, require human
// approval before the resulting manifest is registered.
func AssessRisk(capabilityID string, h History) causalchain.Risk {
	id := strings.ToLower(capabilityID)
	var reasons []string
	nameHit := false
	for _, p := range sensitiveNamePatterns {
		if strings.Contains(id, p) {
			reasons = append(reasons, fmt.Sprintf("capability id matches sensitive pattern %q", p))
			nameHit = true
		}
	}

	level := "Low"
	switch {
	case nameHit && (h.Timeouts > 0 || h.RepeatedFailures >= 2):
		level = "Critical"
	case nameHit:
		level = "High"
	case h.RepeatedFailures >= 3:
		level = "High"
	case h.Timeouts > 0 || h.RepeatedFailures > 0:
		level = "Medium"
	}

	if h.Timeouts > 0 {
		reasons = append(reasons, fmt.Sprintf("%d prior timeout(s)", h.Timeouts))
	}
	if h.RepeatedFailures > 0 {
		reasons = append(reasons, fmt.Sprintf("%d prior failed attempt(s)", h.RepeatedFailures))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "no elevated-risk indicators")
	}

	return causalchain.Risk{Level: level, Reasons: reasons}
}

// RequiresApproval reports whether level mandates human sign-off before
// registering a resolved manifest: always for Critical, and for High unless
// bypassHigh is set (an explicit operator policy escape hatch).
func RequiresApproval(level string, bypassHigh bool) bool {
	if level == "Critical" {
		return true
	}
	if level == "High" && !bypassHigh {
		return true
	}
	return false
}
