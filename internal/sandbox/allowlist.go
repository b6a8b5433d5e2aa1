// Package sandbox implements the isolated process executor (§4.4): bwrap
// process launch, dependency allowlist/approval gating, and the FIFO SDK IPC
// dispatcher used in interactive mode. Grounded on internal/process/manager.go
// and internal/process/docker.go's exec.CommandContext launch/capture
// pattern, adapted from container orchestration to bubblewrap invocation;
// the dependency-approval gate is modeled on internal/workflow/engine.go's
// gate-key scoping (runID:stepName generalized to a package/session/run key).
package sandbox

import (
	"sync"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
)

// DependencyRequiresApprovalError carries the approval id a caller must wait
// on (or point an operator at) before retrying with the package included.
type DependencyRequiresApprovalError struct {
	Language   string
	Package    string
	ApprovalID string
}

func (e *DependencyRequiresApprovalError) Error() string {
	return "sandbox: dependency " + e.Language + ":" + e.Package + " requires approval: Package '" + e.Package + "' requires approval. Approval ID: " + e.ApprovalID
}

// Allowlist tracks packages cleared to install inside a sandbox, at three
// scopes: global (cleared for every session/run), session, and run. A
// package is effectively allowed if it appears at any of the three scopes
// applicable to the current call.
type Allowlist struct {
	mu      sync.RWMutex
	global  map[string]bool            // "language:package"
	session map[string]map[string]bool // sessionID -> "language:package"
	run     map[string]map[string]bool // runID -> "language:package"
}

// NewAllowlist creates an empty allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{
		global:  make(map[string]bool),
		session: make(map[string]map[string]bool),
		run:     make(map[string]map[string]bool),
	}
}

func depKey(language, pkg string) string {
	return language + ":" + pkg
}

// AllowGlobal clears a package for every session and run.
func (a *Allowlist) AllowGlobal(language, pkg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.global[depKey(language, pkg)] = true
}

// AllowForSession clears a package for one session only.
func (a *Allowlist) AllowForSession(sessionID, language, pkg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session[sessionID] == nil {
		a.session[sessionID] = make(map[string]bool)
	}
	a.session[sessionID][depKey(language, pkg)] = true
}

// AllowForRun clears a package for one run only.
func (a *Allowlist) AllowForRun(runID, language, pkg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run[runID] == nil {
		a.run[runID] = make(map[string]bool)
	}
	a.run[runID][depKey(language, pkg)] = true
}

// Allowed reports whether language:pkg is cleared at global, session, or run
// scope.
func (a *Allowlist) Allowed(sessionID, runID, language, pkg string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	key := depKey(language, pkg)
	if a.global[key] {
		return true
	}
	if a.session[sessionID] != nil && a.session[sessionID][key] {
		return true
	}
	if a.run[runID] != nil && a.run[runID][key] {
		return true
	}
	return false
}

// DependencyGate resolves requested dependencies against the allowlist,
// falling back to the approval queue and finally to creating a new
// PackageApproval request — the §4.4 "consult allowlist, then approval
// queue, then request approval" chain.
type DependencyGate struct {
	Allowlist *Allowlist
	Approvals *causalchain.Queue
}

// NewDependencyGate creates a gate backed by allowlist and the shared
// approval queue.
func NewDependencyGate(allowlist *Allowlist, approvals *causalchain.Queue) *DependencyGate {
	return &DependencyGate{Allowlist: allowlist, Approvals: approvals}
}

// Resolve checks each of dependencies in turn. Packages already allowed (or
// covered by an approved, unexpired PackageApproval scoped to this
// session/run/global) are returned in effective. The first package with
// neither gets a new pending PackageApproval request created and is
// reported via DependencyRequiresApprovalError — the caller's execute call
// fails fast rather than silently dropping a requested dependency.
func (g *DependencyGate) Resolve(sessionID, runID, language string, dependencies []string) (effective []string, err error) {
	now := time.Now()
	for _, pkg := range dependencies {
		if g.Allowlist.Allowed(sessionID, runID, language, pkg) {
			effective = append(effective, pkg)
			continue
		}
		if approved, ok := findApprovedPackage(g.Approvals, sessionID, runID, language, pkg, now); ok {
			_ = approved
			g.Allowlist.AllowForRun(runID, language, pkg)
			effective = append(effective, pkg)
			continue
		}
		req := g.Approvals.Create(causalchain.ApprovalRequest{
			Category:  causalchain.CategoryPackageApproval,
			SessionID: sessionID,
			RunID:     runID,
			Package:   pkg,
			Language:  language,
			Risk:      causalchain.Risk{Level: "Medium", Reasons: []string{"undeclared sandbox dependency"}},
		})
		return nil, &DependencyRequiresApprovalError{Language: language, Package: pkg, ApprovalID: req.ID}
	}
	return effective, nil
}

// findApprovedPackage scans approved PackageApproval requests for one
// matching language/pkg and the session/run/global scope, unexpired as of
// now. causalchain.Queue.FindApproved matches on category+scope only, so
// package identity is filtered here.
func findApprovedPackage(approvals *causalchain.Queue, sessionID, runID, language, pkg string, now time.Time) (causalchain.ApprovalRequest, bool) {
	for _, rec := range approvals.List(causalchain.StatusApproved) {
		if rec.Category != causalchain.CategoryPackageApproval {
			continue
		}
		if rec.Package != pkg || rec.Language != language {
			continue
		}
		if !rec.MatchesScope(sessionID, runID) {
			continue
		}
		if rec.IsExpired(now) {
			continue
		}
		return rec, true
	}
	return causalchain.ApprovalRequest{}, false
}
