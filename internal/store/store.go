// Package store provides file-backed persistence for the CCOS control
// plane's shared-ownership records: capability manifests, approval
// requests, and causal-chain actions. Per the ownership model each
// subsystem keeps its own in-memory structure as the source of truth
// (marketplace.Registry, causalchain.Queue, causalchain.Chain); this
// package is the "external collaborator" those structures' OnRegister/
// OnCreate/OnDecision/OnAppend hooks call into so state survives a
// restart, not a competing store those subsystems read through.
package store

import (
	"context"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
	"github.com/agentoven/ccos/control-plane/internal/marketplace"
)

// ManifestStore persists capability manifests registered into the
// marketplace.
type ManifestStore interface {
	SaveManifest(ctx context.Context, m marketplace.CapabilityManifest) error
	LoadManifests(ctx context.Context) ([]marketplace.CapabilityManifest, error)
}

// ApprovalStore persists approval requests across their pending →
// approved/rejected lifecycle.
type ApprovalStore interface {
	SaveApproval(ctx context.Context, req causalchain.ApprovalRequest) error
	LoadApprovals(ctx context.Context) ([]causalchain.ApprovalRequest, error)
}

// ActionStore persists causal-chain actions, keyed by run.
type ActionStore interface {
	SaveAction(ctx context.Context, runID string, a causalchain.Action) error
	LoadActions(ctx context.Context, runID string) ([]causalchain.Action, error)
}

// Store is the full persistence surface backing the control plane.
type Store interface {
	ManifestStore
	ApprovalStore
	ActionStore

	// Close flushes any pending writes and releases resources.
	Close() error
}
