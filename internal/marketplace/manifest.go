// Package marketplace implements the capability manifest registry and
// execution dispatcher (§4.2). Grounded on internal/catalog/catalog.go's
// RWMutex-guarded map + Start/Stop/Refresh/Lookup shape, generalized from
// "model capability" to "capability manifest"; provider-kind dispatch is
// modeled on internal/router/router.go's callProvider switch and
// internal/mcpgw/gateway.go's executeTool transport dispatch.
package marketplace

import (
	"github.com/agentoven/ccos/control-plane/internal/schema"
)

// ProviderKind tags which CapabilityManifest.Provider variant is populated.
type ProviderKind string

const (
	ProviderLocal     ProviderKind = "local"
	ProviderNative    ProviderKind = "native"
	ProviderHTTP      ProviderKind = "http"
	ProviderMCP       ProviderKind = "mcp"
	ProviderStreaming ProviderKind = "streaming"
)

// EffectType classifies whether a capability is safe to run without host
// mediation.
type EffectType string

const (
	EffectPure             EffectType = "Pure"
	EffectPureProvisional  EffectType = "PureProvisional"
	EffectEffectful        EffectType = "Effectful"
)

// ApprovalStatus gates whether a manifest may be dispatched.
type ApprovalStatus string

const (
	ApprovalApproved     ApprovalStatus = "Approved"
	ApprovalAutoApproved ApprovalStatus = "AutoApproved"
	ApprovalPending      ApprovalStatus = "Pending"
	ApprovalRejected     ApprovalStatus = "Rejected"
)

// LocalProvider is a synchronous in-process handler: fn(Value) -> (Value, error).
// Must be pure or explicitly declare Effectful via the owning manifest's
// EffectType.
type LocalProvider struct {
	Handler func(interface{}) (interface{}, error)
}

// NativeProvider is an in-process handler with an associated security level,
// used for capabilities that touch host resources but don't cross a network
// boundary (e.g. filesystem helpers).
type NativeProvider struct {
	Handler      func(interface{}) (interface{}, error)
	SecurityLevel string
	Metadata      map[string]string
}

// HTTPProvider composes a URL, injects auth, and enforces a per-call
// timeout.
type HTTPProvider struct {
	BaseURL   string
	AuthToken string
	TimeoutMs int
}

// MCPProvider resolves via a known server+tool and applies a stored
// input_remap (key rename) before transport.
type MCPProvider struct {
	ServerURL       string
	ToolName        string
	TimeoutMs       int
	ProtocolVersion string
	InputRemap      map[string]string
}

// StreamingProvider marks a capability that returns a stream handle; see
// internal/streaming.
type StreamingProvider struct {
	Endpoint string
}

// Provider is the closed variant set over provider kinds. Exactly one
// pointer field is populated, selected by Kind — mirrors spec.md §9's
// direction to "represent providers as a variant enum ... avoid dyn trait
// objects where the variant set is closed."
type Provider struct {
	Kind      ProviderKind
	Local     *LocalProvider
	Native    *NativeProvider
	HTTP      *HTTPProvider
	MCP       *MCPProvider
	Streaming *StreamingProvider
}

// CapabilityManifest describes one registered capability: its provider,
// schemas, effects, and approval status.
type CapabilityManifest struct {
	ID          string
	Name        string
	Description string
	Version     string
	Provider    Provider

	InputSchema  *schema.TypeExpr
	OutputSchema *schema.TypeExpr

	Attestation string
	Provenance  string

	Permissions []string
	Effects     []string
	Metadata    map[string]string
	Domains     []string
	Categories  []string

	EffectType     EffectType
	ApprovalStatus ApprovalStatus
}

// Dispatchable reports whether the manifest may currently be invoked: a
// manifest in Pending or Rejected state must not be dispatched.
func (m CapabilityManifest) Dispatchable() bool {
	return m.ApprovalStatus == ApprovalApproved || m.ApprovalStatus == ApprovalAutoApproved
}
