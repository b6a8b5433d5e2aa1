// Package schema implements the §4.8 boundary validator: TypeExpr validation
// of Value against a VerificationContext, on top of a compiled JSON Schema
// (github.com/santhosh-tekuri/jsonschema/v5), plus the JSON<->Value bridge
// (delegated to internal/value, which already preserves the int/float
// distinction that a naive encoding/json round trip would lose).
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

// TrustLevel is the source-trust tag a VerificationContext declares.
type TrustLevel int

const (
	TrustCompileTimeVerified TrustLevel = iota
	TrustLocal
	TrustExternalData
	TrustCapabilityBoundary
)

// Strictness controls how aggressively validation failures are treated.
type Strictness int

const (
	StrictnessLenient Strictness = iota
	StrictnessStrict
)

// TypeCheckingConfig decides whether validation runs at all for a given
// trust level, and how strict it is when it does.
type TypeCheckingConfig struct {
	SkipCompileTimeVerified bool
	EnforceBoundary         bool
	ValidateExternal        bool
	Strictness              Strictness
}

// DefaultConfig enforces validation at capability boundaries and on
// external data, skipping compile-time-verified values — the configuration
// every capability dispatch in internal/marketplace uses unless overridden.
func DefaultConfig() TypeCheckingConfig {
	return TypeCheckingConfig{
		SkipCompileTimeVerified: true,
		EnforceBoundary:         true,
		ValidateExternal:        true,
		Strictness:              StrictnessStrict,
	}
}

// ShouldValidate reports whether cfg requires validation at the given trust
// level.
func (cfg TypeCheckingConfig) ShouldValidate(trust TrustLevel) bool {
	switch trust {
	case TrustCompileTimeVerified:
		return !cfg.SkipCompileTimeVerified
	case TrustCapabilityBoundary:
		return cfg.EnforceBoundary
	case TrustExternalData:
		return cfg.ValidateExternal
	default:
		return true
	}
}

// TypeValidationError carries a stable message shape for every schema
// validation failure (§7's TypeValidationError / SchemaMismatch).
type TypeValidationError struct {
	Path   string
	Reason string
}

func (e *TypeValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("type validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("type validation failed at %s: %s", e.Path, e.Reason)
}

// TypeExpr is a compiled JSON Schema describing the accepted shape of a
// Value at some boundary (a capability's input_schema/output_schema).
type TypeExpr struct {
	schema *jsonschema.Schema
	raw    string
}

// Compile parses a JSON Schema document (as produced by a capability
// manifest's input_schema/output_schema field) into a TypeExpr.
func Compile(schemaJSON string) (*TypeExpr, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema: compile: %w", err)
	}
	return &TypeExpr{schema: compiled, raw: schemaJSON}, nil
}

// Raw returns the JSON Schema document this TypeExpr was compiled from.
func (t *TypeExpr) Raw() string {
	if t == nil {
		return ""
	}
	return t.raw
}

// MarshalJSON serializes a TypeExpr as its underlying JSON Schema document,
// so a manifest holding one round-trips through a persistence layer without
// the caller having to track raw schema text alongside the compiled form.
func (t *TypeExpr) MarshalJSON() ([]byte, error) {
	if t == nil || t.raw == "" {
		return []byte("null"), nil
	}
	return []byte(t.raw), nil
}

// UnmarshalJSON recompiles a TypeExpr from its JSON Schema document.
func (t *TypeExpr) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	compiled, err := Compile(string(raw))
	if err != nil {
		return err
	}
	*t = *compiled
	return nil
}

// Validate checks v (projected to its JSON form) against the TypeExpr,
// honoring cfg's trust-level gating. A nil TypeExpr always passes (no schema
// declared at this boundary).
func (t *TypeExpr) Validate(v value.Value, trust TrustLevel, cfg TypeCheckingConfig) error {
	if t == nil {
		return nil
	}
	if !cfg.ShouldValidate(trust) {
		return nil
	}

	j, err := value.ToJSON(v)
	if err != nil {
		return &TypeValidationError{Reason: fmt.Sprintf("cannot project value to JSON: %v", err)}
	}
	if err := t.schema.Validate(j); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return &TypeValidationError{Path: ve.InstanceLocation, Reason: ve.Message}
		}
		return &TypeValidationError{Reason: err.Error()}
	}
	return nil
}

// MarshalForTransport encodes v as JSON bytes for a transport hop (HTTP/MCP
// request bodies) using the int/float-preserving bridge.
func MarshalForTransport(v value.Value) ([]byte, error) {
	return value.Marshal(v)
}

// UnmarshalFromTransport decodes JSON bytes from a transport hop back into a
// Value.
func UnmarshalFromTransport(data []byte) (value.Value, error) {
	return value.Unmarshal(data)
}
