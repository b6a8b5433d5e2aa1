package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/ccos/control-plane/internal/schema"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

// CapabilityError is returned by the HTTP provider for 4xx/5xx responses.
type CapabilityError struct {
	Status int
	Body   string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability call failed: status=%d body=%s", e.Status, e.Body)
}

// CapabilityTimeoutError distinguishes a timed-out dispatch from a generic
// handler failure (§7).
type CapabilityTimeoutError struct {
	CapabilityID string
}

func (e *CapabilityTimeoutError) Error() string {
	return fmt.Sprintf("capability %s timed out", e.CapabilityID)
}

// Dispatcher executes registered capabilities by provider variant,
// validating inputs/outputs against declared schemas at the boundary.
type Dispatcher struct {
	Registry   *Registry
	HTTPClient *http.Client
	// StreamOpener services Streaming-provider dispatches; see
	// internal/streaming, which implements this as adapting its own
	// registration API. Left nil in configurations with no streaming
	// support wired in.
	StreamOpener func(ctx context.Context, m CapabilityManifest, inputs value.Value) (value.Value, error)
}

// NewDispatcher creates a Dispatcher bound to registry, with a default
// HTTP client timeout matching the teacher's workflow engine client (120s),
// overridden per-call by the provider's TimeoutMs when set.
func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{
		Registry:   registry,
		HTTPClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Execute resolves the manifest, validates inputs, dispatches by provider
// kind, and validates the result — the single public entry point for
// execute_capability.
func (d *Dispatcher) Execute(ctx context.Context, id string, inputs value.Value) (value.Value, error) {
	m, err := d.Registry.Get(id)
	if err != nil {
		return value.Nil, err
	}
	if !m.Dispatchable() {
		return value.Nil, &RegistrationDeniedError{ID: id, Status: m.ApprovalStatus}
	}

	if m.InputSchema != nil {
		if err := m.InputSchema.Validate(inputs, schema.TrustExternalData, schema.DefaultConfig()); err != nil {
			return value.Nil, err
		}
	}

	result, err := d.dispatch(ctx, m, inputs)
	if err != nil {
		return value.Nil, err
	}

	if m.OutputSchema != nil {
		if err := m.OutputSchema.Validate(result, schema.TrustCapabilityBoundary, schema.DefaultConfig()); err != nil {
			// Output rejection: the call fails and no audit success event
			// is emitted — callers observe this as a plain error return and
			// must not record a success action.
			return value.Nil, err
		}
	}

	log.Debug().Str("capability_id", id).Msg("capability dispatched")
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, m CapabilityManifest, inputs value.Value) (value.Value, error) {
	switch m.Provider.Kind {
	case ProviderLocal:
		return dispatchFunc(m.Provider.Local.Handler, inputs)
	case ProviderNative:
		return dispatchFunc(m.Provider.Native.Handler, inputs)
	case ProviderHTTP:
		return d.dispatchHTTP(ctx, m, inputs)
	case ProviderMCP:
		return d.dispatchMCP(ctx, m, inputs)
	case ProviderStreaming:
		if d.StreamOpener == nil {
			return value.Nil, fmt.Errorf("marketplace: no stream opener configured for %s", m.ID)
		}
		return d.StreamOpener(ctx, m, inputs)
	default:
		return value.Nil, fmt.Errorf("marketplace: unknown provider kind %q for %s", m.Provider.Kind, m.ID)
	}
}

// dispatchFunc adapts a Local/Native Go handler (which speaks in terms of
// interface{} so handlers don't need to import internal/value) into the
// Value-typed dispatch path via the JSON bridge.
func dispatchFunc(handler func(interface{}) (interface{}, error), inputs value.Value) (value.Value, error) {
	if handler == nil {
		return value.Nil, fmt.Errorf("marketplace: nil handler")
	}
	j, err := value.ToJSON(inputs)
	if err != nil {
		return value.Nil, err
	}
	out, err := handler(j)
	if err != nil {
		return value.Nil, err
	}
	// Handlers return plain Go values (map[string]interface{}, int, etc.),
	// not necessarily the json.Number-normalized shape FromJSON expects;
	// round-trip through encoding/json so numeric types are uniform before
	// the int/float-preserving conversion.
	encoded, err := json.Marshal(out)
	if err != nil {
		return value.Nil, err
	}
	return value.Unmarshal(encoded)
}

func (d *Dispatcher) dispatchHTTP(ctx context.Context, m CapabilityManifest, inputs value.Value) (value.Value, error) {
	p := m.Provider.HTTP
	body, err := value.Marshal(inputs)
	if err != nil {
		return value.Nil, err
	}

	callCtx := ctx
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.BaseURL, bytes.NewReader(body))
	if err != nil {
		return value.Nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.AuthToken)
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return value.Nil, &CapabilityTimeoutError{CapabilityID: m.ID}
		}
		return value.Nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return value.Nil, err
	}
	if resp.StatusCode >= 400 {
		return value.Nil, &CapabilityError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return value.Unmarshal(respBody)
}

// mcpRequest is the JSON-RPC 2.0 envelope used against an MCP server's
// tools/call method, matching internal/mcpgw/gateway.go's wire shape.
type mcpRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type mcpResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcpError       `json:"error,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (d *Dispatcher) dispatchMCP(ctx context.Context, m CapabilityManifest, inputs value.Value) (value.Value, error) {
	p := m.Provider.MCP

	remapped := applyInputRemap(inputs, p.InputRemap)
	argsJSON, err := value.ToJSON(remapped)
	if err != nil {
		return value.Nil, err
	}
	params := map[string]interface{}{
		"name":      p.ToolName,
		"arguments": argsJSON,
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return value.Nil, err
	}

	reqBody, err := json.Marshal(mcpRequest{Jsonrpc: "2.0", ID: 1, Method: "tools/call", Params: paramsJSON})
	if err != nil {
		return value.Nil, err
	}

	callCtx := ctx
	if p.TimeoutMs > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(p.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.ServerURL, bytes.NewReader(reqBody))
	if err != nil {
		return value.Nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return value.Nil, &CapabilityTimeoutError{CapabilityID: m.ID}
		}
		return value.Nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return value.Nil, err
	}
	if resp.StatusCode >= 400 {
		return value.Nil, &CapabilityError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var rpcResp mcpResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return value.Nil, fmt.Errorf("marketplace: decode MCP response: %w", err)
	}
	if rpcResp.Error != nil {
		return value.Nil, fmt.Errorf("marketplace: MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return value.Unmarshal(rpcResp.Result)
}

// applyInputRemap renames top-level string/keyword keys on inputs per the
// manifest's stored input_remap before the call goes over the wire.
func applyInputRemap(inputs value.Value, remap map[string]string) value.Value {
	if len(remap) == 0 || inputs.Kind != value.KindMap {
		return inputs
	}
	out := make(map[value.MapKey]value.Value, len(inputs.Map))
	for k, v := range inputs.Map {
		newName, ok := remap[k.Str]
		if !ok {
			out[k] = v
			continue
		}
		nk := k
		nk.Str = newName
		out[nk] = v
	}
	return value.Map(out)
}
