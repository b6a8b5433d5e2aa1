package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

// CallDispatcher services one CCOS_CALL line's capability invocation,
// matching internal/marketplace.Dispatcher.Execute's shape so the IPC
// dispatcher can be wired directly to the marketplace dispatcher.
type CallDispatcher func(ctx context.Context, capabilityID string, inputs value.Value) (value.Value, error)

// callLinePrefix is the SDK module's wire format: CCOS_CALL::<capability_id>::<json_inputs>
const callLinePrefix = "CCOS_CALL::"

// IPCDispatcher services the FIFO pipe an in-sandbox SDK module writes
// CCOS_CALL lines to. Ordering is FIFO per sandbox process: the dispatcher
// awaits each call's result before reading the next line, so a sandboxed
// script issuing calls sequentially observes them resolved in order.
type IPCDispatcher struct {
	Dispatch  CallDispatcher
	SessionID string
	RunID     string
}

// NewIPCDispatcher creates a dispatcher that injects session_id/run_id into
// every call's inputs before invoking dispatch, per §4.4's tagging
// requirement.
func NewIPCDispatcher(dispatch CallDispatcher, sessionID, runID string) *IPCDispatcher {
	return &IPCDispatcher{Dispatch: dispatch, SessionID: sessionID, RunID: runID}
}

// MakeFIFOPair creates a request/response named-pipe pair under dir,
// returning their paths. The sandboxed process and the host dispatcher each
// open both ends.
func MakeFIFOPair(dir string) (requestPath, responsePath string, err error) {
	requestPath = dir + "/ccos_call.in"
	responsePath = dir + "/ccos_call.out"
	if err := syscall.Mkfifo(requestPath, 0o600); err != nil {
		return "", "", fmt.Errorf("sandbox: create request fifo: %w", err)
	}
	if err := syscall.Mkfifo(responsePath, 0o600); err != nil {
		return "", "", fmt.Errorf("sandbox: create response fifo: %w", err)
	}
	return requestPath, responsePath, nil
}

// Serve reads CCOS_CALL lines from requestPath one at a time, dispatches
// each, and writes the JSON result to responsePath before reading the next
// line — enforcing the FIFO-per-process, await-before-next-read ordering
// guarantee. Serve returns when requestPath hits EOF (the sandboxed process
// closed its write end) or ctx is cancelled.
func (d *IPCDispatcher) Serve(ctx context.Context, requestPath, responsePath string) error {
	in, err := os.Open(requestPath)
	if err != nil {
		return fmt.Errorf("sandbox: open request fifo: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(responsePath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("sandbox: open response fifo: %w", err)
	}
	defer out.Close()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Text()
		resp := d.handleLine(ctx, line)
		if _, err := out.Write(append(resp, '\n')); err != nil {
			return fmt.Errorf("sandbox: write response fifo: %w", err)
		}
	}
	return scanner.Err()
}

func (d *IPCDispatcher) handleLine(ctx context.Context, line string) []byte {
	capabilityID, rawInputs, ok := parseCallLine(line)
	if !ok {
		return errorResponse(fmt.Errorf("sandbox: malformed CCOS_CALL line"))
	}

	inputs, err := value.Unmarshal([]byte(rawInputs))
	if err != nil {
		return errorResponse(fmt.Errorf("sandbox: decode call inputs: %w", err))
	}
	inputs = tagWithSessionRun(inputs, d.SessionID, d.RunID)

	log.Debug().Str("capability_id", capabilityID).Msg("sandbox: dispatching CCOS_CALL")
	result, err := d.Dispatch(ctx, capabilityID, inputs)
	if err != nil {
		return errorResponse(err)
	}

	resultJSON, err := value.Marshal(result)
	if err != nil {
		return errorResponse(err)
	}
	return resultJSON
}

// parseCallLine splits "CCOS_CALL::<capability_id>::<json_inputs>" into its
// two payload parts.
func parseCallLine(line string) (capabilityID, rawInputs string, ok bool) {
	if !strings.HasPrefix(line, callLinePrefix) {
		return "", "", false
	}
	rest := line[len(callLinePrefix):]
	parts := strings.SplitN(rest, "::", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// tagWithSessionRun injects session_id/run_id into a map-shaped inputs
// value for audit attribution, leaving non-map inputs untouched.
func tagWithSessionRun(inputs value.Value, sessionID, runID string) value.Value {
	if inputs.Kind != value.KindMap {
		return inputs
	}
	withSession := inputs.WithEntry(value.KeywordKey("session_id"), value.String(sessionID))
	return withSession.WithEntry(value.KeywordKey("run_id"), value.String(runID))
}

type ipcErrorEnvelope struct {
	Error string `json:"error"`
}

func errorResponse(err error) []byte {
	data, marshalErr := json.Marshal(ipcErrorEnvelope{Error: err.Error()})
	if marshalErr != nil {
		return []byte(`{"error":"sandbox: failed to marshal error response"}`)
	}
	return data
}
