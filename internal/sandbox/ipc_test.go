package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

func TestParseCallLine(t *testing.T) {
	id, raw, ok := parseCallLine(`CCOS_CALL::weather.get_forecast::{"city":"nyc"}`)
	if !ok {
		t.Fatal("expected a well-formed call line to parse")
	}
	if id != "weather.get_forecast" || raw != `{"city":"nyc"}` {
		t.Errorf("unexpected parse: id=%q raw=%q", id, raw)
	}

	if _, _, ok := parseCallLine("not a call line"); ok {
		t.Error("expected malformed line to fail to parse")
	}
}

func TestTagWithSessionRun(t *testing.T) {
	inputs := value.Map(map[value.MapKey]value.Value{
		value.KeywordKey("city"): value.String("nyc"),
	})
	tagged := tagWithSessionRun(inputs, "sess-1", "run-1")

	sessionVal, ok := tagged.Get(value.KeywordKey("session_id"))
	if !ok || sessionVal.Str != "sess-1" {
		t.Errorf("expected session_id to be injected, got %+v ok=%v", sessionVal, ok)
	}
	runVal, ok := tagged.Get(value.KeywordKey("run_id"))
	if !ok || runVal.Str != "run-1" {
		t.Errorf("expected run_id to be injected, got %+v ok=%v", runVal, ok)
	}
}

func TestHandleLineDispatchesAndEncodesResult(t *testing.T) {
	var gotCapabilityID string
	var gotInputs value.Value
	d := NewIPCDispatcher(func(ctx context.Context, capabilityID string, inputs value.Value) (value.Value, error) {
		gotCapabilityID = capabilityID
		gotInputs = inputs
		return value.String("ok"), nil
	}, "sess-1", "run-1")

	resp := d.handleLine(context.Background(), `CCOS_CALL::weather.get_forecast::{"city":"nyc"}`)

	if gotCapabilityID != "weather.get_forecast" {
		t.Errorf("unexpected capability id: %q", gotCapabilityID)
	}
	if sessionVal, ok := gotInputs.Get(value.KeywordKey("session_id")); !ok || sessionVal.Str != "sess-1" {
		t.Error("expected dispatched inputs to carry session_id")
	}
	if string(resp) != `"ok"` {
		t.Errorf("unexpected response: %s", resp)
	}
}

func TestHandleLineReportsDispatchError(t *testing.T) {
	d := NewIPCDispatcher(func(ctx context.Context, capabilityID string, inputs value.Value) (value.Value, error) {
		return value.Nil, errors.New("capability failed")
	}, "sess-1", "run-1")

	resp := d.handleLine(context.Background(), `CCOS_CALL::weather.get_forecast::{}`)
	if !strings.Contains(string(resp), "capability failed") {
		t.Errorf("expected error response to mention the failure, got %s", resp)
	}
}
