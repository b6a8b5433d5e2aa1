package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/agentoven/ccos/control-plane/internal/causalchain"
)

func reqWithRunID(req *http.Request, runID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("runID", runID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func newTestHandlers() *Handlers {
	return New(nil, nil, nil, nil, causalchain.NewQueue(), nil, nil, nil, nil, nil)
}

func TestCreateRunForwardsTriggerFieldsAndSurfacesStatus(t *testing.T) {
	h := newTestHandlers()

	body, _ := json.Marshal(map[string]interface{}{
		"session_id":            "sess-1",
		"trigger_capability_id": "ccos.execute.python",
		"trigger_inputs":        map[string]interface{}{"code": "print(1)"},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	h.CreateRun(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp runResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(causalchain.RunScheduled) {
		t.Errorf("status = %q, want %q (never the literal \"unknown\")", resp.Status, causalchain.RunScheduled)
	}
	if resp.TriggerCapabilityID != "ccos.execute.python" {
		t.Errorf("trigger_capability_id not forwarded, got %q", resp.TriggerCapabilityID)
	}
	if resp.TriggerInputs["code"] != "print(1)" {
		t.Errorf("trigger_inputs.code not forwarded, got %v", resp.TriggerInputs)
	}
}

func TestCancelRunInvalidatesPendingApprovals(t *testing.T) {
	h := newTestHandlers()
	run := h.Runs.Create("sess-1", causalchain.Budget{})
	h.Runs.Start(run.ID)
	req := h.Approvals.Create(causalchain.ApprovalRequest{
		Category: causalchain.CategoryPackageApproval, SessionID: "sess-1", RunID: run.ID,
		Package: "mpmath", Language: "python",
	})

	if err := h.Runs.Cancel(run.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, ok := h.Approvals.Get(req.ID)
	if !ok || got.Status != causalchain.StatusCancelled {
		t.Fatalf("expected approval invalidated by run cancellation, got %+v", got)
	}
}

func TestCancelRunHandlerRejectsUnknownRun(t *testing.T) {
	h := newTestHandlers()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/nope/cancel", nil)
	req = reqWithRunID(req, "nope")
	w := httptest.NewRecorder()

	h.CancelRun(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for an unknown run", w.Code)
	}
}

func TestGetRunHandlerReturnsCreatedRun(t *testing.T) {
	h := newTestHandlers()
	run := h.Runs.Create("sess-1", causalchain.Budget{MaxSteps: 3})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	req = reqWithRunID(req, run.ID)
	w := httptest.NewRecorder()

	h.GetRun(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp runResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != run.ID || resp.MaxSteps != 3 {
		t.Errorf("unexpected response: %+v", resp)
	}
}
