package streaming

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

func TestNextEventParsesDataFrame(t *testing.T) {
	r := bufio.NewScanner(strings.NewReader("event: message\ndata: {\"hello\":1}\n\n"))
	ev, ok := nextEvent(r)
	if !ok {
		t.Fatal("expected a parsed event")
	}
	if ev.Event != "message" || ev.Data != `{"hello":1}` {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestNextEventJoinsMultilineData(t *testing.T) {
	r := bufio.NewScanner(strings.NewReader("data: line1\ndata: line2\n\n"))
	ev, ok := nextEvent(r)
	if !ok {
		t.Fatal("expected a parsed event")
	}
	if ev.Data != "line1\nline2" {
		t.Errorf("expected joined multiline data, got %q", ev.Data)
	}
}

func TestNextEventReturnsFalseOnEOFWithNoData(t *testing.T) {
	r := bufio.NewScanner(strings.NewReader(""))
	if _, ok := nextEvent(r); ok {
		t.Fatal("expected no event from an empty stream")
	}
}

func TestConnectOnceDecodesChunksIntoRegistry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("expected Accept: text/event-stream header, got %q", req.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: \"chunk-a\"\n\n")
		fmt.Fprint(w, "data: \"chunk-b\"\n\n")
	}))
	defer srv.Close()

	r := NewRegistry(nil)
	r.Register("s1", "", value.Nil, nil, 8)
	transport := NewTransport(r)

	stopCh := make(chan struct{})
	err := transport.connectOnce(context.Background(), "s1", TransportConfig{Endpoint: srv.URL}, stopCh)
	if err != nil {
		t.Fatalf("connectOnce: %v", err)
	}
	if err := r.drain("s1"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	reg, _ := r.Get("s1")
	count, _ := reg.CurrentState.Get(value.KeywordKey("count"))
	if count.Float != 2 {
		t.Errorf("expected both chunks ingested, count=%v", count.Float)
	}
}

func TestDeliverEndpointEventFetchesOnceDeduped(t *testing.T) {
	var hits int
	var mu sync.Mutex
	followUp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		fmt.Fprint(w, `"follow-up-payload"`)
	}))
	defer followUp.Close()

	r := NewRegistry(nil)
	r.Register("s1", "", value.Nil, nil, 8)
	transport := NewTransport(r)

	transport.deliverEndpointFollowUp(context.Background(), "s1", followUp.URL)
	transport.deliverEndpointFollowUp(context.Background(), "s1", followUp.URL)

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("expected exactly one fetch for a deduplicated endpoint event, got %d", hits)
	}
}

func TestDeliverEndpointEventFetchFailureDeliversErrorChunk(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("s1", "", value.Nil, nil, 8)
	transport := NewTransport(r)

	// An unreachable URL should produce an error chunk, not a panic or a
	// silently dropped event.
	transport.deliverEndpointFollowUp(context.Background(), "s1", "http://127.0.0.1:0/unreachable")
	if err := r.drain("s1"); err != nil {
		t.Fatalf("drain: %v", err)
	}

	reg, _ := r.Get("s1")
	lastChunk, ok := reg.CurrentState.Get(value.KeywordKey("last_chunk"))
	if !ok {
		t.Fatal("expected DefaultProcessor to have recorded the error chunk")
	}
	_ = lastChunk
}

func TestRunExitsCleanlyOnStop(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("s1", "", value.Nil, nil, 8)
	transport := NewTransport(r)

	stopCh := make(chan struct{})
	close(stopCh)

	done := make(chan struct{})
	go func() {
		transport.Run(context.Background(), "s1", TransportConfig{Endpoint: "http://127.0.0.1:0/never"}, stopCh)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return promptly once stopCh is already closed")
	}
}
