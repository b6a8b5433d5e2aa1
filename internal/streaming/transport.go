package streaming

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/ccos/control-plane/internal/value"
)

// StreamHandle is returned to the capability caller that opened a stream:
// an id for later Ingest/Resume calls and a channel to request transport
// shutdown.
type StreamHandle struct {
	StreamID string
	StopCh   chan struct{}
}

// sseEvent is one decoded "event: .../data: ..." frame.
type sseEvent struct {
	Event string
	Data  string
}

// TransportConfig configures one SSE connection.
type TransportConfig struct {
	Endpoint     string
	AuthHeader   string // e.g. "Authorization"
	AuthValue    string // e.g. "Bearer <token>"
	RetryAttempts int
}

// Transport runs one SSE connection per stream: connects, decodes frames,
// and feeds the registry via Ingest. `event: endpoint` frames are resolved
// once per stream (deduplicated by URL) and their payload delivered as a
// follow-up chunk; fetch failures deliver an error chunk instead of killing
// the stream. Reconnects with exponential backoff (250ms initial, 5s cap)
// up to RetryAttempts, exiting cleanly when StopCh closes.
type Transport struct {
	Registry   *Registry
	HTTPClient *http.Client

	mu         sync.Mutex
	fetchedURL map[string]bool // per-stream endpoint-event dedup
}

// NewTransport creates a Transport delivering into registry.
func NewTransport(registry *Registry) *Transport {
	return &Transport{
		Registry:   registry,
		HTTPClient: &http.Client{Timeout: 0}, // SSE is long-lived; no blanket timeout
		fetchedURL: make(map[string]bool),
	}
}

// Backoff returns the §4.6 reconnect policy: 250ms initial, 5s cap,
// unlimited elapsed time (RetryAttempts is enforced by the caller's loop
// counter, not by the backoff policy's own retry limit).
func Backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Run drives the SSE connection for one stream until StopCh closes, the
// registration reaches a terminal status, or retry attempts are exhausted.
func (t *Transport) Run(ctx context.Context, streamID string, cfg TransportConfig, stopCh chan struct{}) {
	bo := Backoff()
	attempts := 0
	maxAttempts := cfg.RetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	for attempts < maxAttempts {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := t.connectOnce(ctx, streamID, cfg, stopCh)
		if err == nil {
			return // clean EOF / stop
		}

		attempts++
		delay := bo.NextBackOff()
		log.Warn().Str("stream_id", streamID).Err(err).Dur("retry_in", delay).Int("attempt", attempts).Msg("streaming: SSE connection failed, retrying")

		select {
		case <-time.After(delay):
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
	log.Error().Str("stream_id", streamID).Msg("streaming: exhausted retry attempts")
}

func (t *Transport) connectOnce(ctx context.Context, streamID string, cfg TransportConfig, stopCh chan struct{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("streaming: build SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if cfg.AuthHeader != "" && cfg.AuthValue != "" {
		req.Header.Set(cfg.AuthHeader, cfg.AuthValue)
	}

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("streaming: SSE connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("streaming: SSE endpoint returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for {
		select {
		case <-stopCh:
			return nil
		default:
		}

		event, ok := nextEvent(scanner)
		if !ok {
			return scanner.Err() // nil on clean EOF
		}

		t.deliver(ctx, streamID, event)
	}
}

// nextEvent accumulates "event:"/"data:" lines up to a blank-line frame
// boundary, the standard SSE framing.
func nextEvent(scanner *bufio.Scanner) (sseEvent, bool) {
	var ev sseEvent
	var dataLines []string
	sawAny := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if sawAny {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, true
			}
			continue
		}
		sawAny = true
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if sawAny {
		ev.Data = strings.Join(dataLines, "\n")
		return ev, true
	}
	return sseEvent{}, false
}

func (t *Transport) deliver(ctx context.Context, streamID string, ev sseEvent) {
	if ev.Event == "endpoint" {
		t.deliverEndpointFollowUp(ctx, streamID, ev.Data)
		return
	}

	v, err := value.Unmarshal([]byte(ev.Data))
	if err != nil {
		v = value.String(ev.Data)
	}
	if ingErr := t.Registry.Ingest(streamID, v, ""); ingErr != nil {
		log.Warn().Str("stream_id", streamID).Err(ingErr).Msg("streaming: ingest failed")
	}
}

// deliverEndpointFollowUp fetches the URL named by an `event: endpoint`
// frame exactly once per stream (deduplicated by URL) and delivers its
// payload as a follow-up chunk; a fetch failure delivers an error chunk
// rather than killing the stream.
func (t *Transport) deliverEndpointFollowUp(ctx context.Context, streamID, url string) {
	t.mu.Lock()
	key := streamID + "|" + url
	if t.fetchedURL[key] {
		t.mu.Unlock()
		return
	}
	t.fetchedURL[key] = true
	t.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.ingestError(streamID, fmt.Errorf("streaming: build endpoint-followup request: %w", err))
		return
	}
	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		t.ingestError(streamID, fmt.Errorf("streaming: fetch endpoint followup: %w", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.ingestError(streamID, fmt.Errorf("streaming: read endpoint followup: %w", err))
		return
	}
	if resp.StatusCode >= 400 {
		t.ingestError(streamID, fmt.Errorf("streaming: endpoint followup status %d", resp.StatusCode))
		return
	}

	v, err := value.Unmarshal(body)
	if err != nil {
		v = value.String(string(body))
	}
	if ingErr := t.Registry.Ingest(streamID, v, ""); ingErr != nil {
		log.Warn().Str("stream_id", streamID).Err(ingErr).Msg("streaming: ingest failed for endpoint followup")
	}
}

func (t *Transport) ingestError(streamID string, err error) {
	errVal := value.Map(map[value.MapKey]value.Value{
		value.KeywordKey("error"): value.String(err.Error()),
	})
	if ingErr := t.Registry.Ingest(streamID, errVal, ""); ingErr != nil {
		log.Warn().Str("stream_id", streamID).Err(ingErr).Msg("streaming: failed to deliver error chunk")
	}
}
