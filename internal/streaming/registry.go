// Package streaming implements the stream processor registry and SSE
// transport (§4.6): bounded per-stream queues with directive bypass and
// back-pressure, a dedicated async drain task per stream dispatching to a
// host-provided or built-in processor, and snapshot persistence enabling
// resume. Ingest only enqueues or applies a directive; it never invokes the
// processor itself, so a bounded queue genuinely backs up under load
// instead of draining inline on every call — draining runs on the task
// started by StartDrainLoop. Grounded on internal/mcpgw/gateway.go's
// Subscribe/Broadcast non-blocking fan-out (directive handling mirrors its
// "drop if subscriber is too slow" choice, generalized to an explicit
// Paused status instead of silent drop) and internal/router/router.go's
// RouteStream callback-delivery shape.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/ccos/control-plane/internal/schema"
	"github.com/agentoven/ccos/control-plane/internal/value"
)

// Status is a stream registration's lifecycle state.
type Status string

const (
	StatusActive    Status = "Active"
	StatusPaused    Status = "Paused"
	StatusCancelled Status = "Cancelled"
	StatusComplete  Status = "Complete"
	StatusStopped   Status = "Stopped"
)

// terminalStatuses halt further drain work and trigger snapshot removal.
var terminalStatuses = map[Status]bool{
	StatusCancelled: true,
	StatusComplete:  true,
	StatusStopped:   true,
}

// directiveActions are the chunk `action` keywords that bypass the queue
// and act directly on registration status.
const (
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionCancel   = "cancel"
	ActionComplete = "complete"
	ActionStop     = "stop"
)

// ProcessorInvoker is the host-provided (processor_fn, state, chunk,
// metadata) -> result_map hook. The built-in default processor
// (DefaultProcessor) is used when a registration has no ProcessorFn set.
type ProcessorInvoker func(processorFn string, state value.Value, chunk value.Value, metadata map[string]interface{}) (map[string]interface{}, error)

// BackpressureError is returned by Ingest when a registration's bounded
// queue is full; the registration transitions to Paused as a side effect.
type BackpressureError struct{ StreamID string }

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("streaming: stream %s queue full, backpressure applied", e.StreamID)
}

// Stats tracks the §3 data-model counters for one registration: how many
// chunks have been processed and how many are still queued, plus the most
// recent drain's latency and completion time. QueuedChunks is maintained on
// every queue mutation so it always equals len(queue).
type Stats struct {
	ProcessedChunks  int   `json:"processed_chunks"`
	QueuedChunks     int   `json:"queued_chunks"`
	LastLatencyMs    int64 `json:"last_latency_ms"`
	LastEventEpochMs int64 `json:"last_event_epoch_ms"`
}

// Registration is one active stream processor: its bounded inbound queue,
// accumulated state, and lifecycle status.
type Registration struct {
	StreamID     string
	ProcessorFn  string // empty selects DefaultProcessor
	CurrentState value.Value
	Status       Status
	ResultSchema *schema.TypeExpr
	Continuation map[string]interface{}
	Stats        Stats

	queueCap int
	queue    []value.Value
	draining bool
}

// Registry holds all active stream registrations, guarded for concurrent
// ingestion from the transport task and draining from the processor loop.
type Registry struct {
	mu       sync.Mutex
	regs     map[string]*Registration
	Invoker  ProcessorInvoker
	Snapshot *SnapshotStore // optional; nil disables persistence
}

// NewRegistry creates an empty registry. invoker may be nil to always use
// DefaultProcessor.
func NewRegistry(invoker ProcessorInvoker) *Registry {
	return &Registry{regs: make(map[string]*Registration), Invoker: invoker}
}

// DefaultQueueCapacity bounds a registration's inbound queue absent an
// explicit override.
const DefaultQueueCapacity = 64

// Register opens a new stream processor registration with a fresh queue and
// stats, persisting an initial snapshot if a SnapshotStore is configured.
func (r *Registry) Register(streamID, processorFn string, initialState value.Value, resultSchema *schema.TypeExpr, queueCap int) *Registration {
	if queueCap <= 0 {
		queueCap = DefaultQueueCapacity
	}
	reg := &Registration{
		StreamID:     streamID,
		ProcessorFn:  processorFn,
		CurrentState: initialState,
		Status:       StatusActive,
		ResultSchema: resultSchema,
		queueCap:     queueCap,
	}
	r.mu.Lock()
	r.regs[streamID] = reg
	r.mu.Unlock()

	r.persist(reg)
	return reg
}

// Get returns the registration for streamID, if any.
func (r *Registry) Get(streamID string) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[streamID]
	return reg, ok
}

// Ingest implements §4.6's ingestion rule: a chunk carrying an `action`
// keyword is a directive and bypasses the queue; otherwise it is enqueued,
// applying back-pressure (Paused + BackpressureError) if the queue is full.
// Ingest never invokes the processor itself — per §4.6/§5, draining is a
// blocking operation and runs on the dedicated async task started by
// StartDrainLoop, so a bounded queue actually backs up under load instead
// of draining inline on every call.
func (r *Registry) Ingest(streamID string, chunk value.Value, action string) error {
	r.mu.Lock()
	reg, ok := r.regs[streamID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("streaming: unknown stream %s", streamID)
	}

	if action != "" {
		r.applyDirectiveLocked(reg, action)
		r.mu.Unlock()
		r.persist(reg)
		return nil
	}

	if len(reg.queue) >= reg.queueCap {
		reg.Status = StatusPaused
		reg.Stats.QueuedChunks = len(reg.queue)
		r.mu.Unlock()
		r.persist(reg)
		return &BackpressureError{StreamID: streamID}
	}
	reg.queue = append(reg.queue, chunk)
	reg.Stats.QueuedChunks = len(reg.queue)
	r.mu.Unlock()

	return nil
}

func (r *Registry) applyDirectiveLocked(reg *Registration, action string) {
	switch action {
	case ActionPause:
		reg.Status = StatusPaused
	case ActionResume:
		if !terminalStatuses[reg.Status] {
			reg.Status = StatusActive
		}
	case ActionCancel:
		reg.Status = StatusCancelled
	case ActionComplete:
		reg.Status = StatusComplete
	case ActionStop:
		reg.Status = StatusStopped
	}
}

// drain repeatedly dequeues and processes chunks while the registration is
// Active, per §4.6's drain loop. It stops (without erroring) once the queue
// empties, the status leaves Active, or a terminal status is reached — at
// which point it removes the stream's snapshot. Callers (StartDrainLoop, or
// a test standing in for the async task) are responsible for invoking this;
// Ingest itself never calls it.
func (r *Registry) drain(streamID string) error {
	defer r.clearDraining(streamID)
	for {
		r.mu.Lock()
		reg, ok := r.regs[streamID]
		if !ok || reg.Status != StatusActive || len(reg.queue) == 0 {
			terminal := ok && terminalStatuses[reg.Status]
			r.mu.Unlock()
			if terminal {
				r.removeSnapshot(streamID)
			}
			return nil
		}
		chunk := reg.queue[0]
		reg.queue = reg.queue[1:]
		reg.Stats.QueuedChunks = len(reg.queue)
		processorFn := reg.ProcessorFn
		state := reg.CurrentState
		r.mu.Unlock()

		start := time.Now()
		result, err := r.invoke(processorFn, state, chunk)
		if err != nil {
			return fmt.Errorf("streaming: processor invocation for %s: %w", streamID, err)
		}

		r.mu.Lock()
		if reg, ok := r.regs[streamID]; ok {
			reg.Stats.ProcessedChunks++
			reg.Stats.LastLatencyMs = time.Since(start).Milliseconds()
			reg.Stats.LastEventEpochMs = time.Now().UnixMilli()
		}
		r.mu.Unlock()

		if err := r.applyResult(streamID, result); err != nil {
			return err
		}
	}
}

func (r *Registry) clearDraining(streamID string) {
	r.mu.Lock()
	if reg, ok := r.regs[streamID]; ok {
		reg.draining = false
	}
	r.mu.Unlock()
}

// StartDrainLoop is the dedicated async task §4.6/§5 describes: it ticks on
// interval (defaulting to 10ms) and drains streamID's queue whenever it is
// Active and non-empty, stopping once the registration reaches a terminal
// status or ctx is cancelled. Ingest only enqueues; this loop is what
// actually invokes the (potentially blocking) processor.
func (r *Registry) StartDrainLoop(ctx context.Context, streamID string, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			r.mu.Lock()
			reg, ok := r.regs[streamID]
			if !ok {
				r.mu.Unlock()
				return
			}
			if terminalStatuses[reg.Status] {
				r.mu.Unlock()
				return
			}
			if reg.draining {
				r.mu.Unlock()
				continue
			}
			reg.draining = true
			r.mu.Unlock()

			if err := r.drain(streamID); err != nil {
				log.Warn().Str("stream_id", streamID).Err(err).Msg("streaming: drain task failed")
			}
		}
	}()
}

func (r *Registry) invoke(processorFn string, state, chunk value.Value) (map[string]interface{}, error) {
	if processorFn == "" || r.Invoker == nil {
		return DefaultProcessor(state, chunk, nil)
	}
	return r.Invoker(processorFn, state, chunk, nil)
}

// applyResult inspects the processor's result map: :state replaces
// current_state, :action applies a directive, and :output (when present)
// must validate against the stream's result_schema.
func (r *Registry) applyResult(streamID string, result map[string]interface{}) error {
	r.mu.Lock()
	reg, ok := r.regs[streamID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	if rawState, ok := result["state"]; ok {
		if v, err := value.FromJSON(rawState); err == nil {
			reg.CurrentState = v
		}
	}

	if action, ok := result["action"].(string); ok && action != "" {
		r.applyDirectiveLocked(reg, action)
	}

	var outputErr error
	if rawOutput, ok := result["output"]; ok && reg.ResultSchema != nil {
		if v, err := value.FromJSON(rawOutput); err == nil {
			outputErr = reg.ResultSchema.Validate(v, schema.TrustCapabilityBoundary, schema.DefaultConfig())
		} else {
			outputErr = fmt.Errorf("streaming: output for %s cannot be converted for schema validation: %w", streamID, err)
		}
	}
	reg.Continuation = result
	terminal := terminalStatuses[reg.Status]
	r.mu.Unlock()

	r.persist(reg)
	if terminal {
		r.removeSnapshot(streamID)
	}
	return outputErr
}

func (r *Registry) persist(reg *Registration) {
	if r.Snapshot == nil {
		return
	}
	r.Snapshot.Save(Snapshot{
		StreamID:     reg.StreamID,
		ProcessorFn:  reg.ProcessorFn,
		CurrentState: reg.CurrentState,
		Status:       reg.Status,
		Continuation: reg.Continuation,
	})
}

func (r *Registry) removeSnapshot(streamID string) {
	if r.Snapshot == nil {
		return
	}
	r.Snapshot.Remove(streamID)
}

// DefaultProcessor is the built-in accumulator used when a registration has
// no ProcessorFn: it counts chunks and tracks the last chunk/metadata.
func DefaultProcessor(state value.Value, chunk value.Value, metadata map[string]interface{}) (map[string]interface{}, error) {
	count := 0.0
	var messages []interface{}
	if state.Kind == value.KindMap {
		if c, ok := state.Get(value.KeywordKey("count")); ok {
			count = c.Float
			if c.Kind == value.KindInt {
				count = float64(c.Int)
			}
		}
		if m, ok := state.Get(value.KeywordKey("messages")); ok {
			for _, item := range m.Vector {
				j, err := value.ToJSON(item)
				if err == nil {
					messages = append(messages, j)
				}
			}
		}
	}
	count++
	chunkJSON, _ := value.ToJSON(chunk)
	messages = append(messages, chunkJSON)

	return map[string]interface{}{
		"state": map[string]interface{}{
			"count":         count,
			"last_chunk":    chunkJSON,
			"last_metadata": metadata,
			"messages":      messages,
			"metadata":      metadata,
		},
	}, nil
}
