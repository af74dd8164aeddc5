// Package monitor records sampled message lifecycle traces and
// per-route performance aggregates for the agentwire protocol.
//
// Every StartTrace call returns a usable trace id regardless of
// sampling, so callers never branch; only sampled calls persist a
// record and feed the aggregates. Updates to unknown trace ids are
// no-ops. Records expire after a retention window enforced by a
// periodic cleanup that is safe to run concurrently with trace writes.
package monitor

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
	"github.com/agentwire/agentwire-go/protocol"
)

// TraceStatus is a trace lifecycle state. Processed and failed are
// terminal.
type TraceStatus string

const (
	TraceSent      TraceStatus = "sent"
	TraceReceived  TraceStatus = "received"
	TraceProcessed TraceStatus = "processed"
	TraceFailed    TraceStatus = "failed"
)

// Trace is one message's recorded journey.
type Trace struct {
	TraceID   string
	MessageID string
	From      string
	To        string
	Route     protocol.RoutingStrategy
	Timestamp time.Time
	Status    TraceStatus
	Duration  time.Duration
	Error     string
	Metadata  map[string]interface{}
}

func (tr *Trace) terminal() bool {
	return tr.Status == TraceProcessed || tr.Status == TraceFailed
}

// Tracer samples and stores traces and derives aggregates.
type Tracer struct {
	mu        sync.RWMutex
	traces    map[string]*Trace
	byMessage map[string]string

	samplingRate float64
	retention    time.Duration
	logger       *slog.Logger

	routes  map[string]*routeStats
	global  globalStats
	done    chan struct{}
	stopped sync.Once
}

type routeStats struct {
	count         int64
	totalDuration time.Duration
	errors        int64
}

type globalStats struct {
	active       int64
	total        int64
	failed       int64
	statusCounts map[TraceStatus]int64
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithSamplingRate sets the fraction of StartTrace calls that persist
// a record, clamped to [0, 1].
func WithSamplingRate(rate float64) TracerOption {
	return func(t *Tracer) {
		if rate < 0 {
			rate = 0
		}
		if rate > 1 {
			rate = 1
		}
		t.samplingRate = rate
	}
}

// WithRetention sets how long finished traces are kept.
func WithRetention(d time.Duration) TracerOption {
	return func(t *Tracer) {
		t.retention = d
	}
}

// WithTracerLogger sets the logger.
func WithTracerLogger(logger *slog.Logger) TracerOption {
	return func(t *Tracer) {
		t.logger = logger
	}
}

// NewTracer creates a tracer sampling every call, retaining traces for
// an hour, with a background cleanup sweeping at a tenth of the
// retention window.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		traces:       make(map[string]*Trace),
		byMessage:    make(map[string]string),
		samplingRate: 1.0,
		retention:    time.Hour,
		logger:       slog.Default(),
		routes:       make(map[string]*routeStats),
		global:       globalStats{statusCounts: make(map[TraceStatus]int64)},
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.cleanupLoop()
	return t
}

// Close stops the background cleanup.
func (t *Tracer) Close() {
	t.stopped.Do(func() { close(t.done) })
}

// StartTrace begins tracking a message. It always returns a valid
// trace id; whether a record is persisted depends on a per-call coin
// flip against the sampling rate.
func (t *Tracer) StartTrace(env *contracts.Envelope, route protocol.Route) string {
	traceID := contracts.NewTraceID()
	if rand.Float64() >= t.samplingRate {
		return traceID
	}

	trace := &Trace{
		TraceID:   traceID,
		MessageID: env.ID,
		From:      env.From,
		To:        env.To,
		Route:     route.Strategy,
		Timestamp: time.Now().UTC(),
		Status:    TraceSent,
	}

	t.mu.Lock()
	t.traces[traceID] = trace
	t.byMessage[env.ID] = traceID
	t.global.active++
	t.global.total++
	t.global.statusCounts[TraceSent]++
	t.mu.Unlock()
	return traceID
}

// UpdateTrace advances a trace through sent → received →
// processed|failed. Updates on unknown trace ids are no-ops, as are
// updates on traces already terminal.
func (t *Tracer) UpdateTrace(traceID string, status TraceStatus, metadata map[string]interface{}, traceErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	trace, ok := t.traces[traceID]
	if !ok || trace.terminal() {
		return
	}

	t.global.statusCounts[status]++
	trace.Status = status
	if metadata != nil {
		if trace.Metadata == nil {
			trace.Metadata = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			trace.Metadata[k] = v
		}
	}
	if traceErr != nil {
		trace.Error = traceErr.Error()
	}

	if trace.terminal() {
		trace.Duration = time.Since(trace.Timestamp)
		t.global.active--
		if trace.Status == TraceFailed {
			t.global.failed++
		}
		stats := t.routes[routeKey(trace.From, trace.To)]
		if stats == nil {
			stats = &routeStats{}
			t.routes[routeKey(trace.From, trace.To)] = stats
		}
		stats.count++
		stats.totalDuration += trace.Duration
		if trace.Status == TraceFailed {
			stats.errors++
		}
	}
}

// GetTrace returns a trace by id.
func (t *Tracer) GetTrace(traceID string) (*Trace, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	trace, ok := t.traces[traceID]
	if !ok {
		return nil, false
	}
	copied := *trace
	return &copied, true
}

// GetTraceByMessage returns the trace recorded for a message id.
func (t *Tracer) GetTraceByMessage(messageID string) (*Trace, bool) {
	t.mu.RLock()
	traceID, ok := t.byMessage[messageID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return t.GetTrace(traceID)
}

// GetTracesByAgent returns every stored trace sent by or to an agent.
func (t *Tracer) GetTracesByAgent(agentID string) []Trace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Trace, 0)
	for _, trace := range t.traces {
		if trace.From == agentID || trace.To == agentID {
			out = append(out, *trace)
		}
	}
	return out
}

// FailedTraces returns every stored trace that ended failed.
func (t *Tracer) FailedTraces() []Trace {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Trace, 0)
	for _, trace := range t.traces {
		if trace.Status == TraceFailed {
			out = append(out, *trace)
		}
	}
	return out
}

// Cleanup removes traces older than the retention window and returns
// how many were dropped. It is idempotent and safe to run concurrently
// with trace writes.
func (t *Tracer) Cleanup() int {
	cutoff := time.Now().UTC().Add(-t.retention)
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for traceID, trace := range t.traces {
		if trace.Timestamp.Before(cutoff) {
			if !trace.terminal() {
				t.global.active--
			}
			delete(t.traces, traceID)
			delete(t.byMessage, trace.MessageID)
			removed++
		}
	}
	return removed
}

func (t *Tracer) cleanupLoop() {
	interval := t.retention / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if removed := t.Cleanup(); removed > 0 {
				t.logger.Debug("trace retention sweep", "removed", removed)
			}
		case <-t.done:
			return
		}
	}
}

func routeKey(from, to string) string {
	return from + "\x00" + to
}
