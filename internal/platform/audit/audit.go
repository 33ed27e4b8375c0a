// Package audit records who moved which workflow entity where. Entries are
// queued in memory and delivered to a Sink by a single background worker so
// request handlers never block on the audit trail.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinic/internal/platform/metrics"
)

// Entry is one audited state change.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	At        time.Time      `json:"at"`
	ActorID   string         `json:"actor_id"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Action    string         `json:"action"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Recorder accepts entries without blocking the caller.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Sink persists a single entry.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Discard drops every entry.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(context.Context, Entry) {}

const defaultBufferSize = 10_000

type AsyncRecorder struct {
	sink    Sink
	log     zerolog.Logger
	metrics *metrics.Collector
	entries chan Entry
	done    chan struct{}
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

func NewAsyncRecorder(sink Sink, log zerolog.Logger, m *metrics.Collector, bufferSize int) *AsyncRecorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	r := &AsyncRecorder{
		sink:    sink,
		log:     log.With().Str("component", "audit").Logger(),
		metrics: m,
		entries: make(chan Entry, bufferSize),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go r.worker()
	return r
}

// Record enqueues e. When the buffer is full, or the recorder has been shut
// down, the entry is dropped and counted.
func (r *AsyncRecorder) Record(ctx context.Context, e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(e, "audit recorder shut down, dropping entry")
		return
	}
	select {
	case r.entries <- e:
	default:
		r.drop(e, "audit buffer full, dropping entry")
	}
}

func (r *AsyncRecorder) drop(e Entry, msg string) {
	r.metrics.AuditDropped()
	r.log.Warn().
		Str("entity", e.Entity).
		Str("entity_id", e.EntityID).
		Str("action", e.Action).
		Msg(msg)
}

// Shutdown stops accepting entries and waits for the queue to drain.
func (r *AsyncRecorder) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.log.Warn().Msg("audit shutdown timed out; some entries may be lost")
	}
}

func (r *AsyncRecorder) worker() {
	defer close(r.done)
	for e := range r.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Write(ctx, e); err != nil {
			r.log.Error().Err(err).
				Str("entity", e.Entity).
				Str("entity_id", e.EntityID).
				Msg("failed to deliver audit entry")
		} else {
			r.metrics.AuditDelivered()
		}
		cancel()
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx so recorded entries can be correlated with requests.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
