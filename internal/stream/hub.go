package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ahrav/promptlab/internal/observability"
)

// Listener receives events. It is called synchronously on the publisher's
// goroutine and must not block.
type Listener func(Event)

type subscription struct {
	id       uint64
	listener Listener
	active   atomic.Bool
}

// topic is the per-job state. publishMu serializes delivery so every
// subscriber observes events in publish order; mu guards subs and seq so
// listeners may unsubscribe from inside a delivery.
type topic struct {
	publishMu sync.Mutex
	mu        sync.Mutex
	seq       uint64
	subs      []*subscription
}

// Hub is an in-process publish/subscribe fan-out keyed by job id.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topic
	nextID atomic.Uint64
	now    func() time.Time

	listeners atomic.Int64

	logger    *slog.Logger
	metrics   observability.Metrics
	forwarder Forwarder
}

// Forwarder receives every stamped event after local delivery, in publish
// order per job. It must not block.
type Forwarder interface {
	Forward(Event)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger.
func WithHubLogger(l *slog.Logger) HubOption { return func(h *Hub) { h.logger = l } }

// WithHubMetrics sets the metrics collector.
func WithHubMetrics(m observability.Metrics) HubOption { return func(h *Hub) { h.metrics = m } }

// WithForwarder sends every published event to f as well.
func WithForwarder(f Forwarder) HubOption { return func(h *Hub) { h.forwarder = f } }

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		topics:  make(map[string]*topic),
		now:     time.Now,
		logger:  slog.Default().With("component", "stream_hub"),
		metrics: observability.NewNoOpMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) topic(jobID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topicLocked(jobID)
}

// topicLocked returns jobID's topic, creating it. h.mu must be held.
func (h *Hub) topicLocked(jobID string) *topic {
	t, ok := h.topics[jobID]
	if !ok {
		t = &topic{}
		h.topics[jobID] = t
	}
	return t
}

// Subscribe registers listener for jobID's future events; there is no
// replay. The returned function removes exactly this subscription and is
// safe to call more than once.
func (h *Hub) Subscribe(jobID string, listener Listener) (unsubscribe func()) {
	sub := &subscription{id: h.nextID.Add(1), listener: listener}
	sub.active.Store(true)

	// The append happens under h.mu so Forget cannot drop the topic between
	// lookup and registration.
	h.mu.Lock()
	t := h.topicLocked(jobID)
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	h.mu.Unlock()
	h.metrics.SetGauge(observability.MetricStreamListeners, nil, float64(h.listeners.Add(1)))

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.active.Store(false)
			t.mu.Lock()
			for i, s := range t.subs {
				if s.id == sub.id {
					t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
					break
				}
			}
			t.mu.Unlock()
			h.metrics.SetGauge(observability.MetricStreamListeners, nil, float64(h.listeners.Add(-1)))
		})
	}
}

// Listeners returns the number of live subscriptions across all jobs.
func (h *Hub) Listeners() int { return int(h.listeners.Load()) }

// Publish stamps e with jobID and the next sequence number and delivers it
// to every subscriber registered at publish time. The stamped event is
// returned.
func (h *Hub) Publish(jobID string, e Event) Event {
	t := h.topic(jobID)

	t.publishMu.Lock()
	defer t.publishMu.Unlock()

	t.mu.Lock()
	t.seq++
	stamped := e.stamp(Header{JobID: jobID, Seq: t.seq, Timestamp: h.now()})
	subs := append([]*subscription(nil), t.subs...)
	t.mu.Unlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		h.deliver(sub, stamped)
	}
	if h.forwarder != nil {
		h.forwarder.Forward(stamped)
	}
	return stamped
}

func (h *Hub) deliver(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("stream listener panicked",
				"job_id", e.Meta().JobID, "kind", e.Kind(), "panic", r)
		}
	}()
	sub.listener(e)
}

// SubscriberCount returns the number of live subscriptions for jobID.
func (h *Hub) SubscriberCount(jobID string) int {
	h.mu.Lock()
	t, ok := h.topics[jobID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Forget drops jobID's state once it has no subscribers. Later events for the
// job start a new sequence.
func (h *Hub) Forget(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[jobID]
	if !ok {
		return
	}
	t.mu.Lock()
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(h.topics, jobID)
	}
}
