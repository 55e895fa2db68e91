// Package connpool shares one hub subscription per job between any number
// of stream readers.
package connpool

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ahrav/promptlab/internal/observability"
	"github.com/ahrav/promptlab/internal/stream"
)

// DefaultBufferSize is the per-reader event buffer.
const DefaultBufferSize = 64

// Conn is a shared subscription to one job's events. Every reader gets its
// own buffered channel from Listen. A reader whose buffer is full loses
// intermediate events but always receives the done event.
type Conn struct {
	jobID      string
	bufferSize int
	logger     *slog.Logger

	mu          sync.Mutex
	closed      bool
	refs        int
	nextReader  uint64
	readers     map[uint64]chan stream.Event
	unsubscribe func()
	dropped     atomic.Int64
}

// JobID returns the job the connection follows.
func (c *Conn) JobID() string { return c.jobID }

// Dropped returns the number of events discarded because a reader's buffer
// was full.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Listen returns a channel receiving every event published after the call.
// The channel is closed by stop or when the connection closes.
func (c *Conn) Listen() (events <-chan stream.Event, stop func()) {
	ch := make(chan stream.Event, c.bufferSize)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	c.nextReader++
	id := c.nextReader
	c.readers[id] = ch

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if r, ok := c.readers[id]; ok {
			delete(c.readers, id)
			close(r)
		}
	}
}

// Readers returns the number of active listeners.
func (c *Conn) Readers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readers)
}

func (c *Conn) push(e stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	terminal := e.Kind() == stream.KindDone
	for _, ch := range c.readers {
		select {
		case ch <- e:
			continue
		default:
		}
		if !terminal {
			c.dropped.Add(1)
			c.logger.Warn("stream buffer full, event dropped",
				"job_id", c.jobID, "kind", e.Kind(), "seq", e.Meta().Seq)
			continue
		}
		c.evictFor(ch, e)
	}
}

// evictFor discards the oldest buffered events of ch until e fits. Only push
// sends on reader channels and it holds c.mu, so the loop ends once a slot is
// freed by either side.
func (c *Conn) evictFor(ch chan stream.Event, e stream.Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case old := <-ch:
			c.dropped.Add(1)
			c.logger.Warn("stream buffer full, evicted event for done",
				"job_id", c.jobID, "kind", old.Kind(), "seq", old.Meta().Seq)
		default:
		}
	}
}

func (c *Conn) close() {
	c.unsubscribe()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.readers {
		delete(c.readers, id)
		close(ch)
	}
}

// Pool maps job ids to reference-counted connections.
type Pool struct {
	hub        *stream.Hub
	bufferSize int
	logger     *slog.Logger
	metrics    observability.Metrics

	mu    sync.Mutex
	conns map[string]*Conn
}

// Option configures a Pool.
type Option func(*Pool)

// WithBufferSize sets the per-reader buffer.
func WithBufferSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m observability.Metrics) Option { return func(p *Pool) { p.metrics = m } }

// New creates a pool over hub.
func New(hub *stream.Hub, opts ...Option) *Pool {
	p := &Pool{
		hub:        hub,
		bufferSize: DefaultBufferSize,
		logger:     slog.Default().With("component", "connpool"),
		metrics:    observability.NewNoOpMetrics(),
		conns:      make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the connection for jobID, opening it on first use, and takes a
// reference to it.
func (p *Pool) Get(jobID string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.conns[jobID]; ok {
		c.refs++
		return c
	}

	c := &Conn{
		jobID:      jobID,
		bufferSize: p.bufferSize,
		logger:     p.logger,
		refs:       1,
		readers:    make(map[uint64]chan stream.Event),
	}
	c.unsubscribe = p.hub.Subscribe(jobID, c.push)
	p.conns[jobID] = c
	p.metrics.SetGauge(observability.MetricPoolConnections, nil, float64(len(p.conns)))
	p.logger.Debug("stream connection opened", "job_id", jobID)
	return c
}

// Release drops one reference to jobID's connection and closes it when none
// remain. Releasing an unknown id is a no-op.
func (p *Pool) Release(jobID string) {
	p.mu.Lock()
	c, ok := p.conns[jobID]
	if !ok {
		p.mu.Unlock()
		return
	}
	c.refs--
	if c.refs > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.conns, jobID)
	n := len(p.conns)
	p.mu.Unlock()

	c.close()
	p.metrics.SetGauge(observability.MetricPoolConnections, nil, float64(n))
	p.logger.Debug("stream connection closed", "job_id", jobID, "dropped", c.Dropped())
}

// RefCount returns the references held on jobID's connection.
func (p *Pool) RefCount(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[jobID]; ok {
		return c.refs
	}
	return 0
}

// Len returns the number of open connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every connection regardless of references.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	p.metrics.SetGauge(observability.MetricPoolConnections, nil, 0)
}
