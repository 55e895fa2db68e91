// Package stream fans job events out to live subscribers.
package stream

import (
	"time"

	"github.com/ahrav/promptlab/internal/domain"
)

// Kind is the wire name of an event variant.
type Kind string

// Event kinds.
const (
	KindStatus  Kind = "status"
	KindToken   Kind = "token"
	KindMetrics Kind = "metrics"
	KindError   Kind = "error"
	KindDone    Kind = "done"
)

// Header carries the fields common to every event. Seq increases by one for
// each event published for a job.
type Header struct {
	JobID     string    `json:"job_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one of StatusEvent, TokenEvent, MetricsEvent, ErrorEvent or
// DoneEvent.
type Event interface {
	Kind() Kind
	Meta() Header
	stamp(h Header) Event
}

// StatusEvent reports a lifecycle transition.
type StatusEvent struct {
	Header
	Status domain.JobStatus `json:"status"`
}

// TokenEvent carries one chunk of streamed output.
type TokenEvent struct {
	Header
	Content string `json:"content"`
}

// MetricsEvent carries the evaluation result of a completed job.
type MetricsEvent struct {
	Header
	Metrics      map[string]any `json:"metrics"`
	AverageScore float64        `json:"average_score"`
}

// ErrorEvent reports a failed attempt.
type ErrorEvent struct {
	Header
	Message string `json:"message"`
	Type    string `json:"type"`
}

// DoneEvent is the last event for a job and carries its terminal status.
type DoneEvent struct {
	Header
	Status domain.JobStatus `json:"status"`
}

func (StatusEvent) Kind() Kind  { return KindStatus }
func (TokenEvent) Kind() Kind   { return KindToken }
func (MetricsEvent) Kind() Kind { return KindMetrics }
func (ErrorEvent) Kind() Kind   { return KindError }
func (DoneEvent) Kind() Kind    { return KindDone }

func (e StatusEvent) Meta() Header  { return e.Header }
func (e TokenEvent) Meta() Header   { return e.Header }
func (e MetricsEvent) Meta() Header { return e.Header }
func (e ErrorEvent) Meta() Header   { return e.Header }
func (e DoneEvent) Meta() Header    { return e.Header }

func (e StatusEvent) stamp(h Header) Event  { e.Header = h; return e }
func (e TokenEvent) stamp(h Header) Event   { e.Header = h; return e }
func (e MetricsEvent) stamp(h Header) Event { e.Header = h; return e }
func (e ErrorEvent) stamp(h Header) Event   { e.Header = h; return e }
func (e DoneEvent) stamp(h Header) Event    { e.Header = h; return e }
