// Package events defines the envelope used to publish job outcome records to
// downstream consumers and the sinks that receive them.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps one outcome record with routing and idempotency metadata.
type Envelope struct {
	// ID is unique per emission.
	ID string `json:"id"`

	// Type names the record, e.g. "job.completed".
	Type string `json:"type"`

	// Source is the emitting component.
	Source string `json:"source"`

	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`

	// IdempotencyKey is stable across retries of the same logical event so
	// sinks can drop duplicates.
	IdempotencyKey string `json:"idempotency_key"`

	WorkflowID string `json:"workflow_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`

	Payload json.RawMessage `json:"payload"`
}

// EnvelopeVersion is the schema version stamped on new envelopes.
const EnvelopeVersion = "1.0.0"

// NewEnvelope marshals payload into a fresh envelope.
func NewEnvelope(eventType, source, idempotencyKey string, payload any, now time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:             uuid.NewString(),
		Type:           eventType,
		Source:         source,
		Version:        EnvelopeVersion,
		Timestamp:      now,
		IdempotencyKey: idempotencyKey,
		Payload:        raw,
	}, nil
}

// EventSink receives envelopes. Append should return quickly; callers treat
// failures as non-fatal.
type EventSink interface {
	Append(ctx context.Context, envelope Envelope) error
}

// NoOpEventSink drops every envelope.
type NoOpEventSink struct{}

// Append implements EventSink.
func (NoOpEventSink) Append(context.Context, Envelope) error { return nil }

// NewNoOpEventSink returns a sink that drops every envelope.
func NewNoOpEventSink() EventSink { return NoOpEventSink{} }

// LogSink writes envelopes to a structured logger, skipping idempotency keys
// it has already seen.
type LogSink struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events"), seen: make(map[string]struct{})}
}

// Append implements EventSink.
func (s *LogSink) Append(ctx context.Context, e Envelope) error {
	s.mu.Lock()
	if _, dup := s.seen[e.IdempotencyKey]; dup && e.IdempotencyKey != "" {
		s.mu.Unlock()
		return nil
	}
	s.seen[e.IdempotencyKey] = struct{}{}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "event",
		"type", e.Type,
		"source", e.Source,
		"idempotency_key", e.IdempotencyKey,
		"workflow_id", e.WorkflowID,
		"payload", string(e.Payload))
	return nil
}

// MemorySink keeps envelopes in memory, deduplicated by idempotency key.
type MemorySink struct {
	mu        sync.Mutex
	envelopes []Envelope
	keys      map[string]struct{}
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{keys: make(map[string]struct{})}
}

// Append implements EventSink.
func (s *MemorySink) Append(_ context.Context, e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.IdempotencyKey != "" {
		if _, dup := s.keys[e.IdempotencyKey]; dup {
			return nil
		}
		s.keys[e.IdempotencyKey] = struct{}{}
	}
	s.envelopes = append(s.envelopes, e)
	return nil
}

// Envelopes returns a copy of the stored envelopes in append order.
func (s *MemorySink) Envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envelopes...)
}
