// Package audit records security-relevant decisions such as ownership
// violations so they can be reviewed outside the request path
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Kind names an audit event type
type Kind string

// Audit event kinds
const (
	OwnershipViolation Kind = "ownership_violation"
	TrialExhausted     Kind = "trial_exhausted"
)

// Event is one audit record
type Event struct {
	Kind           Kind      `json:"kind"`
	Actor          string    `json:"actor"`
	Owner          string    `json:"owner,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	At             time.Time `json:"at"`
}

// Sink receives audit events. Implementations must not block the caller
// for long; failures are reported but never stop the request.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// LogSink writes audit events to a zerolog logger
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink that logs at warn level
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

// Record implements Sink
func (s *LogSink) Record(_ context.Context, ev Event) error {
	s.log.Warn().
		Str("kind", string(ev.Kind)).
		Str("actor", ev.Actor).
		Str("owner", ev.Owner).
		Str("conversation_id", ev.ConversationID).
		Time("at", ev.At).
		Msg("audit event")
	return nil
}

// NATSSink publishes audit events as JSON on a NATS subject
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// NewNATSSink connects to url and publishes on subject
func NewNATSSink(url, subject string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("concierge-audit"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	if subject == "" {
		subject = "concierge.audit"
	}
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Record implements Sink
func (s *NATSSink) Record(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return s.conn.Publish(s.subject+"."+string(ev.Kind), data)
}

// Close drains and closes the NATS connection
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// Multi fans an event out to several sinks and returns the first error
type Multi []Sink

// Record implements Sink
func (m Multi) Record(ctx context.Context, ev Event) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Memory keeps events in a slice; useful in tests
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink
func (m *Memory) Record(_ context.Context, ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
