// Package events carries lifecycle and verdict notifications from the engine
// to the dashboard and notification collaborators.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type is a stable event name.
type Type string

const (
	SessionCreated   Type = "session.created"
	SessionStarted   Type = "session.started"
	SessionPaused    Type = "session.paused"
	SessionResumed   Type = "session.resumed"
	SessionStopped   Type = "session.stopped"
	SessionCancelled Type = "session.cancelled"
	QRRotated        Type = "session.qr_rotated"
	AttemptFinalized Type = "attempt.finalized"
	FraudAlertRaised Type = "fraud.alert.raised"
)

// Event is a flat JSON object. Timestamps are UTC.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	SessionID  string    `json:"sessionId"`
	CourseID   string    `json:"courseId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`

	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
	// ResolvedAttempts counts REVIEW attempts finalized by a stop.
	ResolvedAttempts int `json:"resolvedAttempts,omitempty"`

	StudentID     string   `json:"studentId,omitempty"`
	AttemptID     string   `json:"attemptId,omitempty"`
	AttemptNumber int      `json:"attemptNumber,omitempty"`
	Outcome       string   `json:"outcome,omitempty"`
	FraudScore    *int     `json:"fraudScore,omitempty"`
	FraudReasons  []string `json:"fraudReasons,omitempty"`

	AlertID  string `json:"alertId,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// New stamps an id and a UTC timestamp.
func New(t Type, sessionID string, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, SessionID: sessionID, OccurredAt: at.UTC()}
}

// Encode returns the wire form.
func Encode(e Event) ([]byte, error) {
	e.OccurredAt = e.OccurredAt.UTC()
	return json.Marshal(e)
}

// Decode parses the wire form.
func Decode(b []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(b, &e)
	return e, err
}

// Emitter delivers events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// EmitterFunc adapts a function.
type EmitterFunc func(ctx context.Context, e Event) error

func (f EmitterFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop drops everything.
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }

// Fanout delivers to every sink. A failing sink does not stop the others;
// failures are logged and joined into the returned error.
type Fanout struct {
	sinks []Emitter
	log   *zap.Logger
}

// NewFanout ignores nil sinks.
func NewFanout(log *zap.Logger, sinks ...Emitter) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Fanout{log: log.With(zap.String("component", "events"))}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Emit(ctx, e); err != nil {
			f.log.Error("event delivery failed",
				zap.String("type", string(e.Type)),
				zap.String("session_id", e.SessionID),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters recorded events.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
