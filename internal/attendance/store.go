package attendance

import (
	"context"
	"time"
)

// SessionUpdate is returned by an UpdateSession callback.
type SessionUpdate struct {
	// Save persists the mutated session. False leaves storage untouched.
	Save bool
	// ResolvePending, when set, finalizes every REVIEW attempt of the session
	// with this outcome in the same step.
	ResolvePending Outcome
}

// CommitFunc inspects the authoritative session state just before an attempt
// is stored and may change its outcome. studentAttended reports whether the
// student already has an attended attempt. A non-nil error aborts the commit.
type CommitFunc func(current Session, studentAttended bool, a *Attempt) error

// Store persists sessions, attempts and alerts. UpdateSession, ReserveAttempt
// and CommitAttempt must be mutually exclusive per session.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (Session, error)
	UpdateSession(ctx context.Context, id string, fn func(*Session) (SessionUpdate, error)) (Session, []Attempt, error)
	ListSessionsByStatus(ctx context.Context, statuses ...Status) ([]Session, error)

	// ReserveAttempt is a single check-and-increment. It fails with
	// ErrDuplicateTerminalAttempt when the student already attended and with
	// ErrMaxAttemptsExceeded when max attempts were already reserved.
	ReserveAttempt(ctx context.Context, sessionID, studentID string, max int) (attemptNumber int, err error)
	CommitAttempt(ctx context.Context, a Attempt, decide CommitFunc) (Attempt, error)
	// ListAttempts returns a session's attempts ordered by submission.
	ListAttempts(ctx context.Context, sessionID string) ([]Attempt, error)
	RecentAttemptsByStudent(ctx context.Context, studentID string, since time.Time) ([]Attempt, error)

	CreateAlert(ctx context.Context, a FraudAlert) error
	ListAlerts(ctx context.Context, sessionID string) ([]FraudAlert, error)
}

// Roster answers enrollment questions.
type Roster interface {
	ResolveEnrollment(ctx context.Context, studentID, courseID string) (bool, error)
}

// RosterFunc adapts a function.
type RosterFunc func(ctx context.Context, studentID, courseID string) (bool, error)

func (f RosterFunc) ResolveEnrollment(ctx context.Context, studentID, courseID string) (bool, error) {
	return f(ctx, studentID, courseID)
}
