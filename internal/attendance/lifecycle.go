package attendance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"attendguard/internal/events"
	"attendguard/internal/geofence"
)

// NewSession is the input to CreateSession.
type NewSession struct {
	CourseID    string
	ProfessorID string
	StartTime   time.Time
	EndTime     time.Time
	Timezone    string
	Geofence    geofence.Fence
	Policy      SecurityPolicy
}

// CreateSession validates the input and stores a SCHEDULED session.
func (s *Service) CreateSession(ctx context.Context, in NewSession) (Session, error) {
	if strings.TrimSpace(in.CourseID) == "" || strings.TrimSpace(in.ProfessorID) == "" {
		return Session{}, invalid("courseId and professorId are required")
	}
	if in.StartTime.IsZero() || !in.EndTime.After(in.StartTime) {
		return Session{}, invalid("endTime must be after startTime")
	}
	if in.Geofence.RadiusMeters <= 0 {
		return Session{}, invalid("geofence radius must be positive")
	}
	if in.Geofence.Lat < -90 || in.Geofence.Lat > 90 || in.Geofence.Lng < -180 || in.Geofence.Lng > 180 {
		return Session{}, invalid("geofence center out of range")
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			return Session{}, invalid("unknown timezone %q", in.Timezone)
		}
	}
	p := in.Policy
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if p.MaxAttempts < 0 || p.GracePeriodSeconds < 0 || p.MinPhotoQuality < 0 || p.MinPhotoQuality > 100 {
		return Session{}, invalid("security policy out of range")
	}

	now := s.now().UTC()
	sess := Session{
		ID:          uuid.NewString(),
		CourseID:    in.CourseID,
		ProfessorID: in.ProfessorID,
		StartTime:   in.StartTime.UTC(),
		EndTime:     in.EndTime.UTC(),
		Timezone:    in.Timezone,
		Geofence:    in.Geofence,
		Policy:      p,
		Status:      StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("session created", zap.String("session_id", sess.ID), zap.String("course_id", sess.CourseID))
	s.emit(ctx, s.sessionEvent(events.SessionCreated, sess, now))
	return sess, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListAttempts returns every attempt of a session.
func (s *Service) ListAttempts(ctx context.Context, sessionID string) ([]Attempt, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, sessionID)
}

// ListAlerts returns the fraud alerts raised in a session.
func (s *Service) ListAlerts(ctx context.Context, sessionID string) ([]FraudAlert, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListAlerts(ctx, sessionID)
}

// Start moves SCHEDULED to ACTIVE and issues a QR token. Starting an ACTIVE
// session returns it unchanged.
func (s *Service) Start(ctx context.Context, id string) (Session, error) {
	now := s.now().UTC()
	return s.transition(ctx, id, events.SessionStarted, func(sess *Session) (SessionUpdate, error) {
		switch sess.Status {
		case StatusActive:
			return SessionUpdate{}, nil
		case StatusScheduled:
		default:
			return SessionUpdate{}, illegal("start", sess.Status)
		}
		if now.Before(sess.StartTime.Add(-s.cfg.StartGrace)) || now.After(sess.EndTime) {
			return SessionUpdate{}, fmt.Errorf("%w: session can only start between %s and %s",
				ErrInvalidTransition, sess.StartTime.Add(-s.cfg.StartGrace).Format(time.RFC3339), sess.EndTime.Format(time.RFC3339))
		}
		if err := s.issueToken(sess, now); err != nil {
			return SessionUpdate{}, err
		}
		sess.Status = StatusActive
		sess.StartedAt = &now
		sess.UpdatedAt = now
		return SessionUpdate{Save: true}, nil
	})
}

// Pause stops accepting attempts and invalidates the QR token.
func (s *Service) Pause(ctx context.Context, id string) (Session, error) {
	now := s.now().UTC()
	return s.transition(ctx, id, events.SessionPaused, func(sess *Session) (SessionUpdate, error) {
		switch sess.Status {
		case StatusPaused:
			return SessionUpdate{}, nil
		case StatusActive:
		default:
			return SessionUpdate{}, illegal("pause", sess.Status)
		}
		clearToken(sess)
		sess.Status = StatusPaused
		sess.UpdatedAt = now
		return SessionUpdate{Save: true}, nil
	})
}

// Resume reactivates a paused session with a fresh token.
func (s *Service) Resume(ctx context.Context, id string) (Session, error) {
	now := s.now().UTC()
	return s.transition(ctx, id, events.SessionResumed, func(sess *Session) (SessionUpdate, error) {
		switch sess.Status {
		case StatusActive:
			return SessionUpdate{}, nil
		case StatusPaused:
		default:
			return SessionUpdate{}, illegal("resume", sess.Status)
		}
		if err := s.issueToken(sess, now); err != nil {
			return SessionUpdate{}, err
		}
		sess.Status = StatusActive
		sess.UpdatedAt = now
		return SessionUpdate{Save: true}, nil
	})
}

// Stop ends the session. Attempts still in REVIEW become ABSENT.
func (s *Service) Stop(ctx context.Context, id string) (Session, error) {
	now := s.now().UTC()
	return s.transition(ctx, id, events.SessionStopped, func(sess *Session) (SessionUpdate, error) {
		switch sess.Status {
		case StatusEnded:
			return SessionUpdate{}, nil
		case StatusActive, StatusPaused:
		default:
			return SessionUpdate{}, illegal("stop", sess.Status)
		}
		clearToken(sess)
		sess.Status = StatusEnded
		sess.EndedAt = &now
		sess.UpdatedAt = now
		return SessionUpdate{Save: true, ResolvePending: OutcomeAbsent}, nil
	})
}

// EmergencyStop cancels the session from any non-terminal state. Attempts in
// REVIEW become REJECTED, as does every attempt still being verified.
func (s *Service) EmergencyStop(ctx context.Context, id, reason string) (Session, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Session{}, invalid("emergency stop requires a reason")
	}
	now := s.now().UTC()
	return s.transition(ctx, id, events.SessionCancelled, func(sess *Session) (SessionUpdate, error) {
		switch sess.Status {
		case StatusCancelled:
			return SessionUpdate{}, nil
		case StatusEnded:
			return SessionUpdate{}, illegal("cancel", sess.Status)
		}
		clearToken(sess)
		sess.Status = StatusCancelled
		sess.CancelReason = reason
		sess.EndedAt = &now
		sess.UpdatedAt = now
		return SessionUpdate{Save: true, ResolvePending: OutcomeRejected}, nil
	})
}

// RotateQR replaces the token of an ACTIVE session. The previous token stays
// valid for QRRotationGrace.
func (s *Service) RotateQR(ctx context.Context, id string) (Session, error) {
	now := s.now().UTC()
	return s.transition(ctx, id, events.QRRotated, func(sess *Session) (SessionUpdate, error) {
		if sess.Status != StatusActive {
			return SessionUpdate{}, illegal("rotate the token of", sess.Status)
		}
		if err := s.issueToken(sess, now); err != nil {
			return SessionUpdate{}, err
		}
		sess.UpdatedAt = now
		return SessionUpdate{Save: true}, nil
	})
}

// QRCodePNG renders the current token of an ACTIVE session.
func (s *Service) QRCodePNG(ctx context.Context, id string, size int) ([]byte, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.AcceptingAttempts() || sess.QRToken == "" {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionNotAcceptingAttempts, sess.Status)
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(sess.QRToken, qrcode.Medium, size)
}

// SweepExpired stops every ACTIVE or PAUSED session whose end time has passed.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	now := s.now().UTC()
	open, err := s.store.ListSessionsByStatus(ctx, StatusActive, StatusPaused)
	if err != nil {
		return 0, fmt.Errorf("list open sessions: %w", err)
	}
	stopped := 0
	for _, sess := range open {
		if now.Before(sess.EndTime) {
			continue
		}
		if _, err := s.Stop(ctx, sess.ID); err != nil {
			s.log.Warn("sweep stop failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		stopped++
	}
	return stopped, nil
}

// RotateDueTokens rotates tokens older than QRRotateEvery.
func (s *Service) RotateDueTokens(ctx context.Context) (int, error) {
	if s.cfg.QRRotateEvery <= 0 {
		return 0, nil
	}
	now := s.now().UTC()
	active, err := s.store.ListSessionsByStatus(ctx, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	rotated := 0
	for _, sess := range active {
		if sess.QRRotatedAt != nil && now.Sub(*sess.QRRotatedAt) < s.cfg.QRRotateEvery {
			continue
		}
		if _, err := s.RotateQR(ctx, sess.ID); err != nil {
			s.log.Warn("token rotation failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		rotated++
	}
	return rotated, nil
}

// MarkStaleDevices flags device records not seen within olderThan.
func (s *Service) MarkStaleDevices(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.devices.MarkStale(ctx, olderThan)
}

func (s *Service) transition(ctx context.Context, id string, evt events.Type, fn func(*Session) (SessionUpdate, error)) (Session, error) {
	var changed bool
	sess, resolved, err := s.store.UpdateSession(ctx, id, func(sess *Session) (SessionUpdate, error) {
		upd, err := fn(sess)
		changed = upd.Save
		return upd, err
	})
	if err != nil {
		return Session{}, err
	}
	if !changed {
		return sess, nil
	}

	s.metrics.SessionTransition(string(sess.Status))
	s.log.Info("session transition",
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
		zap.Int("resolved_attempts", len(resolved)))

	e := s.sessionEvent(evt, sess, sess.UpdatedAt)
	e.ResolvedAttempts = len(resolved)
	s.emit(ctx, e)
	for _, a := range resolved {
		s.emit(ctx, s.attemptEvent(sess, a))
	}
	return sess, nil
}

func (s *Service) issueToken(sess *Session, now time.Time) error {
	tok, err := newToken()
	if err != nil {
		return fmt.Errorf("generate qr token: %w", err)
	}
	sess.PrevQRToken = sess.QRToken
	sess.QRToken = tok
	sess.QRRotatedAt = &now
	return nil
}

func clearToken(sess *Session) {
	sess.QRToken = ""
	sess.PrevQRToken = ""
	sess.QRRotatedAt = nil
}

func (s *Service) sessionEvent(t events.Type, sess Session, at time.Time) events.Event {
	e := events.New(t, sess.ID, at)
	e.CourseID = sess.CourseID
	e.Status = string(sess.Status)
	e.Reason = sess.CancelReason
	return e
}

func (s *Service) attemptEvent(sess Session, a Attempt) events.Event {
	e := events.New(events.AttemptFinalized, sess.ID, a.FinalizedAt)
	e.CourseID = sess.CourseID
	e.StudentID = a.StudentID
	e.AttemptID = a.ID
	e.AttemptNumber = a.AttemptNumber
	e.Outcome = string(a.Outcome)
	score := a.FraudScore
	e.FraudScore = &score
	e.FraudReasons = a.FraudReasons.Strings()
	return e
}
