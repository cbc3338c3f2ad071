package attendance

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendguard/internal/events"
	"attendguard/internal/fraud"
	"attendguard/internal/geofence"
	"attendguard/internal/photo"
	"attendguard/internal/temporal"
)

// Stage is a step of one attempt's verification.
type Stage string

const (
	StageReceived        Stage = "RECEIVED"
	StageQRChecked       Stage = "QR_CHECKED"
	StageLocationChecked Stage = "LOCATION_CHECKED"
	StageDeviceChecked   Stage = "DEVICE_CHECKED"
	StagePhotoChecked    Stage = "PHOTO_CHECKED"
	StageScored          Stage = "SCORED"
	StageFinalized       Stage = "FINALIZED"
)

// Submission is the payload of one attempt.
type Submission struct {
	QRToken           string        `json:"qrToken"`
	Location          *geofence.Fix `json:"location,omitempty"`
	DeviceFingerprint string        `json:"deviceFingerprint,omitempty"`
	PhotoRef          string        `json:"photoRef,omitempty"`
	ClientTimestamp   time.Time     `json:"clientTimestamp"`
	// ClientUTCOffsetMinutes is minutes east of UTC.
	ClientUTCOffsetMinutes *int `json:"clientUtcOffsetMinutes,omitempty"`
}

func validateSubmission(sub Submission, p SecurityPolicy) error {
	var missing []string
	if strings.TrimSpace(sub.QRToken) == "" {
		missing = append(missing, "qrToken")
	}
	if sub.ClientTimestamp.IsZero() {
		missing = append(missing, "clientTimestamp")
	}
	if p.RequireLocation && sub.Location == nil {
		missing = append(missing, "location")
	}
	if p.RequireDeviceCheck && strings.TrimSpace(sub.DeviceFingerprint) == "" {
		missing = append(missing, "deviceFingerprint")
	}
	if p.RequirePhoto && strings.TrimSpace(sub.PhotoRef) == "" {
		missing = append(missing, "photoRef")
	}
	if len(missing) > 0 {
		return invalid("missing %s", strings.Join(missing, ", "))
	}
	if loc := sub.Location; loc != nil {
		for _, f := range []float64{loc.Lat, loc.Lng, loc.AccuracyMeters} {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return invalid("location is not a number")
			}
		}
		if loc.AccuracyMeters < 0 {
			return invalid("location accuracy must not be negative")
		}
	}
	return nil
}

type verification struct {
	stage           Stage
	signals         fraud.Signals
	fatal           fraud.Reason
	deviceEvaluated bool
	// consumed is set once the ledger holds the token for this student.
	// From then on the attempt must be stored, or a retry reads as a replay.
	consumed bool
}

// SubmitAttempt verifies and records one attempt. The session is read once as
// a snapshot for verification and read again under its lock before the
// outcome is stored, so a cancellation during verification always yields
// REJECTED. A fatal QR problem stores a REJECTED attempt and returns it
// together with an error matching ErrQRTokenInvalid.
func (s *Service) SubmitAttempt(ctx context.Context, sessionID, studentID string, sub Submission) (Attempt, error) {
	received := s.now().UTC()
	if strings.TrimSpace(studentID) == "" {
		return Attempt{}, invalid("studentId is required")
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Attempt{}, err
	}
	if !sess.AcceptingAttempts() {
		return Attempt{}, fmt.Errorf("%w: session is %s", ErrSessionNotAcceptingAttempts, sess.Status)
	}
	enrolled, err := s.roster.ResolveEnrollment(ctx, studentID, sess.CourseID)
	if err != nil {
		return Attempt{}, fmt.Errorf("resolve enrollment: %w", err)
	}
	if !enrolled {
		return Attempt{}, ErrNotEnrolled
	}
	if err := validateSubmission(sub, sess.Policy); err != nil {
		return Attempt{}, err
	}

	n, err := s.store.ReserveAttempt(ctx, sess.ID, studentID, sess.Policy.MaxAttempts)
	if err != nil {
		return Attempt{}, s.refuse(ctx, sess, studentID, sub.QRToken, err)
	}

	a := Attempt{
		ID:                uuid.NewString(),
		SessionID:         sess.ID,
		StudentID:         studentID,
		AttemptNumber:     n,
		SubmittedAt:       received,
		ClientTimestamp:   sub.ClientTimestamp.UTC(),
		Location:          sub.Location,
		DeviceFingerprint: sub.DeviceFingerprint,
		PhotoRef:          sub.PhotoRef,
		FraudReasons:      fraud.Reasons{},
	}

	// Only the attempt deadline may cut verification short. A caller that
	// goes away still gets its attempt finalized.
	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AttemptTimeout)
	v, err := s.verify(vctx, sess, studentID, sub, received, &a)
	timedOut := errors.Is(vctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil && !timedOut && !v.consumed {
		return Attempt{}, err
	}
	incomplete := v.stage != StageScored && v.fatal == ""
	if incomplete {
		fields := []zap.Field{
			zap.String("session_id", sess.ID),
			zap.String("student_id", studentID),
			zap.String("stage", string(v.stage)),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		if timedOut {
			s.log.Warn("attempt verification timed out", fields...)
		} else {
			s.log.Warn("attempt verification failed, holding for review", fields...)
		}
	}

	detect := sess.Policy.EnableFraudDetection
	assessment := s.scorer.Assess(v.signals)
	if detect {
		a.FraudScore = assessment.Score
		a.FraudReasons = assessment.Reasons
	}
	a.Outcome = s.timing(sess, received)
	switch {
	case v.fatal != "":
		a.Outcome = OutcomeRejected
	case detect && assessment.Band == fraud.BandReject:
		a.Outcome = OutcomeRejected
	case incomplete:
		a.Outcome = OutcomeReview
	case detect && assessment.Band == fraud.BandReview:
		a.Outcome = OutcomeReview
	}

	committed, err := s.store.CommitAttempt(context.WithoutCancel(ctx), a, func(cur Session, attended bool, a *Attempt) error {
		if attended {
			return ErrDuplicateTerminalAttempt
		}
		switch cur.Status {
		case StatusCancelled:
			a.Outcome = OutcomeRejected
		case StatusEnded:
			if a.Outcome != OutcomeRejected {
				a.Outcome = OutcomeAbsent
			}
		}
		a.FinalizedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return Attempt{}, err
	}
	v.stage = StageFinalized

	s.afterCommit(ctx, sess, committed, v, assessment, detect)
	if v.fatal != "" {
		return committed, fmt.Errorf("%w: %s", ErrQRTokenInvalid, v.fatal)
	}
	return committed, nil
}

// verify runs the validators in pipeline order. It stops early on a fatal QR
// reason and when ctx expires.
func (s *Service) verify(ctx context.Context, sess Session, studentID string, sub Submission, received time.Time, a *Attempt) (*verification, error) {
	v := &verification{stage: StageReceived}
	detect := sess.Policy.EnableFraudDetection

	qr, err := s.checkQR(ctx, sess, studentID, sub.QRToken, received, detect, v)
	if err != nil {
		return v, err
	}
	v.signals.QR = qr
	v.stage = StageQRChecked
	for _, r := range qr {
		if r.Fatal() {
			v.fatal = r
			return v, nil
		}
	}
	if !detect {
		v.stage = StageScored
		return v, nil
	}

	if sub.Location != nil {
		history, err := s.locationHistory(ctx, studentID, received)
		if err != nil {
			return v, err
		}
		res := s.geo.Validate(*sub.Location, sess.Geofence, history, received)
		v.signals.Location = res.Reasons
		d := res.DistanceMeters
		a.DistanceMeters = &d
	}
	v.stage = StageLocationChecked
	if err := ctx.Err(); err != nil {
		return v, err
	}

	if sess.Policy.RequireDeviceCheck {
		res, err := s.devices.Evaluate(ctx, studentID, sub.DeviceFingerprint)
		if err != nil {
			return v, fmt.Errorf("evaluate device: %w", err)
		}
		v.signals.Device = res.Reasons
		v.deviceEvaluated = true
	}
	v.stage = StageDeviceChecked

	if sess.Policy.RequirePhoto {
		seen, err := s.sessionPhotoHashes(ctx, sess.ID)
		if err != nil {
			return v, err
		}
		res := s.photos.Verify(ctx, sub.PhotoRef, photo.Policy{
			MinQuality:  sess.Policy.MinPhotoQuality,
			RequireFace: sess.Policy.RequireFace,
		}, seen)
		v.signals.Photo = res.Reasons
		a.PhotoHash = res.Hash
		v.stage = StagePhotoChecked
	}
	if err := ctx.Err(); err != nil {
		return v, err
	}

	v.signals.Temporal = s.temporal.Validate(temporal.Input{
		ClientTimestamp:        sub.ClientTimestamp,
		ServerReceived:         received,
		ClientUTCOffsetMinutes: sub.ClientUTCOffsetMinutes,
		Expected:               sess.Location(),
	}).Reasons
	v.stage = StageScored
	return v, nil
}

func (s *Service) checkQR(ctx context.Context, sess Session, studentID, token string, at time.Time, detect bool, v *verification) (fraud.Reasons, error) {
	var out fraud.Reasons
	switch {
	case tokenEqual(token, sess.QRToken):
	case tokenEqual(token, sess.PrevQRToken):
		if sess.QRRotatedAt == nil || at.Sub(*sess.QRRotatedAt) > s.cfg.QRRotationGrace {
			out.Add(fraud.QRCodeExpired)
			return out, nil
		}
	default:
		out.Add(fraud.QRCodeInvalid)
		return out, nil
	}

	replayed, err := s.ledger.Consume(ctx, sess.ID, studentID, token, s.tokenTTL(sess))
	if err != nil {
		return nil, fmt.Errorf("consume qr token: %w", err)
	}
	if replayed {
		out.Add(fraud.QRCodeReplay)
		return out, nil
	}
	v.consumed = true
	if detect {
		shared, err := s.ledger.Observe(ctx, sess.ID, studentID, token, at, s.cfg.QRShareWindow)
		if err != nil {
			return nil, fmt.Errorf("observe qr token: %w", err)
		}
		if shared {
			out.Add(fraud.QRCodeSharing)
		}
	}
	return out, nil
}

func tokenEqual(presented, want string) bool {
	return want != "" && subtle.ConstantTimeCompare([]byte(presented), []byte(want)) == 1
}

func (s *Service) tokenTTL(sess Session) time.Duration {
	ttl := sess.EndTime.Sub(s.now()) + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return ttl
}

// refuse marks a refused attempt's token as used. A student re-presenting a
// token they already used gets an error that also matches ErrQRTokenInvalid.
func (s *Service) refuse(ctx context.Context, sess Session, studentID, token string, cause error) error {
	if !errors.Is(cause, ErrDuplicateTerminalAttempt) && !errors.Is(cause, ErrMaxAttemptsExceeded) {
		return cause
	}
	replayed, err := s.ledger.Consume(ctx, sess.ID, studentID, token, s.tokenTTL(sess))
	if err != nil {
		s.log.Warn("token ledger unavailable", zap.String("session_id", sess.ID), zap.Error(err))
		return cause
	}
	if replayed {
		return fmt.Errorf("%w: %w", cause, ErrQRTokenInvalid)
	}
	return cause
}

func (s *Service) locationHistory(ctx context.Context, studentID string, now time.Time) ([]geofence.PriorFix, error) {
	prior, err := s.store.RecentAttemptsByStudent(ctx, studentID, now.Add(-s.cfg.Geofence.ReplayWindow))
	if err != nil {
		return nil, fmt.Errorf("location history: %w", err)
	}
	var out []geofence.PriorFix
	for _, a := range prior {
		if a.Location != nil {
			out = append(out, geofence.PriorFix{Fix: *a.Location, At: a.SubmittedAt})
		}
	}
	return out, nil
}

func (s *Service) sessionPhotoHashes(ctx context.Context, sessionID string) ([]string, error) {
	attempts, err := s.store.ListAttempts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session photos: %w", err)
	}
	var out []string
	for _, a := range attempts {
		if a.PhotoHash != "" {
			out = append(out, a.PhotoHash)
		}
	}
	return out, nil
}

// timing is PRESENT up to startTime plus the grace period and LATE after.
func (s *Service) timing(sess Session, at time.Time) Outcome {
	if at.After(sess.StartTime.Add(sess.Policy.GracePeriod())) {
		return OutcomeLate
	}
	return OutcomePresent
}

func (s *Service) afterCommit(ctx context.Context, sess Session, a Attempt, v *verification, as fraud.Assessment, detect bool) {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With(
		zap.String("session_id", a.SessionID),
		zap.String("student_id", a.StudentID),
		zap.String("attempt_id", a.ID))

	if v.deviceEvaluated {
		var err error
		switch {
		case a.Outcome.Attended() && a.FraudScore < fraud.ReviewThreshold:
			_, err = s.devices.Promote(ctx, a.StudentID, a.DeviceFingerprint)
		case as.Severity >= fraud.SeverityHigh:
			_, err = s.devices.Demote(ctx, a.StudentID, a.DeviceFingerprint)
		}
		if err != nil {
			log.Error("update device trust", zap.Error(err))
		}
	}

	s.metrics.AttemptFinalized(string(a.Outcome), a.FinalizedAt.Sub(a.SubmittedAt))
	fields := []zap.Field{
		zap.String("outcome", string(a.Outcome)),
		zap.Int("attempt_number", a.AttemptNumber),
		zap.Int("fraud_score", a.FraudScore),
		zap.Strings("fraud_reasons", a.FraudReasons.Strings()),
	}
	if a.Outcome == OutcomeRejected {
		log.Warn("attempt finalized", fields...)
	} else {
		log.Info("attempt finalized", fields...)
	}
	s.emit(ctx, s.attemptEvent(sess, a))

	if !detect || a.Outcome != OutcomeRejected || !as.Alertable() {
		return
	}
	alert := FraudAlert{
		ID:        uuid.NewString(),
		AttemptID: a.ID,
		SessionID: a.SessionID,
		StudentID: a.StudentID,
		Type:      as.Dominant,
		Severity:  as.Severity,
		CreatedAt: a.FinalizedAt,
	}
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		log.Error("store fraud alert", zap.Error(err))
		return
	}
	s.metrics.AlertRaised(string(alert.Type), alert.Severity.String())
	log.Warn("fraud alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity.String()))

	e := events.New(events.FraudAlertRaised, a.SessionID, alert.CreatedAt)
	e.CourseID = sess.CourseID
	e.StudentID = a.StudentID
	e.AttemptID = a.ID
	e.AlertID = alert.ID
	e.Reason = string(alert.Type)
	e.Severity = alert.Severity.String()
	s.emit(ctx, e)
}
