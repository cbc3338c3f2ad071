package attendance

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/events"
	"attendguard/internal/geofence"
)

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	valid := NewSession{
		CourseID: "cs101", ProfessorID: "prof-1",
		StartTime: baseTime, EndTime: baseTime.Add(time.Hour),
		Geofence: nyc, Policy: basePolicy(),
	}

	tests := []struct {
		name   string
		mutate func(*NewSession)
	}{
		{"missing course", func(n *NewSession) { n.CourseID = "" }},
		{"inverted window", func(n *NewSession) { n.EndTime = n.StartTime.Add(-time.Minute) }},
		{"zero radius", func(n *NewSession) { n.Geofence.RadiusMeters = 0 }},
		{"bad center", func(n *NewSession) { n.Geofence = geofence.Fence{Lat: 91, Lng: 0, RadiusMeters: 10} }},
		{"bad timezone", func(n *NewSession) { n.Timezone = "Mars/Olympus" }},
		{"negative grace", func(n *NewSession) { n.Policy.GracePeriodSeconds = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := h.svc.CreateSession(ctx, in)
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}

	in := valid
	in.Policy.MaxAttempts = 0
	sess, err := h.svc.CreateSession(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, sess.Status)
	assert.Equal(t, 3, sess.Policy.MaxAttempts)
	assert.Empty(t, sess.QRToken)
	assert.Len(t, h.rec.OfType(events.SessionCreated), 1)
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(basePolicy())

	first, err := h.svc.Start(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, first.Status)
	assert.Len(t, first.QRToken, 64)

	h.clock.Advance(time.Minute)
	again, err := h.svc.Start(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first.QRToken, again.QRToken)
	assert.Equal(t, first.UpdatedAt, again.UpdatedAt)
	assert.Len(t, h.rec.OfType(events.SessionStarted), 1)
}

func TestStartOnlyFromScheduled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	paused := h.active(basePolicy())
	_, err := h.svc.Pause(ctx, paused.ID)
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, paused.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ended := h.active(basePolicy())
	_, err = h.svc.Stop(ctx, ended.ID)
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, ended.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.Start(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.create(basePolicy())

	h.clock.Set(baseTime.Add(-16 * time.Minute))
	_, err := h.svc.Start(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	h.clock.Set(baseTime.Add(-14 * time.Minute))
	started, err := h.svc.Start(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, started.Status)

	late := h.create(basePolicy())
	h.clock.Set(baseTime.Add(61 * time.Minute))
	_, err = h.svc.Start(ctx, late.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.active(basePolicy())
	oldToken := sess.QRToken

	paused, err := h.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Empty(t, paused.QRToken)

	_, err = h.submit(sess, "alice", h.sub(sess, "alice"))
	assert.ErrorIs(t, err, ErrSessionNotAcceptingAttempts)

	again, err := h.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, again.Status)

	resumed, err := h.svc.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	assert.NotEmpty(t, resumed.QRToken)
	assert.NotEqual(t, oldToken, resumed.QRToken)

	// The token issued before the pause is dead.
	a, err := h.submit(resumed, "alice", h.sub(sess, "alice"))
	assert.ErrorIs(t, err, ErrQRTokenInvalid)
	assert.Equal(t, OutcomeRejected, a.Outcome)

	_, err = h.svc.Resume(ctx, h.create(basePolicy()).ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, h.rec.OfType(events.SessionPaused), 1)
	assert.Len(t, h.rec.OfType(events.SessionResumed), 1)
}

func TestStopResolvesReviewAsAbsent(t *testing.T) {
	h := newHarness(t, withAnalyzer(lowQuality()))
	ctx := context.Background()
	p := basePolicy()
	p.RequirePhoto = true
	sess := h.active(p)

	a, err := h.submit(sess, "alice", h.sub(sess, "alice"))
	require.NoError(t, err)
	require.Equal(t, OutcomeReview, a.Outcome)

	stopped, err := h.svc.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, stopped.Status)
	assert.Empty(t, stopped.QRToken)
	assert.NotNil(t, stopped.EndedAt)

	attempts, err := h.svc.ListAttempts(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, OutcomeAbsent, attempts[0].Outcome)

	stops := h.rec.OfType(events.SessionStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, 1, stops[0].ResolvedAttempts)

	again, err := h.svc.Stop(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, again.Status)
	assert.Len(t, h.rec.OfType(events.SessionStopped), 1)

	_, err = h.svc.Stop(ctx, h.create(basePolicy()).ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEmergencyStop(t *testing.T) {
	h := newHarness(t, withAnalyzer(lowQuality()))
	ctx := context.Background()
	p := basePolicy()
	p.RequirePhoto = true
	sess := h.active(p)

	_, err := h.svc.EmergencyStop(ctx, sess.ID, "   ")
	assert.ErrorIs(t, err, ErrValidationFailed)

	a, err := h.submit(sess, "alice", h.sub(sess, "alice"))
	require.NoError(t, err)
	require.Equal(t, OutcomeReview, a.Outcome)

	cancelled, err := h.svc.EmergencyStop(ctx, sess.ID, "fire alarm")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "fire alarm", cancelled.CancelReason)

	attempts, err := h.svc.ListAttempts(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, attempts[0].Outcome)

	evts := h.rec.OfType(events.SessionCancelled)
	require.Len(t, evts, 1)
	assert.Equal(t, "fire alarm", evts[0].Reason)

	// Scheduled sessions can be cancelled; ended ones cannot.
	_, err = h.svc.EmergencyStop(ctx, h.create(basePolicy()).ID, "room closed")
	assert.NoError(t, err)

	ended := h.active(basePolicy())
	_, err = h.svc.Stop(ctx, ended.ID)
	require.NoError(t, err)
	_, err = h.svc.EmergencyStop(ctx, ended.ID, "late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.svc.Start(ctx, cancelled.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRotateQR(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.active(basePolicy())

	rotated, err := h.svc.RotateQR(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, sess.QRToken, rotated.QRToken)
	assert.Equal(t, sess.QRToken, rotated.PrevQRToken)

	_, err = h.svc.RotateQR(ctx, h.create(basePolicy()).ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Len(t, h.rec.OfType(events.QRRotated), 1)
}

func TestQRCodePNG(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := h.active(basePolicy())

	png, err := h.svc.QRCodePNG(ctx, sess.ID, 128)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))

	_, err = h.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	_, err = h.svc.QRCodePNG(ctx, sess.ID, 128)
	assert.ErrorIs(t, err, ErrSessionNotAcceptingAttempts)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	open := h.active(basePolicy())
	paused := h.active(basePolicy())
	_, err := h.svc.Pause(ctx, paused.ID)
	require.NoError(t, err)
	scheduled := h.create(basePolicy())

	n, err := h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Set(baseTime.Add(time.Hour))
	n, err = h.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, StatusEnded, h.current(open.ID).Status)
	assert.Equal(t, StatusEnded, h.current(paused.ID).Status)
	assert.Equal(t, StatusScheduled, h.current(scheduled.ID).Status)
}

func TestRotateDueTokens(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) { c.QRRotateEvery = time.Minute }))
	ctx := context.Background()
	sess := h.active(basePolicy())

	n, err := h.svc.RotateDueTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(90 * time.Second)
	n, err = h.svc.RotateDueTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotEqual(t, sess.QRToken, h.current(sess.ID).QRToken)
}

func TestRotateDueTokensDisabled(t *testing.T) {
	h := newHarness(t)
	h.active(basePolicy())
	h.clock.Advance(time.Hour)
	n, err := h.svc.RotateDueTokens(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
