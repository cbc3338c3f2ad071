package store

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/attendance"
	"attendguard/internal/devicetrust"
	"attendguard/internal/fraud"
	"attendguard/internal/geofence"
)

func TestMigrationsAreGooseFiles(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		b, err := fs.ReadFile(migrations, "migrations/"+e.Name())
		require.NoError(t, err)
		assert.Contains(t, string(b), "-- +goose Up", e.Name())
		assert.Contains(t, string(b), "-- +goose Down", e.Name())
	}
}

// Attempts and alerts are audit records and outlive their session.
func TestMigrationsKeepAuditRows(t *testing.T) {
	b, err := fs.ReadFile(migrations, "migrations/00001_attendance.sql")
	require.NoError(t, err)
	sql := string(b)
	assert.Contains(t, sql, "session_id          TEXT NOT NULL REFERENCES sessions (id) ON DELETE RESTRICT")
	assert.Contains(t, sql, "attempt_id   TEXT NOT NULL REFERENCES attempts (id) ON DELETE RESTRICT")
}

func TestRedisHealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Client.Close() })
	assert.True(t, r.Healthy(context.Background()))

	mr.Close()
	assert.False(t, r.Healthy(context.Background()))
	assert.False(t, (*Redis)(nil).Healthy(context.Background()))
}

func TestNewRedisAddressForms(t *testing.T) {
	r, err := NewRedis("redis://:secret@cache.internal:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", r.Client.Options().Addr)
	assert.Equal(t, 2, r.Client.Options().DB)
	assert.Equal(t, "secret", r.Client.Options().Password)

	_, err = NewRedis("")
	assert.Error(t, err)
	_, err = NewRedis("redis://bad host:%%")
	assert.Error(t, err)
}

// openTestDB connects to TEST_DATABASE_URL, migrates and truncates.
func openTestDB(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := NewDB(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	_, err = db.Client.Exec(`TRUNCATE sessions, attempt_counters, attempts, fraud_alerts, enrollments, device_records CASCADE`)
	require.NoError(t, err)
	return NewPostgres(db.Client)
}

func testSession(status attendance.Status) attendance.Session {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return attendance.Session{
		ID:          uuid.NewString(),
		CourseID:    "cs101",
		ProfessorID: "prof",
		StartTime:   now,
		EndTime:     now.Add(time.Hour),
		Geofence:    geofence.Fence{Lat: 40.7128, Lng: -74.006, RadiusMeters: 100},
		Policy:      attendance.DefaultPolicy(),
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestPostgresSessionRoundTrip(t *testing.T) {
	p := openTestDB(t)
	ctx := context.Background()
	s := testSession(attendance.StatusScheduled)
	require.NoError(t, p.CreateSession(ctx, s))

	got, err := p.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.Geofence, got.Geofence)
	assert.Equal(t, s.Policy, got.Policy)
	assert.Nil(t, got.StartedAt)

	_, err = p.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, attendance.ErrNotFound)

	updated, _, err := p.UpdateSession(ctx, s.ID, func(s *attendance.Session) (attendance.SessionUpdate, error) {
		s.Status = attendance.StatusActive
		s.QRToken = "tok"
		return attendance.SessionUpdate{Save: true}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusActive, updated.Status)

	active, err := p.ListSessionsByStatus(ctx, attendance.StatusActive, attendance.StatusPaused)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "tok", active[0].QRToken)

	boom := errors.New("boom")
	_, _, err = p.UpdateSession(ctx, s.ID, func(s *attendance.Session) (attendance.SessionUpdate, error) {
		s.Status = attendance.StatusEnded
		return attendance.SessionUpdate{}, boom
	})
	assert.ErrorIs(t, err, boom)
	got, _ = p.GetSession(ctx, s.ID)
	assert.Equal(t, attendance.StatusActive, got.Status)
}

func TestPostgresReserveIsAtomic(t *testing.T) {
	p := openTestDB(t)
	ctx := context.Background()
	s := testSession(attendance.StatusActive)
	require.NoError(t, p.CreateSession(ctx, s))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.ReserveAttempt(ctx, s.ID, "alice", 3); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)

	_, err := p.ReserveAttempt(ctx, s.ID, "alice", 3)
	assert.ErrorIs(t, err, attendance.ErrMaxAttemptsExceeded)
}

func TestPostgresSessionDeleteKeepsAttempts(t *testing.T) {
	p := openTestDB(t)
	ctx := context.Background()
	s := testSession(attendance.StatusActive)
	require.NoError(t, p.CreateSession(ctx, s))
	a := attendance.Attempt{
		ID:              uuid.NewString(),
		SessionID:       s.ID,
		StudentID:       "carol",
		AttemptNumber:   1,
		SubmittedAt:     s.StartTime,
		ClientTimestamp: s.StartTime,
		FraudReasons:    fraud.Reasons{},
		Outcome:         attendance.OutcomeRejected,
		FinalizedAt:     s.StartTime,
	}
	_, err := p.CommitAttempt(ctx, a, func(attendance.Session, bool, *attendance.Attempt) error { return nil })
	require.NoError(t, err)

	_, err = p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, s.ID)
	require.Error(t, err)

	list, err := p.ListAttempts(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgresCommitAndResolve(t *testing.T) {
	p := openTestDB(t)
	ctx := context.Background()
	s := testSession(attendance.StatusActive)
	require.NoError(t, p.CreateSession(ctx, s))

	dist := 12.5
	a := attendance.Attempt{
		ID:              uuid.NewString(),
		SessionID:       s.ID,
		StudentID:       "bob",
		AttemptNumber:   1,
		SubmittedAt:     s.StartTime,
		ClientTimestamp: s.StartTime,
		Location:        &geofence.Fix{Lat: 40.7128, Lng: -74.006, AccuracyMeters: 5},
		DistanceMeters:  &dist,
		FraudScore:      50,
		FraudReasons:    fraud.Reasons{fraud.QRCodeSharing},
		Outcome:         attendance.OutcomeReview,
		FinalizedAt:     s.StartTime,
	}
	_, err := p.CommitAttempt(ctx, a, func(_ attendance.Session, attended bool, _ *attendance.Attempt) error {
		assert.False(t, attended)
		return nil
	})
	require.NoError(t, err)

	list, err := p.ListAttempts(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fraud.Reasons{fraud.QRCodeSharing}, list[0].FraudReasons)
	assert.InDelta(t, 12.5, *list[0].DistanceMeters, 1e-9)

	_, resolved, err := p.UpdateSession(ctx, s.ID, func(s *attendance.Session) (attendance.SessionUpdate, error) {
		s.Status = attendance.StatusEnded
		s.UpdatedAt = s.UpdatedAt.Add(time.Minute)
		return attendance.SessionUpdate{Save: true, ResolvePending: attendance.OutcomeAbsent}, nil
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, attendance.OutcomeAbsent, resolved[0].Outcome)
}

func TestPostgresEnrollmentAndDevices(t *testing.T) {
	p := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, p.Enroll(ctx, "cs101", "alice", "bob", "alice"))
	ok, err := p.ResolveEnrollment(ctx, "alice", "cs101")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = p.ResolveEnrollment(ctx, "alice", "math200")
	assert.False(t, ok)

	devices := devicetrust.NewStore(p)
	res, err := devices.Evaluate(ctx, "alice", "fp-shared")
	require.NoError(t, err)
	assert.True(t, res.Reasons.Has(fraud.NewDevice))

	res, err = devices.Evaluate(ctx, "bob", "fp-shared")
	require.NoError(t, err)
	assert.True(t, res.Reasons.Has(fraud.DeviceSharing))

	rec, err := p.GetDevice(ctx, "alice", "fp-shared")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Contains(t, rec.SharedWithStudentIDs, "bob")

	n, err := p.MarkStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
