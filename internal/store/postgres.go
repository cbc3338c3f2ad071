package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"attendguard/internal/attendance"
	"attendguard/internal/devicetrust"
	"attendguard/internal/fraud"
	"attendguard/internal/geofence"
)

// Postgres persists sessions, attempts, alerts, enrollments and device
// records. Per-session serialization uses SELECT ... FOR UPDATE on the
// session row.
type Postgres struct {
	db *sql.DB
}

var (
	_ attendance.Store       = (*Postgres)(nil)
	_ attendance.Roster      = (*Postgres)(nil)
	_ devicetrust.Repository = (*Postgres)(nil)
)

// NewPostgres creates a repo.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func (p *Postgres) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const sessionColumns = `id, course_id, professor_id, start_time, end_time, timezone, geofence, policy, status,
	qr_token, prev_qr_token, qr_rotated_at, cancel_reason, started_at, ended_at, created_at, updated_at`

func scanSession(row scanner) (attendance.Session, error) {
	var (
		s                       attendance.Session
		fence, policy           []byte
		rotated, started, ended sql.NullTime
	)
	err := row.Scan(&s.ID, &s.CourseID, &s.ProfessorID, &s.StartTime, &s.EndTime, &s.Timezone, &fence, &policy, &s.Status,
		&s.QRToken, &s.PrevQRToken, &rotated, &s.CancelReason, &started, &ended, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return attendance.Session{}, err
	}
	if err := json.Unmarshal(fence, &s.Geofence); err != nil {
		return attendance.Session{}, fmt.Errorf("decode geofence: %w", err)
	}
	if err := json.Unmarshal(policy, &s.Policy); err != nil {
		return attendance.Session{}, fmt.Errorf("decode policy: %w", err)
	}
	s.QRRotatedAt = timePtr(rotated)
	s.StartedAt = timePtr(started)
	s.EndedAt = timePtr(ended)
	return s, nil
}

func (p *Postgres) CreateSession(ctx context.Context, s attendance.Session) error {
	fence, err := json.Marshal(s.Geofence)
	if err != nil {
		return err
	}
	policy, err := json.Marshal(s.Policy)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, s.ID, s.CourseID, s.ProfessorID, s.StartTime, s.EndTime, s.Timezone, fence, policy, s.Status,
		s.QRToken, s.PrevQRToken, nullTime(s.QRRotatedAt), s.CancelReason, nullTime(s.StartedAt), nullTime(s.EndedAt),
		s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *Postgres) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Session{}, fmt.Errorf("session %s: %w", id, attendance.ErrNotFound)
	}
	return s, err
}

func lockSession(ctx context.Context, tx *sql.Tx, id string) (attendance.Session, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return attendance.Session{}, fmt.Errorf("session %s: %w", id, attendance.ErrNotFound)
	}
	return s, err
}

func (p *Postgres) UpdateSession(ctx context.Context, id string, fn func(*attendance.Session) (attendance.SessionUpdate, error)) (attendance.Session, []attendance.Attempt, error) {
	var (
		out      attendance.Session
		resolved []attendance.Attempt
	)
	errNoSave := errors.New("no save")

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		s, err := lockSession(ctx, tx, id)
		if err != nil {
			return err
		}
		upd, err := fn(&s)
		if err != nil {
			return err
		}
		out = s
		if !upd.Save {
			return errNoSave
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = $2, qr_token = $3, prev_qr_token = $4, qr_rotated_at = $5, cancel_reason = $6,
				started_at = $7, ended_at = $8, updated_at = $9
			WHERE id = $1
		`, s.ID, s.Status, s.QRToken, s.PrevQRToken, nullTime(s.QRRotatedAt), s.CancelReason,
			nullTime(s.StartedAt), nullTime(s.EndedAt), s.UpdatedAt)
		if err != nil {
			return err
		}
		if upd.ResolvePending == "" {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE attempts SET outcome = $2, finalized_at = $3
			WHERE session_id = $1 AND outcome = $4
			RETURNING `+attemptColumns, s.ID, upd.ResolvePending, s.UpdatedAt, attendance.OutcomeReview)
		if err != nil {
			return err
		}
		resolved, err = scanAttempts(rows)
		return err
	})
	if errors.Is(err, errNoSave) {
		return out, nil, nil
	}
	if err != nil {
		return attendance.Session{}, nil, err
	}
	return out, resolved, nil
}

func (p *Postgres) ListSessionsByStatus(ctx context.Context, statuses ...attendance.Status) ([]attendance.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(ph, ", ") + `)`
	}
	query += ` ORDER BY start_time`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []attendance.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func studentAttended(ctx context.Context, tx *sql.Tx, sessionID, studentID string) (bool, error) {
	var ok bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attempts
			WHERE session_id = $1 AND student_id = $2 AND outcome IN ('PRESENT', 'LATE')
		)
	`, sessionID, studentID).Scan(&ok)
	return ok, err
}

func (p *Postgres) ReserveAttempt(ctx context.Context, sessionID, studentID string, max int) (int, error) {
	var n int
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := lockSession(ctx, tx, sessionID); err != nil {
			return err
		}
		attended, err := studentAttended(ctx, tx, sessionID, studentID)
		if err != nil {
			return err
		}
		if attended {
			return attendance.ErrDuplicateTerminalAttempt
		}
		err = tx.QueryRowContext(ctx, `
			INSERT INTO attempt_counters (session_id, student_id, reserved)
			VALUES ($1, $2, 1)
			ON CONFLICT (session_id, student_id)
			DO UPDATE SET reserved = attempt_counters.reserved + 1
			WHERE attempt_counters.reserved < $3
			RETURNING reserved
		`, sessionID, studentID, max).Scan(&n)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d of %d used", attendance.ErrMaxAttemptsExceeded, max, max)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

const attemptColumns = `id, session_id, student_id, attempt_number, submitted_at, client_timestamp, location,
	distance_meters, device_fingerprint, photo_ref, photo_hash, fraud_score, fraud_reasons, outcome, finalized_at`

func scanAttempt(row scanner) (attendance.Attempt, error) {
	var (
		a        attendance.Attempt
		location []byte
		distance sql.NullFloat64
		reasons  []byte
	)
	err := row.Scan(&a.ID, &a.SessionID, &a.StudentID, &a.AttemptNumber, &a.SubmittedAt, &a.ClientTimestamp, &location,
		&distance, &a.DeviceFingerprint, &a.PhotoRef, &a.PhotoHash, &a.FraudScore, &reasons, &a.Outcome, &a.FinalizedAt)
	if err != nil {
		return attendance.Attempt{}, err
	}
	if len(location) > 0 {
		var fix geofence.Fix
		if err := json.Unmarshal(location, &fix); err != nil {
			return attendance.Attempt{}, fmt.Errorf("decode location: %w", err)
		}
		a.Location = &fix
	}
	if distance.Valid {
		d := distance.Float64
		a.DistanceMeters = &d
	}
	a.FraudReasons = fraud.Reasons{}
	if err := json.Unmarshal(reasons, &a.FraudReasons); err != nil {
		return attendance.Attempt{}, fmt.Errorf("decode reasons: %w", err)
	}
	return a, nil
}

func scanAttempts(rows *sql.Rows) ([]attendance.Attempt, error) {
	defer rows.Close()
	var out []attendance.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) CommitAttempt(ctx context.Context, a attendance.Attempt, decide attendance.CommitFunc) (attendance.Attempt, error) {
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		s, err := lockSession(ctx, tx, a.SessionID)
		if err != nil {
			return err
		}
		attended, err := studentAttended(ctx, tx, a.SessionID, a.StudentID)
		if err != nil {
			return err
		}
		if decide != nil {
			if err := decide(s, attended, &a); err != nil {
				return err
			}
		}

		var location []byte
		if a.Location != nil {
			if location, err = json.Marshal(a.Location); err != nil {
				return err
			}
		}
		var distance sql.NullFloat64
		if a.DistanceMeters != nil {
			distance = sql.NullFloat64{Float64: *a.DistanceMeters, Valid: true}
		}
		reasons, err := json.Marshal(a.FraudReasons)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO attempts (`+attemptColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, a.ID, a.SessionID, a.StudentID, a.AttemptNumber, a.SubmittedAt, a.ClientTimestamp, location,
			distance, a.DeviceFingerprint, a.PhotoRef, a.PhotoHash, a.FraudScore, reasons, a.Outcome, a.FinalizedAt)
		return err
	})
	if err != nil {
		return attendance.Attempt{}, err
	}
	return a, nil
}

func (p *Postgres) ListAttempts(ctx context.Context, sessionID string) ([]attendance.Attempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE session_id = $1
		ORDER BY submitted_at, attempt_number
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanAttempts(rows)
}

func (p *Postgres) RecentAttemptsByStudent(ctx context.Context, studentID string, since time.Time) ([]attendance.Attempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM attempts
		WHERE student_id = $1 AND submitted_at >= $2
		ORDER BY submitted_at
	`, studentID, since)
	if err != nil {
		return nil, err
	}
	return scanAttempts(rows)
}

func (p *Postgres) CreateAlert(ctx context.Context, a attendance.FraudAlert) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, attempt_id, session_id, student_id, type, severity, is_resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.AttemptID, a.SessionID, a.StudentID, a.Type, a.Severity.String(), a.IsResolved, a.CreatedAt)
	return err
}

func (p *Postgres) ListAlerts(ctx context.Context, sessionID string) ([]attendance.FraudAlert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, attempt_id, session_id, student_id, type, severity, is_resolved, created_at
		FROM fraud_alerts
		WHERE session_id = $1
		ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []attendance.FraudAlert
	for rows.Next() {
		var (
			a        attendance.FraudAlert
			severity string
		)
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.SessionID, &a.StudentID, &a.Type, &severity, &a.IsResolved, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := a.Severity.UnmarshalText([]byte(severity)); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Enroll adds students to a course. Existing enrollments are kept.
func (p *Postgres) Enroll(ctx context.Context, courseID string, studentIDs ...string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range studentIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO enrollments (course_id, student_id) VALUES ($1, $2)
				ON CONFLICT DO NOTHING
			`, courseID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) ResolveEnrollment(ctx context.Context, studentID, courseID string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE course_id = $1 AND student_id = $2)
	`, courseID, studentID).Scan(&ok)
	return ok, err
}

const deviceColumns = `fingerprint, student_id, first_seen_at, last_seen_at, trust_level, shared_with, streak, stale`

func scanDevice(row scanner) (devicetrust.Record, error) {
	var (
		r      devicetrust.Record
		shared []byte
	)
	if err := row.Scan(&r.Fingerprint, &r.StudentID, &r.FirstSeenAt, &r.LastSeenAt, &r.TrustLevel, &shared, &r.Streak, &r.Stale); err != nil {
		return devicetrust.Record{}, err
	}
	if err := json.Unmarshal(shared, &r.SharedWithStudentIDs); err != nil {
		return devicetrust.Record{}, fmt.Errorf("decode shared_with: %w", err)
	}
	return r, nil
}

// UpdateFingerprint serializes writers on a transaction-scoped advisory lock
// keyed by the fingerprint, then replaces its records with fn's result.
func (p *Postgres) UpdateFingerprint(ctx context.Context, fingerprint string, fn func([]devicetrust.Record) ([]devicetrust.Record, error)) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, fingerprint); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT `+deviceColumns+` FROM device_records WHERE fingerprint = $1 ORDER BY first_seen_at`, fingerprint)
		if err != nil {
			return err
		}
		var current []devicetrust.Record
		for rows.Next() {
			r, err := scanDevice(rows)
			if err != nil {
				rows.Close()
				return err
			}
			current = append(current, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM device_records WHERE fingerprint = $1`, fingerprint); err != nil {
			return err
		}
		for _, r := range next {
			shared := r.SharedWithStudentIDs
			if shared == nil {
				shared = []string{}
			}
			sharedJSON, err := json.Marshal(shared)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO device_records (`+deviceColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, fingerprint, r.StudentID, r.FirstSeenAt, r.LastSeenAt, r.TrustLevel, sharedJSON, r.Streak, r.Stale); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) GetDevice(ctx context.Context, studentID, fingerprint string) (*devicetrust.Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+deviceColumns+` FROM device_records WHERE fingerprint = $1 AND student_id = $2
	`, fingerprint, studentID)
	r, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) MarkStale(ctx context.Context, notSeenSince time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE device_records SET stale = TRUE WHERE NOT stale AND last_seen_at < $1
	`, notSeenSince)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
