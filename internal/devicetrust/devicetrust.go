// Package devicetrust tracks device fingerprints per student and detects
// new, shared and cloned devices.
package devicetrust

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"attendguard/internal/fraud"
)

// TrustLevel grows with consecutive low-risk uses.
type TrustLevel string

const (
	TrustLow    TrustLevel = "LOW"
	TrustMedium TrustLevel = "MEDIUM"
	TrustHigh   TrustLevel = "HIGH"
)

const (
	mediumStreak = 3
	highStreak   = 10
)

// Record is one (student, fingerprint) pairing.
type Record struct {
	StudentID            string     `json:"studentId"`
	Fingerprint          string     `json:"fingerprint"`
	FirstSeenAt          time.Time  `json:"firstSeenAt"`
	LastSeenAt           time.Time  `json:"lastSeenAt"`
	TrustLevel           TrustLevel `json:"trustLevel"`
	SharedWithStudentIDs []string   `json:"sharedWithStudentIds"`
	Streak               int        `json:"streak"`
	Stale                bool       `json:"stale"`
}

// Repository persists records. UpdateFingerprint must run fn while holding an
// exclusive lock on fingerprint and store the records fn returns.
type Repository interface {
	UpdateFingerprint(ctx context.Context, fingerprint string, fn func(records []Record) ([]Record, error)) error
	GetDevice(ctx context.Context, studentID, fingerprint string) (*Record, error)
	MarkStale(ctx context.Context, notSeenSince time.Time) (int, error)
}

// ErrUnknownDevice is returned when promoting a pairing that was never evaluated.
var ErrUnknownDevice = errors.New("devicetrust: unknown device")

// defaultCloneMarkers are fingerprint components emitted by emulators and
// factory-default browser profiles.
var defaultCloneMarkers = []string{
	"generic",
	"generic_x86",
	"emulator",
	"sdk_gphone",
	"sdk_gphone64_x86_64",
	"goldfish",
	"ranchu",
	"vbox86",
	"genymotion",
	"000000000000000",
	"0000000000000000",
	"00000000-0000-0000-0000-000000000000",
}

// Result is what Evaluate reports.
type Result struct {
	Reasons fraud.Reasons `json:"reasons"`
	Record  Record        `json:"record"`
}

// Store evaluates and updates device trust.
type Store struct {
	repo    Repository
	markers map[string]struct{}
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithCloneSignatures adds fingerprints or components that mark a cloned device.
func WithCloneSignatures(sigs ...string) Option {
	return func(s *Store) {
		for _, sig := range sigs {
			s.markers[strings.ToLower(strings.TrimSpace(sig))] = struct{}{}
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds a trust store over repo.
func NewStore(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo:    repo,
		markers: make(map[string]struct{}, len(defaultCloneMarkers)),
		now:     time.Now,
	}
	for _, m := range defaultCloneMarkers {
		s.markers[m] = struct{}{}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Evaluate looks up the pairing, creating it on first sight, and flags new,
// shared and cloned devices. Every student on a shared fingerprint is
// demoted.
func (s *Store) Evaluate(ctx context.Context, studentID, fingerprint string) (Result, error) {
	var res Result
	now := s.now().UTC()
	cloned := s.isCloned(fingerprint)

	err := s.repo.UpdateFingerprint(ctx, fingerprint, func(records []Record) ([]Record, error) {
		idx := -1
		var others []string
		for i, r := range records {
			if r.StudentID == studentID {
				idx = i
				continue
			}
			others = append(others, r.StudentID)
		}

		if idx < 0 {
			records = append(records, Record{
				StudentID:   studentID,
				Fingerprint: fingerprint,
				FirstSeenAt: now,
				TrustLevel:  TrustLow,
			})
			idx = len(records) - 1
			res.Reasons.Add(fraud.NewDevice)
		}

		if len(others) > 0 {
			res.Reasons.Add(fraud.DeviceSharing)
			for i := range records {
				records[i].SharedWithStudentIDs = sharedWith(records, records[i].StudentID)
				demote(&records[i])
			}
		}
		if cloned {
			res.Reasons.Add(fraud.DeviceCloning)
			demote(&records[idx])
		}

		records[idx].LastSeenAt = now
		records[idx].Stale = false
		res.Record = records[idx]
		return records, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Promote records one low-risk use and raises the trust level once the streak
// reaches its thresholds. Shared devices are never promoted.
func (s *Store) Promote(ctx context.Context, studentID, fingerprint string) (Record, error) {
	return s.apply(ctx, studentID, fingerprint, func(r *Record) {
		if len(r.SharedWithStudentIDs) > 0 {
			return
		}
		r.Streak++
		switch {
		case r.Streak >= highStreak:
			r.TrustLevel = TrustHigh
		case r.Streak >= mediumStreak:
			r.TrustLevel = TrustMedium
		}
	})
}

// Demote resets the streak after a HIGH-severity flag.
func (s *Store) Demote(ctx context.Context, studentID, fingerprint string) (Record, error) {
	return s.apply(ctx, studentID, fingerprint, demote)
}

// Get returns a pairing or nil.
func (s *Store) Get(ctx context.Context, studentID, fingerprint string) (*Record, error) {
	return s.repo.GetDevice(ctx, studentID, fingerprint)
}

// MarkStale flags records not seen within olderThan. Records are never deleted.
func (s *Store) MarkStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.repo.MarkStale(ctx, s.now().UTC().Add(-olderThan))
}

func (s *Store) apply(ctx context.Context, studentID, fingerprint string, fn func(*Record)) (Record, error) {
	var out Record
	err := s.repo.UpdateFingerprint(ctx, fingerprint, func(records []Record) ([]Record, error) {
		for i := range records {
			if records[i].StudentID == studentID {
				fn(&records[i])
				out = records[i]
				return records, nil
			}
		}
		return nil, ErrUnknownDevice
	})
	return out, err
}

func (s *Store) isCloned(fingerprint string) bool {
	fp := strings.ToLower(strings.TrimSpace(fingerprint))
	if _, ok := s.markers[fp]; ok {
		return true
	}
	parts := strings.FieldsFunc(fp, func(r rune) bool {
		return r == '|' || r == ';' || r == ','
	})
	for _, p := range parts {
		if _, ok := s.markers[strings.TrimSpace(p)]; ok {
			return true
		}
	}
	return false
}

func demote(r *Record) {
	r.Streak = 0
	r.TrustLevel = TrustLow
}

func sharedWith(records []Record, studentID string) []string {
	var out []string
	for _, r := range records {
		if r.StudentID != studentID {
			out = append(out, r.StudentID)
		}
	}
	sort.Strings(out)
	return out
}
