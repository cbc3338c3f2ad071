package attendance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"attendguard/internal/keylock"
)

// MemoryStore keeps everything in process. Safe for concurrent use.
type MemoryStore struct {
	locks keylock.Locker

	mu       sync.RWMutex
	sessions map[string]Session
	attempts map[string][]Attempt
	reserved map[string]int
	alerts   map[string][]FraudAlert
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		attempts: make(map[string][]Attempt),
		reserved: make(map[string]int),
		alerts:   make(map[string][]FraudAlert),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s already exists", ErrValidationFailed, s.ID)
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, fn func(*Session) (SessionUpdate, error)) (Session, []Attempt, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	s, err := m.GetSession(ctx, id)
	if err != nil {
		return Session{}, nil, err
	}
	upd, err := fn(&s)
	if err != nil {
		return Session{}, nil, err
	}
	if !upd.Save {
		return s, nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = s
	var resolved []Attempt
	if upd.ResolvePending != "" {
		list := m.attempts[id]
		for i := range list {
			if list[i].Outcome != OutcomeReview {
				continue
			}
			list[i].Outcome = upd.ResolvePending
			list[i].FinalizedAt = s.UpdatedAt
			resolved = append(resolved, list[i])
		}
	}
	return s, resolved, nil
}

func (m *MemoryStore) ListSessionsByStatus(_ context.Context, statuses ...Status) ([]Session, error) {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if len(want) == 0 || want[s.Status] {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) ReserveAttempt(_ context.Context, sessionID, studentID string, max int) (int, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attendedLocked(sessionID, studentID) {
		return 0, ErrDuplicateTerminalAttempt
	}
	key := sessionID + "|" + studentID
	if m.reserved[key] >= max {
		return 0, fmt.Errorf("%w: %d of %d used", ErrMaxAttemptsExceeded, m.reserved[key], max)
	}
	m.reserved[key]++
	return m.reserved[key], nil
}

func (m *MemoryStore) CommitAttempt(ctx context.Context, a Attempt, decide CommitFunc) (Attempt, error) {
	unlock := m.locks.Lock(a.SessionID)
	defer unlock()

	s, err := m.GetSession(ctx, a.SessionID)
	if err != nil {
		return Attempt{}, err
	}
	m.mu.RLock()
	attended := m.attendedLocked(a.SessionID, a.StudentID)
	m.mu.RUnlock()

	if decide != nil {
		if err := decide(s, attended, &a); err != nil {
			return Attempt{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.SessionID] = append(m.attempts[a.SessionID], a)
	return a, nil
}

func (m *MemoryStore) attendedLocked(sessionID, studentID string) bool {
	for _, a := range m.attempts[sessionID] {
		if a.StudentID == studentID && a.Outcome.Attended() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListAttempts(_ context.Context, sessionID string) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Attempt(nil), m.attempts[sessionID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *MemoryStore) RecentAttemptsByStudent(_ context.Context, studentID string, since time.Time) ([]Attempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Attempt
	for _, list := range m.attempts {
		for _, a := range list {
			if a.StudentID == studentID && !a.SubmittedAt.Before(since) {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a FraudAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.SessionID] = append(m.alerts[a.SessionID], a)
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, sessionID string) ([]FraudAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]FraudAlert(nil), m.alerts[sessionID]...), nil
}

// MemoryRoster is a static enrollment table.
type MemoryRoster struct {
	mu      sync.RWMutex
	courses map[string]map[string]struct{}
}

// NewMemoryRoster returns an empty roster.
func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{courses: make(map[string]map[string]struct{})}
}

// Enroll adds students to a course.
func (r *MemoryRoster) Enroll(courseID string, studentIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.courses[courseID]
	if !ok {
		set = make(map[string]struct{})
		r.courses[courseID] = set
	}
	for _, id := range studentIDs {
		set[id] = struct{}{}
	}
}

func (r *MemoryRoster) ResolveEnrollment(_ context.Context, studentID, courseID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.courses[courseID][studentID]
	return ok, nil
}
