// Package ledger remembers which QR tokens each student has presented so the
// engine can spot replayed and shared tokens.
package ledger

import (
	"context"
	"sync"
	"time"
)

// Ledger is safe for concurrent use.
type Ledger interface {
	// Consume marks token as used by studentID. It reports true when the
	// student had already presented the same token.
	Consume(ctx context.Context, sessionID, studentID, token string, ttl time.Duration) (replayed bool, err error)
	// Observe records a presentation at `at` and reports whether a different
	// student presented the same token within window of it.
	Observe(ctx context.Context, sessionID, studentID, token string, at time.Time, window time.Duration) (shared bool, err error)
}

// sweepEvery is how many writes pass between scans for expired entries.
const sweepEvery = 256

type use struct {
	studentID string
	at        time.Time
}

// Memory is an in-process Ledger.
type Memory struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	seen     map[string][]use
	now      func() time.Time
	writes   int
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		consumed: make(map[string]time.Time),
		seen:     make(map[string][]use),
		now:      time.Now,
	}
}

func (m *Memory) Consume(_ context.Context, sessionID, studentID, token string, ttl time.Duration) (bool, error) {
	key := sessionID + "|" + token + "|" + studentID
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.consumed[key]; ok && now.Before(exp) {
		return true, nil
	}
	m.consumed[key] = now.Add(ttl)
	m.sweepLocked(now, now, 0)
	return false, nil
}

func (m *Memory) Observe(_ context.Context, sessionID, studentID, token string, at time.Time, window time.Duration) (bool, error) {
	key := sessionID + "|" + token

	m.mu.Lock()
	defer m.mu.Unlock()
	uses := m.seen[key]
	shared := false
	kept := uses[:0]
	for _, u := range uses {
		if at.Sub(u.at) > window {
			continue
		}
		kept = append(kept, u)
		if u.studentID != studentID && absDur(at.Sub(u.at)) <= window {
			shared = true
		}
	}
	m.seen[key] = append(kept, use{studentID: studentID, at: at})
	m.sweepLocked(m.now(), at, window)
	return shared, nil
}

// sweepLocked drops expired consumptions and token histories whose latest
// use is older than window before at. It runs on every sweepEvery-th write.
func (m *Memory) sweepLocked(now, at time.Time, window time.Duration) {
	m.writes++
	if m.writes%sweepEvery != 0 {
		return
	}
	for k, exp := range m.consumed {
		if !now.Before(exp) {
			delete(m.consumed, k)
		}
	}
	if window <= 0 {
		return
	}
	for k, uses := range m.seen {
		if len(uses) == 0 || at.Sub(uses[len(uses)-1].at) > window {
			delete(m.seen, k)
		}
	}
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
