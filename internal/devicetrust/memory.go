package devicetrust

import (
	"context"
	"sync"
	"time"

	"attendguard/internal/keylock"
)

// MemoryRepository keeps records in process. Used in tests and single-node
// deployments.
type MemoryRepository struct {
	locks keylock.Locker

	mu   sync.RWMutex
	byFP map[string][]Record
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byFP: make(map[string][]Record)}
}

func (m *MemoryRepository) UpdateFingerprint(ctx context.Context, fingerprint string, fn func([]Record) ([]Record, error)) error {
	unlock := m.locks.Lock(fingerprint)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	current := cloneRecords(m.byFP[fingerprint])
	m.mu.RUnlock()

	next, err := fn(current)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.byFP[fingerprint] = cloneRecords(next)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) GetDevice(_ context.Context, studentID, fingerprint string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.byFP[fingerprint] {
		if r.StudentID == studentID {
			out := cloneRecords([]Record{r})[0]
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) MarkStale(_ context.Context, notSeenSince time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for fp, recs := range m.byFP {
		for i := range recs {
			if !recs[i].Stale && recs[i].LastSeenAt.Before(notSeenSince) {
				recs[i].Stale = true
				n++
			}
		}
		m.byFP[fp] = recs
	}
	return n, nil
}

func cloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r
		if r.SharedWithStudentIDs != nil {
			out[i].SharedWithStudentIDs = append([]string(nil), r.SharedWithStudentIDs...)
		}
	}
	return out
}
