package devicetrust

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/fraud"
)

func newTestStore(t *testing.T) (*Store, *MemoryRepository, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	repo := NewMemoryRepository()
	s := NewStore(repo, WithClock(func() time.Time { return now }))
	return s, repo, &now
}

func TestEvaluateNewDevice(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	res, err := s.Evaluate(ctx, "stu-1", "fp-abc")
	require.NoError(t, err)
	assert.Equal(t, fraud.Reasons{fraud.NewDevice}, res.Reasons)
	assert.Equal(t, TrustLow, res.Record.TrustLevel)
	assert.Empty(t, res.Record.SharedWithStudentIDs)

	res, err = s.Evaluate(ctx, "stu-1", "fp-abc")
	require.NoError(t, err)
	assert.Empty(t, res.Reasons, "known device carries no reasons")
}

func TestEvaluateSharedDevice(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Evaluate(ctx, "stu-1", "fp-shared")
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = s.Promote(ctx, "stu-1", "fp-shared")
		require.NoError(t, err)
	}

	res, err := s.Evaluate(ctx, "stu-2", "fp-shared")
	require.NoError(t, err)
	assert.True(t, res.Reasons.Has(fraud.DeviceSharing))
	assert.Equal(t, []string{"stu-1"}, res.Record.SharedWithStudentIDs)

	first, err := s.Get(ctx, "stu-1", "fp-shared")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, []string{"stu-2"}, first.SharedWithStudentIDs)
	assert.Equal(t, TrustLow, first.TrustLevel, "sharing demotes the original owner")
	assert.Zero(t, first.Streak)
}

func TestEvaluateCloning(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, fp := range []string{"sdk_gphone64_x86_64|1080x2400|en-US", "0000000000000000", "Chrome;Generic;UTC"} {
		res, err := s.Evaluate(ctx, "stu-1", fp)
		require.NoError(t, err)
		assert.True(t, res.Reasons.Has(fraud.DeviceCloning), fp)
	}

	res, err := s.Evaluate(ctx, "stu-1", "pixel8|1080x2400|en-US")
	require.NoError(t, err)
	assert.False(t, res.Reasons.Has(fraud.DeviceCloning))
}

func TestCustomCloneSignature(t *testing.T) {
	s := NewStore(NewMemoryRepository(), WithCloneSignatures("LAB-KIOSK-01"))
	res, err := s.Evaluate(context.Background(), "stu-1", "lab-kiosk-01")
	require.NoError(t, err)
	assert.True(t, res.Reasons.Has(fraud.DeviceCloning))
}

func TestPromoteStreak(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Evaluate(ctx, "stu-1", "fp")
	require.NoError(t, err)

	var rec Record
	for i := 1; i <= 10; i++ {
		rec, err = s.Promote(ctx, "stu-1", "fp")
		require.NoError(t, err)
		switch {
		case i < 3:
			assert.Equal(t, TrustLow, rec.TrustLevel, "use %d", i)
		case i < 10:
			assert.Equal(t, TrustMedium, rec.TrustLevel, "use %d", i)
		default:
			assert.Equal(t, TrustHigh, rec.TrustLevel, "use %d", i)
		}
	}

	rec, err = s.Demote(ctx, "stu-1", "fp")
	require.NoError(t, err)
	assert.Equal(t, TrustLow, rec.TrustLevel)
	assert.Zero(t, rec.Streak)
}

func TestPromoteUnknown(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.Promote(context.Background(), "nobody", "nothing")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestMarkStaleAndReactivate(t *testing.T) {
	s, _, now := newTestStore(t)
	ctx := context.Background()
	_, err := s.Evaluate(ctx, "stu-1", "fp-old")
	require.NoError(t, err)

	*now = now.Add(60 * 24 * time.Hour)
	n, err := s.MarkStale(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := s.Get(ctx, "stu-1", "fp-old")
	require.NoError(t, err)
	assert.True(t, rec.Stale)

	res, err := s.Evaluate(ctx, "stu-1", "fp-old")
	require.NoError(t, err)
	assert.False(t, res.Record.Stale)
}

func TestConcurrentSharedFingerprint(t *testing.T) {
	s := NewStore(NewMemoryRepository())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i, student := range []string{"stu-a", "stu-b"} {
		wg.Add(1)
		go func(i int, student string) {
			defer wg.Done()
			res, err := s.Evaluate(ctx, student, "fp-collide")
			assert.NoError(t, err)
			results[i] = res
		}(i, student)
	}
	wg.Wait()

	shared := results[0].Reasons.Has(fraud.DeviceSharing) || results[1].Reasons.Has(fraud.DeviceSharing)
	assert.True(t, shared, "one of the two submissions must see the other")

	for _, student := range []string{"stu-a", "stu-b"} {
		rec, err := s.Get(ctx, student, "fp-collide")
		require.NoError(t, err)
		require.NotNil(t, rec, "no lost record for %s", student)
	}
}
