package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"attendguard/internal/devicetrust"
	"attendguard/internal/events"
	"attendguard/internal/geofence"
	"attendguard/internal/ledger"
	"attendguard/internal/photo"
)

var (
	baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	nyc      = geofence.Fence{Lat: 40.7128, Lng: -74.0060, RadiusMeters: 100, Name: "Hall A"}
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	t       *testing.T
	svc     *Service
	store   *MemoryStore
	roster  *MemoryRoster
	devices *devicetrust.Store
	rec     *events.Recorder
	clock   *fakeClock

	mu  sync.Mutex
	seq int
}

type harnessOption func(*Deps, *Config)

func withAnalyzer(a photo.Analyzer) harnessOption {
	return func(d *Deps, _ *Config) { d.Analyzer = a }
}

func withLedger(l ledger.Ledger) harnessOption {
	return func(d *Deps, _ *Config) { d.Ledger = l }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(_ *Deps, c *Config) { fn(c) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := &fakeClock{t: baseTime}
	h := &harness{
		t:      t,
		store:  NewMemoryStore(),
		roster: NewMemoryRoster(),
		rec:    &events.Recorder{},
		clock:  clock,
	}
	h.devices = devicetrust.NewStore(devicetrust.NewMemoryRepository(), devicetrust.WithClock(clock.Now))
	deps := Deps{
		Store:   h.store,
		Roster:  h.roster,
		Devices: h.devices,
		Emitter: h.rec,
		Analyzer: photo.AnalyzerFunc(func(context.Context, string) (photo.Analysis, error) {
			return photo.Analysis{QualityScore: 90, HasFace: true, FacesDetected: 1}, nil
		}),
	}
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&deps, &cfg)
	}
	h.svc = NewService(deps, cfg, WithClock(clock.Now))
	h.roster.Enroll("cs101", "alice", "bob", "carol", "dave", "erin")
	return h
}

func basePolicy() SecurityPolicy {
	return SecurityPolicy{
		RequireLocation:      true,
		RequireDeviceCheck:   true,
		EnableFraudDetection: true,
		MaxAttempts:          3,
		GracePeriodSeconds:   600,
	}
}

func (h *harness) create(p SecurityPolicy) Session {
	h.t.Helper()
	sess, err := h.svc.CreateSession(context.Background(), NewSession{
		CourseID:    "cs101",
		ProfessorID: "prof-1",
		StartTime:   baseTime,
		EndTime:     baseTime.Add(time.Hour),
		Geofence:    nyc,
		Policy:      p,
	})
	require.NoError(h.t, err)
	return sess
}

func (h *harness) active(p SecurityPolicy) Session {
	h.t.Helper()
	sess := h.create(p)
	sess, err := h.svc.Start(context.Background(), sess.ID)
	require.NoError(h.t, err)
	return sess
}

func (h *harness) current(id string) Session {
	h.t.Helper()
	sess, err := h.svc.GetSession(context.Background(), id)
	require.NoError(h.t, err)
	return sess
}

// sub builds a clean submission at the fence center. Every call reports a
// slightly different fix so that a student's retries are not replays.
func (h *harness) sub(sess Session, student string) Submission {
	h.mu.Lock()
	h.seq++
	n := h.seq
	h.mu.Unlock()
	return Submission{
		QRToken:           sess.QRToken,
		Location:          &geofence.Fix{Lat: nyc.Lat + float64(n)*1e-6, Lng: nyc.Lng, AccuracyMeters: 5},
		DeviceFingerprint: "fp-" + student,
		PhotoRef:          fmt.Sprintf("photos/%s-%d.jpg", student, n),
		ClientTimestamp:   h.clock.Now(),
	}
}

// submit moves the clock past the sharing window and submits.
func (h *harness) submit(sess Session, student string, sub Submission) (Attempt, error) {
	h.clock.Advance(2 * time.Second)
	sub.ClientTimestamp = h.clock.Now()
	return h.svc.SubmitAttempt(context.Background(), sess.ID, student, sub)
}
