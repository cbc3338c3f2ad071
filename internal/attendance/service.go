package attendance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"attendguard/internal/devicetrust"
	"attendguard/internal/events"
	"attendguard/internal/fraud"
	"attendguard/internal/geofence"
	"attendguard/internal/ledger"
	"attendguard/internal/photo"
	"attendguard/internal/temporal"
)

// Config tunes the engine. Zero values take defaults.
type Config struct {
	// StartGrace is how early before startTime a session may be started.
	StartGrace time.Duration
	// AttemptTimeout bounds one verification run; slower runs finalize as REVIEW.
	AttemptTimeout time.Duration
	// QRRotationGrace keeps the previous token valid after a rotation.
	QRRotationGrace time.Duration
	// QRShareWindow is how close two students' uses of one token must be to
	// count as sharing.
	QRShareWindow time.Duration
	// QRRotateEvery rotates tokens of active sessions from RotateDueTokens.
	// Zero disables automatic rotation.
	QRRotateEvery time.Duration

	Geofence geofence.Config
	Temporal temporal.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StartGrace:      15 * time.Minute,
		AttemptTimeout:  10 * time.Second,
		QRRotationGrace: 30 * time.Second,
		QRShareWindow:   time.Second,
		Geofence:        geofence.DefaultConfig(),
		Temporal:        temporal.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StartGrace <= 0 {
		c.StartGrace = def.StartGrace
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.QRRotationGrace <= 0 {
		c.QRRotationGrace = def.QRRotationGrace
	}
	if c.QRShareWindow <= 0 {
		c.QRShareWindow = def.QRShareWindow
	}
	if c.Geofence.ReplayWindow <= 0 {
		c.Geofence.ReplayWindow = def.Geofence.ReplayWindow
	}
	return c
}

// Metrics observes engine activity.
type Metrics interface {
	SessionTransition(status string)
	AttemptFinalized(outcome string, elapsed time.Duration)
	AlertRaised(reason, severity string)
}

type nopMetrics struct{}

func (nopMetrics) SessionTransition(string) {}
func (nopMetrics) AttemptFinalized(string, time.Duration) {}
func (nopMetrics) AlertRaised(string, string) {}

// Deps are the collaborators of a Service. Store and Roster are required;
// the rest default to in-memory or no-op implementations.
type Deps struct {
	Store    Store
	Roster   Roster
	Devices  *devicetrust.Store
	Ledger   ledger.Ledger
	Analyzer photo.Analyzer
	Emitter  events.Emitter
	Metrics  Metrics
	Logger   *zap.Logger
}

// Service is the attendance engine: session lifecycle plus attempt
// verification.
type Service struct {
	store    Store
	roster   Roster
	devices  *devicetrust.Store
	ledger   ledger.Ledger
	emitter  events.Emitter
	metrics  Metrics
	log      *zap.Logger
	geo      *geofence.Validator
	photos   *photo.Verifier
	temporal *temporal.Validator
	scorer   *fraud.Engine
	cfg      Config
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the engine.
func NewService(d Deps, cfg Config, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	if d.Devices == nil {
		d.Devices = devicetrust.NewStore(devicetrust.NewMemoryRepository())
	}
	if d.Ledger == nil {
		d.Ledger = ledger.NewMemory()
	}
	if d.Analyzer == nil {
		d.Analyzer = photo.AnalyzerFunc(func(context.Context, string) (photo.Analysis, error) {
			return photo.Analysis{QualityScore: 100, HasFace: true, FacesDetected: 1}, nil
		})
	}
	if d.Emitter == nil {
		d.Emitter = events.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &Service{
		store:    d.Store,
		roster:   d.Roster,
		devices:  d.Devices,
		ledger:   d.Ledger,
		emitter:  d.Emitter,
		metrics:  d.Metrics,
		log:      d.Logger.With(zap.String("component", "attendance")),
		geo:      geofence.NewValidator(cfg.Geofence),
		photos:   photo.NewVerifier(d.Analyzer),
		temporal: temporal.NewValidator(cfg.Temporal),
		scorer:   fraud.NewEngine(),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) emit(ctx context.Context, e events.Event) {
	if err := s.emitter.Emit(context.WithoutCancel(ctx), e); err != nil {
		s.log.Error("emit event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
