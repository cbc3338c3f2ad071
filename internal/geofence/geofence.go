// Package geofence checks a reported location against a session's permitted
// area and flags readings that look replayed or spoofed.
package geofence

import (
	"math"
	"time"

	"attendguard/internal/fraud"
)

const earthRadiusMeters = 6371000

// Fence is a circular permitted region.
type Fence struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	RadiusMeters float64 `json:"radiusMeters"`
	Name         string  `json:"name,omitempty"`
}

// Fix is a single reported location.
type Fix struct {
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	AccuracyMeters float64 `json:"accuracyMeters"`
}

// PriorFix is a fix the same student reported earlier.
type PriorFix struct {
	Fix
	At time.Time
}

// Config tunes the validator.
type Config struct {
	// SuspiciousAccuracyMeters: fixes reported more precisely than this are
	// treated as synthetic when combined with an implausible jump.
	SuspiciousAccuracyMeters float64
	// MaxSpeedMPS is the fastest plausible travel between two fixes.
	MaxSpeedMPS float64
	// ReplayWindow bounds how far back an identical fix counts as a replay.
	ReplayWindow time.Duration
	// LowAccuracyMeters flags fixes that are too coarse to trust.
	LowAccuracyMeters float64
	// MaxToleranceMeters caps how much of the reported accuracy is added
	// to the radius.
	MaxToleranceMeters float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		SuspiciousAccuracyMeters: 1,
		MaxSpeedMPS:              50,
		ReplayWindow:             24 * time.Hour,
		LowAccuracyMeters:        150,
		MaxToleranceMeters:       500,
	}
}

// Result is the validator output.
type Result struct {
	IsWithinRadius bool          `json:"isWithinRadius"`
	DistanceMeters float64       `json:"distanceMeters"`
	Reasons        fraud.Reasons `json:"reasons"`
}

// Validator is pure and safe for concurrent use.
type Validator struct {
	cfg Config
}

// NewValidator fills zero config values from DefaultConfig.
func NewValidator(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.SuspiciousAccuracyMeters <= 0 {
		cfg.SuspiciousAccuracyMeters = def.SuspiciousAccuracyMeters
	}
	if cfg.MaxSpeedMPS <= 0 {
		cfg.MaxSpeedMPS = def.MaxSpeedMPS
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = def.ReplayWindow
	}
	if cfg.LowAccuracyMeters <= 0 {
		cfg.LowAccuracyMeters = def.LowAccuracyMeters
	}
	if cfg.MaxToleranceMeters <= 0 {
		cfg.MaxToleranceMeters = def.MaxToleranceMeters
	}
	return &Validator{cfg: cfg}
}

// Validate never fails. Out-of-range input is clamped and flagged.
// history should hold the student's earlier fixes, newest last.
func (v *Validator) Validate(fix Fix, fence Fence, history []PriorFix, now time.Time) Result {
	var res Result
	fix, ok := clampFix(fix)
	if !ok {
		res.Reasons.Add(fraud.LocationInvalid)
	}
	fence, _ = clampFence(fence)

	res.DistanceMeters = Distance(fix.Lat, fix.Lng, fence.Lat, fence.Lng)
	tolerance := math.Min(fix.AccuracyMeters, v.cfg.MaxToleranceMeters)
	res.IsWithinRadius = WithinRadius(res.DistanceMeters, fence.RadiusMeters, tolerance)
	if !res.IsWithinRadius {
		res.Reasons.Add(fraud.LocationOutsideRadius)
	}
	if fix.AccuracyMeters > v.cfg.LowAccuracyMeters {
		res.Reasons.Add(fraud.LocationLowAccuracy)
	}

	if v.isSpoofed(fix, history, now) {
		res.Reasons.Add(fraud.LocationSpoofing)
	}
	if v.isReplay(fix, history, now) {
		res.Reasons.Add(fraud.LocationReplay)
	}
	return res
}

func (v *Validator) isSpoofed(fix Fix, history []PriorFix, now time.Time) bool {
	if fix.AccuracyMeters >= v.cfg.SuspiciousAccuracyMeters || len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	for _, h := range history {
		if h.At.After(last.At) {
			last = h
		}
	}
	prev, _ := clampFix(last.Fix)
	dist := Distance(prev.Lat, prev.Lng, fix.Lat, fix.Lng)
	elapsed := now.Sub(last.At).Seconds()
	if elapsed <= 0 {
		return dist > 0
	}
	return dist/elapsed > v.cfg.MaxSpeedMPS
}

func (v *Validator) isReplay(fix Fix, history []PriorFix, now time.Time) bool {
	cutoff := now.Add(-v.cfg.ReplayWindow)
	for _, h := range history {
		if h.At.Before(cutoff) {
			continue
		}
		if h.Lat == fix.Lat && h.Lng == fix.Lng && h.AccuracyMeters == fix.AccuracyMeters {
			return true
		}
	}
	return false
}

// WithinRadius is boundary inclusive.
func WithinRadius(distance, radius, tolerance float64) bool {
	return distance <= radius+tolerance
}

// Distance is the haversine great-circle distance in meters, rounded to the
// millimetre.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	Δφ := (lat2 - lat1) * math.Pi / 180
	Δλ := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(Δφ/2)*math.Sin(Δφ/2) + math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return math.Round(earthRadiusMeters*c*1000) / 1000
}

func clampFix(f Fix) (Fix, bool) {
	ok := true
	f.Lat, ok = clamp(f.Lat, -90, 90, ok)
	f.Lng, ok = clamp(f.Lng, -180, 180, ok)
	if math.IsNaN(f.AccuracyMeters) || math.IsInf(f.AccuracyMeters, 0) || f.AccuracyMeters < 0 {
		f.AccuracyMeters = 0
		ok = false
	}
	return f, ok
}

func clampFence(f Fence) (Fence, bool) {
	ok := true
	f.Lat, ok = clamp(f.Lat, -90, 90, ok)
	f.Lng, ok = clamp(f.Lng, -180, 180, ok)
	if math.IsNaN(f.RadiusMeters) || f.RadiusMeters < 0 {
		f.RadiusMeters = 0
		ok = false
	}
	return f, ok
}

func clamp(v, lo, hi float64, ok bool) (float64, bool) {
	switch {
	case math.IsNaN(v):
		return 0, false
	case v < lo:
		return lo, false
	case v > hi:
		return hi, false
	}
	return v, ok
}
