// Package temporal checks client clocks against server receipt time. Server
// time is ground truth; client time is advisory and never used for ordering.
package temporal

import (
	"time"

	"attendguard/internal/fraud"
)

// Config tunes the validator.
type Config struct {
	SkewTolerance     time.Duration
	TimezoneTolerance time.Duration
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		SkewTolerance:     2 * time.Minute,
		TimezoneTolerance: 30 * time.Minute,
	}
}

// Input is one attempt's timing data.
type Input struct {
	ClientTimestamp time.Time
	ServerReceived  time.Time
	// ClientUTCOffsetMinutes is minutes east of UTC; nil when not reported.
	ClientUTCOffsetMinutes *int
	// Expected is the session's timezone; nil skips the timezone check.
	Expected *time.Location
}

// Result is the validator output.
type Result struct {
	Skew    time.Duration `json:"skew"`
	Reasons fraud.Reasons `json:"reasons"`
}

// Validator is pure and safe for concurrent use.
type Validator struct {
	cfg Config
}

// NewValidator fills zero config values from DefaultConfig.
func NewValidator(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.SkewTolerance <= 0 {
		cfg.SkewTolerance = def.SkewTolerance
	}
	if cfg.TimezoneTolerance <= 0 {
		cfg.TimezoneTolerance = def.TimezoneTolerance
	}
	return &Validator{cfg: cfg}
}

// Validate never fails.
func (v *Validator) Validate(in Input) Result {
	var res Result
	if in.ClientTimestamp.IsZero() {
		res.Reasons.Add(fraud.TimeManipulation)
	} else {
		res.Skew = in.ClientTimestamp.Sub(in.ServerReceived)
		if abs(res.Skew) > v.cfg.SkewTolerance {
			res.Reasons.Add(fraud.TimeManipulation)
		}
	}

	if in.ClientUTCOffsetMinutes != nil && in.Expected != nil {
		_, expectedSec := in.ServerReceived.In(in.Expected).Zone()
		diff := time.Duration(*in.ClientUTCOffsetMinutes)*time.Minute - time.Duration(expectedSec)*time.Second
		if abs(diff) > v.cfg.TimezoneTolerance {
			res.Reasons.Add(fraud.TimezoneManipulation)
		}
	}
	return res
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
