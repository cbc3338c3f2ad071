// Package fraud holds the closed catalogue of fraud reasons and the scoring
// policy that turns a set of reasons into a risk score and an outcome band.
package fraud

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Severity orders how much a reason matters. Higher is worse.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "INFO",
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	for k, v := range severityNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("fraud: unknown severity %q", string(b))
}

// Reason is a named fraud signal. The set is closed; see catalogue.
type Reason string

const (
	LocationOutsideRadius Reason = "LOCATION_OUTSIDE_RADIUS"
	LocationSpoofing      Reason = "LOCATION_SPOOFING"
	LocationReplay        Reason = "LOCATION_REPLAY"
	LocationInvalid       Reason = "LOCATION_INVALID"
	LocationLowAccuracy   Reason = "LOCATION_LOW_ACCURACY"

	NewDevice     Reason = "NEW_DEVICE"
	DeviceSharing Reason = "DEVICE_SHARING"
	DeviceCloning Reason = "DEVICE_CLONING"

	PhotoQualityTooLow       Reason = "PHOTO_QUALITY_TOO_LOW"
	PhotoManipulation        Reason = "PHOTO_MANIPULATION"
	PhotoAnalysisUnavailable Reason = "PHOTO_ANALYSIS_UNAVAILABLE"

	TimeManipulation     Reason = "TIME_MANIPULATION"
	TimezoneManipulation Reason = "TIMEZONE_MANIPULATION"

	QRCodeInvalid Reason = "QR_CODE_INVALID"
	QRCodeExpired Reason = "QR_CODE_EXPIRED"
	QRCodeReplay  Reason = "QR_CODE_REPLAY"
	QRCodeSharing Reason = "QR_CODE_SHARING"
)

type spec struct {
	severity Severity
	weight   int
	fatal    bool
}

var catalogue = map[Reason]spec{
	LocationOutsideRadius: {SeverityHigh, 80, false},
	LocationSpoofing:      {SeverityHigh, 90, false},
	LocationReplay:        {SeverityHigh, 75, false},
	LocationInvalid:       {SeverityMedium, 40, false},
	LocationLowAccuracy:   {SeverityLow, 10, false},

	NewDevice:     {SeverityInfo, 0, false},
	DeviceSharing: {SeverityHigh, 85, false},
	DeviceCloning: {SeverityHigh, 90, false},

	PhotoQualityTooLow:       {SeverityMedium, 35, false},
	PhotoManipulation:        {SeverityHigh, 80, false},
	PhotoAnalysisUnavailable: {SeverityMedium, 30, false},

	TimeManipulation:     {SeverityMedium, 45, false},
	TimezoneManipulation: {SeverityMedium, 30, false},

	QRCodeInvalid: {SeverityCritical, 100, true},
	QRCodeExpired: {SeverityHigh, 70, true},
	QRCodeReplay:  {SeverityCritical, 100, true},
	QRCodeSharing: {SeverityMedium, 50, false},
}

// Severity reports the fixed severity of r. Unknown reasons are INFO.
func (r Reason) Severity() Severity { return catalogue[r].severity }

// Weight is the number of points r contributes when it is the dominant
// reason of its band.
func (r Reason) Weight() int { return catalogue[r].weight }

// Fatal reasons short-circuit verification before scoring.
func (r Reason) Fatal() bool { return catalogue[r].fatal }

// Valid reports whether r is part of the catalogue.
func (r Reason) Valid() bool {
	_, ok := catalogue[r]
	return ok
}

func (r Reason) String() string { return string(r) }

// ParseReason resolves a stable identifier into a Reason.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if !r.Valid() {
		return "", fmt.Errorf("fraud: unknown reason %q", s)
	}
	return r, nil
}

// All returns every catalogued reason sorted by name.
func All() []Reason {
	out := make([]Reason, 0, len(catalogue))
	for r := range catalogue {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Reasons is an ordered set: insertion order is kept and duplicates are dropped.
type Reasons []Reason

// Add appends rs that are not already present.
func (s *Reasons) Add(rs ...Reason) {
	for _, r := range rs {
		if !s.Has(r) {
			*s = append(*s, r)
		}
	}
}

// Has reports whether r is in the set.
func (s Reasons) Has(r Reason) bool {
	for _, x := range s {
		if x == r {
			return true
		}
	}
	return false
}

// MaxSeverity is the worst severity in the set, INFO when empty.
func (s Reasons) MaxSeverity() Severity {
	max := SeverityInfo
	for _, r := range s {
		if sev := r.Severity(); sev > max {
			max = sev
		}
	}
	return max
}

// Dominant returns the reason with the highest severity, then weight.
// Ties keep insertion order.
func (s Reasons) Dominant() (Reason, bool) {
	if len(s) == 0 {
		return "", false
	}
	best := s[0]
	for _, r := range s[1:] {
		if r.Severity() > best.Severity() ||
			(r.Severity() == best.Severity() && r.Weight() > best.Weight()) {
			best = r
		}
	}
	return best, true
}

// Strings returns the stable identifiers in order.
func (s Reasons) Strings() []string {
	out := make([]string, len(s))
	for i, r := range s {
		out[i] = string(r)
	}
	return out
}

// MarshalJSON always emits an array, never null.
func (s Reasons) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON rejects names outside the catalogue.
func (s *Reasons) UnmarshalJSON(b []byte) error {
	var names []string
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	out := make(Reasons, 0, len(names))
	for _, n := range names {
		r, err := ParseReason(n)
		if err != nil {
			return err
		}
		out.Add(r)
	}
	*s = out
	return nil
}
