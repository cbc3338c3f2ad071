package fraud

import "sort"

const (
	// ReviewThreshold is the lowest score that withholds attendance.
	ReviewThreshold = 30
	// RejectThreshold is the lowest score that denies attendance.
	RejectThreshold = 70
	// MaxScore caps every assessment.
	MaxScore = 100

	// extraHighIncrement is what each HIGH or CRITICAL reason beyond the
	// dominant one adds.
	extraHighIncrement = 10
)

// Band is the decision bucket a score falls into.
type Band string

const (
	BandClear  Band = "CLEAR"
	BandReview Band = "REVIEW"
	BandReject Band = "REJECT"
)

// Signals are the per-validator reason sets fed into the engine.
type Signals struct {
	QR       Reasons
	Location Reasons
	Device   Reasons
	Photo    Reasons
	Temporal Reasons
}

// Merged returns all reasons in pipeline order without duplicates.
func (s Signals) Merged() Reasons {
	var out Reasons
	for _, set := range []Reasons{s.QR, s.Location, s.Device, s.Photo, s.Temporal} {
		out.Add(set...)
	}
	return out
}

// Assessment is the engine's verdict for one attempt.
type Assessment struct {
	Score    int
	Reasons  Reasons
	Band     Band
	Dominant Reason
	Severity Severity
}

// Alertable reports whether the assessment must raise a FraudAlert.
func (a Assessment) Alertable() bool {
	return a.Band == BandReject && a.Dominant != ""
}

// Engine scores reason sets. The zero value is ready to use.
type Engine struct{}

// NewEngine returns a scoring engine.
func NewEngine() *Engine { return &Engine{} }

// Assess merges the signals and scores them.
func (e *Engine) Assess(sig Signals) Assessment {
	reasons := sig.Merged()
	score := Score(reasons)
	a := Assessment{
		Score:    score,
		Reasons:  reasons,
		Band:     BandFor(score),
		Severity: reasons.MaxSeverity(),
	}
	if d, ok := reasons.Dominant(); ok {
		a.Dominant = d
	}
	return a
}

// Score applies the weighted-sum policy. The highest HIGH/CRITICAL reason
// contributes its full weight and every further one adds a fixed increment;
// all other reasons contribute their weight. The total is capped at MaxScore.
// Adding a reason never lowers the result.
func Score(reasons Reasons) int {
	var high []int
	total := 0
	seen := make(map[Reason]struct{}, len(reasons))
	for _, r := range reasons {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		if r.Severity() >= SeverityHigh {
			high = append(high, r.Weight())
			continue
		}
		total += r.Weight()
	}
	if len(high) > 0 {
		sort.Sort(sort.Reverse(sort.IntSlice(high)))
		total += high[0] + extraHighIncrement*(len(high)-1)
	}
	if total > MaxScore {
		total = MaxScore
	}
	return total
}

// BandFor maps a score to its decision band.
func BandFor(score int) Band {
	switch {
	case score >= RejectThreshold:
		return BandReject
	case score >= ReviewThreshold:
		return BandReview
	default:
		return BandClear
	}
}
