// Package photo applies the quality and manipulation policy to a captured
// attendance photo. Pixel analysis is delegated to an Analyzer.
package photo

import (
	"context"

	"attendguard/internal/fraud"
)

// DefaultMinQuality is used when a policy leaves the threshold unset.
const DefaultMinQuality = 60

// Analysis is what the image collaborator reports.
type Analysis struct {
	QualityScore  int    `json:"qualityScore"`
	HasFace       bool   `json:"hasFace"`
	FacesDetected int    `json:"facesDetected"`
	Hash          string `json:"hash,omitempty"`
}

// Analyzer scores a stored photo.
type Analyzer interface {
	ScorePhoto(ctx context.Context, photoRef string) (Analysis, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, photoRef string) (Analysis, error)

func (f AnalyzerFunc) ScorePhoto(ctx context.Context, photoRef string) (Analysis, error) {
	return f(ctx, photoRef)
}

// Policy is the per-session photo requirement.
type Policy struct {
	MinQuality  int
	RequireFace bool
}

// Result is the verifier output.
type Result struct {
	QualityScore int           `json:"qualityScore"`
	HasFace      bool          `json:"hasFace"`
	Hash         string        `json:"hash"`
	Reasons      fraud.Reasons `json:"reasons"`
}

// Verifier never fails; analyzer errors become a reason.
type Verifier struct {
	analyzer Analyzer
}

// NewVerifier wraps an analyzer.
func NewVerifier(a Analyzer) *Verifier {
	return &Verifier{analyzer: a}
}

// Verify scores photoRef. seenHashes are the hashes of photos already
// submitted to the same session.
func (v *Verifier) Verify(ctx context.Context, photoRef string, p Policy, seenHashes []string) Result {
	var res Result
	min := p.MinQuality
	if min <= 0 {
		min = DefaultMinQuality
	}

	a, err := v.analyzer.ScorePhoto(ctx, photoRef)
	if err != nil {
		res.Hash = refHash(photoRef)
		res.Reasons.Add(fraud.PhotoAnalysisUnavailable)
		if contains(seenHashes, res.Hash) {
			res.Reasons.Add(fraud.PhotoManipulation)
		}
		return res
	}

	res.QualityScore = clampScore(a.QualityScore)
	res.HasFace = a.HasFace || a.FacesDetected > 0
	res.Hash = a.Hash
	if res.Hash == "" {
		res.Hash = refHash(photoRef)
	}

	if res.QualityScore < min {
		res.Reasons.Add(fraud.PhotoQualityTooLow)
	}
	if contains(seenHashes, res.Hash) || (p.RequireFace && !res.HasFace) {
		res.Reasons.Add(fraud.PhotoManipulation)
	}
	return res
}

func refHash(photoRef string) string { return "ref:" + photoRef }

func clampScore(s int) int {
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
