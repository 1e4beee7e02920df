// Package score turns rule findings, intelligence enrichment and behavioral
// signals into a bounded risk score. Scoring is pure: no I/O, no clock, no
// state, so the same inputs always produce the same alert severity.
package score

import (
	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
)

// Scorer implements core.Scorer over a configuration snapshot holder. Weights
// and thresholds are read from the current snapshot on every call so a hot
// reload takes effect immediately.
type Scorer struct {
	logger zerolog.Logger
	holder *core.ConfigHolder
}

// New creates a scorer.
func New(logger zerolog.Logger, holder *core.ConfigHolder) *Scorer {
	return &Scorer{
		logger: logger.With().Str("component", "scorer").Logger(),
		holder: holder,
	}
}

// Score combines the inputs into a risk score in [0,100] and a confidence in
// [0,1].
//
// Risk is the clamped sum of rule severity weights, lifted by weighted
// reputation and anomaly contributions, clamped again at the end. Inputs
// outside their declared ranges are clamped, never rejected: a misbehaving
// upstream must not crash scoring.
//
// Confidence starts at a 0.5 baseline, rises with corroborating findings, and
// rises with the fraction of intelligence sources that answered.
func (s *Scorer) Score(findings []core.Finding, enrichment core.Enrichment, anomalyScore float64) (float64, float64) {
	cfg := s.holder.Current().Scoring

	var ruleSum float64
	for _, f := range findings {
		ruleSum += clamp(f.SeverityWeight, 0, 100)
	}
	base := clamp(ruleSum, 0, 100)

	reputation := clamp(enrichment.ReputationScore, 0, 100)
	anomaly := clamp(anomalyScore, 0, 100)

	risk := clamp(base+cfg.ReputationWeight*reputation+cfg.AnomalyWeight*anomaly, 0, 100)

	confidence := 0.5
	if n := len(findings); n > 1 {
		confidence += 0.1 * float64(n-1)
	}
	if enrichment.SourcesQueried > 0 {
		responded := float64(enrichment.SourcesResponded) / float64(enrichment.SourcesQueried)
		confidence += 0.4 * responded
	}
	confidence = clamp(confidence, 0, 1)

	return risk, confidence
}

// SeverityFor maps a risk score to a severity using the configured
// thresholds. Boundaries are inclusive: a score exactly at a threshold gets
// the higher severity.
func (s *Scorer) SeverityFor(risk float64) core.Severity {
	t := s.holder.Current().Scoring.Thresholds
	switch {
	case risk >= t.Critical:
		return core.SeverityCritical
	case risk >= t.High:
		return core.SeverityHigh
	case risk >= t.Medium:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
