package score

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	holder := core.NewConfigHolder(core.DefaultConfig(), "")
	return New(zerolog.Nop(), holder)
}

func TestScoreStaysWithinBounds(t *testing.T) {
	s := newTestScorer(t)

	findings := []core.Finding{
		{Rule: "sql_injection", SeverityWeight: 90},
		{Rule: "xss", SeverityWeight: 90},
		{Rule: "brute_force", SeverityWeight: 90},
	}
	enrichment := core.Enrichment{ReputationScore: 500} // out-of-range input
	risk, confidence := s.Score(findings, enrichment, 250)

	if risk < 0 || risk > 100 {
		t.Fatalf("risk %v outside [0,100]", risk)
	}
	if confidence < 0 || confidence > 1 {
		t.Fatalf("confidence %v outside [0,1]", confidence)
	}
	if risk != 100 {
		t.Fatalf("saturated inputs should clamp to 100, got %v", risk)
	}
}

func TestScoreNegativeInputsClampToZero(t *testing.T) {
	s := newTestScorer(t)
	risk, _ := s.Score([]core.Finding{{SeverityWeight: -50}}, core.Enrichment{ReputationScore: -10}, -5)
	if risk != 0 {
		t.Fatalf("expected 0, got %v", risk)
	}
}

func TestSeverityThresholdBoundaries(t *testing.T) {
	s := newTestScorer(t)

	cases := []struct {
		risk float64
		want core.Severity
	}{
		{0, core.SeverityLow},
		{49.9, core.SeverityLow},
		{50, core.SeverityMedium},
		{69.9, core.SeverityMedium},
		{70, core.SeverityHigh}, // boundary is inclusive
		{89.9, core.SeverityHigh},
		{90, core.SeverityCritical},
		{100, core.SeverityCritical},
	}
	for _, tc := range cases {
		if got := s.SeverityFor(tc.risk); got != tc.want {
			t.Errorf("SeverityFor(%v) = %s, want %s", tc.risk, got, tc.want)
		}
	}
}

func TestScoreWeightedContributions(t *testing.T) {
	s := newTestScorer(t)

	findings := []core.Finding{{Rule: "brute_force", SeverityWeight: 40}}
	enrichment := core.Enrichment{ReputationScore: 50}
	risk, _ := s.Score(findings, enrichment, 20)

	// 40 + 0.3*50 + 0.2*20 = 59
	if risk != 59 {
		t.Fatalf("expected 59, got %v", risk)
	}
}

func TestConfidenceRisesWithCorroboration(t *testing.T) {
	s := newTestScorer(t)

	_, lone := s.Score([]core.Finding{{SeverityWeight: 10}}, core.Enrichment{}, 0)
	_, corroborated := s.Score([]core.Finding{
		{SeverityWeight: 10}, {SeverityWeight: 10}, {SeverityWeight: 10},
	}, core.Enrichment{SourcesQueried: 2, SourcesResponded: 2}, 0)

	if corroborated <= lone {
		t.Fatalf("corroborated confidence %v should exceed lone-finding confidence %v", corroborated, lone)
	}
}

func TestConfidenceDegradesWhenSourcesFail(t *testing.T) {
	s := newTestScorer(t)

	findings := []core.Finding{{SeverityWeight: 10}}
	_, allUp := s.Score(findings, core.Enrichment{SourcesQueried: 4, SourcesResponded: 4}, 0)
	_, allDown := s.Score(findings, core.Enrichment{SourcesQueried: 4, SourcesResponded: 0}, 0)

	if allDown >= allUp {
		t.Fatalf("confidence with no sources responding (%v) should be below full response (%v)", allDown, allUp)
	}
}
