package intel

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
)

type stubSource struct {
	name       string
	score      float64
	categories []string
	err        error
	delay      time.Duration
	calls      int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Lookup(ctx context.Context, _ string) (float64, []string, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	return s.score, s.categories, s.err
}

func newTestEnricher(cfg *core.Config) *Enricher {
	return New(zerolog.Nop(), core.NewConfigHolder(cfg, ""), core.NopMetrics())
}

func indicatorEvent(ip string) *core.SecurityEvent {
	ev := core.NewSecurityEvent("http_request")
	ev.SourceIP = ip
	return ev
}

func TestEnrichMergesMaxScoreAndUnionCategories(t *testing.T) {
	e := newTestEnricher(core.DefaultConfig())
	e.AddSource(&stubSource{name: "feed-a", score: 40, categories: []string{"scanner"}})
	e.AddSource(&stubSource{name: "feed-b", score: 85, categories: []string{"botnet", "scanner"}})

	enr := e.Enrich(context.Background(), indicatorEvent("203.0.113.5"), nil)
	if enr.ReputationScore != 85 {
		t.Fatalf("reputation %v, want max 85", enr.ReputationScore)
	}
	if len(enr.Categories) != 2 {
		t.Fatalf("categories %v, want union of 2", enr.Categories)
	}
	if len(enr.Sources) != 2 {
		t.Fatalf("provenance %v", enr.Sources)
	}
	if enr.SourcesQueried != 2 || enr.SourcesResponded != 2 {
		t.Fatalf("queried=%d responded=%d", enr.SourcesQueried, enr.SourcesResponded)
	}
}

func TestEnrichToleratesFailingSource(t *testing.T) {
	e := newTestEnricher(core.DefaultConfig())
	e.AddSource(&stubSource{name: "feed-a", score: 60, categories: []string{"botnet"}})
	e.AddSource(&stubSource{name: "broken", err: fmt.Errorf("connection refused")})

	enr := e.Enrich(context.Background(), indicatorEvent("203.0.113.5"), nil)
	if enr.ReputationScore != 60 {
		t.Fatalf("reputation %v", enr.ReputationScore)
	}
	if enr.SourcesResponded != 1 {
		t.Fatalf("responded %d, want 1", enr.SourcesResponded)
	}
}

func TestEnrichTimesOutSlowSource(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Intel.Timeout = 20 * time.Millisecond
	e := newTestEnricher(cfg)
	e.AddSource(&stubSource{name: "fast", score: 30})
	e.AddSource(&stubSource{name: "slow", score: 99, delay: time.Second})

	start := time.Now()
	enr := e.Enrich(context.Background(), indicatorEvent("203.0.113.5"), nil)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("enrichment blocked for %v on a slow source", elapsed)
	}
	if enr.ReputationScore != 30 {
		t.Fatalf("reputation %v, slow source should have been dropped", enr.ReputationScore)
	}
}

func TestEnrichCachesAnswers(t *testing.T) {
	src := &stubSource{name: "feed-a", score: 50}
	e := newTestEnricher(core.DefaultConfig())
	e.AddSource(src)

	e.Enrich(context.Background(), indicatorEvent("203.0.113.5"), nil)
	e.Enrich(context.Background(), indicatorEvent("203.0.113.5"), nil)

	if src.calls != 1 {
		t.Fatalf("source queried %d times for a cached indicator", src.calls)
	}
}

func TestEnrichWithoutIndicatorsSkipsSources(t *testing.T) {
	src := &stubSource{name: "feed-a", score: 50}
	e := newTestEnricher(core.DefaultConfig())
	e.AddSource(src)

	ev := core.NewSecurityEvent("config_change")
	ev.Actor = "alice"
	enr := e.Enrich(context.Background(), ev, nil)

	if src.calls != 0 {
		t.Fatalf("source queried %d times with no indicators", src.calls)
	}
	if enr.SourcesQueried != 0 {
		t.Fatalf("queried %d", enr.SourcesQueried)
	}
}

func TestMitreForDeduplicatesReferences(t *testing.T) {
	findings := []core.Finding{
		{Rule: "brute_force"},
		{Rule: "brute_force"},
		{Rule: "xss"},
	}
	refs := MitreFor(findings)
	if len(refs) != 3 {
		t.Fatalf("got %d refs, want 3 (1 brute force + 2 xss)", len(refs))
	}
}

func TestMitreForUnknownRuleIsEmpty(t *testing.T) {
	if refs := MitreFor([]core.Finding{{Rule: "made_up"}}); len(refs) != 0 {
		t.Fatalf("unknown rule produced refs %v", refs)
	}
}
