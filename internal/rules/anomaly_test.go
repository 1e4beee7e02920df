package rules

import (
	"context"
	"testing"
	"time"

	"github.com/sentra-project/sentra/internal/core"
)

func anomalyConfig() core.RuleConfig {
	return core.RuleConfig{Enabled: true, SeverityWeight: 35, Window: time.Minute, Threshold: 60, Multiplier: 5}
}

func trafficEvent(ip string, at time.Time) *core.SecurityEvent {
	ev := core.NewSecurityEvent("netflow")
	ev.SourceIP = ip
	ev.Timestamp = at
	return ev
}

func TestAnomalyFiresOnProfilerScore(t *testing.T) {
	r := NewAnomalyRule()
	cfg := anomalyConfig()

	ev := trafficEvent("192.0.2.10", time.Now().UTC())
	ev.AnomalyScore = 75
	f, matched := r.Evaluate(context.Background(), ev, cfg)
	if !matched {
		t.Fatal("anomaly score above threshold not flagged")
	}
	if f.ThreatType != core.ThreatAnomalousTraffic {
		t.Fatalf("classified as %s", f.ThreatType)
	}
}

func TestAnomalyIgnoresScoreBelowThreshold(t *testing.T) {
	r := NewAnomalyRule()
	cfg := anomalyConfig()

	ev := trafficEvent("192.0.2.10", time.Now().UTC())
	ev.AnomalyScore = 59
	if _, matched := r.Evaluate(context.Background(), ev, cfg); matched {
		t.Fatal("score below threshold flagged")
	}
}

func TestAnomalyBurstNeedsEstablishedBaseline(t *testing.T) {
	r := NewAnomalyRule()
	cfg := anomalyConfig()
	base := time.Now().UTC()

	// First window: any volume only seeds the baseline.
	for i := 0; i < 100; i++ {
		if _, matched := r.Evaluate(context.Background(), trafficEvent("192.0.2.20", base), cfg); matched {
			t.Fatal("burst fired before a baseline existed")
		}
	}
}

func TestAnomalyDetectsVolumeBurst(t *testing.T) {
	r := NewAnomalyRule()
	cfg := anomalyConfig()
	base := time.Now().UTC()

	// Establish a baseline of 10 events per window.
	for i := 0; i < 10; i++ {
		r.Evaluate(context.Background(), trafficEvent("192.0.2.30", base), cfg)
	}

	// Next window: 5x the baseline should fire exactly once.
	next := base.Add(cfg.Window + time.Second)
	fired := 0
	for i := 0; i < 60; i++ {
		if _, matched := r.Evaluate(context.Background(), trafficEvent("192.0.2.30", next), cfg); matched {
			fired++
		}
	}
	if fired != 1 {
		t.Fatalf("burst fired %d times, want exactly 1", fired)
	}
}

func TestAnomalySteadyTrafficStaysQuiet(t *testing.T) {
	r := NewAnomalyRule()
	cfg := anomalyConfig()
	base := time.Now().UTC()

	for window := 0; window < 4; window++ {
		at := base.Add(time.Duration(window) * (cfg.Window + time.Second))
		for i := 0; i < 10; i++ {
			if _, matched := r.Evaluate(context.Background(), trafficEvent("192.0.2.40", at), cfg); matched {
				t.Fatalf("steady traffic flagged in window %d", window)
			}
		}
	}
}
