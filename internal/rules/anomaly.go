package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentra-project/sentra/internal/core"
)

const anomalyTrackerSize = 8192

// AnomalyRule fires on two distinct signals:
//
//  1. an upstream behavioral profiler marked the event with an anomaly score
//     at or above the configured threshold;
//  2. a source suddenly emits events at a multiple of its own established
//     baseline rate (volume burst, e.g. a port scan or exfil loop).
//
// The burst check keeps a per-source rate baseline as an exponential moving
// average of completed windows. A source with no history yet cannot trigger
// the burst signal; the first window only seeds the baseline.
type AnomalyRule struct {
	mu       sync.Mutex
	trackers *lru.Cache[string, *rateTracker]
}

type rateTracker struct {
	windowStart time.Time
	count       int
	baseline    float64
	fired       bool
}

// NewAnomalyRule creates the detector with a bounded per-source tracker set.
func NewAnomalyRule() *AnomalyRule {
	cache, _ := lru.New[string, *rateTracker](anomalyTrackerSize)
	return &AnomalyRule{trackers: cache}
}

func (r *AnomalyRule) Name() string { return "anomaly" }

func (r *AnomalyRule) Evaluate(_ context.Context, event *core.SecurityEvent, cfg core.RuleConfig) (core.Finding, bool) {
	if cfg.Threshold > 0 && event.AnomalyScore >= float64(cfg.Threshold) {
		return core.Finding{
			Rule:           r.Name(),
			ThreatType:     core.ThreatAnomalousTraffic,
			SeverityWeight: cfg.SeverityWeight,
			Evidence:       fmt.Sprintf("behavioral anomaly score %.0f at or above %d", event.AnomalyScore, cfg.Threshold),
		}, true
	}

	if event.SourceIP == "" || cfg.Multiplier <= 0 || cfg.Window <= 0 {
		return core.Finding{}, false
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers.Get(event.SourceIP)
	if !ok {
		t = &rateTracker{windowStart: now}
		r.trackers.Add(event.SourceIP, t)
	}

	if now.Sub(t.windowStart) > cfg.Window {
		// Roll the window: completed count feeds the baseline EMA.
		if t.baseline == 0 {
			t.baseline = float64(t.count)
		} else {
			t.baseline = 0.7*t.baseline + 0.3*float64(t.count)
		}
		t.windowStart = now
		t.count = 0
		t.fired = false
	}
	t.count++

	if t.fired || t.baseline < 1 {
		return core.Finding{}, false
	}
	if float64(t.count) < t.baseline*cfg.Multiplier {
		return core.Finding{}, false
	}
	t.fired = true

	return core.Finding{
		Rule:           r.Name(),
		ThreatType:     core.ThreatAnomalousTraffic,
		SeverityWeight: cfg.SeverityWeight,
		Evidence: fmt.Sprintf("%s sent %d events in %s against a baseline of %.1f",
			event.SourceIP, t.count, cfg.Window, t.baseline),
	}, true
}
