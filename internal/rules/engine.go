// Package rules implements the detection rule engine: a fixed set of
// detectors, each parameterized from configuration, evaluated against every
// ingested event. Detectors are fail-open: a detector that errors or panics
// is treated as non-matching for that event and never blocks the others.
package rules

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
)

// Rule is one detector. Evaluate returns the finding and true when the event
// matches. Stateful rules (brute force, anomaly) own their windows internally
// and must be safe for concurrent evaluation.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, event *core.SecurityEvent, cfg core.RuleConfig) (core.Finding, bool)
}

// Engine implements core.RuleEngine over the registered detector set.
type Engine struct {
	logger  zerolog.Logger
	holder  *core.ConfigHolder
	metrics *core.Metrics
	rules   []Rule
}

// NewEngine creates a rule engine with the standard detector set.
func NewEngine(logger zerolog.Logger, holder *core.ConfigHolder, metrics *core.Metrics) *Engine {
	e := &Engine{
		logger:  logger.With().Str("component", "rule_engine").Logger(),
		holder:  holder,
		metrics: metrics,
	}
	e.rules = []Rule{
		NewBruteForceRule(),
		&SQLInjectionRule{},
		&XSSRule{},
		&FileUploadRule{},
		NewAnomalyRule(),
	}
	return e
}

// Register appends a detector. Must be called before the pipeline starts.
func (e *Engine) Register(r Rule) {
	e.rules = append(e.rules, r)
}

// Evaluate fans the event out to every enabled detector in parallel and joins
// before returning, so one slow detector delays only its own event. Disabled
// rules are skipped without being invoked. Findings come back in registration
// order regardless of which detector finished first.
func (e *Engine) Evaluate(ctx context.Context, event *core.SecurityEvent) []core.Finding {
	cfg := e.holder.Current()

	type slot struct {
		finding core.Finding
		matched bool
	}
	slots := make([]slot, len(e.rules))

	var wg sync.WaitGroup
	for i, r := range e.rules {
		rc, ok := cfg.RuleFor(r.Name())
		if !ok || !rc.Enabled {
			continue
		}
		wg.Add(1)
		go func(i int, r Rule, rc core.RuleConfig) {
			defer wg.Done()
			f, matched := e.safeEvaluate(ctx, r, event, rc)
			slots[i] = slot{finding: f, matched: matched}
		}(i, r, rc)
	}
	wg.Wait()

	var findings []core.Finding
	for _, s := range slots {
		if s.matched {
			findings = append(findings, s.finding)
		}
	}
	return findings
}

// safeEvaluate isolates a panicking detector to a non-match on this event.
func (e *Engine) safeEvaluate(ctx context.Context, r Rule, event *core.SecurityEvent, rc core.RuleConfig) (f core.Finding, matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.metrics.RuleErrors.WithLabelValues(r.Name()).Inc()
			e.logger.Error().
				Interface("panic", rec).
				Str("rule", r.Name()).
				Str("event_id", event.ID).
				Msg("detector panicked; treating as non-match")
			f, matched = core.Finding{}, false
		}
	}()
	return r.Evaluate(ctx, event, rc)
}

// requestSurfaces returns the event fields a payload inspection rule should
// scan: target, action, and the metadata values that carry request content.
func requestSurfaces(event *core.SecurityEvent) []string {
	surfaces := make([]string, 0, 6)
	if event.Target != "" {
		surfaces = append(surfaces, event.Target)
	}
	if event.Action != "" {
		surfaces = append(surfaces, event.Action)
	}
	for _, key := range []string{"query", "path", "payload", "body", "user_agent", "referer"} {
		if v := event.Meta(key); v != "" {
			surfaces = append(surfaces, v)
		}
	}
	return surfaces
}
