package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Pipeline is the detection hot path: a bounded ingest queue feeding a fixed
// worker pool that runs each event through rules → enrichment → scoring →
// storage → correlation → response. Backpressure is reject-and-log: when the
// queue is full, Submit fails fast with ErrQueueFull instead of blocking the
// caller or dropping silently.
type Pipeline struct {
	logger   zerolog.Logger
	holder   *ConfigHolder
	rules    RuleEngine
	enricher Enricher
	scorer   Scorer
	store    *AlertStore
	inc      *IncidentManager
	resp     *ResponseEngine
	bus      *EventBus
	metrics  *Metrics
	validate *validator.Validate

	queue  chan *SecurityEvent
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// stopMu orders Submit against Stop: Stop closes the queue under the
	// write lock, Submit sends under the read lock, so a late Submit sees the
	// stopped flag instead of a closed channel.
	stopMu  sync.RWMutex
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewPipeline wires the processing stages together. bus may be nil.
func NewPipeline(logger zerolog.Logger, holder *ConfigHolder, rules RuleEngine, enricher Enricher, scorer Scorer, store *AlertStore, inc *IncidentManager, resp *ResponseEngine, bus *EventBus, metrics *Metrics) *Pipeline {
	size := holder.Current().Pipeline.QueueSize
	if size <= 0 {
		size = 4096
	}
	return &Pipeline{
		logger:   logger.With().Str("component", "pipeline").Logger(),
		holder:   holder,
		rules:    rules,
		enricher: enricher,
		scorer:   scorer,
		store:    store,
		inc:      inc,
		resp:     resp,
		bus:      bus,
		metrics:  metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		queue:    make(chan *SecurityEvent, size),
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel

		workers := p.holder.Current().Pipeline.Workers
		if workers <= 0 {
			workers = 8
		}
		for i := 0; i < workers; i++ {
			p.wg.Add(1)
			go p.worker(runCtx)
		}
		p.logger.Info().Int("workers", workers).Int("queue_size", cap(p.queue)).Msg("pipeline started")
	})
}

// Stop drains in-flight work and shuts the pool down. Submissions arriving
// after Stop are rejected with ErrStopped.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.stopMu.Lock()
		p.stopped = true
		close(p.queue)
		p.stopMu.Unlock()
		p.wg.Wait()
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.Info().Msg("pipeline stopped")
	})
}

// validateEvent rejects malformed payloads and events the engine itself
// emitted, so a response notification can never feed back into detection.
func (p *Pipeline) validateEvent(event *SecurityEvent) error {
	if event == nil {
		return fmt.Errorf("nil event: %w", ErrValidation)
	}
	if event.Meta("origin") == "sentra" {
		p.metrics.EventsRejected.WithLabelValues("self_origin").Inc()
		return fmt.Errorf("event originated from this engine: %w", ErrValidation)
	}
	if err := p.validate.Struct(event); err != nil {
		p.metrics.EventsRejected.WithLabelValues("validation").Inc()
		return fmt.Errorf("%s: %w", summarizeValidation(err), ErrValidation)
	}
	return nil
}

// Ingest validates an event and runs it through every stage synchronously.
// Returns the created alert, or nil when no rule matched. This is the path
// behind the synchronous ingestion API; bulk producers use Submit instead.
func (p *Pipeline) Ingest(ctx context.Context, event *SecurityEvent) (*ThreatAlert, error) {
	if err := p.validateEvent(event); err != nil {
		return nil, err
	}
	p.metrics.EventsIngested.Inc()
	alert := p.Process(ctx, event)
	if alert == nil {
		return nil, nil
	}
	// Hand back the stored record: it carries the incident link and response
	// history recorded after the alert was created, and it is a private copy
	// the caller can serialize without racing the store's writers.
	if stored, err := p.store.GetAlert(alert.ID); err == nil {
		return stored, nil
	}
	return alert, nil
}

// Submit validates an event and enqueues it for asynchronous processing.
// Validation failures return ErrValidation; a full queue returns ErrQueueFull;
// a stopped pipeline returns ErrStopped.
func (p *Pipeline) Submit(event *SecurityEvent) error {
	if err := p.validateEvent(event); err != nil {
		return err
	}

	p.stopMu.RLock()
	defer p.stopMu.RUnlock()
	if p.stopped {
		p.metrics.EventsRejected.WithLabelValues("stopped").Inc()
		return fmt.Errorf("pipeline: %w", ErrStopped)
	}

	select {
	case p.queue <- event:
		p.metrics.EventsIngested.Inc()
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		p.metrics.EventsRejected.WithLabelValues("queue_full").Inc()
		p.logger.Warn().Str("event_id", event.ID).Msg("ingest queue full; event rejected")
		return fmt.Errorf("ingest queue at capacity (%d): %w", cap(p.queue), ErrQueueFull)
	}
}

// Process runs one event through every stage synchronously. Returns the
// created alert, or nil when no rule matched.
func (p *Pipeline) Process(ctx context.Context, event *SecurityEvent) *ThreatAlert {
	start := time.Now()
	findings := p.rules.Evaluate(ctx, event)
	p.metrics.StageDuration.WithLabelValues("rules").Observe(time.Since(start).Seconds())

	if len(findings) == 0 {
		if p.bus != nil {
			if err := p.bus.PublishEvent(event); err != nil {
				p.logger.Debug().Err(err).Str("event_id", event.ID).Msg("publishing benign event")
			}
		}
		return nil
	}

	start = time.Now()
	enrichment := p.enricher.Enrich(ctx, event, findings)
	p.metrics.StageDuration.WithLabelValues("enrich").Observe(time.Since(start).Seconds())

	start = time.Now()
	risk, confidence := p.scorer.Score(findings, enrichment, event.AnomalyScore)
	severity := p.scorer.SeverityFor(risk)
	p.metrics.StageDuration.WithLabelValues("score").Observe(time.Since(start).Seconds())

	primary := primaryFinding(findings)
	alert := NewThreatAlert(event, primary.ThreatType,
		alertTitle(primary, event), alertDescription(findings, enrichment),
		risk, confidence, severity)
	alert.Findings = findings
	alert.Mitre = enrichment.Mitre
	alert.IntelSources = enrichment.Sources

	stored := p.store.InsertAlert(alert)
	if stored != alert {
		p.logger.Debug().Str("event_id", event.ID).Str("alert_id", stored.ID).Msg("duplicate event; alert already recorded")
		return stored
	}
	p.metrics.AlertsCreated.WithLabelValues(severity.String(), string(alert.ThreatType)).Inc()

	start = time.Now()
	p.inc.Correlate(alert)
	p.metrics.StageDuration.WithLabelValues("correlate").Observe(time.Since(start).Seconds())

	if p.bus != nil {
		if err := p.bus.PublishAlert(alert); err != nil {
			p.logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("publishing alert")
		}
		if err := p.bus.PublishEvent(event); err != nil {
			p.logger.Debug().Err(err).Str("event_id", event.ID).Msg("publishing event")
		}
	}

	start = time.Now()
	p.resp.Respond(ctx, alert)
	p.metrics.StageDuration.WithLabelValues("respond").Observe(time.Since(start).Seconds())

	p.logger.Info().
		Str("alert_id", alert.ID).
		Str("event_id", event.ID).
		Str("severity", severity.String()).
		Str("threat_type", string(alert.ThreatType)).
		Float64("risk", risk).
		Msg("alert created")
	return alert
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for event := range p.queue {
		p.metrics.QueueDepth.Set(float64(len(p.queue)))
		p.safeProcess(ctx, event)
	}
}

// safeProcess isolates a panicking stage to the one event that triggered it.
func (p *Pipeline) safeProcess(ctx context.Context, event *SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Str("event_id", event.ID).
				Msg("pipeline stage panicked; event dropped")
		}
	}()
	p.Process(ctx, event)
}

// primaryFinding picks the highest-weight finding to label the alert.
func primaryFinding(findings []Finding) Finding {
	best := findings[0]
	for _, f := range findings[1:] {
		if f.SeverityWeight > best.SeverityWeight {
			best = f
		}
	}
	return best
}

func alertTitle(f Finding, event *SecurityEvent) string {
	subject := event.SourceIP
	if subject == "" {
		subject = event.Actor
	}
	if subject == "" {
		subject = event.Type
	}
	return fmt.Sprintf("%s detected from %s", strings.ReplaceAll(string(f.ThreatType), "_", " "), subject)
}

func alertDescription(findings []Finding, enrichment Enrichment) string {
	parts := make([]string, 0, len(findings)+1)
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Rule, f.Evidence))
	}
	sort.Strings(parts)
	if len(enrichment.Categories) > 0 {
		parts = append(parts, "intel categories: "+strings.Join(enrichment.Categories, ", "))
	}
	return strings.Join(parts, "; ")
}

// summarizeValidation flattens a validator error into one line for the API
// error body.
func summarizeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}
