// Package intel enriches events with threat intelligence: indicator
// reputation from pluggable sources and MITRE ATT&CK mappings derived from
// the rule findings. Enrichment is strictly best-effort; a slow or failing
// source degrades the result, never the pipeline.
package intel

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
)

// Source is one reputation provider. Lookup returns the indicator's
// reputation score in [0,100] and its threat categories. Implementations
// must honor ctx cancellation; the enricher enforces the per-source timeout.
type Source interface {
	Name() string
	Lookup(ctx context.Context, indicator string) (score float64, categories []string, err error)
}

type cachedReputation struct {
	score      float64
	categories []string
	source     string
	fetchedAt  time.Time
}

// Enricher implements core.Enricher by fanning an indicator out to every
// registered source in parallel and merging the answers: maximum score wins,
// categories union. Answers are cached per indicator with a TTL.
type Enricher struct {
	logger  zerolog.Logger
	holder  *core.ConfigHolder
	metrics *core.Metrics

	mu      sync.RWMutex
	sources []Source
	cache   *lru.Cache[string, []cachedReputation]
}

// New creates an enricher with the sources derived from the current config:
// the local indicator list when enabled, plus one HTTP source per configured
// endpoint.
func New(logger zerolog.Logger, holder *core.ConfigHolder, metrics *core.Metrics) *Enricher {
	cfg := holder.Current().Intel
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	cache, _ := lru.New[string, []cachedReputation](size)

	e := &Enricher{
		logger:  logger.With().Str("component", "enricher").Logger(),
		holder:  holder,
		metrics: metrics,
		cache:   cache,
	}

	if cfg.Local.Enabled {
		e.AddSource(NewLocalSource(holder))
	}
	for _, hs := range cfg.HTTP {
		e.AddSource(NewHTTPSource(hs, logger))
	}
	return e
}

// AddSource registers an additional reputation source.
func (e *Enricher) AddSource(s Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources = append(e.sources, s)
}

// Enrich looks up the event's indicators against all sources and attaches
// MITRE references for the findings. The reputation score is the maximum any
// source reported for any indicator; categories are the union.
func (e *Enricher) Enrich(ctx context.Context, event *core.SecurityEvent, findings []core.Finding) core.Enrichment {
	enrichment := core.Enrichment{
		Mitre: MitreFor(findings),
	}

	e.mu.RLock()
	sources := make([]Source, len(e.sources))
	copy(sources, e.sources)
	e.mu.RUnlock()

	indicators := eventIndicators(event)
	if len(sources) == 0 || len(indicators) == 0 {
		return enrichment
	}

	categories := make(map[string]bool)
	seenSources := make(map[string]bool)

	for _, indicator := range indicators {
		answers := e.lookup(ctx, sources, indicator)
		enrichment.SourcesQueried += len(sources)
		enrichment.SourcesResponded += len(answers)

		for _, ans := range answers {
			if ans.score > enrichment.ReputationScore {
				enrichment.ReputationScore = ans.score
			}
			for _, c := range ans.categories {
				categories[c] = true
			}
			seenSources[ans.source] = true
		}
	}

	for c := range categories {
		enrichment.Categories = append(enrichment.Categories, c)
	}
	sort.Strings(enrichment.Categories)
	for s := range seenSources {
		enrichment.Sources = append(enrichment.Sources, s)
	}
	sort.Strings(enrichment.Sources)
	return enrichment
}

// lookup queries all sources for one indicator, serving from cache when the
// cached answer set is still fresh.
func (e *Enricher) lookup(ctx context.Context, sources []Source, indicator string) []cachedReputation {
	ttl := e.holder.Current().Intel.CacheTTL
	if cached, ok := e.cache.Get(indicator); ok && len(cached) > 0 {
		if ttl <= 0 || time.Since(cached[0].fetchedAt) < ttl {
			return cached
		}
		e.cache.Remove(indicator)
	}

	timeout := e.holder.Current().Intel.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	type result struct {
		answer cachedReputation
		err    error
		source string
	}
	results := make(chan result, len(sources))

	for _, src := range sources {
		go func(src Source) {
			srcCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			score, cats, err := src.Lookup(srcCtx, indicator)
			results <- result{
				answer: cachedReputation{
					score:      clamp01to100(score),
					categories: cats,
					source:     src.Name(),
					fetchedAt:  time.Now(),
				},
				err:    err,
				source: src.Name(),
			}
		}(src)
	}

	answers := make([]cachedReputation, 0, len(sources))
	for range sources {
		r := <-results
		if r.err != nil {
			e.metrics.IntelFailures.WithLabelValues(r.source).Inc()
			e.logger.Debug().Err(r.err).Str("source", r.source).Str("indicator", indicator).Msg("intel lookup failed")
			continue
		}
		answers = append(answers, r.answer)
	}

	if len(answers) > 0 {
		e.cache.Add(indicator, answers)
	}
	return answers
}

// eventIndicators extracts the lookup keys an event carries: source IP,
// destination IP, and any indicator metadata (file hash, domain).
func eventIndicators(event *core.SecurityEvent) []string {
	var out []string
	if event.SourceIP != "" {
		out = append(out, event.SourceIP)
	}
	if event.DestIP != "" && event.DestIP != event.SourceIP {
		out = append(out, event.DestIP)
	}
	for _, key := range []string{"file_hash", "domain", "url_host"} {
		if v := event.Meta(key); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func clamp01to100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
