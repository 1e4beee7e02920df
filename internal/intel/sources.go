package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
)

// LocalSource answers lookups from the indicator list in configuration.
// Deterministic and offline; also what the test suites run against.
type LocalSource struct {
	holder *core.ConfigHolder
}

// NewLocalSource creates a config-backed source.
func NewLocalSource(holder *core.ConfigHolder) *LocalSource {
	return &LocalSource{holder: holder}
}

func (s *LocalSource) Name() string { return "local" }

func (s *LocalSource) Lookup(_ context.Context, indicator string) (float64, []string, error) {
	entry, ok := s.holder.Current().Intel.Local.Indicators[indicator]
	if !ok {
		return 0, nil, nil
	}
	return entry.Score, entry.Categories, nil
}

// HTTPSource queries an external reputation endpoint. The endpoint receives
// the indicator as a query parameter and answers with
// {"score": <0-100>, "categories": ["..."]}.
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPSource creates a source for one configured endpoint. The per-lookup
// timeout comes from the context the enricher passes in.
func NewHTTPSource(cfg core.HTTPSourceConfig, logger zerolog.Logger) *HTTPSource {
	return &HTTPSource{
		name:   cfg.Name,
		url:    cfg.URL,
		client: &http.Client{},
		logger: logger.With().Str("component", "intel_source").Str("source", cfg.Name).Logger(),
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Lookup(ctx context.Context, indicator string) (float64, []string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return 0, nil, fmt.Errorf("source %s: parsing url: %w", s.name, err)
	}
	q := u.Query()
	q.Set("indicator", indicator)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, nil, fmt.Errorf("source %s: building request: %w", s.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("source %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, nil, nil // unknown indicator, not an error
	}
	if resp.StatusCode != http.StatusOK {
		return 0, nil, fmt.Errorf("source %s: status %d", s.name, resp.StatusCode)
	}

	var body struct {
		Score      float64  `json:"score"`
		Categories []string `json:"categories"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, nil, fmt.Errorf("source %s: decoding response: %w", s.name, err)
	}
	return body.Score, body.Categories, nil
}
