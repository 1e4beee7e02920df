package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
	"github.com/sentra-project/sentra/internal/intel"
	"github.com/sentra-project/sentra/internal/rules"
	"github.com/sentra-project/sentra/internal/score"
)

type apiHarness struct {
	server    *Server
	handler   http.Handler
	pipeline  *core.Pipeline
	store     *core.AlertStore
	responses *core.ResponseEngine
}

func newAPIHarness(t *testing.T, cfg *core.Config) *apiHarness {
	t.Helper()
	logger := zerolog.Nop()
	holder := core.NewConfigHolder(cfg, "")
	registry := prometheus.NewRegistry()
	metrics := core.NewMetrics(registry)

	store := core.NewAlertStore(logger, cfg.Store)
	incidents := core.NewIncidentManager(logger, store, nil, holder, metrics)
	responses := core.NewResponseEngine(logger, holder, store, nil, incidents, metrics)
	blocklist := core.NewBlocklist()
	core.RegisterBuiltins(responses, logger, nil, blocklist)

	pipeline := core.NewPipeline(logger, holder,
		rules.NewEngine(logger, holder, metrics),
		intel.New(logger, holder, metrics),
		score.New(logger, holder),
		store, incidents, responses, nil, metrics)

	server := NewServer(logger, holder, pipeline, store, incidents, responses, blocklist, nil, registry)
	return &apiHarness{
		server:    server,
		handler:   server.Handler(),
		pipeline:  pipeline,
		store:     store,
		responses: responses,
	}
}

func authedConfig() *core.Config {
	cfg := core.DefaultConfig()
	cfg.Server.Principals = []core.PrincipalConfig{
		{Name: "ana", Key: "analyst-key", Role: core.RoleSecurityAnalyst},
		{Name: "ned", Key: "neteng-key", Role: core.RoleNetworkEngineer},
		{Name: "rob", Key: "readonly-key", Role: core.RoleReadonly},
		{Name: "adm", Key: "admin-key", Role: core.RoleAdmin},
	}
	return cfg
}

func (h *apiHarness) do(method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

const eventBody = `{"type":"http_request","timestamp":"2026-08-24T12:00:00Z","source_ip":"198.51.100.7","metadata":{"query":"id=1 OR 1=1 --"}}`

func TestIngestRequiresValidKey(t *testing.T) {
	h := newAPIHarness(t, authedConfig())

	if rec := h.do(http.MethodPost, "/api/v1/events", "", eventBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no key: %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/v1/events", "wrong", eventBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad key: %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/api/v1/events", "analyst-key", eventBody); rec.Code != http.StatusCreated {
		t.Fatalf("analyst ingest: %d body=%s", rec.Code, rec.Body)
	}
}

func TestIngestReturnsCreatedAlert(t *testing.T) {
	h := newAPIHarness(t, authedConfig())

	rec := h.do(http.MethodPost, "/api/v1/events", "analyst-key", eventBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("sqli ingest: %d body=%s", rec.Code, rec.Body)
	}
	var body struct {
		Matched bool              `json:"matched"`
		Alert   *core.ThreatAlert `json:"alert"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !body.Matched || body.Alert == nil || body.Alert.ThreatType != core.ThreatSQLInjection {
		t.Fatalf("ingest response %s", rec.Body)
	}

	benign := `{"type":"http_request","timestamp":"2026-08-24T12:00:00Z","source_ip":"198.51.100.8","metadata":{"query":"q=weather"}}`
	rec = h.do(http.MethodPost, "/api/v1/events", "analyst-key", benign)
	if rec.Code != http.StatusOK {
		t.Fatalf("benign ingest: %d", rec.Code)
	}
}

func TestIngestAsyncEnqueues(t *testing.T) {
	h := newAPIHarness(t, authedConfig())

	rec := h.do(http.MethodPost, "/api/v1/events?async=true", "analyst-key", eventBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("async ingest: %d body=%s", rec.Code, rec.Body)
	}
	// Workers were never started: the event sits in the queue, no alert yet.
	if h.store.Count() != 0 {
		t.Fatalf("async ingest processed inline: %d alerts", h.store.Count())
	}
}

func TestIngestAllowsAnyNonReadonlyRole(t *testing.T) {
	h := newAPIHarness(t, authedConfig())

	for _, key := range []string{"admin-key", "analyst-key", "neteng-key"} {
		benign := `{"type":"http_request","timestamp":"2026-08-24T12:00:00Z","source_ip":"198.51.100.9"}`
		if rec := h.do(http.MethodPost, "/api/v1/events", key, benign); rec.Code != http.StatusOK {
			t.Errorf("ingest with %s: %d body=%s", key, rec.Code, rec.Body)
		}
	}
}

func TestIngestForbiddenForReadonlyRole(t *testing.T) {
	h := newAPIHarness(t, authedConfig())
	rec := h.do(http.MethodPost, "/api/v1/events", "readonly-key", eventBody)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("readonly ingest: %d", rec.Code)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != "forbidden" {
		t.Fatalf("error code %q", body.Error.Code)
	}
}

func TestIngestRejectsMalformedAndInvalidEvents(t *testing.T) {
	h := newAPIHarness(t, authedConfig())

	if rec := h.do(http.MethodPost, "/api/v1/events", "analyst-key", "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: %d", rec.Code)
	}
	bad := `{"type":"x","timestamp":"2026-08-24T12:00:00Z","source_ip":"not-an-ip"}`
	rec := h.do(http.MethodPost, "/api/v1/events", "analyst-key", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid event: %d", rec.Code)
	}
	var body errorBody
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != "validation" {
		t.Fatalf("error code %q", body.Error.Code)
	}
}

func TestAlertQueryEndpoint(t *testing.T) {
	h := newAPIHarness(t, authedConfig())

	ev := core.NewSecurityEvent("http_request")
	ev.SourceIP = "198.51.100.7"
	ev.Metadata["query"] = "id=1 OR 1=1 --"
	h.pipeline.Process(context.Background(), ev)

	rec := h.do(http.MethodGet, "/api/v1/alerts?severity=high,critical&threat_type=sql_injection", "readonly-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("query: %d", rec.Code)
	}
	var body struct {
		Alerts []core.ThreatAlert `json:"alerts"`
		Total  int                `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Total != 1 || len(body.Alerts) != 1 {
		t.Fatalf("total=%d alerts=%d", body.Total, len(body.Alerts))
	}
	if body.Alerts[0].ThreatType != core.ThreatSQLInjection {
		t.Fatalf("threat type %s", body.Alerts[0].ThreatType)
	}
}

func TestApprovalRoleEnforcement(t *testing.T) {
	h := newAPIHarness(t, authedConfig())

	// Drive a brute force alert to get a gated block_ip.
	for i := 0; i < 5; i++ {
		ev := core.NewSecurityEvent("failed_login")
		ev.SourceIP = "203.0.113.5"
		ev.Actor = "admin"
		h.pipeline.Process(context.Background(), ev)
	}
	pending := h.responses.Gate().Pending()
	if len(pending) != 1 {
		t.Fatalf("pending approvals %d", len(pending))
	}
	id := pending[0].ID

	if rec := h.do(http.MethodPost, "/api/v1/responses/"+id+"/approve", "readonly-key", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("readonly approve: %d", rec.Code)
	}

	// A network engineer may approve network containment.
	rec := h.do(http.MethodPost, "/api/v1/responses/"+id+"/approve", "neteng-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("neteng approve: %d body=%s", rec.Code, rec.Body)
	}
	var action core.ResponseAction
	json.Unmarshal(rec.Body.Bytes(), &action)
	if action.Status != core.ActionStatusExecuted || action.DecidedBy != "ned" {
		t.Fatalf("approved action: %+v", action)
	}

	// Deciding it again is a 404: nothing pending anymore.
	if rec := h.do(http.MethodPost, "/api/v1/responses/"+id+"/reject", "admin-key", `{"reason":"late"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("second decision: %d", rec.Code)
	}
}

func TestReloadRequiresAdmin(t *testing.T) {
	h := newAPIHarness(t, authedConfig())
	if rec := h.do(http.MethodPost, "/api/v1/reload", "analyst-key", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("analyst reload: %d", rec.Code)
	}
	// Admin passes the role check; with no config path the reload itself fails.
	if rec := h.do(http.MethodPost, "/api/v1/reload", "admin-key", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("admin reload without path: %d", rec.Code)
	}
}

func TestHealthIsOpenWithoutAuth(t *testing.T) {
	h := newAPIHarness(t, authedConfig())
	rec := h.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Fatalf("health body %v", body)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	cfg := authedConfig()
	cfg.Server.RateLimit.MaxPerKey = 3
	h := newAPIHarness(t, cfg)

	var last int
	for i := 0; i < 4; i++ {
		last = h.do(http.MethodGet, "/api/v1/alerts", "readonly-key", "").Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("fourth request: %d", last)
	}
}

func TestStatsEndpoint(t *testing.T) {
	h := newAPIHarness(t, authedConfig())

	ev := core.NewSecurityEvent("http_request")
	ev.SourceIP = "198.51.100.7"
	ev.Metadata["query"] = `<script>alert(1)</script>`
	h.pipeline.Process(context.Background(), ev)

	rec := h.do(http.MethodGet, "/api/v1/stats?window=1h", "readonly-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	var stats core.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if stats.TotalAlerts != 1 || stats.ByThreatType["xss"] != 1 {
		t.Fatalf("stats %+v", stats)
	}
}
