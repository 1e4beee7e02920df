// Package ticket exports newly opened incidents to an external ticketing
// system. Export is fire-and-forget: delivery runs on its own goroutine with
// a hard timeout, and a failed delivery is logged and dropped. The incident
// record in the store is the source of truth either way; consumers that need
// reliable delivery follow the incident stream on the bus instead.
package ticket

import (
	"bytes"
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
)

// Sink delivers incident snapshots to a configured webhook.
type Sink struct {
	logger zerolog.Logger
	holder *core.ConfigHolder
	client *http.Client
}

// New creates a ticket sink.
func New(logger zerolog.Logger, holder *core.ConfigHolder) *Sink {
	return &Sink{
		logger: logger.With().Str("component", "ticket_sink").Logger(),
		holder: holder,
		client: &http.Client{},
	}
}

// Export sends the incident to the webhook without blocking the caller.
func (s *Sink) Export(incident *core.Incident) {
	cfg := s.holder.Current().Ticket
	if !cfg.Enabled || cfg.WebhookURL == "" {
		return
	}
	go s.deliver(incident, cfg)
}

func (s *Sink) deliver(incident *core.Incident, cfg core.TicketConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	payload, err := incident.Marshal()
	if err != nil {
		s.logger.Warn().Err(err).Str("incident_id", incident.ID).Msg("marshaling incident for export")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn().Err(err).Str("incident_id", incident.ID).Msg("building ticket request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("incident_id", incident.ID).Msg("ticket export failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warn().Int("status", resp.StatusCode).Str("incident_id", incident.ID).Msg("ticket endpoint rejected incident")
		return
	}
	s.logger.Info().Str("incident_id", incident.ID).Msg("incident exported to ticketing")
}
