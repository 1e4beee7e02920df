package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sentra-project/sentra/internal/core"
)

const maxBodyBytes = 1 << 20

// handleIngestEvent accepts one security event. The default call is
// synchronous: the event runs through the full pipeline and the response
// carries the created alert (201) or a no-match marker (200). With ?async=true
// the event is enqueued instead and a 202 acknowledges receipt; that path is
// for bulk producers that tolerate the queue's reject-when-full backpressure.
func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	// Any non-readonly role may feed events in.
	if !requireRole(w, r, core.RoleAdmin, core.RoleSecurityAnalyst, core.RoleNetworkEngineer) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "reading request body")
		return
	}

	event, err := core.UnmarshalSecurityEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed event JSON: "+err.Error())
		return
	}
	if event.ID == "" {
		event.ID = core.NewSecurityEvent(event.Type).ID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if s.blocklist.IsBlocked(event.SourceIP) && event.SourceIP != "" {
		// Blocked sources still get recorded, but flagged.
		if event.Metadata == nil {
			event.Metadata = make(map[string]string)
		}
		event.Metadata["blocklisted_source"] = "true"
	}

	if r.URL.Query().Get("async") == "true" {
		if err := s.pipeline.Submit(event); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID, "status": "accepted"})
		return
	}

	alert, err := s.pipeline.Ingest(r.Context(), event)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if alert == nil {
		writeJSON(w, http.StatusOK, map[string]any{"event_id": event.ID, "matched": false})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event_id": event.ID, "matched": true, "alert": alert})
}

// handleListAlerts supports filtering by severity, status, threat_type, time
// range and free text, with offset/limit pagination.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := core.AlertQuery{
		Text:   q.Get("q"),
		Offset: intParam(q.Get("offset"), 0),
		Limit:  intParam(q.Get("limit"), 50),
	}
	for _, v := range splitParam(q.Get("severity")) {
		query.Severities = append(query.Severities, core.ParseSeverity(v))
	}
	for _, v := range splitParam(q.Get("status")) {
		query.Statuses = append(query.Statuses, core.AlertStatus(v))
	}
	for _, v := range splitParam(q.Get("threat_type")) {
		query.ThreatTypes = append(query.ThreatTypes, core.ThreatType(v))
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "from must be RFC 3339")
			return
		}
		query.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "to must be RFC 3339")
			return
		}
		query.To = t
	}

	alerts, total := s.store.Query(query)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"total":  total,
		"offset": query.Offset,
		"limit":  query.Limit,
	})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.store.GetAlert(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertStatus(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, core.RoleAdmin, core.RoleSecurityAnalyst) {
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "malformed body")
		return
	}

	status := core.AlertStatus(body.Status)
	switch status {
	case core.AlertStatusNew, core.AlertStatusTriaged, core.AlertStatusResponded,
		core.AlertStatusClosed, core.AlertStatusFalsePositive:
	default:
		writeError(w, http.StatusBadRequest, "validation", fmt.Sprintf("unknown status %q", body.Status))
		return
	}

	if err := s.store.SetAlertStatus(r.PathValue("id"), status); err != nil {
		writeDomainError(w, err)
		return
	}
	alert, _ := s.store.GetAlert(r.PathValue("id"))
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset := intParam(q.Get("offset"), 0)
	limit := intParam(q.Get("limit"), 50)

	incidents, total := s.store.Incidents(offset, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": incidents,
		"total":     total,
		"offset":    offset,
		"limit":     limit,
	})
}

func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.store.GetIncident(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, core.RoleAdmin, core.RoleSecurityAnalyst) {
		return
	}
	inc, err := s.incidents.Resolve(r.PathValue("id"), approverName(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) handleListResponses(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actions, total := s.responses.Actions(
		core.ActionStatus(q.Get("status")),
		intParam(q.Get("offset"), 0),
		intParam(q.Get("limit"), 50),
	)
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions, "total": total})
}

func (s *Server) handlePendingResponses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pending": s.responses.Gate().Pending()})
}

func (s *Server) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	action, err := s.responses.GetAction(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleApproveResponse(w http.ResponseWriter, r *http.Request) {
	if !s.allowDecision(w, r) {
		return
	}
	action, err := s.responses.Approve(r.Context(), r.PathValue("id"), approverName(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleRejectResponse(w http.ResponseWriter, r *http.Request) {
	if !s.allowDecision(w, r) {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)

	action, err := s.responses.Reject(r.PathValue("id"), approverName(r), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// allowDecision enforces the approval rate limit and the role policy for the
// targeted action.
func (s *Server) allowDecision(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.RemoteAddr
	}
	if s.holder.Current().Server.RateLimit.Enabled && !s.respLimiter.Allow(key) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "approval rate limit exceeded")
		return false
	}

	action, err := s.responses.GetAction(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return false
	}
	if !canDecide(principalFrom(r), action.Type) {
		writeError(w, http.StatusForbidden, "forbidden", "role may not decide this action type")
		return false
	}
	return true
}

func (s *Server) handleBlocklist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.blocklist.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "validation", "window must be a duration like 24h")
			return
		}
		window = d
	}
	writeJSON(w, http.StatusOK, s.store.ComputeStats(window))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, core.RoleAdmin) {
		return
	}
	changes, err := s.holder.Reload(s.logger)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true, "changes": changes})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startedAt).String(),
		"alerts":  s.store.Count(),
		"version": "1.0.0",
	}
	if s.bus != nil {
		health["bus_connected"] = s.bus.IsConnected()
		if !s.bus.IsConnected() {
			health["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func splitParam(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
