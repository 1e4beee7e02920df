package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlertStatus tracks the lifecycle of a ThreatAlert. An alert has exactly one
// status at a time and is never deleted, only closed or archived.
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "new"
	AlertStatusTriaged       AlertStatus = "triaged"
	AlertStatusResponded     AlertStatus = "responded"
	AlertStatusClosed        AlertStatus = "closed"
	AlertStatusFalsePositive AlertStatus = "false_positive"
)

// NetworkContext carries the optional network coordinates of an alert.
type NetworkContext struct {
	SourceIP string `json:"source_ip,omitempty"`
	DestIP   string `json:"dest_ip,omitempty"`
	Port     int    `json:"port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// ThreatAlert is a single detected suspicious event with an assigned risk
// score. Created by the scoring stage, mutated by the incident manager
// (status, incident link) and the response engine (status, response history).
type ThreatAlert struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	EventID        string         `json:"event_id,omitempty"`
	EventTime      time.Time      `json:"event_time,omitempty"`
	Severity       Severity       `json:"severity"`
	ThreatType     ThreatType     `json:"threat_type"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Network        NetworkContext `json:"network,omitempty"`
	RiskScore      float64        `json:"risk_score"`
	Confidence     float64        `json:"confidence"`
	Status         AlertStatus    `json:"status"`
	Mitre          []MitreRef     `json:"mitre,omitempty"`
	Findings       []Finding      `json:"findings,omitempty"`
	IntelSources   []string       `json:"intel_sources,omitempty"`
	CorrelationKey string         `json:"correlation_key"`
	IncidentID     string         `json:"incident_id,omitempty"`
	ResponseIDs    []string       `json:"response_ids,omitempty"`

	// OwnerScope and Sensitivity let the caller's authorization layer filter
	// query results; the store itself is authorization-agnostic.
	OwnerScope  string `json:"owner_scope,omitempty"`
	Sensitivity string `json:"sensitivity,omitempty"`
}

// NewThreatAlert builds an alert from a scored event. Scores are clamped to
// their declared ranges here so no caller can construct an out-of-range alert.
func NewThreatAlert(event *SecurityEvent, threatType ThreatType, title, description string, risk, confidence float64, severity Severity) *ThreatAlert {
	if !ValidThreatType(threatType) {
		threatType = ThreatOther
	}
	a := &ThreatAlert{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
		EventID:     event.ID,
		EventTime:   event.Timestamp,
		Severity:    severity,
		ThreatType:  threatType,
		Title:       title,
		Description: description,
		Network: NetworkContext{
			SourceIP: event.SourceIP,
			DestIP:   event.DestIP,
			Port:     event.Port,
			Protocol: event.Protocol,
		},
		RiskScore:  clamp(risk, 0, 100),
		Confidence: clamp(confidence, 0, 1),
		Status:     AlertStatusNew,
	}
	a.CorrelationKey = CorrelationKey(event)
	return a
}

// CorrelationKey derives the grouping key used to cluster related alerts:
// source IP plus target, falling back to the actor when the event carries no
// network context at all.
func CorrelationKey(event *SecurityEvent) string {
	target := event.Target
	if target == "" {
		target = event.DestIP
	}
	switch {
	case event.SourceIP != "":
		return event.SourceIP + "|" + target
	case event.Actor != "":
		return "actor|" + strings.ToLower(event.Actor)
	default:
		return "event|" + event.Type
	}
}

// Clone returns a deep copy of the alert. The store hands these out so
// callers can serialize a result after the store lock is released, while the
// pipeline keeps mutating the stored record.
func (a *ThreatAlert) Clone() *ThreatAlert {
	out := *a
	out.Mitre = append([]MitreRef(nil), a.Mitre...)
	out.Findings = append([]Finding(nil), a.Findings...)
	out.IntelSources = append([]string(nil), a.IntelSources...)
	out.ResponseIDs = append([]string(nil), a.ResponseIDs...)
	return &out
}

// Marshal serializes the alert to JSON.
func (a *ThreatAlert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalThreatAlert deserializes a ThreatAlert from JSON.
func UnmarshalThreatAlert(data []byte) (*ThreatAlert, error) {
	var a ThreatAlert
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// IncidentStatus tracks the lifecycle of an Incident.
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusResolved      IncidentStatus = "resolved"
)

// Incident is a correlated group of alerts sharing a correlation key,
// tracked as one investigative unit. The incident exclusively owns the
// grouping relation; alerts keep only a back-reference.
type Incident struct {
	ID                string         `json:"id"`
	CorrelationKey    string         `json:"correlation_key"`
	AlertIDs          []string       `json:"alert_ids"`
	OpenedAt          time.Time      `json:"opened_at"`
	ClosedAt          *time.Time     `json:"closed_at,omitempty"`
	LastAlertAt       time.Time      `json:"last_alert_at"`
	AggregateSeverity Severity       `json:"aggregate_severity"`
	Status            IncidentStatus `json:"status"`
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	out := *i
	out.AlertIDs = append([]string(nil), i.AlertIDs...)
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}

// Marshal serializes the incident to JSON.
func (i *Incident) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// UnmarshalIncident deserializes an Incident from JSON.
func UnmarshalIncident(data []byte) (*Incident, error) {
	var inc Incident
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, err
	}
	return &inc, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
