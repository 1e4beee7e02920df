package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of an alert or incident.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a severity name to its enum value. Unknown names map to
// low so a typo in config never silently escalates.
func ParseSeverity(s string) Severity {
	switch s {
	case "medium":
		return SeverityMedium
	case "high":
		return SeverityHigh
	case "critical":
		return SeverityCritical
	default:
		return SeverityLow
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

// ThreatType is the closed set of threat classifications. Detections that fit
// none of the named categories use ThreatOther with the detail carried on the
// alert itself.
type ThreatType string

const (
	ThreatBruteForce       ThreatType = "brute_force"
	ThreatSQLInjection     ThreatType = "sql_injection"
	ThreatXSS              ThreatType = "xss"
	ThreatPortScan         ThreatType = "port_scan"
	ThreatAnomalousTraffic ThreatType = "anomalous_traffic"
	ThreatDataExfiltration ThreatType = "data_exfiltration"
	ThreatOther            ThreatType = "other"
)

// ValidThreatType reports whether t is one of the closed enum values.
func ValidThreatType(t ThreatType) bool {
	switch t {
	case ThreatBruteForce, ThreatSQLInjection, ThreatXSS, ThreatPortScan,
		ThreatAnomalousTraffic, ThreatDataExfiltration, ThreatOther:
		return true
	}
	return false
}

// SecurityEvent is the normalized event record accepted at the ingestion
// boundary. Collectors and API callers produce these; everything downstream
// consumes them.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp" validate:"required"`
	Type      string            `json:"type" validate:"required,max=64"`
	Actor     string            `json:"actor,omitempty" validate:"max=256"`
	SourceIP  string            `json:"source_ip,omitempty" validate:"omitempty,ip"`
	DestIP    string            `json:"dest_ip,omitempty" validate:"omitempty,ip"`
	Port      int               `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Protocol  string            `json:"protocol,omitempty" validate:"max=16"`
	Target    string            `json:"target,omitempty" validate:"max=512"`
	Action    string            `json:"action,omitempty" validate:"max=64"`
	Result    string            `json:"result,omitempty" validate:"max=64"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// AnomalyScore is an optional behavioral signal in [0,100] supplied by an
	// upstream profiler. Zero means "no signal", not "known good".
	AnomalyScore float64 `json:"anomaly_score,omitempty" validate:"gte=0,lte=100"`
}

// NewSecurityEvent creates a SecurityEvent with a generated ID and current
// timestamp.
func NewSecurityEvent(eventType string) *SecurityEvent {
	return &SecurityEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Metadata:  make(map[string]string),
	}
}

// Meta returns a metadata value or "".
func (e *SecurityEvent) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// Marshal serializes the event to JSON.
func (e *SecurityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalSecurityEvent deserializes a SecurityEvent from JSON.
func UnmarshalSecurityEvent(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Finding is one detector's partial verdict on an event.
type Finding struct {
	Rule           string     `json:"rule"`
	ThreatType     ThreatType `json:"threat_type"`
	SeverityWeight float64    `json:"severity_weight"`
	Evidence       string     `json:"evidence,omitempty"`
}

// MitreRef identifies a MITRE ATT&CK tactic or technique.
type MitreRef struct {
	Tactic    string `json:"tactic,omitempty"`
	Technique string `json:"technique,omitempty"`
}

// Enrichment is the merged output of the intelligence sources for one event.
type Enrichment struct {
	ReputationScore  float64    `json:"reputation_score"`
	Categories       []string   `json:"categories,omitempty"`
	Sources          []string   `json:"sources,omitempty"`
	SourcesQueried   int        `json:"sources_queried"`
	SourcesResponded int        `json:"sources_responded"`
	Mitre            []MitreRef `json:"mitre,omitempty"`
}

// RuleEngine evaluates all enabled detection rules against an event.
type RuleEngine interface {
	Evaluate(ctx context.Context, event *SecurityEvent) []Finding
}

// Enricher augments an event and its findings with external intelligence.
type Enricher interface {
	Enrich(ctx context.Context, event *SecurityEvent, findings []Finding) Enrichment
}

// Scorer combines findings, enrichment and behavioral signals into a bounded
// risk score and confidence value, and maps risk to severity.
type Scorer interface {
	Score(findings []Finding, enrichment Enrichment, anomalyScore float64) (risk float64, confidence float64)
	SeverityFor(risk float64) Severity
}
