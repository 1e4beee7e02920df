package core

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSeverityJSONUsesLowercaseNames(t *testing.T) {
	for sev, want := range map[Severity]string{
		SeverityLow:      `"low"`,
		SeverityMedium:   `"medium"`,
		SeverityHigh:     `"high"`,
		SeverityCritical: `"critical"`,
	} {
		data, err := json.Marshal(sev)
		if err != nil {
			t.Fatalf("marshaling %v: %v", sev, err)
		}
		if string(data) != want {
			t.Errorf("severity %v marshaled to %s, want %s", sev, data, want)
		}
	}
}

func TestThreatAlertJSONRoundTrip(t *testing.T) {
	event := NewSecurityEvent("failed_login")
	event.SourceIP = "203.0.113.5"
	event.Target = "ssh"
	event.Port = 22
	event.Protocol = "tcp"

	alert := NewThreatAlert(event, ThreatBruteForce, "brute force from 203.0.113.5", "5 failures", 72.5, 0.8, SeverityHigh)
	alert.Findings = []Finding{{Rule: "brute_force", ThreatType: ThreatBruteForce, SeverityWeight: 55, Evidence: "5 failures"}}
	alert.Mitre = []MitreRef{{Tactic: "TA0006 Credential Access", Technique: "T1110 Brute Force"}}
	alert.IntelSources = []string{"local"}

	data, err := alert.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"severity":"high"`) {
		t.Fatalf("severity not serialized as lowercase name: %s", data)
	}

	got, err := UnmarshalThreatAlert(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != alert.ID || got.Severity != SeverityHigh || got.ThreatType != ThreatBruteForce {
		t.Fatalf("round trip mutated alert: %+v", got)
	}
	if got.RiskScore != 72.5 || got.Confidence != 0.8 {
		t.Fatalf("scores mutated: risk=%v confidence=%v", got.RiskScore, got.Confidence)
	}
	if got.CorrelationKey != "203.0.113.5|ssh" {
		t.Fatalf("correlation key %q", got.CorrelationKey)
	}
	if len(got.Findings) != 1 || got.Findings[0].Rule != "brute_force" {
		t.Fatalf("findings mutated: %+v", got.Findings)
	}
}

func TestNewThreatAlertClampsScores(t *testing.T) {
	event := NewSecurityEvent("test")
	alert := NewThreatAlert(event, ThreatXSS, "t", "d", 250, 3, SeverityLow)
	if alert.RiskScore != 100 {
		t.Fatalf("risk not clamped: %v", alert.RiskScore)
	}
	if alert.Confidence != 1 {
		t.Fatalf("confidence not clamped: %v", alert.Confidence)
	}

	alert = NewThreatAlert(event, ThreatXSS, "t", "d", -10, -1, SeverityLow)
	if alert.RiskScore != 0 || alert.Confidence != 0 {
		t.Fatalf("negative scores not clamped: %v %v", alert.RiskScore, alert.Confidence)
	}
}

func TestNewThreatAlertRejectsUnknownThreatType(t *testing.T) {
	alert := NewThreatAlert(NewSecurityEvent("test"), ThreatType("made_up"), "t", "d", 10, 0.5, SeverityLow)
	if alert.ThreatType != ThreatOther {
		t.Fatalf("unknown threat type kept: %s", alert.ThreatType)
	}
}

func TestCorrelationKeyFallbacks(t *testing.T) {
	withIP := NewSecurityEvent("http_request")
	withIP.SourceIP = "198.51.100.1"
	withIP.Target = "/login"
	if got := CorrelationKey(withIP); got != "198.51.100.1|/login" {
		t.Errorf("ip key %q", got)
	}

	actorOnly := NewSecurityEvent("config_change")
	actorOnly.Actor = "Alice"
	if got := CorrelationKey(actorOnly); got != "actor|alice" {
		t.Errorf("actor key %q", got)
	}

	bare := NewSecurityEvent("heartbeat")
	if got := CorrelationKey(bare); got != "event|heartbeat" {
		t.Errorf("bare key %q", got)
	}
}

func TestSecurityEventJSONRoundTrip(t *testing.T) {
	ev := NewSecurityEvent("file_upload")
	ev.Timestamp = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	ev.SourceIP = "192.0.2.4"
	ev.Metadata["filename"] = "shell.php"
	ev.AnomalyScore = 42

	data, err := ev.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalSecurityEvent(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != ev.ID || !got.Timestamp.Equal(ev.Timestamp) || got.Meta("filename") != "shell.php" || got.AnomalyScore != 42 {
		t.Fatalf("round trip mutated event: %+v", got)
	}
}
