package core

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore() *AlertStore {
	return NewAlertStore(zerolog.Nop(), StoreConfig{MaxAlerts: 1000, RetentionDays: 365})
}

func testAlert(sev Severity, tt ThreatType) *ThreatAlert {
	ev := NewSecurityEvent("test")
	ev.SourceIP = "203.0.113.1"
	ev.Target = "app"
	return NewThreatAlert(ev, tt, "title "+string(tt), "description", 50, 0.5, sev)
}

func TestStoreInsertIsIdempotentPerEvent(t *testing.T) {
	s := newTestStore()

	ev := NewSecurityEvent("failed_login")
	a1 := NewThreatAlert(ev, ThreatBruteForce, "t", "d", 60, 0.5, SeverityMedium)
	a2 := NewThreatAlert(ev, ThreatBruteForce, "t", "d", 60, 0.5, SeverityMedium)

	first := s.InsertAlert(a1)
	second := s.InsertAlert(a2)

	if first.ID != second.ID {
		t.Fatal("same event produced two distinct alerts")
	}
	if s.Count() != 1 {
		t.Fatalf("store holds %d alerts, want 1", s.Count())
	}
}

func TestStoreQueryFilters(t *testing.T) {
	s := newTestStore()
	s.InsertAlert(testAlert(SeverityLow, ThreatXSS))
	s.InsertAlert(testAlert(SeverityHigh, ThreatBruteForce))
	s.InsertAlert(testAlert(SeverityCritical, ThreatBruteForce))

	got, total := s.Query(AlertQuery{Severities: []Severity{SeverityHigh, SeverityCritical}})
	if total != 2 || len(got) != 2 {
		t.Fatalf("severity filter: total=%d len=%d", total, len(got))
	}

	got, total = s.Query(AlertQuery{ThreatTypes: []ThreatType{ThreatXSS}})
	if total != 1 || got[0].ThreatType != ThreatXSS {
		t.Fatalf("threat type filter: total=%d", total)
	}

	got, _ = s.Query(AlertQuery{Text: "brute_force"})
	if len(got) != 2 {
		t.Fatalf("free text filter matched %d", len(got))
	}

	got, _ = s.Query(AlertQuery{From: time.Now().Add(time.Hour)})
	if len(got) != 0 {
		t.Fatalf("future window matched %d alerts", len(got))
	}
}

func TestStoreQueryPagination(t *testing.T) {
	s := newTestStore()
	for i := 0; i < 10; i++ {
		s.InsertAlert(testAlert(SeverityMedium, ThreatSQLInjection))
	}

	page, total := s.Query(AlertQuery{Offset: 0, Limit: 3})
	if total != 10 || len(page) != 3 {
		t.Fatalf("first page: total=%d len=%d", total, len(page))
	}

	page, _ = s.Query(AlertQuery{Offset: 9, Limit: 3})
	if len(page) != 1 {
		t.Fatalf("last page len=%d, want 1", len(page))
	}

	page, total = s.Query(AlertQuery{Offset: 50, Limit: 3})
	if total != 10 || page != nil {
		t.Fatalf("offset past end: total=%d page=%v", total, page)
	}
}

func TestStoreStatusTransitions(t *testing.T) {
	s := newTestStore()
	a := s.InsertAlert(testAlert(SeverityMedium, ThreatXSS))

	if err := s.SetAlertStatus(a.ID, AlertStatusTriaged); err != nil {
		t.Fatalf("new→triaged: %v", err)
	}
	if err := s.SetAlertStatus(a.ID, AlertStatusClosed); err != nil {
		t.Fatalf("triaged→closed: %v", err)
	}
	err := s.SetAlertStatus(a.ID, AlertStatusNew)
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("closed alert reopened: %v", err)
	}

	if err := s.SetAlertStatus("missing", AlertStatusTriaged); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing alert: %v", err)
	}
}

func TestStoreStatsAggregation(t *testing.T) {
	s := newTestStore()

	ev := NewSecurityEvent("failed_login")
	ev.Timestamp = time.Now().Add(-2 * time.Second)
	a := NewThreatAlert(ev, ThreatBruteForce, "t", "d", 75, 0.5, SeverityHigh)
	s.InsertAlert(a)
	s.InsertAlert(testAlert(SeverityLow, ThreatXSS))

	executed := time.Now()
	s.AppendResponse(a.ID, "action-1", &executed)

	st := s.ComputeStats(time.Hour)
	if st.TotalAlerts != 2 {
		t.Fatalf("total alerts %d", st.TotalAlerts)
	}
	if st.BySeverity["high"] != 1 || st.BySeverity["low"] != 1 {
		t.Fatalf("severity counts %v", st.BySeverity)
	}
	if st.ByThreatType["brute_force"] != 1 {
		t.Fatalf("threat type counts %v", st.ByThreatType)
	}
	if st.MeanTimeToDetect <= 0 {
		t.Fatalf("mean time to detect %v", st.MeanTimeToDetect)
	}
	if st.MeanTimeToRespond <= 0 {
		t.Fatalf("mean time to respond %v", st.MeanTimeToRespond)
	}
}

func TestStoreAppendResponseMarksResponded(t *testing.T) {
	s := newTestStore()
	a := s.InsertAlert(testAlert(SeverityMedium, ThreatBruteForce))

	now := time.Now()
	s.AppendResponse(a.ID, "action-1", &now)

	got, _ := s.GetAlert(a.ID)
	if got.Status != AlertStatusResponded {
		t.Fatalf("status %s after executed response", got.Status)
	}
	if len(got.ResponseIDs) != 1 || got.ResponseIDs[0] != "action-1" {
		t.Fatalf("response history %v", got.ResponseIDs)
	}
}

// Read paths hand out copies: mutating a query result must never reach the
// stored record, and the store's own setters must never show up in a copy a
// caller is still holding.
func TestStoreReadsAreCopies(t *testing.T) {
	s := newTestStore()
	a := s.InsertAlert(testAlert(SeverityMedium, ThreatXSS))

	got, _ := s.GetAlert(a.ID)
	got.Status = AlertStatusClosed
	got.ResponseIDs = append(got.ResponseIDs, "rogue")

	fresh, _ := s.GetAlert(a.ID)
	if fresh.Status != AlertStatusNew || len(fresh.ResponseIDs) != 0 {
		t.Fatalf("caller mutation reached the store: %+v", fresh)
	}

	inc := &Incident{ID: "inc-1", CorrelationKey: "k", AlertIDs: []string{a.ID}, Status: IncidentStatusOpen}
	s.PutIncident(inc)
	inc.AlertIDs = append(inc.AlertIDs, "late")

	storedInc, _ := s.GetIncident("inc-1")
	if len(storedInc.AlertIDs) != 1 {
		t.Fatalf("post-put mutation reached the store: %v", storedInc.AlertIDs)
	}
}

func TestStoreRetentionSweepArchivesOnlyExpiredTerminalAlerts(t *testing.T) {
	s := NewAlertStore(zerolog.Nop(), StoreConfig{MaxAlerts: 1000, RetentionDays: 1})

	old := testAlert(SeverityLow, ThreatXSS)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	old.Status = AlertStatusClosed
	s.InsertAlert(old)

	openButOld := testAlert(SeverityLow, ThreatXSS)
	openButOld.CreatedAt = time.Now().Add(-48 * time.Hour)
	s.InsertAlert(openButOld)

	fresh := s.InsertAlert(testAlert(SeverityLow, ThreatXSS))

	s.sweepRetention()

	if _, err := s.GetAlert(old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("expired closed alert not archived")
	}
	if _, err := s.GetAlert(openButOld.ID); err != nil {
		t.Fatal("open alert archived despite not being terminal")
	}
	if _, err := s.GetAlert(fresh.ID); err != nil {
		t.Fatal("fresh alert archived")
	}
	if s.ComputeStats(0).ArchivedTotal != 1 {
		t.Fatalf("archived total %d", s.ComputeStats(0).ArchivedTotal)
	}
}
