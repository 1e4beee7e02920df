package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AlertStore is the durable record of alerts and incidents. Append-mostly:
// alerts are inserted once and mutated only through the status/link setters,
// never deleted — the retention sweep moves expired closed alerts out of the
// hot set and counts them as archived.
//
// The store owns its concurrency discipline (single RWMutex; the hot path is
// insert + keyed lookup) and is injected into the pipeline, incident manager
// and response engine rather than accessed as a global. Writes mutate only the
// store's own records; every read path returns deep copies, so a caller may
// serialize a result after the lock is released while the pipeline keeps
// mutating the stored original.
type AlertStore struct {
	mu        sync.RWMutex
	logger    zerolog.Logger
	alerts    map[string]*ThreatAlert
	order     []string // insertion order, oldest first
	incidents map[string]*Incident
	byEvent   map[string]string // event ID → alert ID, for idempotent insert

	respondedAt map[string]time.Time // alert ID → first executed response

	maxAlerts     int
	retention     time.Duration
	sweepInterval time.Duration
	archivedTotal int64
}

// NewAlertStore creates an alert store.
func NewAlertStore(logger zerolog.Logger, cfg StoreConfig) *AlertStore {
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	if cfg.RetentionDays <= 0 {
		retention = 365 * 24 * time.Hour
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Hour
	}
	return &AlertStore{
		logger:        logger.With().Str("component", "alert_store").Logger(),
		alerts:        make(map[string]*ThreatAlert),
		incidents:     make(map[string]*Incident),
		byEvent:       make(map[string]string),
		respondedAt:   make(map[string]time.Time),
		maxAlerts:     cfg.MaxAlerts,
		retention:     retention,
		sweepInterval: sweep,
	}
}

// InsertAlert adds a new alert. Inserting a second alert for the same event
// ID is a no-op returning a copy of the existing alert — this is what makes
// redelivered events idempotent. The store keeps its own copy; on a fresh
// insert the caller's pointer is returned and stays private to the caller.
func (s *AlertStore) InsertAlert(alert *ThreatAlert) *ThreatAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byEvent[alert.EventID]; ok && alert.EventID != "" {
		return s.alerts[existingID].Clone()
	}

	s.alerts[alert.ID] = alert.Clone()
	s.order = append(s.order, alert.ID)
	if alert.EventID != "" {
		s.byEvent[alert.EventID] = alert.ID
	}

	if s.maxAlerts > 0 && len(s.order) > s.maxAlerts {
		s.evictOldestLocked()
	}
	return alert
}

// GetAlert returns a copy of an alert by ID.
func (s *AlertStore) GetAlert(id string) (*ThreatAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// SetAlertStatus transitions an alert's status. Closed and false_positive are
// terminal.
func (s *AlertStore) SetAlertStatus(id string, status AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if a.Status == AlertStatusClosed || a.Status == AlertStatusFalsePositive {
		return fmt.Errorf("alert %s is %s: %w", id, a.Status, ErrBadTransition)
	}
	a.Status = status
	return nil
}

// LinkIncident records the incident back-reference on an alert.
func (s *AlertStore) LinkIncident(alertID, incidentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	a.IncidentID = incidentID
	return nil
}

// AppendResponse records a response action ID on an alert's history and
// stamps the time-to-respond clock on the first executed action.
func (s *AlertStore) AppendResponse(alertID, actionID string, executedAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return
	}
	a.ResponseIDs = append(a.ResponseIDs, actionID)
	if executedAt != nil {
		if _, seen := s.respondedAt[alertID]; !seen {
			s.respondedAt[alertID] = *executedAt
		}
		if a.Status == AlertStatusNew || a.Status == AlertStatusTriaged {
			a.Status = AlertStatusResponded
		}
	}
}

// PutIncident inserts or updates an incident snapshot. The store keeps its
// own copy, so the caller may go on using its pointer freely.
func (s *AlertStore) PutIncident(inc *Incident) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = inc.Clone()
}

// GetIncident returns a copy of an incident by ID.
func (s *AlertStore) GetIncident(id string) (*Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return inc.Clone(), nil
}

// OpenIncidents returns all incidents not yet resolved.
func (s *AlertStore) OpenIncidents() []*Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Incident, 0)
	for _, inc := range s.incidents {
		if inc.Status != IncidentStatusResolved {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Incidents returns incidents newest-first with pagination.
func (s *AlertStore) Incidents(offset, limit int) ([]*Incident, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		all = append(all, inc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].OpenedAt.After(all[j].OpenedAt) })

	total := len(all)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	page := make([]*Incident, 0, end-offset)
	for _, inc := range all[offset:end] {
		page = append(page, inc.Clone())
	}
	return page, total
}

// AlertQuery is the filter set for Query. Zero values match everything.
type AlertQuery struct {
	Severities  []Severity
	Statuses    []AlertStatus
	ThreatTypes []ThreatType
	From        time.Time
	To          time.Time
	Text        string // free text over title and description
	Scope       string // caller's authorization scope; "" matches all
	Offset      int
	Limit       int
}

// Query returns alerts matching q, newest-first, with the total match count
// before pagination.
func (s *AlertStore) Query(q AlertQuery) ([]*ThreatAlert, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*ThreatAlert, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		a, ok := s.alerts[s.order[i]]
		if !ok {
			continue
		}
		if !matchAlert(a, q) {
			continue
		}
		matched = append(matched, a)
	}

	total := len(matched)
	if q.Offset >= total {
		return nil, total
	}
	end := q.Offset + q.Limit
	if q.Limit <= 0 || end > total {
		end = total
	}
	page := make([]*ThreatAlert, 0, end-q.Offset)
	for _, a := range matched[q.Offset:end] {
		page = append(page, a.Clone())
	}
	return page, total
}

func matchAlert(a *ThreatAlert, q AlertQuery) bool {
	if len(q.Severities) > 0 && !containsSeverity(q.Severities, a.Severity) {
		return false
	}
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, a.Status) {
		return false
	}
	if len(q.ThreatTypes) > 0 && !containsThreatType(q.ThreatTypes, a.ThreatType) {
		return false
	}
	if !q.From.IsZero() && a.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && a.CreatedAt.After(q.To) {
		return false
	}
	if q.Scope != "" && a.OwnerScope != "" && a.OwnerScope != q.Scope {
		return false
	}
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(a.Title), needle) &&
			!strings.Contains(strings.ToLower(a.Description), needle) {
			return false
		}
	}
	return true
}

// Stats is the aggregate view over a time window.
type Stats struct {
	Window            string         `json:"window"`
	TotalAlerts       int            `json:"total_alerts"`
	BySeverity        map[string]int `json:"by_severity"`
	ByThreatType      map[string]int `json:"by_threat_type"`
	ByStatus          map[string]int `json:"by_status"`
	OpenIncidents     int            `json:"open_incidents"`
	TotalIncidents    int            `json:"total_incidents"`
	MeanTimeToDetect  float64        `json:"mean_time_to_detect_seconds"`
	MeanTimeToRespond float64        `json:"mean_time_to_respond_seconds"`
	ArchivedTotal     int64          `json:"archived_total"`
}

// ComputeStats aggregates alert and incident counts over the window ending
// now. Mean time-to-detect is event timestamp → alert creation; mean
// time-to-respond is alert creation → first executed response action.
func (s *AlertStore) ComputeStats(window time.Duration) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	st := Stats{
		Window:       window.String(),
		BySeverity:   make(map[string]int),
		ByThreatType: make(map[string]int),
		ByStatus:     make(map[string]int),
	}

	var detectSum, respondSum float64
	var detectN, respondN int

	for _, a := range s.alerts {
		if window > 0 && a.CreatedAt.Before(cutoff) {
			continue
		}
		st.TotalAlerts++
		st.BySeverity[a.Severity.String()]++
		st.ByThreatType[string(a.ThreatType)]++
		st.ByStatus[string(a.Status)]++

		if !a.EventTime.IsZero() && a.CreatedAt.After(a.EventTime) {
			detectSum += a.CreatedAt.Sub(a.EventTime).Seconds()
			detectN++
		}
		if t, ok := s.respondedAt[a.ID]; ok {
			respondSum += t.Sub(a.CreatedAt).Seconds()
			respondN++
		}
	}

	for _, inc := range s.incidents {
		st.TotalIncidents++
		if inc.Status != IncidentStatusResolved {
			st.OpenIncidents++
		}
	}

	if detectN > 0 {
		st.MeanTimeToDetect = detectSum / float64(detectN)
	}
	if respondN > 0 {
		st.MeanTimeToRespond = respondSum / float64(respondN)
	}
	st.ArchivedTotal = s.archivedTotal
	return st
}

// Count returns the number of alerts in the hot set.
func (s *AlertStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}

// StartRetentionSweep archives expired closed alerts in the background until
// ctx is done.
func (s *AlertStore) StartRetentionSweep(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweepRetention()
			}
		}
	}()
}

func (s *AlertStore) sweepRetention() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.retention)
	kept := s.order[:0]
	archived := 0
	for _, id := range s.order {
		a, ok := s.alerts[id]
		if !ok {
			continue
		}
		terminal := a.Status == AlertStatusClosed || a.Status == AlertStatusFalsePositive
		if terminal && a.CreatedAt.Before(cutoff) {
			delete(s.alerts, id)
			delete(s.byEvent, a.EventID)
			delete(s.respondedAt, id)
			archived++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.archivedTotal += int64(archived)
	if archived > 0 {
		s.logger.Info().Int("archived", archived).Msg("retention sweep archived expired alerts")
	}
}

// evictOldestLocked drops the oldest tenth of the hot set when over capacity.
func (s *AlertStore) evictOldestLocked() {
	drop := s.maxAlerts / 10
	if drop < 1 {
		drop = 1
	}
	for _, id := range s.order[:drop] {
		if a, ok := s.alerts[id]; ok {
			delete(s.byEvent, a.EventID)
			delete(s.respondedAt, id)
			delete(s.alerts, id)
		}
	}
	s.order = s.order[drop:]
	s.archivedTotal += int64(drop)
	s.logger.Warn().Int("evicted", drop).Msg("alert store over capacity — oldest alerts archived")
}

func containsSeverity(list []Severity, v Severity) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsStatus(list []AlertStatus, v AlertStatus) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsThreatType(list []ThreatType, v ThreatType) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
