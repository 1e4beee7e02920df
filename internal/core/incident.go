package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IncidentManager groups related alerts into incidents by correlation key.
// Invariant: at most one unresolved incident exists per key at any time.
// Attachment is serialized per key, so two workers correlating alerts with
// the same key cannot race into opening duplicate incidents.
type IncidentManager struct {
	logger  zerolog.Logger
	store   *AlertStore
	bus     *EventBus
	holder  *ConfigHolder
	metrics *Metrics

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
	active   map[string]string // correlation key → unresolved incident ID

	onOpened func(*Incident) // ticket sink hook, may be nil
}

// NewIncidentManager creates an incident manager backed by the alert store.
// bus may be nil when the event bus is disabled.
func NewIncidentManager(logger zerolog.Logger, store *AlertStore, bus *EventBus, holder *ConfigHolder, metrics *Metrics) *IncidentManager {
	return &IncidentManager{
		logger:   logger.With().Str("component", "incident_manager").Logger(),
		store:    store,
		bus:      bus,
		holder:   holder,
		metrics:  metrics,
		keyLocks: make(map[string]*sync.Mutex),
		active:   make(map[string]string),
	}
}

// OnIncidentOpened registers a hook called once for each newly opened
// incident, outside the per-key lock.
func (m *IncidentManager) OnIncidentOpened(fn func(*Incident)) {
	m.onOpened = fn
}

// lockKey returns the mutex serializing work on one correlation key.
func (m *IncidentManager) lockKey(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

// Correlate attaches an alert to the unresolved incident for its correlation
// key, or opens a new incident when none exists or the last activity is
// outside the correlation window. Returns the incident the alert now belongs
// to and whether it was newly opened.
func (m *IncidentManager) Correlate(alert *ThreatAlert) (*Incident, bool) {
	key := alert.CorrelationKey
	l := m.lockKey(key)
	l.Lock()

	window := m.holder.Current().Correlation.Window
	now := time.Now().UTC()

	var inc *Incident
	opened := false

	if id, ok := m.activeIncident(key); ok {
		existing, err := m.store.GetIncident(id)
		if err == nil && existing.Status != IncidentStatusResolved {
			if now.Sub(existing.LastAlertAt) <= window {
				inc = existing
			} else {
				// Inside the same key but outside the window: the old
				// incident stays as-is and a fresh one takes over the key.
				m.clearActive(key, id)
			}
		} else {
			m.clearActive(key, id)
		}
	}

	if inc == nil {
		inc = &Incident{
			ID:                uuid.New().String(),
			CorrelationKey:    key,
			OpenedAt:          now,
			Status:            IncidentStatusOpen,
			AggregateSeverity: alert.Severity,
		}
		m.setActive(key, inc.ID)
		opened = true
		m.metrics.IncidentsOpened.Inc()
	}

	inc.AlertIDs = append(inc.AlertIDs, alert.ID)
	inc.LastAlertAt = now
	if alert.Severity > inc.AggregateSeverity {
		inc.AggregateSeverity = alert.Severity
	}
	m.store.PutIncident(inc)

	if err := m.store.LinkIncident(alert.ID, inc.ID); err != nil {
		m.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("linking alert to incident")
	}
	alert.IncidentID = inc.ID

	l.Unlock()

	if opened {
		m.logger.Info().
			Str("incident_id", inc.ID).
			Str("correlation_key", key).
			Str("severity", inc.AggregateSeverity.String()).
			Msg("incident opened")
		if m.onOpened != nil {
			m.onOpened(inc)
		}
	} else {
		m.logger.Debug().
			Str("incident_id", inc.ID).
			Int("alerts", len(inc.AlertIDs)).
			Msg("alert attached to incident")
	}

	m.publish(inc)
	return inc, opened
}

// MarkInvestigating moves an open incident to investigating. Called when the
// first response action for any of its alerts is attempted; a no-op if the
// incident already progressed.
func (m *IncidentManager) MarkInvestigating(incidentID string) {
	inc, err := m.store.GetIncident(incidentID)
	if err != nil {
		return
	}
	l := m.lockKey(inc.CorrelationKey)
	l.Lock()
	// Re-read under the key lock: the copy above may be stale by now.
	inc, err = m.store.GetIncident(incidentID)
	if err != nil || inc.Status != IncidentStatusOpen {
		l.Unlock()
		return
	}
	inc.Status = IncidentStatusInvestigating
	m.store.PutIncident(inc)
	l.Unlock()
	m.publish(inc)
}

// Resolve closes an incident manually. Resolving an already resolved incident
// returns ErrBadTransition.
func (m *IncidentManager) Resolve(incidentID, resolvedBy string) (*Incident, error) {
	inc, err := m.store.GetIncident(incidentID)
	if err != nil {
		return nil, err
	}

	l := m.lockKey(inc.CorrelationKey)
	l.Lock()

	inc, err = m.store.GetIncident(incidentID)
	if err != nil {
		l.Unlock()
		return nil, err
	}
	if inc.Status == IncidentStatusResolved {
		l.Unlock()
		return nil, fmt.Errorf("incident %s already resolved: %w", incidentID, ErrBadTransition)
	}

	now := time.Now().UTC()
	inc.Status = IncidentStatusResolved
	inc.ClosedAt = &now
	m.store.PutIncident(inc)
	m.clearActive(inc.CorrelationKey, inc.ID)

	l.Unlock()

	m.logger.Info().
		Str("incident_id", inc.ID).
		Str("resolved_by", resolvedBy).
		Int("alerts", len(inc.AlertIDs)).
		Msg("incident resolved")
	m.publish(inc)
	return inc, nil
}

// StartSweep runs the inactivity auto-resolve loop until ctx is done.
func (m *IncidentManager) StartSweep(ctx context.Context) {
	go func() {
		interval := m.holder.Current().Correlation.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *IncidentManager) sweep() {
	cfg := m.holder.Current().Correlation
	if !cfg.AutoResolve {
		return
	}
	cutoff := time.Now().Add(-cfg.InactivityTimeout)

	for _, inc := range m.store.OpenIncidents() {
		if inc.LastAlertAt.After(cutoff) {
			continue
		}
		if _, err := m.Resolve(inc.ID, "auto_resolve"); err == nil {
			m.logger.Info().
				Str("incident_id", inc.ID).
				Dur("inactivity", cfg.InactivityTimeout).
				Msg("incident auto-resolved after inactivity")
		}
	}
}

func (m *IncidentManager) activeIncident(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[key]
	return id, ok
}

func (m *IncidentManager) setActive(key, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.active[key]; ok && prev != id {
		// Should be unreachable while attachment is serialized per key.
		m.logger.Error().
			Str("correlation_key", key).
			Str("previous", prev).
			Str("replacement", id).
			Msg("duplicate active incident for key; replacing")
	}
	m.active[key] = id
}

func (m *IncidentManager) clearActive(key, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[key] == id {
		delete(m.active, key)
	}
}

func (m *IncidentManager) publish(inc *Incident) {
	if m.bus == nil {
		return
	}
	if err := m.bus.PublishIncident(inc); err != nil {
		m.logger.Warn().Err(err).Str("incident_id", inc.ID).Msg("publishing incident")
	}
}
