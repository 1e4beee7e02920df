package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ActionType identifies a response action kind.
type ActionType string

const (
	ActionBlockIP        ActionType = "block_ip"
	ActionIsolateHost    ActionType = "isolate_host"
	ActionQuarantineFile ActionType = "quarantine_file"
	ActionResetPassword  ActionType = "reset_password"
	ActionDisableAccount ActionType = "disable_account"
	ActionAlertAdmin     ActionType = "alert_admin"
	ActionCustom         ActionType = "custom"
)

// ValidActionType reports whether t is a known action type.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionBlockIP, ActionIsolateHost, ActionQuarantineFile,
		ActionResetPassword, ActionDisableAccount, ActionAlertAdmin, ActionCustom:
		return true
	}
	return false
}

// ActionStatus is the lifecycle state of a response action.
//
//	pending_approval → approved → executed | failed
//	pending_approval → rejected
//	pending_approval → expired
//
// Auto-approved actions skip straight from approved. Rejected, expired,
// executed and failed are terminal.
type ActionStatus string

const (
	ActionStatusPendingApproval ActionStatus = "pending_approval"
	ActionStatusApproved        ActionStatus = "approved"
	ActionStatusExecuted        ActionStatus = "executed"
	ActionStatusFailed          ActionStatus = "failed"
	ActionStatusRejected        ActionStatus = "rejected"
	ActionStatusExpired         ActionStatus = "expired"
)

// ResponseAction is one concrete action taken (or proposed) against a threat
// alert. It doubles as the audit record published on the bus at every state
// change.
type ResponseAction struct {
	ID               string            `json:"id"`
	AlertID          string            `json:"alert_id"`
	IncidentID       string            `json:"incident_id,omitempty"`
	Type             ActionType        `json:"type"`
	Params           map[string]string `json:"params,omitempty"`
	Status           ActionStatus      `json:"status"`
	RequiresApproval bool              `json:"requires_approval"`
	CreatedAt        time.Time         `json:"created_at"`
	DecidedBy        string            `json:"decided_by,omitempty"`
	DecidedAt        *time.Time        `json:"decided_at,omitempty"`
	ExecutedAt       *time.Time        `json:"executed_at,omitempty"`
	Attempts         int               `json:"attempts,omitempty"`
	Result           string            `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	DryRun           bool              `json:"dry_run,omitempty"`
	RejectReason     string            `json:"reject_reason,omitempty"`
}

// Clone returns a deep copy of the action. Read paths hand these out so a
// caller can serialize the record while the engine is still retrying it.
func (a *ResponseAction) Clone() *ResponseAction {
	out := *a
	if a.Params != nil {
		out.Params = make(map[string]string, len(a.Params))
		for k, v := range a.Params {
			out.Params[k] = v
		}
	}
	if a.DecidedAt != nil {
		t := *a.DecidedAt
		out.DecidedAt = &t
	}
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		out.ExecutedAt = &t
	}
	return &out
}

// Executor carries out one action type against the environment. Idempotent
// executors may be retried on failure; non-idempotent ones fail permanently
// on the first error.
type Executor interface {
	Type() ActionType
	Idempotent() bool
	Execute(ctx context.Context, action *ResponseAction, alert *ThreatAlert) (result string, err error)
}

// ResponseEngine maps scored alerts to response actions via configured
// policies, routes destructive actions through the approval gate, and runs
// approved actions with bounded retries.
type ResponseEngine struct {
	logger  zerolog.Logger
	holder  *ConfigHolder
	store   *AlertStore
	bus     *EventBus
	gate    *ApprovalGate
	inc     *IncidentManager
	metrics *Metrics

	mu        sync.RWMutex
	executors map[ActionType]Executor
	actions   map[string]*ResponseAction // every action ever created, by ID
	order     []string
}

// NewResponseEngine creates a response engine. bus and inc may be nil in
// tests.
func NewResponseEngine(logger zerolog.Logger, holder *ConfigHolder, store *AlertStore, bus *EventBus, inc *IncidentManager, metrics *Metrics) *ResponseEngine {
	e := &ResponseEngine{
		logger:    logger.With().Str("component", "response_engine").Logger(),
		holder:    holder,
		store:     store,
		bus:       bus,
		inc:       inc,
		metrics:   metrics,
		executors: make(map[ActionType]Executor),
		actions:   make(map[string]*ResponseAction),
	}
	e.gate = NewApprovalGate(logger, holder, e.onGateDecision)
	return e
}

// Gate exposes the approval gate for the API layer.
func (e *ResponseEngine) Gate() *ApprovalGate { return e.gate }

// Register adds an executor for its action type, replacing any previous one.
func (e *ResponseEngine) Register(ex Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executors[ex.Type()] = ex
}

// Start launches the approval expiry loop.
func (e *ResponseEngine) Start(ctx context.Context) {
	e.gate.Start(ctx)
}

// Respond evaluates the configured policies against a scored alert and
// creates the matching actions. Auto-approved actions execute inline;
// approval-required ones are parked in the gate. Never returns an error to
// the pipeline: a response failure must not block detection.
func (e *ResponseEngine) Respond(ctx context.Context, alert *ThreatAlert) []*ResponseAction {
	cfg := e.holder.Current().Response
	if !cfg.Enabled {
		return nil
	}

	templates := e.matchPolicies(alert)
	if len(templates) == 0 {
		return nil
	}

	created := make([]*ResponseAction, 0, len(templates))
	for _, tmpl := range templates {
		action := e.newAction(alert, tmpl, cfg.DryRun)
		e.track(action)
		created = append(created, action)

		if action.RequiresApproval {
			if err := e.gate.Submit(action); err != nil {
				action.Status = ActionStatusFailed
				action.Error = err.Error()
				e.finish(action, alert)
				continue
			}
			e.logger.Info().
				Str("action_id", action.ID).
				Str("type", string(action.Type)).
				Str("alert_id", alert.ID).
				Msg("action awaiting approval")
			e.audit("proposed", action)
		} else {
			action.Status = ActionStatusApproved
			e.execute(ctx, action, alert)
		}
	}

	if e.inc != nil && alert.IncidentID != "" {
		e.inc.MarkInvestigating(alert.IncidentID)
	}
	return created
}

// Approve approves a pending action on behalf of approver and executes it.
func (e *ResponseEngine) Approve(ctx context.Context, actionID, approver string) (*ResponseAction, error) {
	action, err := e.gate.Decide(actionID, approver, true, "")
	if err != nil {
		return nil, err
	}
	alert, err := e.store.GetAlert(action.AlertID)
	if err != nil {
		action.Status = ActionStatusFailed
		action.Error = "alert no longer available"
		e.finish(action, nil)
		return action, nil
	}
	e.execute(ctx, action, alert)
	return action, nil
}

// Reject rejects a pending action with a reason. Rejected actions never
// execute.
func (e *ResponseEngine) Reject(actionID, approver, reason string) (*ResponseAction, error) {
	return e.gate.Decide(actionID, approver, false, reason)
}

// GetAction returns a copy of an action by ID.
func (e *ResponseEngine) GetAction(id string) (*ResponseAction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[id]
	if !ok {
		return nil, fmt.Errorf("response action %s: %w", id, ErrNotFound)
	}
	return a.Clone(), nil
}

// Actions returns actions newest-first, optionally filtered by status.
func (e *ResponseEngine) Actions(status ActionStatus, offset, limit int) ([]*ResponseAction, int) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	matched := make([]*ResponseAction, 0)
	for i := len(e.order) - 1; i >= 0; i-- {
		a := e.actions[e.order[i]]
		if status != "" && a.Status != status {
			continue
		}
		matched = append(matched, a)
	}
	total := len(matched)
	if offset >= total {
		return nil, total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	page := make([]*ResponseAction, 0, end-offset)
	for _, a := range matched[offset:end] {
		page = append(page, a.Clone())
	}
	return page, total
}

// matchPolicies returns action templates from every policy whose threat type
// and minimum severity match the alert. "*" matches any threat type.
func (e *ResponseEngine) matchPolicies(alert *ThreatAlert) []ActionTemplateConfig {
	var out []ActionTemplateConfig
	seen := make(map[ActionType]bool)
	for _, p := range e.holder.Current().Response.Policies {
		if p.ThreatType != "*" && ThreatType(p.ThreatType) != alert.ThreatType {
			continue
		}
		min := ParseSeverity(p.MinSeverity)
		if alert.Severity < min {
			continue
		}
		for _, a := range p.Actions {
			t := ActionType(a.Type)
			if seen[t] {
				continue // same action from an overlapping policy fires once
			}
			seen[t] = true
			out = append(out, a)
		}
	}
	return out
}

func (e *ResponseEngine) newAction(alert *ThreatAlert, tmpl ActionTemplateConfig, dryRun bool) *ResponseAction {
	params := make(map[string]string, len(tmpl.Params)+2)
	for k, v := range tmpl.Params {
		params[k] = v
	}
	// Derive the obvious target from the alert when the template leaves it out.
	if _, ok := params["ip"]; !ok && alert.Network.SourceIP != "" {
		params["ip"] = alert.Network.SourceIP
	}
	if _, ok := params["host"]; !ok && alert.Network.DestIP != "" {
		params["host"] = alert.Network.DestIP
	}

	status := ActionStatusApproved
	if tmpl.RequiresApproval {
		status = ActionStatusPendingApproval
	}
	return &ResponseAction{
		ID:               uuid.New().String(),
		AlertID:          alert.ID,
		IncidentID:       alert.IncidentID,
		Type:             ActionType(tmpl.Type),
		Params:           params,
		Status:           status,
		RequiresApproval: tmpl.RequiresApproval,
		CreatedAt:        time.Now().UTC(),
		DryRun:           dryRun,
	}
}

// execute runs an approved action with per-attempt timeout. Idempotent action
// types retry with doubling backoff up to the configured maximum; anything
// else gets exactly one attempt.
func (e *ResponseEngine) execute(ctx context.Context, action *ResponseAction, alert *ThreatAlert) {
	cfg := e.holder.Current().Response

	e.mu.RLock()
	ex, ok := e.executors[action.Type]
	e.mu.RUnlock()
	if !ok {
		action.Status = ActionStatusFailed
		action.Error = fmt.Sprintf("no executor registered for %s", action.Type)
		e.finish(action, alert)
		return
	}

	if action.DryRun {
		now := time.Now().UTC()
		action.Status = ActionStatusExecuted
		action.ExecutedAt = &now
		action.Result = "dry run: " + describeAction(action)
		e.finish(action, alert)
		return
	}

	maxAttempts := 1
	if ex.Idempotent() && cfg.MaxRetries > 0 {
		maxAttempts = 1 + cfg.MaxRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		action.Attempts = attempt

		execCtx, cancel := context.WithTimeout(ctx, cfg.ExecTimeout)
		result, err := ex.Execute(execCtx, action, alert)
		cancel()

		if err == nil {
			now := time.Now().UTC()
			action.Status = ActionStatusExecuted
			action.ExecutedAt = &now
			action.Result = result
			action.Error = ""
			e.finish(action, alert)
			return
		}
		lastErr = err
		e.logger.Warn().
			Err(err).
			Str("action_id", action.ID).
			Str("type", string(action.Type)).
			Int("attempt", attempt).
			Msg("response action attempt failed")

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				attempt = maxAttempts
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	action.Status = ActionStatusFailed
	action.Error = lastErr.Error()
	e.finish(action, alert)
}

// finish records a terminal action outcome: store history, metrics, audit.
func (e *ResponseEngine) finish(action *ResponseAction, alert *ThreatAlert) {
	if alert != nil {
		e.store.AppendResponse(alert.ID, action.ID, action.ExecutedAt)
	}
	e.metrics.ActionsExecuted.WithLabelValues(string(action.Type), string(action.Status)).Inc()

	ev := e.logger.Info()
	if action.Status == ActionStatusFailed {
		ev = e.logger.Error()
	}
	ev.Str("action_id", action.ID).
		Str("type", string(action.Type)).
		Str("status", string(action.Status)).
		Str("alert_id", action.AlertID).
		Int("attempts", action.Attempts).
		Msg("response action finished")

	e.audit(string(action.Status), action)
}

// onGateDecision is invoked by the gate for rejections and expirations, which
// terminate without passing back through execute.
func (e *ResponseEngine) onGateDecision(action *ResponseAction) {
	if action.Status == ActionStatusRejected || action.Status == ActionStatusExpired {
		e.store.AppendResponse(action.AlertID, action.ID, nil)
		e.metrics.ActionsExecuted.WithLabelValues(string(action.Type), string(action.Status)).Inc()
		e.audit(string(action.Status), action)
	}
}

func (e *ResponseEngine) track(action *ResponseAction) {
	e.mu.Lock()
	e.actions[action.ID] = action
	e.order = append(e.order, action.ID)
	e.mu.Unlock()
}

func (e *ResponseEngine) audit(kind string, action *ResponseAction) {
	if e.bus == nil {
		return
	}
	if err := e.bus.PublishResponse(action); err != nil {
		e.logger.Warn().Err(err).Str("action_id", action.ID).Msg("publishing response record")
	}
	if err := e.bus.PublishAudit("response."+kind, action); err != nil {
		e.logger.Warn().Err(err).Str("action_id", action.ID).Msg("publishing audit entry")
	}
}

func describeAction(a *ResponseAction) string {
	parts := make([]string, 0, len(a.Params))
	for k, v := range a.Params {
		parts = append(parts, k+"="+v)
	}
	return fmt.Sprintf("%s(%s)", a.Type, strings.Join(parts, " "))
}
