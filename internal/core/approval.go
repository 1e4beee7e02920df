package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ApprovalGate holds response actions that need a human decision before they
// may execute. Pending actions expire after the configured TTL; expiry is a
// terminal state, the action is never silently executed later.
type ApprovalGate struct {
	logger     zerolog.Logger
	holder     *ConfigHolder
	onDecision func(*ResponseAction)

	mu      sync.Mutex
	pending map[string]*ResponseAction
}

// NewApprovalGate creates an approval gate. onDecision is called for every
// terminal decision the gate itself makes (rejections and expirations).
func NewApprovalGate(logger zerolog.Logger, holder *ConfigHolder, onDecision func(*ResponseAction)) *ApprovalGate {
	return &ApprovalGate{
		logger:     logger.With().Str("component", "approval_gate").Logger(),
		holder:     holder,
		onDecision: onDecision,
		pending:    make(map[string]*ResponseAction),
	}
}

// Submit parks an action pending approval. When the gate is at capacity the
// oldest pending action is expired to make room, so a flood of proposals
// cannot grow the gate without bound.
func (g *ApprovalGate) Submit(action *ResponseAction) error {
	if action.Status != ActionStatusPendingApproval {
		return fmt.Errorf("action %s is %s, not pending approval: %w", action.ID, action.Status, ErrBadTransition)
	}

	g.mu.Lock()
	maxPending := g.holder.Current().Response.MaxPending
	var evicted *ResponseAction
	if maxPending > 0 && len(g.pending) >= maxPending {
		evicted = g.expireOldestLocked()
	}
	g.pending[action.ID] = action
	g.mu.Unlock()

	if evicted != nil {
		g.logger.Warn().
			Str("action_id", evicted.ID).
			Str("type", string(evicted.Type)).
			Msg("approval gate full; oldest pending action expired")
		g.notify(evicted)
	}
	return nil
}

// Decide records an approval or rejection by approver. Only pending actions
// can be decided; deciding anything else returns ErrBadTransition, and an
// unknown ID returns ErrNotFound.
func (g *ApprovalGate) Decide(actionID, approver string, approve bool, reason string) (*ResponseAction, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver identity required: %w", ErrNoApproval)
	}

	g.mu.Lock()
	action, ok := g.pending[actionID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("no pending approval for action %s: %w", actionID, ErrNotFound)
	}
	delete(g.pending, actionID)

	now := time.Now().UTC()
	action.DecidedBy = approver
	action.DecidedAt = &now
	if approve {
		action.Status = ActionStatusApproved
	} else {
		action.Status = ActionStatusRejected
		action.RejectReason = reason
	}
	g.mu.Unlock()

	g.logger.Info().
		Str("action_id", action.ID).
		Str("type", string(action.Type)).
		Str("decided_by", approver).
		Bool("approved", approve).
		Msg("approval decision recorded")

	if !approve {
		g.notify(action)
	}
	return action, nil
}

// Pending returns copies of the pending actions oldest-first.
func (g *ApprovalGate) Pending() []*ResponseAction {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ResponseAction, 0, len(g.pending))
	for _, a := range g.pending {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Start runs the TTL expiry loop until ctx is done.
func (g *ApprovalGate) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.expireStale()
			}
		}
	}()
}

func (g *ApprovalGate) expireStale() {
	ttl := g.holder.Current().Response.ApprovalTTL
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)

	g.mu.Lock()
	var expired []*ResponseAction
	for id, a := range g.pending {
		if a.CreatedAt.Before(cutoff) {
			delete(g.pending, id)
			now := time.Now().UTC()
			a.Status = ActionStatusExpired
			a.DecidedAt = &now
			expired = append(expired, a)
		}
	}
	g.mu.Unlock()

	for _, a := range expired {
		g.logger.Info().
			Str("action_id", a.ID).
			Str("type", string(a.Type)).
			Dur("ttl", ttl).
			Msg("pending approval expired")
		g.notify(a)
	}
}

// expireOldestLocked expires and removes the oldest pending action. Caller
// holds the lock.
func (g *ApprovalGate) expireOldestLocked() *ResponseAction {
	var oldest *ResponseAction
	for _, a := range g.pending {
		if oldest == nil || a.CreatedAt.Before(oldest.CreatedAt) {
			oldest = a
		}
	}
	if oldest == nil {
		return nil
	}
	delete(g.pending, oldest.ID)
	now := time.Now().UTC()
	oldest.Status = ActionStatusExpired
	oldest.DecidedAt = &now
	return oldest
}

func (g *ApprovalGate) notify(action *ResponseAction) {
	if g.onDecision != nil {
		g.onDecision(action)
	}
}
