package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sentra-project/sentra/internal/core"
)

const bruteForceTrackerSize = 8192

// BruteForceRule detects repeated authentication failures from the same
// source against the same account. It fires exactly once when the failure
// count crosses the threshold within the window; further failures in the same
// window extend the streak silently. A successful login or window expiry
// resets the streak, after which the rule may fire again.
type BruteForceRule struct {
	mu       sync.Mutex
	trackers *lru.Cache[string, *failureStreak]
}

type failureStreak struct {
	count   int
	firstAt time.Time
	fired   bool
}

// NewBruteForceRule creates the detector with a bounded tracker cache. LRU
// eviction bounds memory against source-IP churn; an evicted streak simply
// restarts from zero if the attacker persists.
func NewBruteForceRule() *BruteForceRule {
	cache, _ := lru.New[string, *failureStreak](bruteForceTrackerSize)
	return &BruteForceRule{trackers: cache}
}

func (r *BruteForceRule) Name() string { return "brute_force" }

func (r *BruteForceRule) Evaluate(_ context.Context, event *core.SecurityEvent, cfg core.RuleConfig) (core.Finding, bool) {
	if !isAuthEvent(event) {
		return core.Finding{}, false
	}

	key := streakKey(event)

	r.mu.Lock()
	defer r.mu.Unlock()

	if isAuthSuccess(event) {
		r.trackers.Remove(key)
		return core.Finding{}, false
	}
	if !isAuthFailure(event) {
		return core.Finding{}, false
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	streak, ok := r.trackers.Get(key)
	if !ok || now.Sub(streak.firstAt) > cfg.Window {
		streak = &failureStreak{firstAt: now}
		r.trackers.Add(key, streak)
	}
	streak.count++

	if streak.fired || streak.count < cfg.Threshold {
		return core.Finding{}, false
	}
	streak.fired = true

	return core.Finding{
		Rule:           r.Name(),
		ThreatType:     core.ThreatBruteForce,
		SeverityWeight: cfg.SeverityWeight,
		Evidence: fmt.Sprintf("%d failed logins for %s within %s",
			streak.count, key, cfg.Window),
	}, true
}

func streakKey(event *core.SecurityEvent) string {
	return event.SourceIP + "|" + strings.ToLower(event.Actor)
}

func isAuthEvent(event *core.SecurityEvent) bool {
	switch event.Type {
	case "failed_login", "login", "auth", "authentication", "ssh_login":
		return true
	}
	return false
}

func isAuthFailure(event *core.SecurityEvent) bool {
	if event.Type == "failed_login" {
		return true
	}
	switch strings.ToLower(event.Result) {
	case "failure", "failed", "denied", "invalid":
		return true
	}
	return false
}

func isAuthSuccess(event *core.SecurityEvent) bool {
	if event.Type == "failed_login" {
		return false
	}
	switch strings.ToLower(event.Result) {
	case "success", "ok", "allowed":
		return true
	}
	return false
}
