package rules

import (
	"context"
	"fmt"

	"github.com/sentra-project/sentra/internal/core"
)

// SQLInjectionRule scans the event's request surfaces for SQL injection
// signatures. Stateless.
type SQLInjectionRule struct{}

func (r *SQLInjectionRule) Name() string { return "sql_injection" }

func (r *SQLInjectionRule) Evaluate(_ context.Context, event *core.SecurityEvent, cfg core.RuleConfig) (core.Finding, bool) {
	for _, surface := range requestSurfaces(event) {
		if pattern := matchAny(sqlInjectionPatterns, surface); pattern != "" {
			return core.Finding{
				Rule:           r.Name(),
				ThreatType:     core.ThreatSQLInjection,
				SeverityWeight: cfg.SeverityWeight,
				Evidence:       fmt.Sprintf("pattern %q matched %q", pattern, truncate(surface, 120)),
			}, true
		}
	}
	return core.Finding{}, false
}

// XSSRule scans the event's request surfaces for cross-site scripting
// signatures. Stateless.
type XSSRule struct{}

func (r *XSSRule) Name() string { return "xss" }

func (r *XSSRule) Evaluate(_ context.Context, event *core.SecurityEvent, cfg core.RuleConfig) (core.Finding, bool) {
	for _, surface := range requestSurfaces(event) {
		if pattern := matchAny(xssPatterns, surface); pattern != "" {
			return core.Finding{
				Rule:           r.Name(),
				ThreatType:     core.ThreatXSS,
				SeverityWeight: cfg.SeverityWeight,
				Evidence:       fmt.Sprintf("pattern %q matched %q", pattern, truncate(surface, 120)),
			}, true
		}
	}
	return core.Finding{}, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
