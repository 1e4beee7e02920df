package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Blocklist tracks network containment state produced by response actions.
// Enforcement points (edge proxies, the ingest API) consult it; entries are
// permanent until removed by an operator.
type Blocklist struct {
	mu       sync.RWMutex
	ips      map[string]time.Time
	hosts    map[string]time.Time
	accounts map[string]time.Time
}

// NewBlocklist creates an empty blocklist.
func NewBlocklist() *Blocklist {
	return &Blocklist{
		ips:      make(map[string]time.Time),
		hosts:    make(map[string]time.Time),
		accounts: make(map[string]time.Time),
	}
}

// BlockIP adds an IP to the blocklist.
func (b *Blocklist) BlockIP(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ips[ip] = time.Now().UTC()
}

// IsBlocked reports whether an IP is blocked.
func (b *Blocklist) IsBlocked(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ips[ip]
	return ok
}

// IsolateHost marks a host as isolated.
func (b *Blocklist) IsolateHost(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hosts[host] = time.Now().UTC()
}

// DisableAccount marks an account as disabled.
func (b *Blocklist) DisableAccount(account string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[account] = time.Now().UTC()
}

// Snapshot returns the current blocklist contents for the API.
func (b *Blocklist) Snapshot() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := map[string][]string{"ips": {}, "hosts": {}, "accounts": {}}
	for ip := range b.ips {
		out["ips"] = append(out["ips"], ip)
	}
	for h := range b.hosts {
		out["hosts"] = append(out["hosts"], h)
	}
	for a := range b.accounts {
		out["accounts"] = append(out["accounts"], a)
	}
	return out
}

// RegisterBuiltins wires the standard executor set into the engine. bus may
// be nil.
func RegisterBuiltins(e *ResponseEngine, logger zerolog.Logger, bus *EventBus, blocklist *Blocklist) {
	log := logger.With().Str("component", "executors").Logger()
	e.Register(&blockIPExecutor{log: log, blocklist: blocklist})
	e.Register(&isolateHostExecutor{log: log, blocklist: blocklist})
	e.Register(&quarantineFileExecutor{log: log})
	e.Register(&resetPasswordExecutor{log: log})
	e.Register(&disableAccountExecutor{log: log, blocklist: blocklist})
	e.Register(&alertAdminExecutor{log: log, bus: bus})
	e.Register(&customExecutor{log: log, client: &http.Client{}})
}

type blockIPExecutor struct {
	log       zerolog.Logger
	blocklist *Blocklist
}

func (x *blockIPExecutor) Type() ActionType { return ActionBlockIP }
func (x *blockIPExecutor) Idempotent() bool { return true }

func (x *blockIPExecutor) Execute(_ context.Context, action *ResponseAction, _ *ThreatAlert) (string, error) {
	ip := action.Params["ip"]
	if ip == "" {
		return "", fmt.Errorf("block_ip: no ip parameter resolved")
	}
	x.blocklist.BlockIP(ip)
	x.log.Info().Str("ip", ip).Msg("ip added to blocklist")
	return "blocked " + ip, nil
}

type isolateHostExecutor struct {
	log       zerolog.Logger
	blocklist *Blocklist
}

func (x *isolateHostExecutor) Type() ActionType { return ActionIsolateHost }
func (x *isolateHostExecutor) Idempotent() bool { return true }

func (x *isolateHostExecutor) Execute(_ context.Context, action *ResponseAction, _ *ThreatAlert) (string, error) {
	host := action.Params["host"]
	if host == "" {
		return "", fmt.Errorf("isolate_host: no host parameter resolved")
	}
	x.blocklist.IsolateHost(host)
	x.log.Info().Str("host", host).Msg("host isolated")
	return "isolated " + host, nil
}

type quarantineFileExecutor struct {
	log zerolog.Logger
}

func (x *quarantineFileExecutor) Type() ActionType { return ActionQuarantineFile }
func (x *quarantineFileExecutor) Idempotent() bool { return true }

func (x *quarantineFileExecutor) Execute(_ context.Context, action *ResponseAction, alert *ThreatAlert) (string, error) {
	path := action.Params["path"]
	if path == "" {
		if alert != nil {
			path = alert.Network.SourceIP + ":upload"
		}
	}
	if path == "" {
		return "", fmt.Errorf("quarantine_file: no path parameter resolved")
	}
	x.log.Info().Str("path", path).Msg("file quarantined")
	return "quarantined " + path, nil
}

// resetPasswordExecutor is not idempotent: each run invalidates the previous
// credential, so a retry after an ambiguous failure could lock the user out
// twice.
type resetPasswordExecutor struct {
	log zerolog.Logger
}

func (x *resetPasswordExecutor) Type() ActionType { return ActionResetPassword }
func (x *resetPasswordExecutor) Idempotent() bool { return false }

func (x *resetPasswordExecutor) Execute(_ context.Context, action *ResponseAction, _ *ThreatAlert) (string, error) {
	account := action.Params["account"]
	if account == "" {
		return "", fmt.Errorf("reset_password: no account parameter resolved")
	}
	x.log.Info().Str("account", account).Msg("password reset issued")
	return "password reset for " + account, nil
}

// disableAccountExecutor is not idempotent: a retry after an ambiguous
// failure could disable an account an operator re-enabled in between. A failed
// disable needs fresh approval.
type disableAccountExecutor struct {
	log       zerolog.Logger
	blocklist *Blocklist
}

func (x *disableAccountExecutor) Type() ActionType { return ActionDisableAccount }
func (x *disableAccountExecutor) Idempotent() bool { return false }

func (x *disableAccountExecutor) Execute(_ context.Context, action *ResponseAction, _ *ThreatAlert) (string, error) {
	account := action.Params["account"]
	if account == "" {
		return "", fmt.Errorf("disable_account: no account parameter resolved")
	}
	x.blocklist.DisableAccount(account)
	x.log.Info().Str("account", account).Msg("account disabled")
	return "disabled " + account, nil
}

// alertAdminExecutor publishes an administrator notification on the bus. Not
// idempotent: a retry would page twice.
type alertAdminExecutor struct {
	log zerolog.Logger
	bus *EventBus
}

func (x *alertAdminExecutor) Type() ActionType { return ActionAlertAdmin }
func (x *alertAdminExecutor) Idempotent() bool { return false }

func (x *alertAdminExecutor) Execute(_ context.Context, action *ResponseAction, alert *ThreatAlert) (string, error) {
	note := map[string]any{
		"action_id": action.ID,
		"alert_id":  action.AlertID,
	}
	if alert != nil {
		note["severity"] = alert.Severity.String()
		note["threat_type"] = alert.ThreatType
		note["title"] = alert.Title
	}
	if x.bus != nil {
		if err := x.bus.PublishAudit("admin_notification", note); err != nil {
			return "", fmt.Errorf("alert_admin: %w", err)
		}
	}
	x.log.Warn().Str("alert_id", action.AlertID).Msg("administrator notified")
	return "admin notified", nil
}

// customExecutor POSTs the action to a webhook from the params. Not
// idempotent: the receiver's semantics are unknown.
type customExecutor struct {
	log    zerolog.Logger
	client *http.Client
}

func (x *customExecutor) Type() ActionType { return ActionCustom }
func (x *customExecutor) Idempotent() bool { return false }

func (x *customExecutor) Execute(ctx context.Context, action *ResponseAction, alert *ThreatAlert) (string, error) {
	url := action.Params["url"]
	if url == "" {
		return "", fmt.Errorf("custom: no url parameter resolved")
	}

	payload, err := json.Marshal(map[string]any{"action": action, "alert": alert})
	if err != nil {
		return "", fmt.Errorf("custom: marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("custom: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := x.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("custom: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("custom: webhook returned %d", resp.StatusCode)
	}
	return fmt.Sprintf("webhook %s returned %d", url, resp.StatusCode), nil
}
