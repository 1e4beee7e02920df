package core

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ConfigHolder hands out immutable configuration snapshots. Components call
// Current() at the start of each operation; Reload() swaps the pointer
// atomically so concurrent readers always see either the old snapshot or the
// new one, never a mix.
//
// Hot-reloadable: rules, scoring thresholds, response policies, intel
// sources, correlation windows, rate limits, principals, log level.
// NOT hot-reloadable (require restart): bus config, server host/port,
// pipeline queue size and worker count.
type ConfigHolder struct {
	current atomic.Pointer[Config]
	path    string
}

// NewConfigHolder wraps an already loaded Config.
func NewConfigHolder(cfg *Config, path string) *ConfigHolder {
	h := &ConfigHolder{path: path}
	h.current.Store(cfg)
	return h
}

// Current returns the active configuration snapshot.
func (h *ConfigHolder) Current() *Config {
	return h.current.Load()
}

// Reload re-reads the config file and swaps in the new snapshot. Returns a
// summary of what changed. The previous snapshot stays valid for operations
// already in flight.
func (h *ConfigHolder) Reload(logger zerolog.Logger) ([]string, error) {
	if h.path == "" {
		return nil, fmt.Errorf("no config path set — cannot reload")
	}

	newCfg, err := LoadConfig(h.path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	old := h.current.Load()
	var changes []string

	if newCfg.LogLevel() != old.LogLevel() {
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}
	for name, nc := range newCfg.Rules {
		oc, existed := old.Rules[name]
		if !existed || oc != nc {
			changes = append(changes, "rule "+name+" updated")
		}
	}
	if newCfg.Scoring != old.Scoring {
		changes = append(changes, "scoring thresholds updated")
	}
	if len(newCfg.Response.Policies) != len(old.Response.Policies) {
		changes = append(changes, fmt.Sprintf("response policies → %d", len(newCfg.Response.Policies)))
	}
	if len(newCfg.Server.Principals) != len(old.Server.Principals) {
		changes = append(changes, fmt.Sprintf("principals → %d", len(newCfg.Server.Principals)))
	}
	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}

	h.current.Store(newCfg)
	logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}
