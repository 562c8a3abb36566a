// Package policy maps a tracked player onto the subset of configured
// destinations whose membership lists should change. Resolution is pure:
// no I/O, no side effects, deterministic for a given record and config.
package policy

import (
	"github.com/ernie/deathwatch/internal/config"
	"github.com/ernie/deathwatch/internal/domain"
)

// TargetPolicy resolves mutation destinations per the configured mode.
type TargetPolicy struct {
	cfg config.PolicyConfig
}

// New returns a policy for the given configuration.
func New(cfg config.PolicyConfig) *TargetPolicy {
	return &TargetPolicy{cfg: cfg}
}

// ResolveActiveServers returns the destinations that receive ban-list
// mutations for user, given the configured destination set.
//
// all_servers: every configured destination. per_user_server: the
// user's home server when configured, otherwise nothing.
// single_active_server (default): the user's active server, then the
// configured default, then the first configured destination, so every
// user deterministically lands somewhere as long as anything is
// configured.
func (p *TargetPolicy) ResolveActiveServers(user *domain.UserRecord, configured []string) []string {
	if len(configured) == 0 {
		return nil
	}
	switch p.cfg.Mode {
	case config.ModeAllServers:
		return append([]string(nil), configured...)
	case config.ModePerUserServer:
		if user.HomeServerID != "" && contains(configured, user.HomeServerID) {
			return []string{user.HomeServerID}
		}
		return nil
	}
	if user.ActiveServerID != "" && contains(configured, user.ActiveServerID) {
		return []string{user.ActiveServerID}
	}
	if p.cfg.DefaultActiveServerID != "" && contains(configured, p.cfg.DefaultActiveServerID) {
		return []string{p.cfg.DefaultActiveServerID}
	}
	return []string{configured[0]}
}

// ResolveWhitelistTargets returns the destinations whose whitelist
// changes when a user is verified. Mirrors the active-server resolution
// when configured to, otherwise every configured destination.
func (p *TargetPolicy) ResolveWhitelistTargets(user *domain.UserRecord, configured []string) []string {
	if p.cfg.WhitelistOnValidate == config.WhitelistActiveServer {
		return p.ResolveActiveServers(user, configured)
	}
	return append([]string(nil), configured...)
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
