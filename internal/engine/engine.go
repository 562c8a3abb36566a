// Package engine owns the lifecycle state of tracked players. It drains
// the per-source tailers, applies extracted death events and timer
// expiries, resolves mutation destinations through the target policy,
// and reconciles the membership lists, emitting one outcome per
// transition for external collaborators.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ernie/deathwatch/internal/audit"
	"github.com/ernie/deathwatch/internal/collector"
	"github.com/ernie/deathwatch/internal/config"
	"github.com/ernie/deathwatch/internal/domain"
	"github.com/ernie/deathwatch/internal/policy"
	"github.com/ernie/deathwatch/internal/storage"
)

// Engine orchestrates tailing, lifecycle transitions, and list
// reconciliation for all configured sources and destinations.
type Engine struct {
	cfg      *config.Config
	users    *storage.UsersRepository
	cursors  *storage.CursorRepository
	lists    map[string]*storage.ServerLists
	policy   *policy.TargetPolicy
	audit    *audit.Logger
	reporter *audit.Reporter
	history  *storage.HistoryStore

	outcomes chan domain.Outcome
	tailers  map[string]*collector.Tailer

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds an engine from configuration: one tailer per source that
// has death scanning enabled (resumed from the persisted cursor map)
// and one pair of list stores per destination. The history store may be
// nil for processes that only mutate state.
func New(cfg *config.Config, history *storage.HistoryStore) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		users:    storage.NewUsersRepository(cfg.UsersDBPath()),
		cursors:  storage.NewCursorRepository(cfg.CursorCachePath()),
		lists:    make(map[string]*storage.ServerLists),
		policy:   policy.New(cfg.Policy),
		audit:    audit.NewLogger(cfg.AuditLogPath()),
		history:  history,
		outcomes: make(chan domain.Outcome, 100),
		tailers:  make(map[string]*collector.Tailer),
		done:     make(chan struct{}),
	}
	e.reporter = audit.NewReporter(e.audit, cfg.ErrorReporting.RateLimit, e.emit)

	cursorMap, err := e.cursors.Load()
	if err != nil {
		return nil, fmt.Errorf("loading cursor map: %w", err)
	}

	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		e.lists[srv.ServerID] = storage.NewServerLists(srv.BanList, srv.Whitelist)
		if !srv.DeathwatcherEnabled() {
			continue
		}
		e.tailers[srv.ServerID] = collector.NewTailer(srv.ServerID, srv.LogsDir, cursorMap[srv.ServerID], collector.Options{
			TailMode:     cfg.TailMode,
			BacklogLines: cfg.BacklogLines,
			Archive:      cfg.ArchiveOldLogs,
			Compress:     cfg.ArchiveGzip,
		})
	}
	return e, nil
}

// Outcomes returns the channel reconciliation outcomes are emitted on.
// A slow consumer drops outcomes rather than stalling the poll loop.
func (e *Engine) Outcomes() <-chan domain.Outcome { return e.outcomes }

// Run polls every source on the configured interval and sweeps expired
// ban timers, until ctx is cancelled or Stop is called. A mid-round
// source batch always finishes so cursors never advance past
// unreconciled events.
func (e *Engine) Run(ctx context.Context) {
	e.wg.Add(1)
	go e.pollLoop(ctx)
}

// Stop stops the poll loop and waits for the current round to finish.
func (e *Engine) Stop() {
	close(e.done)
	e.wg.Wait()
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	// Initial round before the first tick
	e.runRound(ctx)

	for {
		select {
		case <-e.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runRound(ctx)
		}
	}
}

func (e *Engine) runRound(ctx context.Context) {
	if err := e.ProcessOneRound(ctx); err != nil {
		log.Printf("Error processing round: %v", err)
	}
	if err := e.SweepTimers(time.Now().UTC()); err != nil {
		log.Printf("Error sweeping timers: %v", err)
	}
}

// emit delivers one outcome to the audit log, the history store, and
// the outcome channel. Outcome delivery is best-effort by design; the
// stores persisted earlier in the sequence stay authoritative.
func (e *Engine) emit(outcome domain.Outcome) {
	if err := e.audit.Write(audit.Event{
		ID:      outcome.ID,
		TS:      outcome.Timestamp,
		Event:   outcome.Type,
		Message: outcome.Message,
		Context: outcomeContext(outcome),
	}); err != nil {
		log.Printf("Error writing audit entry: %v", err)
	}
	if e.history != nil {
		if err := e.history.RecordOutcome(context.Background(), outcome); err != nil {
			log.Printf("Error recording outcome history: %v", err)
		}
	}
	select {
	case e.outcomes <- outcome:
	default:
		// Channel full, drop outcome
	}
}

func outcomeContext(outcome domain.Outcome) map[string]any {
	context := make(map[string]any)
	if outcome.SteamID != "" {
		context["steam_id"] = outcome.SteamID
	}
	if outcome.ServerID != "" {
		context["server_id"] = outcome.ServerID
	}
	if len(outcome.Targets) > 0 {
		context["targets"] = outcome.Targets
	}
	return context
}

// serverLists returns the list stores for a destination. Destinations
// come from validated config, so a miss is a programming error.
func (e *Engine) serverLists(serverID string) *storage.ServerLists {
	return e.lists[serverID]
}

// addToBans applies the ban mutation on every resolved destination that
// has ban sync enabled, attempting all of them before reporting.
func (e *Engine) addToBans(steamID string, targets []string) error {
	var firstErr error
	for _, target := range targets {
		srv := e.cfg.Server(target)
		if srv == nil || !srv.BanSyncEnabled() {
			continue
		}
		if err := e.serverLists(target).Bans.Add(steamID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("adding %s to ban list on %s: %w", steamID, target, err)
		}
	}
	return firstErr
}

// removeFromBans applies the unban mutation on every resolved
// destination that has ban sync enabled.
func (e *Engine) removeFromBans(steamID string, targets []string) error {
	var firstErr error
	for _, target := range targets {
		srv := e.cfg.Server(target)
		if srv == nil || !srv.BanSyncEnabled() {
			continue
		}
		if err := e.serverLists(target).Bans.Remove(steamID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("removing %s from ban list on %s: %w", steamID, target, err)
		}
	}
	return firstErr
}
