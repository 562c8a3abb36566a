package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ernie/deathwatch/internal/collector"
	"github.com/ernie/deathwatch/internal/domain"
)

var (
	// ErrUserNotFound means the Steam64 ID has no tracked record.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotPendingRevive means a revive confirmation arrived for a
	// player who is not waiting for one.
	ErrNotPendingRevive = errors.New("user is not pending revive")
	// ErrInvalidSteamID means the identity failed validation.
	ErrInvalidSteamID = errors.New("invalid steam64 id")
	// ErrUnknownServer means the server ID is not configured.
	ErrUnknownServer = errors.New("unknown server id")
)

// ProcessOneRound drains every enabled source once, in configuration
// order. Events within a source apply strictly in file order; a source
// whose reconciliation fails is rewound to its last persisted cursor
// and retried on the next round. Cancellation is honored between
// sources, never inside a batch.
func (e *Engine) ProcessOneRound(ctx context.Context) error {
	var firstErr error
	for _, srv := range e.cfg.Servers {
		tailer, ok := e.tailers[srv.ServerID]
		if !ok {
			continue
		}
		if err := e.processSource(ctx, tailer); err != nil {
			e.reporter.Report(fmt.Sprintf("processing source %s", srv.ServerID), err)
			if firstErr == nil {
				firstErr = err
			}
		}
		select {
		case <-ctx.Done():
			return firstErr
		case <-e.done:
			return firstErr
		default:
		}
	}
	return firstErr
}

func (e *Engine) processSource(ctx context.Context, tailer *collector.Tailer) error {
	persisted := tailer.Cursor()
	events, err := tailer.ReadEvents()
	if err != nil {
		// Transient I/O: rewind and retry on the next poll cycle
		tailer.SetCursor(persisted)
		return err
	}
	if len(events) == 0 {
		return nil
	}

	lastReconciled := persisted
	for _, event := range events {
		death, ok := collector.ExtractDeath(event, e.cfg.StrictEvents)
		if !ok {
			// Malformed or irrelevant line: skip, cursor may advance
			lastReconciled = event.Offset
			continue
		}
		if err := e.applyDeath(ctx, event.ServerID, death, event.Offset); err != nil {
			// Leave the cursor at the last reconciled line so this
			// death replays; idempotent mutations make that safe.
			tailer.SetCursor(lastReconciled)
			return err
		}
		lastReconciled = event.Offset
	}

	// Advance the durable cursor past trailing non-death lines
	if lastReconciled != persisted {
		if err := e.persistCursor(tailer.ServerID(), lastReconciled); err != nil {
			tailer.SetCursor(persisted)
			return err
		}
	}
	return nil
}

// applyDeath runs the Alive -> Dead transition: stamp the record,
// attempt the ban mutation on every resolved destination, then persist
// the subject store and the source cursor, then emit. Persisting last
// gives at-least-once semantics across a crash.
func (e *Engine) applyDeath(ctx context.Context, serverID string, death domain.DeathEvent, offset int64) error {
	now := time.Now().UTC()

	db, err := e.users.Load()
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	user := db.GetOrCreate(death.SteamID)
	user.MarkDead(now, serverID, death.AliveSec, e.cfg.BanDuration)

	targets := e.policy.ResolveActiveServers(user, e.cfg.ServerIDs())
	if err := e.addToBans(death.SteamID, targets); err != nil {
		return err
	}
	if err := e.users.Save(db); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}
	if err := e.persistCursor(serverID, offset); err != nil {
		return err
	}

	if e.history != nil {
		if err := e.history.RecordDeath(ctx, death.SteamID, serverID, death.AliveSec, now); err != nil {
			e.reporter.Report("recording death history", err)
		}
	}

	outcome := domain.NewOutcome(domain.OutcomeDeathDetected)
	outcome.SteamID = death.SteamID
	outcome.ServerID = serverID
	outcome.Targets = targets
	outcome.Message = "Player death detected"
	e.emit(outcome)
	return nil
}

func (e *Engine) persistCursor(serverID string, offset int64) error {
	cursorMap, err := e.cursors.Load()
	if err != nil {
		return fmt.Errorf("loading cursor map: %w", err)
	}
	cursorMap[serverID] = offset
	if err := e.cursors.Save(cursorMap); err != nil {
		return fmt.Errorf("saving cursor map: %w", err)
	}
	return nil
}

// SweepTimers runs the periodic expiry check. An expired ban either
// completes immediately (unban applied) or parks the player in
// pending-revive until an external presence check confirms them,
// depending on configuration.
func (e *Engine) SweepTimers(now time.Time) error {
	db, err := e.users.Load()
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}

	var firstErr error
	for _, user := range db.Users {
		if !user.Expired(now) {
			continue
		}
		if e.cfg.Revive.RequireConfirmation {
			user.MarkPendingRevive()
			if err := e.users.Save(db); err != nil {
				return fmt.Errorf("saving users: %w", err)
			}
			outcome := domain.NewOutcome(domain.OutcomeRevivePending)
			outcome.SteamID = user.SteamID
			outcome.Message = "Ban expired, awaiting revive confirmation"
			e.emit(outcome)
			continue
		}

		targets := e.policy.ResolveActiveServers(user, e.cfg.ServerIDs())
		if err := e.removeFromBans(user.SteamID, targets); err != nil {
			e.reporter.Report(fmt.Sprintf("unbanning %s", user.SteamID), err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		user.MarkAlive()
		if err := e.users.Save(db); err != nil {
			return fmt.Errorf("saving users: %w", err)
		}
		outcome := domain.NewOutcome(domain.OutcomeUnban)
		outcome.SteamID = user.SteamID
		outcome.Targets = targets
		outcome.Message = "Ban expired"
		e.emit(outcome)
	}
	return firstErr
}

// ConfirmRevivePrecondition completes a deferred revive after the
// external presence check succeeds: the player leaves pending-revive,
// the unban applies on the resolved destinations, and an unban outcome
// is emitted.
func (e *Engine) ConfirmRevivePrecondition(steamID string) error {
	db, err := e.users.Load()
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	user := db.Get(steamID)
	if user == nil {
		return ErrUserNotFound
	}
	if user.State() != domain.StatePendingRevive {
		return ErrNotPendingRevive
	}

	targets := e.policy.ResolveActiveServers(user, e.cfg.ServerIDs())
	if err := e.removeFromBans(steamID, targets); err != nil {
		return err
	}
	user.MarkAlive()
	if err := e.users.Save(db); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}

	outcome := domain.NewOutcome(domain.OutcomeUnban)
	outcome.SteamID = steamID
	outcome.Targets = targets
	outcome.Message = "Revive confirmed"
	e.emit(outcome)
	return nil
}

// AdministrativeBan forces a player into the dead state regardless of
// where they are in the lifecycle. The ban window uses the configured
// duration so the usual timer sweep can still expire it. Death counters
// are untouched: an administrative ban is not a death.
func (e *Engine) AdministrativeBan(steamID, reason string) error {
	db, err := e.users.Load()
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	user := db.GetOrCreate(steamID)
	user.MarkBanned(time.Now().UTC(), e.cfg.BanDuration)

	targets := e.policy.ResolveActiveServers(user, e.cfg.ServerIDs())
	if err := e.addToBans(steamID, targets); err != nil {
		return err
	}
	if err := e.users.Save(db); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}

	outcome := domain.NewOutcome(domain.OutcomeBan)
	outcome.SteamID = steamID
	outcome.Targets = targets
	outcome.Message = reason
	e.emit(outcome)
	return nil
}

// AdministrativeUnban revives a player directly, bypassing timers and
// any pending precondition.
func (e *Engine) AdministrativeUnban(steamID, reason string) error {
	db, err := e.users.Load()
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	user := db.Get(steamID)
	if user == nil {
		return ErrUserNotFound
	}

	targets := e.policy.ResolveActiveServers(user, e.cfg.ServerIDs())
	if err := e.removeFromBans(steamID, targets); err != nil {
		return err
	}
	user.MarkAlive()
	if err := e.users.Save(db); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}

	outcome := domain.NewOutcome(domain.OutcomeUnban)
	outcome.SteamID = steamID
	outcome.Targets = targets
	outcome.Message = reason
	e.emit(outcome)
	return nil
}

// VerifyIdentity records an externally verified identity: the record is
// created or refreshed, marked alive, whitelisted on the resolved
// whitelist targets, and seeded onto the ban lists so the player starts
// gated until their first revive.
func (e *Engine) VerifyIdentity(steamID, discordID string) error {
	if !domain.ValidSteamID(steamID, e.cfg.StrictEvents) {
		return ErrInvalidSteamID
	}

	db, err := e.users.Load()
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	user := db.GetOrCreate(steamID)
	if discordID != "" {
		user.DiscordID = discordID
	}
	user.MarkAlive()

	whitelistTargets := e.policy.ResolveWhitelistTargets(user, e.cfg.ServerIDs())
	for _, target := range whitelistTargets {
		srv := e.cfg.Server(target)
		if srv == nil || !srv.WhitelistSyncEnabled() {
			continue
		}
		if err := e.serverLists(target).Whitelist.Add(steamID); err != nil {
			return fmt.Errorf("adding %s to whitelist on %s: %w", steamID, target, err)
		}
	}
	if err := e.addToBans(steamID, e.cfg.ServerIDs()); err != nil {
		return err
	}
	if err := e.users.Save(db); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}

	outcome := domain.NewOutcome(domain.OutcomeVerified)
	outcome.SteamID = steamID
	outcome.Targets = whitelistTargets
	outcome.Message = "Identity verified"
	e.emit(outcome)
	return nil
}

// SetActiveServer records which destination a player currently plays
// on, used by the single_active_server policy mode.
func (e *Engine) SetActiveServer(steamID, serverID string) error {
	if e.cfg.Server(serverID) == nil {
		return ErrUnknownServer
	}
	db, err := e.users.Load()
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	user := db.Get(steamID)
	if user == nil {
		return ErrUserNotFound
	}
	user.ActiveServerID = serverID
	if err := e.users.Save(db); err != nil {
		return fmt.Errorf("saving users: %w", err)
	}
	return nil
}

// Lookup reloads the subject store and returns the record for steamID.
func (e *Engine) Lookup(steamID string) (*domain.UserRecord, error) {
	db, err := e.users.Load()
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	user := db.Get(steamID)
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

// ListUsers reloads the subject store and returns every record.
func (e *Engine) ListUsers() (*domain.UsersDatabase, error) {
	return e.users.Load()
}

// WipeAll replaces the subject store with an empty database. Idempotent
// by construction: the whole document is atomically replaced.
func (e *Engine) WipeAll() error {
	if err := e.users.Save(domain.NewUsersDatabase()); err != nil {
		return fmt.Errorf("wiping users: %w", err)
	}
	outcome := domain.NewOutcome(domain.OutcomeWipe)
	outcome.Message = "User database wiped"
	e.emit(outcome)
	return nil
}

// CursorStatus returns the persisted cursor map for inspection.
func (e *Engine) CursorStatus() (map[string]int64, error) {
	return e.cursors.Load()
}
