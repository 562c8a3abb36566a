package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ernie/deathwatch/internal/config"
	"github.com/ernie/deathwatch/internal/domain"
	"github.com/ernie/deathwatch/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	steve = "76561198000000001"
	alex  = "76561198000000002"
)

// newTestConfig builds a two-destination config rooted in temp
// directories, with every file read from the beginning.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		PollInterval: 50 * time.Millisecond,
		BanDuration:  30 * time.Minute,
		TailMode:     config.TailNewestWithBacklog,
		BacklogLines: 1 << 20,
		Policy:       config.PolicyConfig{Mode: config.ModeAllServers, WhitelistOnValidate: config.WhitelistAllServers},
		Paths: config.PathsConfig{
			DataDir:     filepath.Join(root, "data"),
			UsersDB:     "users.json",
			CursorCache: "cursors.json",
			AuditLog:    "audit.log",
			HistoryDB:   "history.db",
		},
		ErrorReporting: config.ErrorReportingConfig{RateLimit: time.Minute},
	}
	for _, id := range []string{"server-1", "server-2"} {
		logsDir := filepath.Join(root, id, "logs")
		require.NoError(t, os.MkdirAll(logsDir, 0o755))
		cfg.Servers = append(cfg.Servers, config.ServerConfig{
			ServerID:  id,
			LogsDir:   logsDir,
			BanList:   filepath.Join(root, id, "ban.txt"),
			Whitelist: filepath.Join(root, id, "whitelist.txt"),
		})
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := New(cfg, nil)
	require.NoError(t, err)
	return eng
}

func writeDeathLog(t *testing.T, cfg *config.Config, serverID, content string) {
	t.Helper()
	path := filepath.Join(cfg.Server(serverID).LogsDir, "dl_2026.ljson")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func banned(t *testing.T, cfg *config.Config, serverID, steamID string) bool {
	t.Helper()
	present, err := storage.NewListStore(cfg.Server(serverID).BanList).Contains(steamID)
	require.NoError(t, err)
	return present
}

func whitelisted(t *testing.T, cfg *config.Config, serverID, steamID string) bool {
	t.Helper()
	present, err := storage.NewListStore(cfg.Server(serverID).Whitelist).Contains(steamID)
	require.NoError(t, err)
	return present
}

func drainOutcomes(eng *Engine) []domain.Outcome {
	var outcomes []domain.Outcome
	for {
		select {
		case o := <-eng.Outcomes():
			outcomes = append(outcomes, o)
		default:
			return outcomes
		}
	}
}

func outcomeTypes(outcomes []domain.Outcome) []string {
	types := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		types = append(types, o.Type)
	}
	return types
}

func TestProcessOneRoundAppliesDeaths(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	writeDeathLog(t, cfg, "server-1",
		`{"event":"PLAYER_CONNECT","player":{"steamId":"`+steve+`"}}`+"\n"+
			`{"event":"PLAYER_DEATH","player":{"steamId":"`+steve+`","aliveSec":1200}}`+"\n"+
			"[ADM] noise line\n")

	require.NoError(t, eng.ProcessOneRound(context.Background()))

	user, err := eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDead, user.State())
	assert.Equal(t, 1, user.DeathCount)
	assert.Equal(t, "server-1", user.LastDeathServerID)
	require.NotNil(t, user.LastAliveSec)
	assert.Equal(t, 1200, *user.LastAliveSec)

	// all_servers policy bans on every destination
	assert.True(t, banned(t, cfg, "server-1", steve))
	assert.True(t, banned(t, cfg, "server-2", steve))

	outcomes := drainOutcomes(eng)
	assert.Equal(t, []string{domain.OutcomeDeathDetected}, outcomeTypes(outcomes))
	assert.Equal(t, steve, outcomes[0].SteamID)
}

func TestProcessOneRoundDoesNotReplayAcrossRestart(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	writeDeathLog(t, cfg, "server-1",
		`{"event":"PLAYER_DEATH","player":{"steamId":"`+steve+`"}}`+"\n")
	require.NoError(t, eng.ProcessOneRound(context.Background()))

	// Same round again on the same engine
	require.NoError(t, eng.ProcessOneRound(context.Background()))

	// And again after a full restart resuming the persisted cursor
	restarted := newTestEngine(t, cfg)
	require.NoError(t, restarted.ProcessOneRound(context.Background()))

	user, err := eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, 1, user.DeathCount)
}

func TestProcessOneRoundAdvancesCursorPastNoise(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	content := "[ADM] noise one\n[ADM] noise two\n"
	writeDeathLog(t, cfg, "server-1", content)
	require.NoError(t, eng.ProcessOneRound(context.Background()))

	cursors, err := eng.CursorStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), cursors["server-1"])
}

func TestStrictModeIgnoresDeathsWithoutDeadFlag(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StrictEvents = true
	eng := newTestEngine(t, cfg)

	writeDeathLog(t, cfg, "server-1",
		`{"event":"PLAYER_DEATH","player":{"steamId":"`+steve+`"}}`+"\n"+
			`{"event":"PLAYER_DEATH","player":{"steamId":"`+alex+`","dead":true}}`+"\n")
	require.NoError(t, eng.ProcessOneRound(context.Background()))

	_, err := eng.Lookup(steve)
	assert.ErrorIs(t, err, ErrUserNotFound)
	user, err := eng.Lookup(alex)
	require.NoError(t, err)
	assert.Equal(t, 1, user.DeathCount)
}

func TestSweepTimersUnbansExpired(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	require.NoError(t, eng.AdministrativeBan(steve, "testing"))
	require.True(t, banned(t, cfg, "server-1", steve))
	drainOutcomes(eng)

	// Not yet expired
	require.NoError(t, eng.SweepTimers(time.Now().UTC()))
	user, err := eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDead, user.State())

	require.NoError(t, eng.SweepTimers(time.Now().UTC().Add(cfg.BanDuration+time.Second)))
	user, err = eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAlive, user.State())
	assert.False(t, banned(t, cfg, "server-1", steve))
	assert.False(t, banned(t, cfg, "server-2", steve))
	assert.Equal(t, []string{domain.OutcomeUnban}, outcomeTypes(drainOutcomes(eng)))
}

func TestSweepTimersDefersToPendingRevive(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Revive.RequireConfirmation = true
	eng := newTestEngine(t, cfg)

	require.NoError(t, eng.AdministrativeBan(steve, "testing"))
	drainOutcomes(eng)

	require.NoError(t, eng.SweepTimers(time.Now().UTC().Add(cfg.BanDuration+time.Second)))
	user, err := eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingRevive, user.State())
	assert.True(t, banned(t, cfg, "server-1", steve), "ban entries survive until the revive is confirmed")
	assert.Equal(t, []string{domain.OutcomeRevivePending}, outcomeTypes(drainOutcomes(eng)))

	// A later sweep does not emit again
	require.NoError(t, eng.SweepTimers(time.Now().UTC().Add(2*cfg.BanDuration)))
	assert.Empty(t, drainOutcomes(eng))

	require.NoError(t, eng.ConfirmRevivePrecondition(steve))
	user, err = eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAlive, user.State())
	assert.False(t, banned(t, cfg, "server-1", steve))
}

func TestConfirmRevivePreconditionErrors(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	assert.ErrorIs(t, eng.ConfirmRevivePrecondition(steve), ErrUserNotFound)

	require.NoError(t, eng.VerifyIdentity(steve, ""))
	assert.ErrorIs(t, eng.ConfirmRevivePrecondition(steve), ErrNotPendingRevive)
}

func TestAdministrativeBanDoesNotCountAsDeath(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	require.NoError(t, eng.AdministrativeBan(steve, "rule violation"))
	user, err := eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDead, user.State())
	assert.Equal(t, 0, user.DeathCount)

	outcomes := drainOutcomes(eng)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeBan, outcomes[0].Type)
	assert.Equal(t, "rule violation", outcomes[0].Message)

	require.NoError(t, eng.AdministrativeUnban(steve, "appealed"))
	user, err = eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAlive, user.State())
	assert.False(t, banned(t, cfg, "server-1", steve))
}

func TestAdministrativeUnbanUnknownUser(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)
	assert.ErrorIs(t, eng.AdministrativeUnban(steve, "oops"), ErrUserNotFound)
}

func TestVerifyIdentitySeedsLists(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	require.NoError(t, eng.VerifyIdentity(steve, "discord-123"))

	user, err := eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, domain.StateAlive, user.State())
	assert.Equal(t, "discord-123", user.DiscordID)

	for _, id := range cfg.ServerIDs() {
		assert.True(t, whitelisted(t, cfg, id, steve), "whitelisted on %s", id)
		assert.True(t, banned(t, cfg, id, steve), "seeded onto the ban list on %s", id)
	}
	assert.Equal(t, []string{domain.OutcomeVerified}, outcomeTypes(drainOutcomes(eng)))
}

func TestVerifyIdentityRejectsInvalidID(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StrictEvents = true
	eng := newTestEngine(t, cfg)
	assert.ErrorIs(t, eng.VerifyIdentity("not-a-steam64", ""), ErrInvalidSteamID)
}

func TestSetActiveServer(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	assert.ErrorIs(t, eng.SetActiveServer(steve, "server-9"), ErrUnknownServer)
	assert.ErrorIs(t, eng.SetActiveServer(steve, "server-2"), ErrUserNotFound)

	require.NoError(t, eng.VerifyIdentity(steve, ""))
	require.NoError(t, eng.SetActiveServer(steve, "server-2"))

	user, err := eng.Lookup(steve)
	require.NoError(t, err)
	assert.Equal(t, "server-2", user.ActiveServerID)
}

func TestWipeAll(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	require.NoError(t, eng.VerifyIdentity(steve, ""))
	require.NoError(t, eng.VerifyIdentity(alex, ""))
	drainOutcomes(eng)

	require.NoError(t, eng.WipeAll())
	db, err := eng.ListUsers()
	require.NoError(t, err)
	assert.Empty(t, db.Users)
	assert.Equal(t, []string{domain.OutcomeWipe}, outcomeTypes(drainOutcomes(eng)))
}

func TestRunPollsUntilStopped(t *testing.T) {
	cfg := newTestConfig(t)
	eng := newTestEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Run(ctx)

	writeDeathLog(t, cfg, "server-2",
		`{"event":"PLAYER_DEATH","player":{"steamId":"`+alex+`"}}`+"\n")

	require.Eventually(t, func() bool {
		user, err := eng.Lookup(alex)
		return err == nil && user.DeathCount == 1
	}, 5*time.Second, 20*time.Millisecond)

	eng.Stop()
}
