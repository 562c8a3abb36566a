package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/ernie/deathwatch/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// formatTimestamp converts time.Time to a SQLite-compatible UTC ISO8601
// string. The Z suffix ensures the driver parses it back as UTC.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// HistoryStore records deaths and reconciliation outcomes for
// leaderboards and offline inspection. It is derived data: the users
// store stays authoritative for lifecycle state.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (and if needed creates) the history database.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

// Close closes the database connection
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// RecordDeath appends one death row.
func (s *HistoryStore) RecordDeath(ctx context.Context, steamID, serverID string, aliveSec *int, at time.Time) error {
	var alive sql.NullInt64
	if aliveSec != nil {
		alive = sql.NullInt64{Int64: int64(*aliveSec), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deaths (steam_id, server_id, alive_sec, occurred_at)
		VALUES (?, ?, ?, ?)
	`, steamID, serverID, alive, formatTimestamp(at))
	return err
}

// RecordOutcome appends one outcome row.
func (s *HistoryStore) RecordOutcome(ctx context.Context, o domain.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO outcomes (id, type, steam_id, server_id, targets, message, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.Type, o.SteamID, o.ServerID, strings.Join(o.Targets, ","), o.Message, formatTimestamp(o.Timestamp))
	return err
}

// LeaderboardEntry is one row of the longest-alive leaderboard.
type LeaderboardEntry struct {
	SteamID      string
	BestAliveSec int64
	DeathCount   int64
}

// Leaderboard returns the top players by longest recorded alive time.
func (s *HistoryStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT steam_id, MAX(alive_sec) AS best, COUNT(*) AS deaths
		FROM deaths
		WHERE alive_sec IS NOT NULL
		GROUP BY steam_id
		ORDER BY best DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.SteamID, &e.BestAliveSec, &e.DeathCount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeathCount returns the number of recorded deaths for one player.
func (s *HistoryStore) DeathCount(ctx context.Context, steamID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM deaths WHERE steam_id = ?", steamID).Scan(&count)
	return count, err
}
