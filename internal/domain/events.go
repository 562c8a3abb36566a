package domain

import (
	"time"

	"github.com/google/uuid"
)

// LogEvent is one raw line read from a source log, with its best-effort
// JSON parse. Data is nil when the line was not valid JSON. Offset is
// the cursor value just past this line's terminator; persisting it
// marks the line consumed.
type LogEvent struct {
	ServerID string
	Raw      string
	Offset   int64
	Data     map[string]any
}

// DeathEvent is an extracted player death.
type DeathEvent struct {
	SteamID  string
	AliveSec *int
	Raw      map[string]any
}

// Outcome types emitted by the lifecycle engine.
const (
	OutcomeDeathDetected = "death_detected"
	OutcomeBan           = "ban"
	OutcomeUnban         = "unban"
	OutcomeRevivePending = "revive_pending"
	OutcomeVerified      = "verified"
	OutcomeWipe          = "wipe"
	OutcomeError         = "error"
)

// Outcome describes one reconciliation result, shaped to feed an
// external dispatch queue (chat notifications, voice moves, and so on).
type Outcome struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SteamID   string    `json:"steam_id,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	Targets   []string  `json:"targets,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewOutcome stamps a fresh outcome with a unique ID and the current time.
func NewOutcome(outcomeType string) Outcome {
	return Outcome{
		ID:        uuid.NewString(),
		Type:      outcomeType,
		Timestamp: time.Now().UTC(),
	}
}
