package domain

import "time"

// LifeState describes where a tracked player sits in the death/revive cycle.
type LifeState string

const (
	StateAlive         LifeState = "alive"
	StateDead          LifeState = "dead"
	StatePendingRevive LifeState = "pending_revive"
)

// UserRecord tracks one player, keyed by their Steam64 ID.
type UserRecord struct {
	SteamID           string     `json:"steam_id"`
	DiscordID         string     `json:"discord_id,omitempty"`
	Alive             bool       `json:"alive"`
	DeadUntil         *time.Time `json:"dead_until,omitempty"`
	PendingRevive     bool       `json:"pending_revive,omitempty"`
	LastDeathAt       *time.Time `json:"last_death_at,omitempty"`
	LastDeathServerID string     `json:"last_death_server_id,omitempty"`
	LastAliveSec      *int       `json:"last_alive_sec,omitempty"`
	ActiveServerID    string     `json:"active_server_id,omitempty"`
	HomeServerID      string     `json:"home_server_id,omitempty"`
	DeathCount        int        `json:"death_count"`
	LastSeenAt        *time.Time `json:"last_seen_at,omitempty"`
	IsAdmin           bool       `json:"is_admin,omitempty"`
}

// NewUserRecord returns a fresh record in the alive state.
func NewUserRecord(steamID string) *UserRecord {
	return &UserRecord{SteamID: steamID, Alive: true}
}

// State derives the lifecycle state from the persisted fields.
// Invariant: Alive == false exactly when DeadUntil is set or a revive
// is pending confirmation.
func (u *UserRecord) State() LifeState {
	if u.Alive {
		return StateAlive
	}
	if u.PendingRevive {
		return StatePendingRevive
	}
	return StateDead
}

// MarkDead records a death at ts on the given server, extending the
// ban window by duration. DeathCount only ever increases.
func (u *UserRecord) MarkDead(ts time.Time, serverID string, aliveSec *int, duration time.Duration) {
	until := ts.Add(duration)
	u.Alive = false
	u.PendingRevive = false
	u.DeadUntil = &until
	u.LastDeathAt = &ts
	u.LastDeathServerID = serverID
	u.LastAliveSec = aliveSec
	u.DeathCount++
}

// MarkBanned puts the player in the dead state without recording a
// death: administrative bans share the timer machinery but never touch
// the death counter.
func (u *UserRecord) MarkBanned(ts time.Time, duration time.Duration) {
	until := ts.Add(duration)
	u.Alive = false
	u.PendingRevive = false
	u.DeadUntil = &until
}

// MarkPendingRevive clears the ban window but keeps the player out of
// play until an external confirmation arrives.
func (u *UserRecord) MarkPendingRevive() {
	u.DeadUntil = nil
	u.Alive = false
	u.PendingRevive = true
}

// MarkAlive returns the player to full play.
func (u *UserRecord) MarkAlive() {
	u.DeadUntil = nil
	u.PendingRevive = false
	u.Alive = true
}

// Expired reports whether the ban window has elapsed at now.
func (u *UserRecord) Expired(now time.Time) bool {
	return u.DeadUntil != nil && !u.DeadUntil.After(now)
}

// UsersDatabase is the persisted subject store, keyed by Steam64 ID.
type UsersDatabase struct {
	Users map[string]*UserRecord `json:"users"`
}

// NewUsersDatabase returns an empty database.
func NewUsersDatabase() *UsersDatabase {
	return &UsersDatabase{Users: make(map[string]*UserRecord)}
}

// Get returns the record for steamID, or nil if untracked.
func (d *UsersDatabase) Get(steamID string) *UserRecord {
	return d.Users[steamID]
}

// GetOrCreate returns the record for steamID, creating a fresh alive
// record when the player is untracked.
func (d *UsersDatabase) GetOrCreate(steamID string) *UserRecord {
	if u, ok := d.Users[steamID]; ok {
		return u
	}
	u := NewUserRecord(steamID)
	d.Users[steamID] = u
	return u
}

// ByDiscordID returns the record carrying the given secondary identity,
// or nil when none matches.
func (d *UsersDatabase) ByDiscordID(discordID string) *UserRecord {
	for _, u := range d.Users {
		if u.DiscordID == discordID {
			return u
		}
	}
	return nil
}
