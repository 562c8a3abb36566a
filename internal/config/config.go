package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy modes
const (
	ModeSingleActiveServer = "single_active_server"
	ModeAllServers         = "all_servers"
	ModePerUserServer      = "per_user_server"
)

// Whitelist resolution on identity verification
const (
	WhitelistAllServers   = "all_servers"
	WhitelistActiveServer = "active_server"
)

// Tail modes for attaching to a log file
const (
	TailNewestOnly        = "newest_only"
	TailNewestWithBacklog = "newest_with_backlog"
)

// Config holds the application configuration
type Config struct {
	PollInterval   time.Duration        `yaml:"poll_interval"`
	BanDuration    time.Duration        `yaml:"ban_duration"`
	StrictEvents   bool                 `yaml:"strict_events"`
	ArchiveOldLogs bool                 `yaml:"archive_old_logs"`
	ArchiveGzip    bool                 `yaml:"archive_compress"`
	TailMode       string               `yaml:"tail_mode"`
	BacklogLines   int                  `yaml:"backlog_max_lines"`
	Revive         ReviveConfig         `yaml:"revive"`
	Policy         PolicyConfig         `yaml:"policy"`
	Paths          PathsConfig          `yaml:"paths"`
	Notify         NotifyConfig         `yaml:"notify"`
	ErrorReporting ErrorReportingConfig `yaml:"error_reporting"`
	Servers        []ServerConfig       `yaml:"servers"`
}

// ReviveConfig controls how timer expiry turns into a revive
type ReviveConfig struct {
	// RequireConfirmation defers the unban until an external presence
	// check confirms the player; without it, expiry unbans immediately.
	RequireConfirmation bool `yaml:"require_confirmation"`
}

// PolicyConfig selects which destinations receive list mutations
type PolicyConfig struct {
	Mode                  string `yaml:"mode"`
	DefaultActiveServerID string `yaml:"default_active_server_id"`
	WhitelistOnValidate   string `yaml:"whitelist_on_validate"`
}

// PathsConfig holds the shared data file locations
type PathsConfig struct {
	DataDir     string `yaml:"data_dir"`
	UsersDB     string `yaml:"users_db"`
	CursorCache string `yaml:"cursor_cache"`
	AuditLog    string `yaml:"audit_log"`
	HistoryDB   string `yaml:"history_db"`
}

// NotifyConfig controls the embedded outcome broker
type NotifyConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ListenPort          int           `yaml:"listen_port"`
	QueueCapacity       int           `yaml:"queue_capacity"`
	MinDispatchInterval time.Duration `yaml:"min_dispatch_interval"`
}

// ErrorReportingConfig bounds how often reconciliation failures surface
type ErrorReportingConfig struct {
	RateLimit time.Duration `yaml:"rate_limit"`
}

// ServerConfig represents one game server instance to watch
type ServerConfig struct {
	ServerID            string `yaml:"server_id"`
	LogsDir             string `yaml:"logs_dir"`
	BanList             string `yaml:"ban_list"`
	Whitelist           string `yaml:"whitelist"`
	EnableDeathwatcher  *bool  `yaml:"enable_deathwatcher"`
	EnableBanSync       *bool  `yaml:"enable_ban_sync"`
	EnableWhitelistSync *bool  `yaml:"enable_whitelist_sync"`
}

// DeathwatcherEnabled reports whether this source's logs are scanned (default true)
func (s *ServerConfig) DeathwatcherEnabled() bool {
	return s.EnableDeathwatcher == nil || *s.EnableDeathwatcher
}

// BanSyncEnabled reports whether ban list mutations apply here (default true)
func (s *ServerConfig) BanSyncEnabled() bool {
	return s.EnableBanSync == nil || *s.EnableBanSync
}

// WhitelistSyncEnabled reports whether whitelist mutations apply here (default true)
func (s *ServerConfig) WhitelistSyncEnabled() bool {
	return s.EnableWhitelistSync == nil || *s.EnableWhitelistSync
}

// ServerIDs returns the configured server IDs in file order
func (c *Config) ServerIDs() []string {
	ids := make([]string, 0, len(c.Servers))
	for _, srv := range c.Servers {
		ids = append(ids, srv.ServerID)
	}
	return ids
}

// Server returns the config block for the given server ID, or nil
func (c *Config) Server(serverID string) *ServerConfig {
	for i := range c.Servers {
		if c.Servers[i].ServerID == serverID {
			return &c.Servers[i]
		}
	}
	return nil
}

// UsersDBPath returns the users store path, resolved against data_dir
func (c *Config) UsersDBPath() string { return c.resolve(c.Paths.UsersDB) }

// CursorCachePath returns the cursor map path, resolved against data_dir
func (c *Config) CursorCachePath() string { return c.resolve(c.Paths.CursorCache) }

// AuditLogPath returns the audit log path, resolved against data_dir
func (c *Config) AuditLogPath() string { return c.resolve(c.Paths.AuditLog) }

// HistoryDBPath returns the history database path, resolved against data_dir
func (c *Config) HistoryDBPath() string { return c.resolve(c.Paths.HistoryDB) }

func (c *Config) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Paths.DataDir, path)
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Set defaults
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BanDuration == 0 {
		cfg.BanDuration = 30 * time.Minute
	}
	if cfg.TailMode == "" {
		cfg.TailMode = TailNewestOnly
	}
	if cfg.BacklogLines == 0 {
		cfg.BacklogLines = 200
	}
	if cfg.Policy.Mode == "" {
		cfg.Policy.Mode = ModeSingleActiveServer
	}
	if cfg.Policy.WhitelistOnValidate == "" {
		cfg.Policy.WhitelistOnValidate = WhitelistAllServers
	}
	if cfg.Paths.DataDir == "" {
		cfg.Paths.DataDir = "/var/lib/deathwatch"
	}
	if cfg.Paths.UsersDB == "" {
		cfg.Paths.UsersDB = "users.json"
	}
	if cfg.Paths.CursorCache == "" {
		cfg.Paths.CursorCache = "cursors.json"
	}
	if cfg.Paths.AuditLog == "" {
		cfg.Paths.AuditLog = "audit.log"
	}
	if cfg.Paths.HistoryDB == "" {
		cfg.Paths.HistoryDB = "history.db"
	}
	if cfg.Notify.QueueCapacity == 0 {
		cfg.Notify.QueueCapacity = 256
	}
	if cfg.Notify.MinDispatchInterval == 0 {
		cfg.Notify.MinDispatchInterval = 250 * time.Millisecond
	}
	if cfg.ErrorReporting.RateLimit == 0 {
		cfg.ErrorReporting.RateLimit = time.Minute
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for operator errors. Any failure
// here is fatal at startup: a partially configured watcher must not run.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("config: at least one server must be configured")
	}

	seen := make(map[string]bool)
	for i := range c.Servers {
		srv := &c.Servers[i]
		if srv.ServerID == "" {
			return fmt.Errorf("config: server %d has no server_id", i)
		}
		if seen[srv.ServerID] {
			return fmt.Errorf("config: duplicate server_id %q", srv.ServerID)
		}
		seen[srv.ServerID] = true
		if srv.DeathwatcherEnabled() && srv.LogsDir == "" {
			return fmt.Errorf("config: server %q: logs_dir required when deathwatcher is enabled", srv.ServerID)
		}
		if srv.BanSyncEnabled() && srv.BanList == "" {
			return fmt.Errorf("config: server %q: ban_list required when ban sync is enabled", srv.ServerID)
		}
		if srv.WhitelistSyncEnabled() && srv.Whitelist == "" {
			return fmt.Errorf("config: server %q: whitelist required when whitelist sync is enabled", srv.ServerID)
		}
	}

	switch c.Policy.Mode {
	case ModeSingleActiveServer, ModeAllServers, ModePerUserServer:
	default:
		return fmt.Errorf("config: unknown policy mode %q", c.Policy.Mode)
	}
	switch c.Policy.WhitelistOnValidate {
	case WhitelistAllServers, WhitelistActiveServer:
	default:
		return fmt.Errorf("config: unknown whitelist_on_validate %q", c.Policy.WhitelistOnValidate)
	}
	if c.Policy.DefaultActiveServerID != "" && !seen[c.Policy.DefaultActiveServerID] {
		return fmt.Errorf("config: default_active_server_id %q is not a configured server", c.Policy.DefaultActiveServerID)
	}

	switch c.TailMode {
	case TailNewestOnly, TailNewestWithBacklog:
	default:
		return fmt.Errorf("config: unknown tail_mode %q", c.TailMode)
	}
	if c.TailMode == TailNewestWithBacklog && c.BacklogLines <= 0 {
		return fmt.Errorf("config: backlog_max_lines must be positive with tail_mode %s", TailNewestWithBacklog)
	}
	if c.ArchiveGzip && !c.ArchiveOldLogs {
		return fmt.Errorf("config: archive_compress requires archive_old_logs")
	}
	return nil
}
