// deathwatch - DayZ death-ban watcher and list reconciler
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ernie/deathwatch/internal/config"
	"github.com/ernie/deathwatch/internal/engine"
	"github.com/ernie/deathwatch/internal/notify"
	"github.com/ernie/deathwatch/internal/storage"
	flag "github.com/spf13/pflag"
)

var version = "dev"

const defaultConfigPath = "/etc/deathwatch/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "users":
		cmdUsers(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "verify":
		cmdVerify(os.Args[2:])
	case "setserver":
		cmdSetServer(os.Args[2:])
	case "ban":
		cmdBan(os.Args[2:])
	case "unban":
		cmdUnban(os.Args[2:])
	case "revive":
		cmdRevive(os.Args[2:])
	case "confirm":
		cmdConfirm(os.Args[2:])
	case "wipe":
		cmdWipe(os.Args[2:])
	case "leaderboard":
		cmdLeaderboard(os.Args[2:])
	case "version":
		fmt.Printf("deathwatch %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: deathwatch <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the watcher (poll loop + outcome broker)")
	fmt.Println("  status                       Show per-source cursors")
	fmt.Println("  users                        List all tracked players")
	fmt.Println("  user <steam64>               Show one tracked player")
	fmt.Println("  verify <steam64> [--discord-id ID]")
	fmt.Println("                               Verify an identity and seed the lists")
	fmt.Println("  setserver <steam64> <server-id>")
	fmt.Println("                               Set a player's active server")
	fmt.Println("  ban <steam64> [--reason R]   Administrative ban")
	fmt.Println("  unban <steam64> [--reason R] Administrative unban")
	fmt.Println("  revive <steam64>             Administrative revive")
	fmt.Println("  confirm <steam64>            Confirm a pending revive")
	fmt.Println("  wipe --yes                   Wipe the user database")
	fmt.Println("  leaderboard [--top N]        Longest-alive leaderboard (default: 20)")
	fmt.Println("  version                      Show version")
	fmt.Println("  help                         Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/deathwatch/config.yml)")
}

// loadConfig resolves the config path and loads it, exiting on failure.
// Configuration errors are fatal: a partially configured watcher must
// not mutate anyone's lists.
func loadConfig(configPath string) *config.Config {
	cfgPath := configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func newEngine(cfg *config.Config, history *storage.HistoryStore) *engine.Engine {
	eng, err := engine.New(cfg, history)
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}
	return eng
}

// cmdServe starts the watcher
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)

	log.Printf("deathwatch %s starting...", version)
	log.Printf("Watching %d servers", len(cfg.Servers))

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	history, err := storage.NewHistoryStore(cfg.HistoryDBPath())
	if err != nil {
		log.Fatalf("Failed to initialize history database: %v", err)
	}
	defer history.Close()
	log.Printf("History database initialized at %s", cfg.HistoryDBPath())

	eng := newEngine(cfg, history)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Outcome broker: embedded NATS fed through a throttled queue
	var publisher *notify.Publisher
	var queue *notify.Queue
	if cfg.Notify.Enabled {
		publisher, err = notify.NewPublisher(cfg.Notify.ListenPort)
		if err != nil {
			log.Fatalf("Failed to start outcome broker: %v", err)
		}
		defer publisher.Close()
		log.Printf("Outcome broker listening at %s", publisher.ClientURL())

		queue = notify.NewQueue(cfg.Notify.QueueCapacity, cfg.Notify.MinDispatchInterval, publisher.Publish)
		queue.Start()
		defer queue.Stop()

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case outcome := <-eng.Outcomes():
					if !queue.Enqueue(outcome) {
						log.Printf("Dispatch queue full, dropping outcome %s (%s)", outcome.ID, outcome.Type)
					}
				}
			}
		}()
	}

	eng.Run(ctx)
	log.Printf("Engine started, polling every %v", cfg.PollInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	cancel()
	eng.Stop()
	log.Printf("Shutdown complete")
}

// cmdStatus shows per-source cursors
func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	cursors, err := eng.CursorStatus()
	if err != nil {
		log.Fatalf("Failed to load cursors: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tLOGS DIR\tCURSOR\tDEATHWATCHER")
	for _, srv := range cfg.Servers {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\n", srv.ServerID, srv.LogsDir, cursors[srv.ServerID], srv.DeathwatcherEnabled())
	}
	w.Flush()
}

// cmdUsers lists all tracked players
func cmdUsers(args []string) {
	fs := flag.NewFlagSet("users", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	db, err := eng.ListUsers()
	if err != nil {
		log.Fatalf("Failed to load users: %v", err)
	}

	ids := make([]string, 0, len(db.Users))
	for id := range db.Users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEAM64\tSTATE\tDEATHS\tDEAD UNTIL\tACTIVE SERVER")
	for _, id := range ids {
		user := db.Users[id]
		deadUntil := "-"
		if user.DeadUntil != nil {
			deadUntil = user.DeadUntil.Format(time.RFC3339)
		}
		active := user.ActiveServerID
		if active == "" {
			active = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", user.SteamID, user.State(), user.DeathCount, deadUntil, active)
	}
	w.Flush()
}

// cmdUser shows one tracked player
func cmdUser(args []string) {
	fs := flag.NewFlagSet("user", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatalf("Usage: deathwatch user <steam64>")
	}

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	user, err := eng.Lookup(fs.Arg(0))
	if err != nil {
		log.Fatalf("Lookup failed: %v", err)
	}

	fmt.Printf("Steam64:        %s\n", user.SteamID)
	fmt.Printf("State:          %s\n", user.State())
	fmt.Printf("Deaths:         %d\n", user.DeathCount)
	if user.DiscordID != "" {
		fmt.Printf("Discord ID:     %s\n", user.DiscordID)
	}
	if user.DeadUntil != nil {
		fmt.Printf("Dead until:     %s\n", user.DeadUntil.Format(time.RFC3339))
	}
	if user.LastDeathAt != nil {
		fmt.Printf("Last death:     %s on %s\n", user.LastDeathAt.Format(time.RFC3339), user.LastDeathServerID)
	}
	if user.LastAliveSec != nil {
		fmt.Printf("Last alive:     %ds\n", *user.LastAliveSec)
	}
	if user.ActiveServerID != "" {
		fmt.Printf("Active server:  %s\n", user.ActiveServerID)
	}
	if user.HomeServerID != "" {
		fmt.Printf("Home server:    %s\n", user.HomeServerID)
	}
}

// cmdVerify verifies an identity and seeds the membership lists
func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	discordID := fs.String("discord-id", "", "secondary identity to attach")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatalf("Usage: deathwatch verify <steam64> [--discord-id ID]")
	}

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	if err := eng.VerifyIdentity(fs.Arg(0), *discordID); err != nil {
		log.Fatalf("Verify failed: %v", err)
	}
	fmt.Printf("Verified %s\n", fs.Arg(0))
}

// cmdSetServer sets a player's active server
func cmdSetServer(args []string) {
	fs := flag.NewFlagSet("setserver", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)
	if fs.NArg() != 2 {
		log.Fatalf("Usage: deathwatch setserver <steam64> <server-id>")
	}

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	if err := eng.SetActiveServer(fs.Arg(0), fs.Arg(1)); err != nil {
		log.Fatalf("Setserver failed: %v", err)
	}
	fmt.Printf("Active server for %s set to %s\n", fs.Arg(0), fs.Arg(1))
}

// cmdBan administratively bans a player
func cmdBan(args []string) {
	fs := flag.NewFlagSet("ban", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	reason := fs.String("reason", "Banned by admin", "audit reason")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatalf("Usage: deathwatch ban <steam64> [--reason R]")
	}

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	if err := eng.AdministrativeBan(fs.Arg(0), *reason); err != nil {
		log.Fatalf("Ban failed: %v", err)
	}
	fmt.Printf("Banned %s\n", fs.Arg(0))
}

// cmdUnban administratively unbans a player
func cmdUnban(args []string) {
	fs := flag.NewFlagSet("unban", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	reason := fs.String("reason", "Unbanned by admin", "audit reason")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatalf("Usage: deathwatch unban <steam64> [--reason R]")
	}

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	if err := eng.AdministrativeUnban(fs.Arg(0), *reason); err != nil {
		log.Fatalf("Unban failed: %v", err)
	}
	fmt.Printf("Unbanned %s\n", fs.Arg(0))
}

// cmdRevive administratively revives a player
func cmdRevive(args []string) {
	fs := flag.NewFlagSet("revive", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatalf("Usage: deathwatch revive <steam64>")
	}

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	if err := eng.AdministrativeUnban(fs.Arg(0), "Revived by admin"); err != nil {
		log.Fatalf("Revive failed: %v", err)
	}
	fmt.Printf("Revived %s\n", fs.Arg(0))
}

// cmdConfirm confirms a pending revive precondition
func cmdConfirm(args []string) {
	fs := flag.NewFlagSet("confirm", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatalf("Usage: deathwatch confirm <steam64>")
	}

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	err := eng.ConfirmRevivePrecondition(fs.Arg(0))
	if errors.Is(err, engine.ErrNotPendingRevive) {
		log.Fatalf("Player %s is not pending revive", fs.Arg(0))
	}
	if err != nil {
		log.Fatalf("Confirm failed: %v", err)
	}
	fmt.Printf("Revive confirmed for %s\n", fs.Arg(0))
}

// cmdWipe wipes the user database
func cmdWipe(args []string) {
	fs := flag.NewFlagSet("wipe", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	yes := fs.Bool("yes", false, "confirm the wipe")
	fs.Parse(args)
	if !*yes {
		log.Fatalf("Refusing to wipe without --yes")
	}

	cfg := loadConfig(*configPath)
	eng := newEngine(cfg, nil)

	if err := eng.WipeAll(); err != nil {
		log.Fatalf("Wipe failed: %v", err)
	}
	fmt.Println("User database wiped")
}

// cmdLeaderboard shows the longest-alive leaderboard
func cmdLeaderboard(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	top := fs.Int("top", 20, "number of entries")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	history, err := storage.NewHistoryStore(cfg.HistoryDBPath())
	if err != nil {
		log.Fatalf("Failed to open history database: %v", err)
	}
	defer history.Close()

	entries, err := history.Leaderboard(context.Background(), *top)
	if err != nil {
		log.Fatalf("Failed to query leaderboard: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tSTEAM64\tLONGEST ALIVE\tDEATHS")
	for i, entry := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", i+1, entry.SteamID,
			(time.Duration(entry.BestAliveSec) * time.Second).String(), entry.DeathCount)
	}
	w.Flush()
}
