// Package main is the CLI entry point for tally, a shared-expense ledger
// whose every mutation is recorded in a hash-chained, reversible history
// log.
//
// Architecture overview:
//
//	client --> REST API (:3200) --> ledger service --> store (SQLite | PostgreSQL)
//	                |                     |
//	                |                     +-- history writer (hash chain, same tx)
//	                |-- history queries / undo / verify
//	                +-- websocket feed <-- committed entries
//
// CLI commands (cobra):
//
//	tally serve          - Run the API server
//	tally migrate        - Apply database migrations
//	tally history ...    - Query, verify, export and tail the history log
//	tally undo <id>      - Reverse a history entry
//	tally config ...     - Show or initialise the configuration
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ctrlai/tally/internal/api"
	"github.com/ctrlai/tally/internal/config"
	"github.com/ctrlai/tally/internal/history"
	"github.com/ctrlai/tally/internal/ledger"
	"github.com/ctrlai/tally/internal/logging"
	"github.com/ctrlai/tally/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
)

// defaultConfigDir returns ~/.tally, where config.yaml and the default
// SQLite database live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tally"
	}
	return filepath.Join(home, ".tally")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global --config-dir flag.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "tally - shared expenses with an auditable, reversible history",
	Long: `tally keeps a shared-expense ledger of projects, participants and
payments. Every change is written to an append-only history log whose
entries are hash-chained, so tampering is detectable, and most changes
can be undone by appending a compensating entry.

Run 'tally config init' once, then 'tally serve'.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to the tally config directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(configCmd)
}

// app bundles the services every command builds from the config.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	level    zap.AtomicLevel
	db       *store.DB
	writer   *history.Writer
	query    *history.QueryService
	undo     *history.UndoEngine
	verifier *history.Verifier
	ledger   *ledger.Service
}

// openApp loads the config, builds the logger, opens and migrates the
// database and wires the services on top of it.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, level, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	if cfg.Database.Driver == store.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := store.Open(ctx, store.Config{
		Driver:         cfg.Database.Driver,
		Path:           cfg.Database.Path,
		URL:            cfg.Database.URL,
		MaxConnections: cfg.Database.MaxConnections,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	writer := history.NewWriter(db, logger)
	return &app{
		cfg:      cfg,
		logger:   logger,
		level:    level,
		db:       db,
		writer:   writer,
		query:    history.NewQueryService(db, limitsFrom(cfg), logger),
		undo:     history.NewUndoEngine(db, writer, logger),
		verifier: history.NewVerifier(db, cfg.History.VerifyBatchSize, logger),
		ledger:   ledger.NewService(db, writer, logger),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
	a.logger.Sync()
}

func limitsFrom(cfg *config.Config) history.Limits {
	return history.Limits{Default: cfg.History.DefaultPageSize, Max: cfg.History.MaxPageSize}
}

// ============================================================================
// tally serve - Run the API server
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tally API server",
	Long: `Run the REST API and, when enabled, the websocket history feed.

The server binds to the address configured in ~/.tally/config.yaml
(default: 127.0.0.1:3200):
  - API:  http://127.0.0.1:3200/api/...
  - Feed: ws://127.0.0.1:3200/api/history/feed?project_id=N

Log level and history page sizes reload when config.yaml changes.`,
	RunE: runServe,
}

// runServe wires the stack together:
//
//  1. Load config, build the logger, open and migrate the database
//  2. Start the feed hub and subscribe it to committed entries
//  3. Watch config.yaml for hot-reloadable settings
//  4. Serve until SIGINT/SIGTERM, then drain in-flight requests
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	var hub *api.Hub
	if a.cfg.Feed.Enabled {
		hub = api.NewHub(logger)
		go hub.Run(ctx)
		a.writer.Subscribe(hub.Publish)
	}

	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnChange: func(cfg *config.Config) {
			if err := logging.SetLevel(a.level, cfg.Log.Level); err != nil {
				logger.Warn("Ignoring log level", zap.Error(err))
			}
			a.query.SetLimits(limitsFrom(cfg))
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	server := &http.Server{
		Addr: addr,
		Handler: api.New(api.Options{
			Query:    a.query,
			Undo:     a.undo,
			Verifier: a.verifier,
			Ledger:   a.ledger,
			Feed:     hub,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening",
			zap.String("addr", "http://"+addr),
			zap.String("driver", a.db.Driver()),
			zap.Bool("feed", hub != nil),
			zap.String("version", version))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down (signal received)")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	logger.Info("Stopped")
	return nil
}

// ============================================================================
// tally migrate - Apply database migrations
// ============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Create or upgrade the database schema. 'tally serve' does this on startup too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Printf("[tally] %s schema is up to date\n", a.db.Driver())
		return nil
	},
}

// ============================================================================
// tally history - Query, verify and export the history log
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query, verify and export the history log",
	Long: `The history log records every ledger mutation with the state before
and after it. Entries are hash-chained: each entry's hash covers the
previous entry's hash, so editing or deleting a stored entry breaks the
chain from that point on.`,
}

func init() {
	historyCmd.AddCommand(historyProjectCmd)
	historyCmd.AddCommand(historyEntityCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyVerifyCmd)
	historyCmd.AddCommand(historyExportCmd)
	historyCmd.AddCommand(historyTailCmd)
}

// Project history flags.
var (
	historyLimit      int
	historyOffset     int
	historyEntityType string
)

var historyProjectCmd = &cobra.Command{
	Use:   "project <project-id>",
	Short: "Show a project's history, newest first",
	Long: `Show one page of a project's history, newest first.

Examples:
  tally history project 3 --limit 20
  tally history project 3 --type 'project*'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := parseID("project-id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		views, err := a.query.ProjectHistory(cmd.Context(), projectID, history.ProjectQuery{
			Limit:      historyLimit,
			Offset:     historyOffset,
			EntityType: historyEntityType,
		})
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("No matching history entries found.")
			return nil
		}
		for _, v := range views {
			printView(v)
		}
		return nil
	},
}

func init() {
	historyProjectCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "Page size (0 uses the configured default)")
	historyProjectCmd.Flags().IntVar(&historyOffset, "offset", 0, "Entries to skip")
	historyProjectCmd.Flags().StringVar(&historyEntityType, "type", "", "Entity type or glob pattern (e.g. payment, 'project*')")
}

var historyEntityCmd = &cobra.Command{
	Use:   "entity <project-id> <entity-type> <entity-id>",
	Short: "Show every entry for one entity, newest first",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectID, err := parseID("project-id", args[0])
		if err != nil {
			return err
		}
		entityType, err := history.ParseEntityType(args[1])
		if err != nil {
			return err
		}
		entityID, err := parseID("entity-id", args[2])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		views, err := a.query.EntityHistory(cmd.Context(), projectID, entityType, entityID)
		if err != nil {
			return err
		}
		for _, v := range views {
			printView(v)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <history-id>",
	Short: "Show one entry with its payloads",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("history-id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.query.Entry(cmd.Context(), id)
		if err != nil {
			return err
		}
		printView(v)
		if v.PayloadBefore != nil {
			fmt.Printf("  before: %s\n", v.PayloadBefore)
		}
		if v.PayloadAfter != nil {
			fmt.Printf("  after:  %s\n", v.PayloadAfter)
		}
		if v.Reason != "" {
			fmt.Printf("  reason: %s\n", v.Reason)
		}
		fmt.Printf("  hash:   %s\n  prev:   %s\n", v.EntryHash, v.PreviousHash)
		return nil
	},
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Walk the whole log in id order and recompute every entry hash.
Each hash is SHA-256(previous_hash | created_at | actor | action | entity_type | payload_after).
A mismatch is reported with the first broken entry id and exits non-zero.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.verifier.Verify(cmd.Context())
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		if res.Valid {
			fmt.Printf("[tally] Hash chain VALID (%d entries verified)\n", res.TotalEntries)
			return nil
		}
		fmt.Printf("[tally] Hash chain BROKEN at entry #%d: %s\n", *res.FirstBrokenID, res.Message)
		if res.ExpectedHash != "" || res.ActualHash != "" {
			fmt.Printf("  Expected hash: %s\n", res.ExpectedHash)
			fmt.Printf("  Actual hash:   %s\n", res.ActualHash)
		}
		return fmt.Errorf("history chain integrity violation detected")
	},
}

// Export flags.
var (
	exportFormat  string
	exportProject int64
)

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the history log",
	Long: `Export the history log to stdout in id order.
Supported formats: csv, json, jsonl.

Example:
  tally history export --format csv --project 3 > flat.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		return a.query.Export(cmd.Context(), os.Stdout, exportFormat, exportProject)
	},
}

func init() {
	historyExportCmd.Flags().StringVar(&exportFormat, "format", history.FormatJSONL, "Export format: csv, json, jsonl")
	historyExportCmd.Flags().Int64Var(&exportProject, "project", 0, "Only export this project's entries")
}

// Tail flags.
var (
	tailLines    int64
	tailInterval time.Duration
)

var historyTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow new history entries",
	Long:  `Print the last -n entries, then follow new ones as they are committed (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		latest, err := a.query.LatestID(ctx)
		if err != nil {
			return err
		}
		err = a.query.Follow(ctx, max(latest-tailLines, 0), tailInterval, func(e history.Entry) {
			printView(history.EntryView{Entry: e})
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	historyTailCmd.Flags().Int64VarP(&tailLines, "lines", "n", 20, "Number of recent entries to show first")
	historyTailCmd.Flags().DurationVar(&tailInterval, "interval", time.Second, "Polling interval")
}

// ============================================================================
// tally undo - Reverse a history entry
// ============================================================================

var (
	undoActor  int64
	undoReason string
)

var undoCmd = &cobra.Command{
	Use:   "undo <history-id>",
	Short: "Reverse a history entry",
	Long: `Reverse the change recorded by a history entry and append an UNDO
entry pointing at it. An entry can be undone once; UNDO entries cannot
be undone themselves.

Example:
  tally undo 42 --actor 1 --reason "entered twice"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("history-id", args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.undo.Undo(cmd.Context(), id, undoActor, undoReason)
		if err != nil {
			return err
		}
		fmt.Printf("[tally] Entry #%d undone by entry #%d\n", id, e.ID)
		return nil
	},
}

func init() {
	undoCmd.Flags().Int64Var(&undoActor, "actor", 0, "Acting user id")
	undoCmd.Flags().StringVar(&undoReason, "reason", "", "Why the change is being undone")
}

// ============================================================================
// tally config - Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialise the configuration",
	Long: `Manage the tally configuration. The config file lives at
~/.tally/config.yaml and defines the bind address, the database, history
query limits, the live feed toggle and logging.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Path(configDir)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", path)
				fmt.Println("Run 'tally config init' to write the defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.Path(configDir)
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(configDir); err != nil {
			return err
		}
		fmt.Printf("[tally] Wrote %s\n", path)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}

// ============================================================================
// Output helpers
// ============================================================================

func parseID(name, raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", name, raw)
	}
	return id, nil
}

// printView prints one entry on a single line.
func printView(v history.EntryView) {
	actor := "-"
	switch {
	case v.ActorName != "":
		actor = v.ActorName
	case v.ActorUserID != nil:
		actor = strconv.FormatInt(*v.ActorUserID, 10)
	}
	entity := string(v.EntityType)
	if v.EntityID != nil {
		entity += "#" + strconv.FormatInt(*v.EntityID, 10)
	}
	line := fmt.Sprintf("#%-6d [%s] %-6s %-24s actor=%s",
		v.ID, v.CreatedAt.Format(time.RFC3339), v.Action, entity, actor)
	if v.UndoesHistoryID != nil {
		line += fmt.Sprintf(" undoes=#%d", *v.UndoesHistoryID)
	}
	if v.Undone {
		line += " (undone)"
	}
	fmt.Println(line)
}
