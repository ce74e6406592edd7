package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/strandlabs/strand/internal/bus"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/conversation"
	"github.com/strandlabs/strand/internal/history"
	otelPkg "github.com/strandlabs/strand/internal/otel"
	"github.com/strandlabs/strand/internal/persistence"
	"github.com/strandlabs/strand/internal/protocol"
	"github.com/strandlabs/strand/internal/reconcile"
	"github.com/strandlabs/strand/internal/telemetry"
	"github.com/strandlabs/strand/internal/transport"
	"github.com/strandlabs/strand/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Open the conversation viewer for the default project
  %s -project <id>            Open the viewer for a specific project

HEADLESS MODE:
  %s -headless                Follow the session without a TUI (logs to stdout)

SUBCOMMANDS:
  %s status                   Show local cache state per project
  %s stats [-project <id>]    Fetch history and print conversation totals
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  STRAND_HOME             Data directory (default: ~/.strand)
  STRAND_SERVER_URL       Websocket endpoint of the agent backend
  STRAND_HISTORY_URL      HTTP root of the canonical history API
  STRAND_TOKEN            Bearer token for both endpoints
  STRAND_PROJECT          Default project id
  STRAND_NO_TUI           Set to 1 to disable the TUI
`)
}

func main() {
	loadDotEnv(".env")

	headless := flag.Bool("headless", false, "follow the session without a TUI")
	projectFlag := flag.String("project", "", "project id (overrides config)")
	flag.Usage = printUsage
	flag.Parse()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) &&
		os.Getenv("STRAND_NO_TUI") == "" && !*headless

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "stats":
			os.Exit(runStatsCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *projectFlag != "" {
		cfg.Project = *projectFlag
	}
	if cfg.Project == "" {
		fatalStartup(nil, "E_NO_PROJECT", errors.New("no project configured; set project in config.yaml or pass -project"))
	}

	// Quiet logs (file-only) while the TUI owns the terminal.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "project", cfg.Project, "version", Version)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	cache, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_CACHE_OPEN", err)
	}
	defer cache.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// The store and the session reference each other: the store sends
	// through the session, the session feeds events back into the store.
	// The handler closure defers the store lookup past construction; no
	// event arrives before Connect.
	var store *conversation.Store

	session, err := transport.New(transport.Config{
		URL:          cfg.ServerURL,
		ProjectID:    cfg.Project,
		Token:        cfg.AuthToken,
		RefreshToken: refreshTokenFunc(),
		Handler: func(ctx context.Context, ev protocol.Event) {
			store.Apply(ctx, ev)
		},
		Bus:         eventBus,
		Logger:      logger,
		Metrics:     metrics,
		Backoff:     cfg.Backoff(),
		CallTimeout: cfg.CallTimeout(),
	})
	if err != nil {
		fatalStartup(logger, "E_TRANSPORT_INIT", err)
	}
	defer session.Close()

	store = conversation.NewStore(conversation.Config{
		ProjectID:     cfg.Project,
		Sender:        session,
		Bus:           eventBus,
		Logger:        logger,
		Metrics:       metrics,
		SafetyTimeout: cfg.SafetyTimeout(),
	})

	// Warm start from the local cache so the viewer is not empty while the
	// first reconciliation pass runs.
	if snap, err := cache.LoadSnapshot(ctx, cfg.Project); err == nil {
		store.ReplaceTurns(snap.Turns)
		store.SetResumeSessionID(snap.ResumeSessionID)
		logger.Info("warm start from cache", "turns", len(snap.Turns), "saved_at", snap.SavedAt)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		logger.Warn("snapshot load failed", "error", err)
	}

	if err := session.Connect(ctx); err != nil {
		fatalStartup(logger, "E_CONNECT", err)
	}
	if err := session.SubscribeActivity(ctx); err != nil {
		logger.Warn("activity subscription failed", "error", err)
	}

	histClient := history.NewClient(cfg.HistoryURL, cfg.AuthToken)
	loop := reconcile.New(reconcile.Config{
		ProjectID:  cfg.Project,
		Store:      store,
		Fetcher:    histClient,
		Bus:        eventBus,
		Logger:     logger,
		Metrics:    metrics,
		CronExpr:   cfg.Reconcile.Cron,
		Debounce:   cfg.Debounce(),
		FetchLimit: cfg.Reconcile.FetchLimit,
	})
	loop.Start(ctx)
	defer loop.Stop()
	loop.Refresh()

	go persistOnFinalize(ctx, eventBus, store, cache, cfg.Project, logger)
	go watchConfig(ctx, cfg, logger, loop)

	logger.Info("startup phase", "phase", "running", "interactive", interactive)

	if interactive {
		err = tui.Run(ctx, tui.Config{
			Engine:      store,
			Bus:         eventBus,
			Logger:      logger,
			ProjectName: cfg.ProjectName(cfg.Project),
			Refresh:     loop.Refresh,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("viewer exited", "error", err)
		}
		stop()
	} else {
		<-ctx.Done()
	}

	logger.Info("shutdown signal received")
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	saveSnapshot(saveCtx, store, cache, cfg.Project, logger)
	logger.Info("shutdown complete")
}

// persistOnFinalize saves the conversation snapshot after every finalized
// turn, so a crash loses at most the in-flight turn.
func persistOnFinalize(ctx context.Context, eventBus *bus.Bus, store *conversation.Store, cache *persistence.Store, projectID string, logger *slog.Logger) {
	sub := eventBus.Subscribe(bus.TopicTurnFinalized)
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Ch():
			if !ok {
				return
			}
			saveSnapshot(ctx, store, cache, projectID, logger)
		}
	}
}

func saveSnapshot(ctx context.Context, store *conversation.Store, cache *persistence.Store, projectID string, logger *slog.Logger) {
	snap := store.Snapshot()
	err := cache.SaveSnapshot(ctx, projectID, persistence.CachedSnapshot{
		Turns:           snap.Turns,
		ResumeSessionID: snap.ResumeSessionID,
	})
	if err != nil {
		logger.Warn("snapshot save failed", "error", err)
	}
}

// watchConfig follows config.yaml edits. Transport settings need a restart;
// a reload only triggers a reconciliation pass and flags the change.
func watchConfig(ctx context.Context, cfg config.Config, logger *slog.Logger, loop *reconcile.Loop) {
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
		return
	}
	fingerprint := cfg.Fingerprint()
	for range watcher.Events() {
		next, err := config.Load()
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			continue
		}
		if next.Fingerprint() == fingerprint {
			continue
		}
		fingerprint = next.Fingerprint()
		logger.Info("config changed on disk; connection settings apply on restart")
		loop.Refresh()
	}
}

// refreshTokenFunc re-reads the credential from the environment or the
// config file, for deployments that rotate tokens in place.
func refreshTokenFunc() func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if tok := os.Getenv("STRAND_TOKEN"); tok != "" {
			return tok, nil
		}
		cfg, err := config.Load()
		if err != nil {
			return "", fmt.Errorf("reload config for token: %w", err)
		}
		if cfg.AuthToken == "" {
			return "", errors.New("no auth token available")
		}
		return cfg.AuthToken, nil
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from path if present. Existing
// environment variables win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
