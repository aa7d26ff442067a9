package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"github.com/beekhof/appointment-sync/internal/auth"
	"github.com/beekhof/appointment-sync/internal/calendar"
	"github.com/beekhof/appointment-sync/internal/config"
	"github.com/beekhof/appointment-sync/internal/scheduler"
	"github.com/beekhof/appointment-sync/internal/store"
	appsync "github.com/beekhof/appointment-sync/internal/sync"
)

const description = `Keeps appointments in the scheduling database in step with the providers'
calendars (Google Calendar or any CalDAV server). Each calendar link is synced on
its own interval by "serve", or on demand by "sync".

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (a .env file is read if present)
    3. Config file (--config)
    4. Defaults

CONFIG FILE:
    {
      "database_path": "/var/lib/apptsync/apptsync.db",
      "google_credentials_path": "/etc/apptsync/credentials.json",
      "caldav_server_url": "https://caldav.icloud.com",
      "pool_size": 4,
      "request_timeout": "10s",
      "max_retries": 3,
      "refresh_threshold": "5m",
      "past_window_days": 30,
      "default_sync_window_days": 30,
      "reminder_overrides": [{"method": "email", "minutes": 1440}, {"method": "popup", "minutes": 60}],
      "log_level": "info"
    }

    database_path may also be a postgres:// URL to keep the data in PostgreSQL.

ENVIRONMENT VARIABLES:
    DATABASE_PATH, GOOGLE_CREDENTIALS_PATH, CALDAV_SERVER_URL, POOL_SIZE,
    REQUEST_TIMEOUT, MAX_RETRIES, REFRESH_THRESHOLD, PAST_WINDOW_DAYS,
    DEFAULT_SYNC_WINDOW_DAYS, REMINDER_OVERRIDES ("email:1440,popup:60"), LOG_LEVEL`

func main() {
	app := &cli.App{
		Name:        "apptsync",
		Usage:       "Synchronize appointments with external calendars.",
		Description: description,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to JSON config file"},
			&cli.StringFlag{Name: "env-file", Usage: "Path to a .env file (default: ./.env if present)"},
			&cli.StringFlag{Name: "database", Usage: "SQLite file path or postgres:// URL"},
			&cli.StringFlag{Name: "google-credentials", Usage: "Path to Google OAuth credentials JSON file"},
			&cli.StringFlag{Name: "caldav-url", Usage: "CalDAV server URL"},
			&cli.IntFlag{Name: "pool-size", Usage: "Maximum number of links synced at once"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			statusCommand(),
			configureCommand(),
			linkCommand(),
			linksCommand(),
			calendarsCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("Command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// engine is the wired sync engine shared by every command.
type engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *store.Store
	oauth      *oauth2.Config
	tokens     *auth.TokenManager
	providers  calendar.Registry
	reconciler *appsync.Reconciler
	tracker    *appsync.SyncLogger
	scheduler  *scheduler.Scheduler
}

func setup(c *cli.Context) (*engine, error) {
	cfg, err := config.LoadConfig(c.String("config"), c.String("env-file"), config.Overrides{
		DatabasePath:          c.String("database"),
		GoogleCredentialsPath: c.String("google-credentials"),
		CalDAVServerURL:       c.String("caldav-url"),
		PoolSize:              c.Int("pool-size"),
		LogLevel:              c.String("log-level"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	var oauthConfig *oauth2.Config
	if cfg.GoogleCredentialsPath != "" {
		clientID, clientSecret, err := auth.LoadGoogleCredentials(cfg.GoogleCredentialsPath)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load Google credentials: %w", err)
		}
		oauthConfig = auth.GoogleConfig(clientID, clientSecret)
	} else {
		logger.Warn("No Google credentials configured, Google tokens cannot be refreshed")
	}

	timeout := time.Duration(cfg.RequestTimeout)
	tokens := auth.NewTokenManager(st, oauthConfig,
		auth.WithRefreshThreshold(time.Duration(cfg.RefreshThreshold)),
		auth.WithRetries(cfg.Retries(), timeout),
		auth.WithLogger(logger),
	)

	retry := calendar.RetryPolicy{Timeout: timeout, MaxRetries: cfg.Retries()}
	providers := calendar.Registry{
		"google": calendar.NewGoogleClient(&http.Client{}, retry),
	}
	if cfg.CalDAVServerURL != "" {
		providers["caldav"] = calendar.NewCalDAVClient(cfg.CalDAVServerURL, http.DefaultTransport, retry)
	}

	reconciler := appsync.NewReconciler(st, tokens, providers, appsync.Options{
		PastWindowDays:    cfg.PastWindowDays,
		DefaultWindowDays: cfg.DefaultSyncWindowDays,
		Reminders:         cfg.ReminderOverrides,
		Logger:            logger,
	})
	tracker := appsync.NewSyncLogger(st, logger)

	return &engine{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		oauth:      oauthConfig,
		tokens:     tokens,
		providers:  providers,
		reconciler: reconciler,
		tracker:    tracker,
		scheduler:  scheduler.New(st, reconciler, tracker, cfg.PoolSize, logger),
	}, nil
}

func (e *engine) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close database", "error", err)
	}
}

// withEngine wraps a command action with engine setup and teardown.
func withEngine(fn func(c *cli.Context, e *engine) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(c, e)
	}
}

var linkFlag = &cli.UintFlag{Name: "link", Usage: "Calendar link id", Required: true}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run scheduled syncs until interrupted.",
		Action: withEngine(func(c *cli.Context, e *engine) error {
			if err := e.scheduler.Start(c.Context); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			e.logger.Info("Scheduler running", "pool_size", e.cfg.PoolSize)
			<-c.Context.Done()
			e.logger.Info("Shutting down, waiting for running syncs")
			e.scheduler.Stop()
			return nil
		}),
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Sync one calendar link now.",
		Flags: []cli.Flag{
			linkFlag,
			&cli.StringFlag{Name: "direction", Usage: "import_only, export_only or bidirectional; may only narrow the link's direction"},
		},
		Action: withEngine(func(c *cli.Context, e *engine) error {
			run, err := e.scheduler.TriggerSync(c.Context, c.Uint("link"), store.SyncDirection(c.String("direction")))
			if run != nil {
				if perr := printJSON(c.App.Writer, run); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			if run.Status == store.RunError {
				return fmt.Errorf("sync of link %d failed: %s", run.CalendarLinkID, run.ErrorMessage)
			}
			return nil
		}),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the sync status of a calendar link.",
		Flags: []cli.Flag{
			linkFlag,
			&cli.IntFlag{Name: "history", Usage: "Also list the last N sync runs"},
		},
		Action: withEngine(func(c *cli.Context, e *engine) error {
			st, err := e.scheduler.GetSyncStatus(c.Context, c.Uint("link"))
			if err != nil {
				return err
			}
			report := statusReport{Status: st}
			if n := c.Int("history"); n > 0 {
				if report.History, err = e.store.ListSyncRuns(c.Context, st.LinkID, n); err != nil {
					return err
				}
			}
			return printJSON(c.App.Writer, report)
		}),
	}
}

// statusReport is the output of the status command.
type statusReport struct {
	*scheduler.Status
	History []store.SyncRun `json:"history,omitempty"`
}

func configureCommand() *cli.Command {
	return &cli.Command{
		Name:  "configure",
		Usage: "Change the sync settings of a calendar link.",
		Flags: []cli.Flag{
			linkFlag,
			&cli.BoolFlag{Name: "auto-sync", Usage: "Sync the link on its interval"},
			&cli.IntFlag{Name: "interval", Usage: fmt.Sprintf("Sync interval in minutes (%d-%d)", store.MinSyncIntervalMinutes, store.MaxSyncIntervalMinutes)},
			&cli.StringFlag{Name: "policy", Usage: "provider_wins, internal_wins, newest_wins or manual"},
			&cli.IntFlag{Name: "window-days", Usage: "Days ahead to sync"},
			&cli.IntFlag{Name: "default-duration", Usage: "Minutes given to imported events without a length"},
			&cli.StringFlag{Name: "timezone", Usage: "IANA time zone of the link"},
			&cli.StringFlag{Name: "direction", Usage: "import_only, export_only or bidirectional"},
		},
		Action: withEngine(func(c *cli.Context, e *engine) error {
			var sc store.SyncConfiguration
			if c.IsSet("auto-sync") {
				v := c.Bool("auto-sync")
				sc.AutoSyncEnabled = &v
			}
			if c.IsSet("interval") {
				v := c.Int("interval")
				sc.SyncIntervalMinutes = &v
			}
			if c.IsSet("policy") {
				v := store.ConflictPolicy(c.String("policy"))
				sc.ConflictPolicy = &v
			}
			if c.IsSet("window-days") {
				v := c.Int("window-days")
				sc.SyncWindowDays = &v
			}
			if c.IsSet("default-duration") {
				v := c.Int("default-duration")
				sc.DefaultEventDuration = &v
			}
			if c.IsSet("timezone") {
				v := c.String("timezone")
				sc.Timezone = &v
			}
			if c.IsSet("direction") {
				v := store.SyncDirection(c.String("direction"))
				sc.SyncDirection = &v
			}
			link, err := e.scheduler.UpdateSyncConfiguration(c.Context, c.Uint("link"), sc)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, link)
		}),
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
