package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"notioncal/internal/config"
	"notioncal/internal/google"
	"notioncal/internal/icloud"
	"notioncal/internal/metrics"
	"notioncal/internal/notion"
	"notioncal/internal/reconcile"
	"notioncal/internal/syncer"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("Could not load .env file", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:  "notioncal",
		Usage: "Keep a Notion task database and a calendar in two-way sync.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "notioncal.yaml",
				EnvVars: []string{"NOTIONCAL_CONFIG"},
				Usage:   "Path to the YAML config file.",
			},
		},
		Commands: []*cli.Command{
			authCommand(),
			calendarsCommand(),
			initCommand(),
			syncCommand(),
			planCommand(),
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate with a Google account to get an API token.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account", Usage: "Name for this account (e.g., 'personal', 'work'). Prompted when empty."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger("info")
			logger.Info("Starting Google authentication flow.")

			oauthConfig, err := google.GetOAuthConfigForAuthFlow(os.Getenv("GOOGLE_CLIENT_ID"), os.Getenv("GOOGLE_CLIENT_SECRET"))
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, oauthConfig, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			accountName := c.String("account")
			if accountName == "" {
				fmt.Print("Enter a name for this account (e.g., 'personal', 'work'): ")
				accountName, _ = reader.ReadString('\n')
				accountName = strings.TrimSpace(accountName)
			}
			if accountName == "" {
				accountName = "default"
			}
			tokenFile := google.TokenFile(accountName)

			if err := google.SaveToken(tokenFile, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "file", tokenFile)
			return nil
		},
	}
}

func calendarsCommand() *cli.Command {
	return &cli.Command{
		Name:  "calendars",
		Usage: "List the Google calendars of the configured account.",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.LogLevel)

			accounts, err := google.GetTokenAccounts(".")
			if err != nil {
				return fmt.Errorf("could not list google accounts: %w", err)
			}
			if len(accounts) == 0 {
				return errors.New("no google accounts found. Run the 'auth' command first")
			}

			gcfg := cfg.Calendar.Google
			gClient, err := google.NewClient(c.Context, logger, gcfg.ClientID, gcfg.ClientSecret, gcfg.Account, gcfg.CalendarID)
			if err != nil {
				return fmt.Errorf("failed to create google client for account %s: %w", gcfg.Account, err)
			}
			calendars, err := gClient.DiscoverGoogleCalendars(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("Account %q (token accounts: %s)\n", gcfg.Account, strings.Join(accounts, ", "))
			for _, cal := range calendars {
				marker := " "
				if cal.Primary {
					marker = "*"
				}
				fmt.Printf("%s %-60s %s\n", marker, cal.Id, cal.Summary)
			}
			return nil
		},
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a default config file. Secrets stay in the environment.",
		Action: func(c *cli.Context) error {
			path := c.String("config")
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config %s already exists", path)
			}
			if err := config.Save(path, config.DefaultConfig()); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Wrote %s. Set NOTION_TOKEN and notion.database_id before syncing.\n", path)
			return nil
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run the synchronization process.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "once", Usage: "Run the sync cycle once and exit."},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log what would be synced without making changes."},
			&cli.IntFlag{Name: "watch", Value: 300, Usage: "Run sync every N seconds. Overrides --once."},
			&cli.StringFlag{Name: "cron", Usage: "Run sync on a cron schedule (e.g. '*/15 * * * *'). Overrides --watch."},
		},
		Action: func(c *cli.Context) error {
			r, err := newRunner(c, c.Bool("dry-run"))
			if err != nil {
				return err
			}
			logger := r.logger

			if r.cfg.DryRun {
				logger.Info("Performing a dry run. No changes will be made.")
			}

			schedule := c.String("cron")
			if schedule == "" && !c.IsSet("watch") && !c.Bool("once") {
				schedule = r.cfg.Cron
			}

			switch {
			case schedule != "":
				r.serveMetrics(c.Context)
				return runCron(c.Context, logger, r.syncer, schedule, r.location)
			case c.IsSet("watch"):
				r.serveMetrics(c.Context)
				interval := time.Duration(c.Int("watch")) * time.Second
				if interval <= 0 {
					return fmt.Errorf("--watch must be positive, got %d", c.Int("watch"))
				}
				logger.Info("Starting watcher.", "interval", interval)
				return runWatch(c.Context, logger, r.syncer, interval)
			default: // --once is the default behavior if neither --watch nor --cron is set
				logger.Info("Running a single sync cycle.")
				if _, err := r.syncer.Sync(c.Context); err != nil {
					return fmt.Errorf("single sync cycle failed: %w", err)
				}
				return nil
			}
		},
	}
}

func planCommand() *cli.Command {
	return &cli.Command{
		Name:  "plan",
		Usage: "Print the actions the next sync would take, without applying them.",
		Action: func(c *cli.Context) error {
			r, err := newRunner(c, true)
			if err != nil {
				return err
			}
			plan, err := r.syncer.Plan(c.Context)
			if err != nil {
				return err
			}
			printPlan(r, plan)
			return nil
		},
	}
}

// runner bundles what the sync and plan commands need.
type runner struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	syncer   *syncer.Syncer
	location *time.Location
	names    [2]string
}

func newRunner(c *cli.Context, dryRun bool) (*runner, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.DryRun = true
	}
	logger := setupLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.ReconcilePolicy()
	if err != nil {
		return nil, err
	}

	n := cfg.Notion
	source, err := notion.NewClient(logger, n.Token, notion.Schema{
		DatabaseID:          n.DatabaseID,
		TitleProperty:       n.TitleProperty,
		DateProperty:        n.DateProperty,
		ExternalIDProperty:  n.ExternalIDProperty,
		ParentProperty:      n.ParentProperty,
		ParentDatabaseID:    n.ParentDatabaseID,
		ParentTitleProperty: n.ParentTitleProperty,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create notion client: %w", err)
	}

	target, err := newCalendar(c.Context, logger, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	s, err := syncer.NewSyncer(logger, source, target, m, syncer.Options{
		Horizon:      cfg.Horizon(),
		Location:     loc,
		CallTimeout:  cfg.CallTimeout,
		FetchTimeout: cfg.FetchTimeout,
		Concurrency:  cfg.Concurrency,
		DryRun:       cfg.DryRun,
		Policy:       &policy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create syncer: %w", err)
	}

	return &runner{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		syncer:   s,
		location: loc,
		names:    [2]string{reconcile.Source: source.Name(), reconcile.Target: target.Name()},
	}, nil
}

// newCalendar builds the configured calendar backend.
func newCalendar(ctx context.Context, logger *slog.Logger, cfg *config.Config) (syncer.Adapter, error) {
	switch cfg.Calendar.Backend {
	case config.BackendCalDAV:
		d := cfg.Calendar.CalDAV
		client, err := icloud.NewClient(ctx, logger, d.Endpoint, d.Username, d.Password, d.CalendarName)
		if err != nil {
			return nil, fmt.Errorf("failed to create caldav client: %w", err)
		}
		return client, nil
	default:
		g := cfg.Calendar.Google
		client, err := google.NewClient(ctx, logger, g.ClientID, g.ClientSecret, g.Account, g.CalendarID)
		if err != nil {
			return nil, fmt.Errorf("failed to create google client for account %s: %w", g.Account, err)
		}
		logger.Info("Initialized Google client.", "account", g.Account, "calendarID", g.CalendarID)
		return client, nil
	}
}

func (r *runner) serveMetrics(ctx context.Context) {
	if r.cfg.Metrics.Listen == "" {
		return
	}
	go func() {
		if err := r.metrics.Serve(ctx, r.cfg.Metrics.Listen, r.logger); err != nil {
			r.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func runWatch(ctx context.Context, logger *slog.Logger, s *syncer.Syncer, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sync(ctx); err != nil {
			logger.Error("Sync cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("Stopping watcher.")
			return nil
		case <-ticker.C:
		}
	}
}

func runCron(ctx context.Context, logger *slog.Logger, s *syncer.Syncer, schedule string, loc *time.Location) error {
	cl := cronLogger{logger: logger}
	scheduler := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := scheduler.AddFunc(schedule, func() {
		if _, err := s.Sync(ctx); err != nil {
			logger.Error("Sync cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	logger.Info("Starting cron scheduler.", "schedule", schedule, "timezone", loc.String())
	scheduler.Start()
	<-ctx.Done()
	logger.Info("Stopping cron scheduler, waiting for the running cycle.")
	<-scheduler.Stop().Done()
	return nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

func printPlan(r *runner, plan *reconcile.Plan) {
	if plan.Empty() {
		fmt.Println("Nothing to do.")
	}
	for _, c := range plan.Creates {
		fmt.Printf("create  %-8s %s [%s, %s) from %s\n", r.names[c.Side], c.Event.FullTitle(), c.Event.Start, c.Event.End, c.Origin.NativeID)
	}
	for _, u := range plan.Updates {
		fmt.Printf("update  %-8s %s %s\n", r.names[u.Side], u.Event.NativeID, u.Event.FullTitle())
	}
	for _, d := range plan.Deletes {
		fmt.Printf("delete  %-8s %s %s\n", r.names[d.Side], d.Event.NativeID, d.Event.FullTitle())
	}
	for _, w := range plan.Warnings {
		fmt.Printf("warning %-8s %s\n", r.names[w.Side], w)
	}
	s := plan.Summary
	fmt.Printf("\nlinked=%d unlinked=%d orphaned=%d out-of-window=%d duplicate=%d conflict=%d excluded=%d\n",
		s.Linked, s.Unlinked, s.Orphaned, s.OutOfWindow, s.Duplicate, s.Conflict, s.Excluded)
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
