package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/supportdesk-live/internal/api"
	"github.com/rickgao/supportdesk-live/internal/auth"
	"github.com/rickgao/supportdesk-live/internal/chat"
	"github.com/rickgao/supportdesk-live/internal/config"
	"github.com/rickgao/supportdesk-live/internal/database"
	"github.com/rickgao/supportdesk-live/internal/eventlog"
	"github.com/rickgao/supportdesk-live/internal/version"
)

func main() {
	var (
		configPath  string
		rooms       []string
		verbose     bool
		logLevel    string
		showVersion bool
	)
	pflag.StringVarP(&configPath, "config", "c", "configs/supportdesk.local.yaml", "path to config file")
	pflag.StringArrayVarP(&rooms, "room", "r", nil, "room to join on startup (repeatable)")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "dump every inbound frame")
	pflag.StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	// Logs go to stderr so stdout stays a clean transcript
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	logger.Info("starting supportdesk",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"instance_id", cfg.Instance.ID,
		"ws_url", cfg.Transport.WSURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, rooms, verbose, logger); err != nil {
		logger.Error("supportdesk failed", "error", err)
		os.Exit(1)
	}
	logger.Info("supportdesk stopped")
}

func run(ctx context.Context, cfg *config.Config, rooms []string, verbose bool, logger *slog.Logger) error {
	sess, err := resolveSession(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	// Event log, persisted only when a database is configured
	var db eventlog.DB
	var dbPing pinger
	if cfg.Database.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		db, dbPing = pool, pool
	}

	events := eventlog.NewWriter(eventlog.Config{
		InstanceID:    cfg.Instance.ID,
		BatchSize:     cfg.EventLog.BatchSize,
		FlushInterval: cfg.EventLog.FlushInterval,
	}, db, logger.With("component", "eventlog"))
	if err := events.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure event schema: %w", err)
	}
	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("start event log: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		events.Stop(shutdownCtx)
	}()

	svc := chat.New(chat.ConfigFrom(cfg),
		chat.WithLogger(logger),
		chat.WithEventSink(events),
	)

	con := newConsole(os.Stdout, svc, verbose)
	svc.AddStatusHandler(con)
	svc.AddNotificationHandler(con)
	for _, room := range rooms {
		con.join(room)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start chat service: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Stop(shutdownCtx); err != nil {
			logger.Warn("chat service stop", "error", err)
		}
	}()

	if err := svc.SetCredentials(sess.Token, sess.Identity); err != nil {
		return fmt.Errorf("set credentials: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Health.Port > 0 {
		healthServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
			Handler:           newHealthHandler(svc, dbPing),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting health server", "port", cfg.Health.Port)
			if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return healthServer.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return con.readInput(gctx, os.Stdin, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// resolveSession finds the credential pair: a configured token, a token
// file, or a username/password login.
func resolveSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*api.Session, error) {
	client := api.NewClient(cfg.API.RestURL, "",
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	token := strings.TrimSpace(cfg.API.Token)
	if token == "" && cfg.API.TokenFile != "" {
		t, err := auth.LoadTokenFile(cfg.API.TokenFile)
		if err != nil {
			return nil, err
		}
		token = t
	}

	if token == "" {
		return client.Login(ctx, cfg.API.Username, cfg.API.Password)
	}

	identity := cfg.API.Identity
	if identity == "" {
		if sub, err := auth.IdentityFromToken(token); err == nil {
			identity = sub
		} else {
			profile, err := client.WithToken(token).Me(ctx)
			if err != nil {
				return nil, fmt.Errorf("look up identity: %w", err)
			}
			identity = profile.Username
		}
	}
	return &api.Session{Token: token, Identity: identity}, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
}
