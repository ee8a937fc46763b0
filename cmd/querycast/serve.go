package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/btouchard/querycast/internal/auth"
	"github.com/btouchard/querycast/internal/config"
	"github.com/btouchard/querycast/internal/httpapi"
	"github.com/btouchard/querycast/internal/llm"
	querycastmcp "github.com/btouchard/querycast/internal/mcp"
	"github.com/btouchard/querycast/internal/notify"
	"github.com/btouchard/querycast/internal/pipeline"
	"github.com/btouchard/querycast/internal/store"
	"github.com/btouchard/querycast/internal/stream"
	"github.com/btouchard/querycast/internal/task"
	"github.com/btouchard/querycast/internal/tunnel"
	"github.com/btouchard/querycast/internal/warehouse"
)

const cleanupInterval = time.Hour

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the querycast server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				slog.Error("failed to load configuration", "error", err)
				return err
			}

			setupLogging(cfg)

			slog.Info("starting querycast",
				"version", version,
				"host", cfg.Server.Host,
				"port", cfg.Server.Port)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if err := run(ctx, cfg); err != nil {
				slog.Error("server error", "error", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- SQLite Store ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	// --- Pipeline ---
	completer, err := llm.NewOpenAIClient(llm.Options{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("configuring llm: %w", err)
	}

	wh, err := warehouse.Open(ctx, warehouse.Options{
		Driver:       cfg.Warehouse.Driver,
		DSN:          cfg.Warehouse.DSN,
		MaxOpenConns: cfg.Warehouse.MaxOpenConns,
		MaxIdleConns: cfg.Warehouse.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("opening warehouse: %w", err)
	}
	defer func() { _ = wh.Close() }()

	p := pipeline.Standard(pipeline.Deps{
		LLM:        completer,
		Warehouse:  wh,
		SchemaHint: cfg.Warehouse.SchemaHint,
		Dialect:    dialectFor(wh.Driver()),
		MaxRows:    cfg.Warehouse.MaxRows,
	})
	if err := p.Validate(); err != nil {
		return fmt.Errorf("pipeline validation: %w", err)
	}

	// --- Streams and Task Manager ---
	hub := stream.NewHub(stream.NewRegistry(), cfg.Stream.HeartbeatInterval)
	tm := task.NewManager(hub, p, task.Options{
		Policy:      task.Policy(cfg.Query.Policy),
		StepTimeout: cfg.Query.StepTimeout,
		MaxDuration: cfg.Query.MaxDuration,
		Retention:   cfg.Query.Retention,
		IdleAbort:   cfg.Stream.IdleAbort,
	})

	// --- Auth ---
	authz, err := auth.NewTokenAuthorizer(authEntries(cfg.Auth.APITokens))
	if err != nil {
		return fmt.Errorf("auth configuration: %w", err)
	}
	if authz.Open() {
		slog.Warn("no api tokens configured, every caller may access every session")
	}

	// --- MCP Server and Notifications ---
	notifiers := []notify.Notifier{notify.NewRecorder(db)}
	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpServer := querycastmcp.NewServer(&querycastmcp.Deps{
			Tasks:           tm,
			Auth:            authz,
			Estimator:       db,
			MaxQuestionSize: cfg.Query.MaxQuestionSize,
			Version:         version,
		})
		mcpHandler = querycastmcp.NewHTTPHandler(mcpServer)
		notifiers = append(notifiers, notify.NewMCPNotifier(mcpServer, cfg.MCP.Debounce))
	}

	nh := notify.NewHub(notify.DefaultBuffer, notifiers...)
	tm.SetNotifyFunc(func(n task.Notification) { nh.Notify(toNotifyEvent(n)) })

	// The notification worker outlives the server so final task events
	// still reach the audit trail.
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	notifyDone := make(chan struct{})
	go func() {
		defer close(notifyDone)
		_ = nh.Run(notifyCtx)
	}()
	defer func() {
		stopNotify()
		<-notifyDone
	}()

	// --- HTTP Router ---
	router := httpapi.NewRouter(httpapi.Deps{
		Tasks:           tm,
		Auth:            authz,
		History:         db,
		Ping:            warehouse.Ping,
		MCP:             mcpHandler,
		SinkBuffer:      cfg.Stream.SinkBuffer,
		MaxQuestionSize: cfg.Query.MaxQuestionSize,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimit: httpapi.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
	})

	// --- HTTP Server ---
	// Cancelling baseCtx ends every open event stream on shutdown.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	var tun *tunnel.Ngrok
	if cfg.Tunnel.Enabled {
		tun = tunnel.NewNgrok(cfg.Tunnel.AuthToken, cfg.Tunnel.Domain)
		if _, err := tun.Start(ctx); err != nil {
			return fmt.Errorf("starting tunnel: %w", err)
		}
		defer func() { _ = tun.Close() }()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("querycast is ready", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return hub.Run(gctx) })

	g.Go(func() error {
		cleanupLoop(gctx, db, cfg.Database.RetentionDays)
		return nil
	})

	if tun != nil {
		g.Go(func() error { return tun.Serve(gctx, router) })
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "running_tasks", tm.RunningCount())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := tm.Shutdown(shutdownCtx); err != nil {
			slog.Warn("tasks did not stop in time", "error", err)
		}
		cancelBase()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// cleanupLoop prunes the audit trail once per interval until ctx is done.
func cleanupLoop(ctx context.Context, db *store.SQLiteStore, retentionDays int) {
	if retentionDays <= 0 {
		return
	}

	prune := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		n, err := db.Cleanup(cutoff)
		if err != nil {
			slog.Warn("audit cleanup failed", "error", err)
			return
		}
		if n > 0 {
			slog.Info("audit cleanup", "removed", n, "older_than", cutoff.Format(time.DateOnly))
		}
	}

	prune()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			prune()
		case <-ctx.Done():
			return
		}
	}
}

func authEntries(tokens []config.APITokenEntry) []auth.Entry {
	entries := make([]auth.Entry, 0, len(tokens))
	for _, t := range tokens {
		entries = append(entries, auth.Entry{Name: t.Name, Hash: t.TokenHash, Sessions: t.Sessions})
	}
	return entries
}

func toNotifyEvent(n task.Notification) notify.Event {
	return notify.Event{
		Type:      n.Type,
		TaskID:    n.TaskID,
		SessionID: n.SessionID,
		Question:  n.Question,
		Status:    string(n.Status),
		Step:      string(n.Step),
		Message:   n.Message,
		Payload:   n.Payload,
		At:        n.At,

		MCPSessionID: n.MCPSessionID,
	}
}

// dialectFor names the SQL dialect the generation prompt asks for.
func dialectFor(driver string) string {
	switch driver {
	case "mysql":
		return "MySQL"
	case "sqlite":
		return "SQLite"
	default:
		return "PostgreSQL"
	}
}
