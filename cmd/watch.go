package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/namewatch/internal/broadcast"
	"github.com/nextlevelbuilder/namewatch/internal/bus"
	"github.com/nextlevelbuilder/namewatch/internal/config"
	"github.com/nextlevelbuilder/namewatch/internal/httpapi"
	"github.com/nextlevelbuilder/namewatch/internal/scheduler"
	"github.com/nextlevelbuilder/namewatch/internal/store"
	"github.com/nextlevelbuilder/namewatch/internal/store/pg"
	"github.com/nextlevelbuilder/namewatch/internal/store/sqlite"
	"github.com/nextlevelbuilder/namewatch/internal/transport/bridge"
	"github.com/nextlevelbuilder/namewatch/internal/watcher"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the watcher daemon (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runWatch()
		},
	}
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}

// openProgress selects the progress store backend from config.
// Postgres requires migrations to have been applied (namewatch migrate up);
// sqlite creates its schema on open.
func openProgress(cfg *config.Config) (store.Progress, error) {
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("database driver is postgres but NAMEWATCH_POSTGRES_DSN is not set")
		}
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg.New(db), nil
	}
	return sqlite.Open(config.ExpandHome(cfg.Database.Path))
}

func runWatch() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
		fmt.Println("No configuration found. Starting setup wizard...")
		fmt.Println()
		runOnboard()
		return
	}

	progress, err := openProgress(cfg)
	if err != nil {
		slog.Error("failed to open progress store", "error", err)
		os.Exit(1)
	}
	defer progress.Close()

	events := bus.New()

	client, err := bridge.New(bridge.Config{
		URL:            cfg.Bridge.URL,
		Token:          cfg.Bridge.Token,
		CallsPerSecond: cfg.Bridge.CallsPerSecond,
	})
	if err != nil {
		slog.Error("failed to create bridge client", "error", err)
		os.Exit(1)
	}

	w := watcher.New(cfg, progress, client, events)
	bcaster := broadcast.New(client, progress, events)

	if cp, ok := bcaster.Resumable(); ok {
		slog.Info("unfinished broadcast found",
			"job_id", cp.JobID,
			"chat_id", cp.ChatID,
			"progress", fmt.Sprintf("%d/%d", cp.Index, cp.Total),
		)
	}

	mux := http.NewServeMux()
	httpapi.New(w, bcaster, events, cfg.HTTP.Token).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: mux,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		slog.Error("failed to start bridge transport", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control api listening", "addr", srv.Addr, "auth", cfg.HTTP.Token != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		return srv.Shutdown(shutCtx)
	})

	// Auto-start on bridge readiness. The watcher stops itself on
	// disconnect; this loop resumes it when the session comes back.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if client.Ready() && !w.Running() {
					if err := w.Start(); err == nil {
						slog.Info("watcher started")
					}
				}
			}
		}
	})

	// Scheduled backlog scans.
	if sched := scheduler.New(cfg.Watch.BacklogCron, func(ctx context.Context) {
		n, err := w.ProcessBacklog(ctx, watcher.BacklogOptions{})
		if err != nil {
			slog.Warn("scheduled backlog scan failed", "error", err)
			return
		}
		slog.Info("scheduled backlog scan complete", "enqueued", n)
	}); sched != nil {
		g.Go(func() error {
			sched.Run(ctx)
			return nil
		})
		slog.Info("backlog schedule enabled", "cron", cfg.Watch.BacklogCron)
	}

	// Config hot reload. Secrets and listener addresses need a restart;
	// watch settings, names, and chat selection apply live.
	g.Go(func() error {
		err := config.Watch(ctx, cfgPath, func(next *config.Config) {
			w.ApplyConfig(next)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watch unavailable", "error", err)
		}
		return nil
	})

	slog.Info("namewatch starting",
		"version", Version,
		"bridge", cfg.Bridge.URL,
		"driver", dbDriverName(cfg),
		"names", len(cfg.Names),
		"lists", len(cfg.NameLists),
		"chats", len(cfg.Watch.SelectedChats),
	)

	if err := g.Wait(); err != nil {
		slog.Error("watcher error", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	w.Stop()
	_ = client.Stop(stopCtx)
	slog.Info("shutdown complete")
}

func dbDriverName(cfg *config.Config) string {
	if cfg.Database.Driver == "postgres" {
		return "postgres"
	}
	return "sqlite"
}
