package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/namewatch/internal/bus"
	"github.com/nextlevelbuilder/namewatch/internal/config"
	"github.com/nextlevelbuilder/namewatch/internal/transport/bridge"
	"github.com/nextlevelbuilder/namewatch/internal/watcher"
)

func backlogCmd() *cobra.Command {
	var (
		countOnly bool
		since     time.Duration
		limit     int
		waitReady time.Duration
	)

	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Scan selected chats for missed messages and act on them",
		Long:  "backlog fetches history for every selected chat since its last checkpoint, enqueues anything not yet handled, and drains the queue before exiting. With --count nothing is sent or recorded; it only reports how many matches a scan would act on.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBacklog(countOnly, since, limit, waitReady)
		},
	}

	cmd.Flags().BoolVar(&countOnly, "count", false, "count would-be matches without acting")
	cmd.Flags().DurationVar(&since, "since", 0, "look back this far instead of stored checkpoints (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max messages fetched per chat (0 = config default)")
	cmd.Flags().DurationVar(&waitReady, "wait-ready", 60*time.Second, "how long to wait for the bridge session")

	return cmd
}

func runBacklog(countOnly bool, since time.Duration, limit int, waitReady time.Duration) error {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	progress, err := openProgress(cfg)
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}
	defer progress.Close()

	client, err := bridge.New(bridge.Config{
		URL:            cfg.Bridge.URL,
		Token:          cfg.Bridge.Token,
		CallsPerSecond: cfg.Bridge.CallsPerSecond,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start bridge transport: %w", err)
	}
	defer client.Stop(context.Background())

	if err := awaitReady(ctx, client, waitReady); err != nil {
		return err
	}

	w := watcher.New(cfg, progress, client, bus.New())

	opts := watcher.BacklogOptions{LimitPerChat: limit}
	if since > 0 {
		ms := time.Now().Add(-since).UnixMilli()
		opts.SinceMs = &ms
	}

	if countOnly {
		res, err := w.CountBacklog(ctx, opts)
		if err != nil {
			return fmt.Errorf("count backlog: %w", err)
		}
		fmt.Printf("scanned %d messages, %d pending matches\n", res.Scanned, res.Total)
		for _, bc := range res.ByChat {
			if bc.Count > 0 {
				fmt.Printf("  %-40s %d\n", bc.ChatName, bc.Count)
			}
		}
		return nil
	}

	if err := w.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	enqueued, err := w.ProcessBacklog(ctx, opts)
	if err != nil {
		return fmt.Errorf("process backlog: %w", err)
	}
	slog.Info("backlog scan complete", "enqueued", enqueued)

	// Drain before exiting. The queue paces itself through the cooldown
	// and rate window, so this can legitimately take minutes.
	for w.Status().QueueSize > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	slog.Info("queue drained")
	return nil
}

func awaitReady(ctx context.Context, client *bridge.Client, waitReady time.Duration) error {
	deadline := time.Now().Add(waitReady)
	for !client.Ready() {
		if time.Now().After(deadline) {
			return fmt.Errorf("bridge session not ready after %s (is the bridge running and logged in?)", waitReady)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}
