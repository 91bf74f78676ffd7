package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/fernandinhomartins40/urbansend/internal/config"
	"github.com/fernandinhomartins40/urbansend/internal/queue"
	"github.com/fernandinhomartins40/urbansend/internal/store"
)

// adminDeps are the connections the admin subcommands need. They are
// built per invocation and torn down when the command exits.
type adminDeps struct {
	cfg   *config.Config
	store store.Store
	redis *redis.Client
	queue *queue.Manager
}

func openAdminDeps() (*adminDeps, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	db, err := store.New(store.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, err
	}
	if err := db.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.Database,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	return &adminDeps{cfg: cfg, store: db, redis: rdb, queue: queue.NewManager(rdb)}, nil
}

func (d *adminDeps) close() {
	d.store.Close()
	d.redis.Close()
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue management commands",
}

func init() {
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show per-tenant queue statistics",
		RunE:  runQueueStats,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "show [message-id]",
		Short: "Show a message and its delivery attempts",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueShow,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "pause [tenant-id]",
		Short: "Pause dequeues for a tenant (queued work is preserved)",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueuePause,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "resume [tenant-id]",
		Short: "Resume dequeues for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueResume,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "flush [tenant-id]",
		Short: "Drop a tenant's queue partitions (messages stay in the store)",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueFlush,
	})
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()
	ctx := cmd.Context()

	tenants, err := deps.queue.Tenants(ctx)
	if err != nil {
		return err
	}
	if len(tenants) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tenants with queue activity")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tACTIVE\tDEFERRED\tPAUSED")
	for _, tenantID := range tenants {
		stats, err := deps.queue.TenantStats(ctx, tenantID, queue.ClassEmail)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%v\n", tenantID, stats.Active, stats.Deferred, stats.Paused)
	}
	return w.Flush()
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()
	ctx := cmd.Context()

	msg, err := deps.store.GetMessage(ctx, args[0])
	if err != nil {
		return err
	}
	attempts, err := deps.store.ListAttempts(ctx, args[0])
	if err != nil {
		return err
	}

	out := struct {
		Message  *store.Message   `json:"message"`
		Attempts []*store.Attempt `json:"attempts"`
	}{Message: msg, Attempts: attempts}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func runQueuePause(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	if err := deps.queue.Pause(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s paused\n", args[0])
	return nil
}

func runQueueResume(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	if err := deps.queue.Resume(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s resumed\n", args[0])
	return nil
}

func runQueueFlush(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	if err := deps.queue.Flush(cmd.Context(), args[0], queue.ClassEmail); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queue partitions for tenant %s flushed; restart rebuilds them from the store\n", args[0])
	return nil
}

var reputationCmd = &cobra.Command{
	Use:   "reputation [tenant-id]",
	Short: "Show the latest persisted reputation snapshot for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runReputation,
}

func runReputation(cmd *cobra.Command, args []string) error {
	deps, err := openAdminDeps()
	if err != nil {
		return err
	}
	defer deps.close()

	snap, err := deps.store.LatestReputationSnapshot(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Tenant:\t%s\n", snap.TenantID)
	fmt.Fprintf(w, "Status:\t%s\n", snap.Status)
	fmt.Fprintf(w, "Window:\t%s - %s\n",
		snap.WindowStart.Format(time.RFC3339), snap.WindowEnd.Format(time.RFC3339))
	fmt.Fprintf(w, "Sent:\t%d\n", snap.Sent)
	fmt.Fprintf(w, "Delivered:\t%d\n", snap.Delivered)
	fmt.Fprintf(w, "Bounced:\t%d\n", snap.Bounced)
	fmt.Fprintf(w, "Complained:\t%d\n", snap.Complained)
	fmt.Fprintf(w, "Bounce rate:\t%.2f%%\n", snap.BounceRate*100)
	return w.Flush()
}
