// Package main is puzzupctl, the operator CLI for the PuzzUp Discord
// integration: run syncs directly, queue them for the daemon, and clean up
// stale channels.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/config"
	"github.com/huntworks/puzzup-sync/internal/database"
	"github.com/huntworks/puzzup-sync/internal/discord"
	"github.com/huntworks/puzzup-sync/internal/outbox"
	syncengine "github.com/huntworks/puzzup-sync/internal/sync"
	"github.com/huntworks/puzzup-sync/pkg/logger"
)

// app bundles the wired-up dependencies shared by all subcommands.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *database.DB
	client *discord.Client
	syncer *syncengine.Syncer
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	db, err := database.NewDB(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	client := discord.NewClient(&cfg.Discord, log)
	return &app{
		cfg:    cfg,
		log:    log,
		db:     db,
		client: client,
		syncer: syncengine.New(client, db, cfg, log),
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Error("failed to close database connection", zap.Error(err))
	}
	_ = a.log.Sync()
}

func main() {
	root := &cobra.Command{
		Use:           "puzzupctl",
		Short:         "Operate the PuzzUp Discord integration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(syncCmd(), cleanCmd(), enqueueCmd(), checkMemberCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func syncCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "sync [puzzle-id]",
		Short: "Reconcile puzzle channels against the tracker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if all {
				return a.syncer.SyncAll(ctx)
			}
			if len(args) != 1 {
				return fmt.Errorf("provide a puzzle id or --all")
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid puzzle id %q", args[0])
			}
			p, err := a.db.GetPuzzle(ctx, id)
			if err != nil {
				return err
			}
			return a.syncer.SyncPuzzleChannel(ctx, p)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "sync every puzzle")
	return cmd
}

func cleanCmd() *cobra.Command {
	var opts syncengine.CleanOptions
	cmd := &cobra.Command{
		Use:   "clean-channels",
		Short: "Reclaim stale puzzle channels and tidy categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.syncer.CleanChannels(cmd.Context(), opts)
			if report != nil {
				fmt.Printf("channels deleted: %d\ndangling ids cleared: %d\nre-synced: %d\ncategories deleted: %d\n",
					report.ChannelsDeleted, report.DanglingCleared, report.Resynced, report.CategoriesDeleted)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log actions without performing them")
	cmd.Flags().BoolVar(&opts.DeleteCategories, "delete-cats", false, "delete empty status categories")
	cmd.Flags().BoolVar(&opts.SortCategories, "sort-cats", false, "reorder status categories by pipeline stage")
	return cmd
}

func checkMemberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-member <discord-id>",
		Short: "Verify a linked Discord account is a member of the guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			if a.client == nil {
				return fmt.Errorf("discord integration is not configured")
			}
			member, err := a.client.GetGuildMember(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if member == nil {
				fmt.Println("not a guild member")
				return nil
			}
			username := ""
			if user, ok := member["user"].(map[string]any); ok {
				username, _ = user["username"].(string)
			}
			nick, _ := member["nick"].(string)
			fmt.Printf("guild member: username=%s nick=%s\n", username, nick)
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "enqueue [puzzle-id]",
		Short: "Queue a sync job for the daemon instead of running it inline",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			rdb := redis.NewClient(&redis.Options{
				Addr:     a.cfg.Redis.Addr,
				Password: a.cfg.Redis.Password,
				DB:       a.cfg.Redis.DB,
			})
			defer func() { _ = rdb.Close() }()
			queue := outbox.NewQueue(rdb, a.log)

			job := outbox.Job{Kind: outbox.KindSyncAll}
			if !all {
				if len(args) != 1 {
					return fmt.Errorf("provide a puzzle id or --all")
				}
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid puzzle id %q", args[0])
				}
				job = outbox.Job{Kind: outbox.KindSyncPuzzle, PuzzleID: id}
			}
			jobID, err := queue.Enqueue(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Println("queued job", jobID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "queue a full sync")
	return cmd
}
