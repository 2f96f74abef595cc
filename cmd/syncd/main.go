// Package main is the entry point for the PuzzUp Discord sync daemon.
// It drains the Redis outbox of reconciliation jobs and keeps the local
// channel mirror fresh through a gateway connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/huntworks/puzzup-sync/internal/config"
	"github.com/huntworks/puzzup-sync/internal/database"
	"github.com/huntworks/puzzup-sync/internal/discord"
	"github.com/huntworks/puzzup-sync/internal/listener"
	"github.com/huntworks/puzzup-sync/internal/outbox"
	syncengine "github.com/huntworks/puzzup-sync/internal/sync"
	"github.com/huntworks/puzzup-sync/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		// Sync errors on stdout/stderr are expected for terminals and pipes.
		_ = log.Sync()
	}()

	log.Info("starting puzzup-sync daemon",
		zap.Bool("discord_enabled", cfg.Discord.Enabled()),
		zap.String("redis_addr", cfg.Redis.Addr),
	)

	db, err := database.NewDB(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database connection", zap.Error(err))
		}
	}()

	if err := db.RunMigrations(); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error("failed to close redis connection", zap.Error(err))
		}
	}()

	client := discord.NewClient(&cfg.Discord, log)
	syncer := syncengine.New(client, db, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if gw := listener.New(&cfg.Discord, db, log); gw != nil {
		go func() {
			if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("gateway listener stopped", zap.Error(err))
			}
		}()
	}

	worker := outbox.NewWorker(rdb, dispatcher(syncer, db), log)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("outbox worker failed", zap.Error(err))
	}
	log.Info("puzzup-sync daemon stopped")
}

// dispatcher maps outbox jobs onto sync engine operations.
func dispatcher(syncer *syncengine.Syncer, db *database.DB) outbox.Handler {
	return outbox.HandlerFunc(func(ctx context.Context, job outbox.Job) error {
		switch job.Kind {
		case outbox.KindSyncPuzzle:
			p, err := db.GetPuzzle(ctx, job.PuzzleID)
			if err != nil {
				if errors.Is(err, database.ErrNotFound) {
					// Deleted before the job ran; nothing to reconcile.
					return nil
				}
				return err
			}
			return syncer.SyncPuzzleChannel(ctx, p)

		case outbox.KindSyncAll:
			return syncer.SyncAll(ctx)

		case outbox.KindSessionThread:
			session, err := db.GetSession(ctx, job.SessionID)
			if err != nil {
				if errors.Is(err, database.ErrNotFound) {
					return nil
				}
				return err
			}
			if session.DiscordThreadID != "" {
				return nil
			}
			return syncer.MakeTestsolveThread(ctx, session)

		default:
			return fmt.Errorf("unknown job kind %q", job.Kind)
		}
	})
}
