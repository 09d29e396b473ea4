package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollcall/internal/audit"
	"rollcall/internal/config"
	"rollcall/internal/directory"
	"rollcall/internal/ledger"
	"rollcall/internal/queue"
	"rollcall/internal/store"
	"rollcall/internal/sweep"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		// A memory queue in a separate process never receives anything,
		// but the sweep loop still runs.
		q = queue.NewInMemory(256)
		log.Println("warning: QUEUE_BACKEND=memory, audit drain is a no-op in this process")
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "")
	}

	auditStore := audit.NewPostgres(db.Client)
	book := ledger.NewPostgres(db.Client)
	students := directory.NewPostgresStudents(db.Client)
	classes := directory.NewPostgresClasses(db.Client)
	sweeper := sweep.New(book, students, classes, auditStore, cfg.CutoffOn, sweep.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("worker shutting down...")
		cancel()
	}()

	go runSweepLoop(ctx, sweeper, cfg.SweepInterval, logger)

	msgs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume failed: %v", err)
	}
	log.Println("worker started, draining audit queue")

	for msg := range msgs {
		if msg.Type != audit.MessageType {
			logger.Warn("unknown message type", "type", msg.Type)
			continue
		}
		entry, err := audit.Decode(msg)
		if err != nil {
			logger.Error("audit decode failed", "err", err)
			continue
		}
		writeCtx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
		if err := auditStore.Record(writeCtx, entry); err != nil {
			logger.Error("audit write failed", "err", err, "entry_id", entry.ID)
		}
		cancelWrite()
	}

	log.Println("worker exited")
}

// runSweepLoop attempts the absence sweep on a fixed interval. Runs before
// the cutoff are refused by the sweeper and simply retried next tick;
// already-marked days produce zero new records, so the loop is safe to fire
// as often as configured.
func runSweepLoop(ctx context.Context, sweeper *sweep.Sweep, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			marked, err := sweeper.Run(ctx, time.Now())
			if err != nil {
				if errors.Is(err, sweep.ErrTooEarly) {
					continue
				}
				logger.Error("absence sweep failed", "err", err)
				continue
			}
			if marked > 0 {
				logger.Info("absence sweep complete", "marked", marked)
			}
		}
	}
}
