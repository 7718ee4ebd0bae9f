package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/config"
	"github.com/whisper/chatguard/internal/store/postgres"
)

// statsInterval is how often the hourly summary is logged.
const statsInterval = 5 * time.Minute

func main() {
	log.Println("Starting chatguard audit service...")

	cfg, err := config.LoadAuditor(nil)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// Postgres is optional: without it events are only counted.
	var (
		store   audit.Store
		closeDB = func() error { return nil }
	)
	if cfg.Postgres.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := postgres.Open(ctx, postgres.Config{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			ConnMaxIdle:  cfg.Postgres.ConnMaxIdle,
		})
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if cfg.Postgres.MigrateOnStart {
			if err := pg.Migrate(); err != nil {
				log.Fatalf("failed to migrate: %v", err)
			}
		}
		store, closeDB = pg, pg.Close
	} else {
		log.Printf("[auditor] no postgres dsn, events are counted but not persisted")
	}

	auditLog := audit.NewLog(store, audit.NewCounters(rdb), nil, cfg.Audit)
	consumer := audit.NewConsumer(cfg.Kafka)

	runCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := consumer.Run(runCtx, auditLog); err != nil {
			log.Printf("[auditor] consumer stopped: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		auditLog.RunThresholds(runCtx, cfg.Audit.ThresholdInterval)
	}()
	go func() {
		defer wg.Done()
		logStats(runCtx, auditLog)
	}()

	log.Printf("chatguard audit service running")
	log.Printf("  redis_addr:  %s", cfg.Redis.Addr)
	log.Printf("  kafka:       %v topic=%s group=%s", cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	log.Printf("  postgres:    %v", store != nil)
	log.Printf("  thresholds:  every %s", cfg.Audit.ThresholdInterval)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	wg.Wait()
	if err := consumer.Close(); err != nil {
		log.Printf("consumer close error: %v", err)
	}
	if err := auditLog.Close(); err != nil {
		log.Printf("audit close error: %v", err)
	}
	if err := closeDB(); err != nil {
		log.Printf("store close error: %v", err)
	}
	rdb.Close()
}

// logStats prints the hourly counts until ctx is done.
func logStats(ctx context.Context, l *audit.Log) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := l.Stats(ctx, audit.TimeframeHour)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("[auditor] stats failed: %v", err)
				}
				continue
			}
			log.Printf("[auditor] last hour total=%d critical=%d high=%d rate_limited=%d auth_failure=%d",
				st.Total,
				st.BySeverity[audit.SeverityCritical],
				st.BySeverity[audit.SeverityHigh],
				st.ByType[audit.EventRateLimited],
				st.ByType[audit.EventAuthFailure])
		}
	}
}
