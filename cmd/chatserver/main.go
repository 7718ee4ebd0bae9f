package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/chatguard/internal/access"
	"github.com/whisper/chatguard/internal/api"
	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/ban"
	"github.com/whisper/chatguard/internal/chat"
	"github.com/whisper/chatguard/internal/config"
	"github.com/whisper/chatguard/internal/enforcement"
	"github.com/whisper/chatguard/internal/messaging"
	"github.com/whisper/chatguard/internal/metrics"
	"github.com/whisper/chatguard/internal/moderation"
	"github.com/whisper/chatguard/internal/presence"
	"github.com/whisper/chatguard/internal/ratelimit"
	"github.com/whisper/chatguard/internal/report"
	"github.com/whisper/chatguard/internal/room"
	"github.com/whisper/chatguard/internal/session"
	"github.com/whisper/chatguard/internal/store/memory"
	"github.com/whisper/chatguard/internal/store/postgres"
	"github.com/whisper/chatguard/internal/ws"
)

// backend is the document store: postgres in production, memory otherwise.
type backend interface {
	Stores() room.Stores
	audit.Store
	report.Repository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// --- Redis ---
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

	// --- Document store ---
	var (
		db      backend
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
		db, closeDB = pg, pg.Close
	} else {
		log.Printf("[main] no postgres dsn, using in-memory store (data is lost on exit)")
		db = memory.New()
	}

	// --- Audit ---
	// With Kafka on, this process only exports; the auditor persists, counts
	// and alerts for every instance.
	counters := audit.NewCounters(rdb)
	auditLog := audit.NewLog(db, counters, nil, cfg.Audit)
	auditView := auditLog
	if cfg.Kafka.Enabled {
		auditLog = audit.NewLog(nil, nil, audit.NewKafkaExporter(cfg.Kafka), cfg.Audit)
		auditView = audit.NewLog(db, counters, nil, audit.Config{})
	}

	// --- Broker ---
	var (
		broker      chat.Broker
		closeBroker = func() {}
	)
	if cfg.NATS.Enabled {
		nc, err := messaging.NewNATSClient(cfg.NATS.NATSConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		broker, closeBroker = nc, nc.Close
	} else {
		broker = chat.NewLocalBroker()
	}

	// --- Chat core ---
	tokens, err := chat.NewTokens(cfg.Auth)
	if err != nil {
		log.Fatalf("failed to configure tokens: %v", err)
	}
	engine := moderation.NewEngine()
	if cfg.Moderation.MaxMessageLength > 0 {
		engine.SetMaxLength(moderation.KindMessage, cfg.Moderation.MaxMessageLength)
	}
	stores := db.Stores()
	detector := ratelimit.NewDetector(rdb, cfg.Limits)
	sessions := session.NewStore(rdb, cfg.ServerName)
	registry := presence.NewRegistry()

	coord := chat.NewCoordinator(chat.Deps{
		Stores:   stores,
		Registry: registry,
		Tokens:   tokens,
		Detector: detector,
		Engine:   engine,
		Guard:    access.NewGuard(stores.Rooms, stores.Messages, rdb, auditLog, cfg.Access),
		Pipeline: enforcement.NewPipeline(stores.Users, stores.Rooms, ratelimit.NewLimiter(rdb), auditLog, cfg.Enforcement),
		Strikes:  ban.NewStore(rdb, cfg.Strikes),
		Reports:  report.NewService(db, stores.Messages, detector, auditLog),
		Sessions: sessions,
	}, cfg.Chat)

	// --- Transport ---
	dispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(cfg.Server, sessions, dispatcher.Dispatch)

	emitter := chat.NewEmitter(server, broker, registry, auditLog)
	if err := emitter.Start(); err != nil {
		log.Fatalf("failed to subscribe to broker: %v", err)
	}
	handlers := chat.NewHandlers(coord, emitter)
	handlers.Register(dispatcher)

	server.SetOnConnect(handlers.OnConnect)
	server.SetOnDisconnect(handlers.OnDisconnect)
	server.SetAdmission(func(ctx context.Context, ip string) (bool, time.Duration) {
		dec := detector.AllowConnect(ctx, ip)
		if !dec.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(string(dec.Kind)).Inc()
		}
		return dec.Allowed, dec.RetryAfter
	})
	server.Handle("/metrics", metrics.Handler())
	if cfg.APIEnabled {
		server.Handle(api.Prefix+"/", api.NewServer(coord, emitter, auditView))
	}

	runCtx, stop := context.WithCancel(context.Background())
	if !cfg.Kafka.Enabled {
		go auditLog.RunThresholds(runCtx, cfg.Audit.ThresholdInterval)
	}

	log.Printf("chatguard server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  heartbeat:       %s", cfg.Server.Heartbeat.Interval)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  postgres:        %v", cfg.Postgres.DSN != "")
	log.Printf("  nats:            %v (%s)", cfg.NATS.Enabled, cfg.NATS.URL)
	log.Printf("  kafka:           %v (%s)", cfg.Kafka.Enabled, cfg.Kafka.Topic)
	log.Printf("  api:             %v", cfg.APIEnabled)
	log.Printf("  server_name:     %s", cfg.ServerName)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		stop()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		closeBroker()
		for _, l := range []*audit.Log{auditLog, auditView} {
			if err := l.Close(); err != nil {
				log.Printf("audit close error: %v", err)
			}
		}
		if err := closeDB(); err != nil {
			log.Printf("store close error: %v", err)
		}
		if err := rdb.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
