package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/classify"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/correlate"
	"github.com/ignite/outreach-engine/internal/crmsync"
	"github.com/ignite/outreach-engine/internal/inbound"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/send"
	"github.com/ignite/outreach-engine/internal/store"
	"github.com/ignite/outreach-engine/internal/tracker"
	"github.com/ignite/outreach-engine/internal/vault"
)

func main() {
	log.Println("Starting Outreach Engine worker...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime())

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	st := store.NewStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — single-node locking only", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s", cfg.Redis.Addr)
		}
		pingCancel()
	}

	registry := provider.NewRegistry(ctx, cfg)
	v := vault.New(st, registry, redisClient, cfg.Vault)
	trackSvc := tracker.NewService(st, cfg.Tracking)

	// Outbound: queue drain into the send pipeline.
	pipeline := send.NewPipeline(st, v, registry, trackSvc, cfg.Send)
	sendWorker := send.NewWorker(st, pipeline, cfg.Send)
	if err := sendWorker.Start(ctx); err != nil {
		log.Fatalf("Failed to start send worker: %v", err)
	}
	log.Printf("Send worker started (interval: %s, batch: %d)", cfg.Send.QueueInterval(), cfg.Send.QueueBatchSize)

	// Inbound: poll mailboxes, correlate replies, classify, sync to CRM.
	detector := correlate.NewDetector(st, cfg.Scoring)
	gateway, err := classify.NewGateway(ctx, st, cfg.Classifier)
	if err != nil {
		log.Printf("Warning: classification gateway unavailable: %v", err)
	}
	syncer := crmsync.NewSyncer(st, redisClient, cfg.CRM)
	syncer.Start(ctx)
	log.Printf("CRM syncer started (workers: %d, queue: %d)", cfg.CRM.Workers, cfg.CRM.QueueSize)

	// Dropped or failed sync tasks surface here; they are logged so an
	// operator can replay them, there is no automatic retry sweep.
	go func() {
		for f := range syncer.Failures() {
			logger.Warn("crmsync: task failed",
				"message_id", f.Task.MessageID.String(),
				"email", logger.RedactEmail(f.Task.Email),
				"error", f.Err.Error())
		}
	}()

	inboundPipeline := inbound.NewPipeline(st, detector, gateway, syncer)
	poller := inbound.NewPoller(st, v, registry, inboundPipeline, cfg.Poller)
	if err := poller.Start(ctx); err != nil {
		log.Fatalf("Failed to start inbox poller: %v", err)
	}
	log.Printf("Inbox poller started (interval: %s, concurrency: %d)", cfg.Poller.Interval(), cfg.Poller.Concurrency)

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()

	poller.Stop()
	sendWorker.Stop()
	syncer.Stop()
	if redisClient != nil {
		redisClient.Close()
	}

	log.Println("Worker stopped")
}
