package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"petavatar/internal/agent"
	"petavatar/internal/config"
	server "petavatar/internal/http"
	"petavatar/internal/migrate"
	"petavatar/internal/queue"
	"petavatar/internal/services"
	"petavatar/internal/store"
	"petavatar/internal/uploads"
	"petavatar/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(db)

	// Ensure initial admin API key if configured
	if cfg.Auth.Enabled && cfg.Auth.InitialAdminKey != "" {
		if _, err := st.EnsureAdminAPIKey(context.Background(), cfg.Auth.InitialAdminKey, "initial-admin"); err != nil {
			log.Fatalf("ensure admin api key failed: %v", err)
		}
	}

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	// Redis backs both the work queue and the rate limiter.
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url failed: %v", err)
	}
	rdb := redis.NewClient(opt)

	q := queue.New(rdb, cfg.Queue, logger)
	if err := q.EnsureGroup(context.Background()); err != nil {
		log.Fatalf("ensure consumer group failed: %v", err)
	}

	broker := uploads.NewS3Broker(cfg.Storage)
	gen := agent.NewClient(cfg.Agent, logger)
	intake := services.NewIntake(cfg, st, q, broker, logger)
	readers := services.NewReaders(cfg, st, broker)

	rootCtx := context.Background()

	startWorker := func() {
		w := worker.New(cfg, st, q, gen, logger)
		w.Start(rootCtx)
		go q.StartRetryRelease(rootCtx)
	}

	switch *role {
	case "api":
		// API-only: do not start the orchestration worker.
		s := server.NewServer(cfg, st, intake, readers, broker, rdb, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case "worker":
		// Worker-only: consume the queue and block.
		startWorker()
		select {}
	case "all":
		// Default: run both API and worker in one process.
		startWorker()
		s := server.NewServer(cfg, st, intake, readers, broker, rdb, logger)
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}
