package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // Postgres driver

	"github.com/clawtask/backend/internal/alignment"
	"github.com/clawtask/backend/internal/api"
	"github.com/clawtask/backend/internal/config"
	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/identity"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/lifecycle"
	"github.com/clawtask/backend/internal/reputation"
	"github.com/clawtask/backend/internal/storage"
	"github.com/clawtask/backend/internal/sweeper"
)

func main() {
	log.Println("🔥 Starting Clawtask Marketplace Backend...")

	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Config failed: %v", err)
	}

	// 1. Storage
	var store storage.Store
	switch cfg.Database.Driver {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			log.Fatalf("Postgres connection failed: %v", err)
		}
		db.SetMaxOpenConns(25)
		db.SetConnMaxIdleTime(5 * time.Minute)
		store, err = storage.NewPostgresStore(db)
		if err != nil {
			log.Fatalf("Postgres schema setup failed: %v", err)
		}
		log.Println("💾 Using postgres store")
	default:
		store = storage.NewMemoryStore()
		log.Println("💾 Using in-memory store")
	}
	defer store.Close()

	// 2. Event bus: Redis when configured, in-process otherwise.
	var emitter events.Emitter
	if cfg.Redis.Addr != "" {
		bus, err := events.NewRedisBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel)
		if err != nil {
			log.Fatalf("Redis connection failed: %v", err)
		}
		defer bus.Close()
		emitter = bus
	} else {
		emitter = events.NewBus()
	}

	// 3. Domain services
	led := ledger.New(store, ledger.NewMetrics())
	rep := reputation.NewManager()
	engine := lifecycle.NewEngine(store, led, rep, emitter, lifecycle.NewMetrics())
	align := alignment.NewProtocol(store, emitter)
	id := identity.NewService(store, led, cfg.Economy.InitialGrant)

	// 4. Expiry sweeper
	sw := sweeper.New(engine, cfg.SweepInterval())
	if err := sw.Start(); err != nil {
		log.Fatalf("Sweeper failed: %v", err)
	}
	defer sw.Stop()

	// 5. HTTP server
	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	server := api.NewServer(id, engine, led, align, limiter)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Port)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-stop:
		log.Printf("Received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
