package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"deckroom/api/internal/app"
	"deckroom/api/internal/config"
	"deckroom/api/internal/presence"
	"deckroom/api/internal/store"
	"deckroom/api/internal/util"
	"deckroom/api/internal/ws"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	registry := presence.NewRegistry(dataStore, redisClient, cfg.PresenceTTL)

	instanceID := util.NewID("api")
	bus := ws.NewBus(redisClient, instanceID)
	hub := ws.NewHub(bus)
	go bus.Run(ctx, hub)

	service := app.New(cfg, dataStore, registry, hub)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	gateway := ws.NewGateway(service, hub, func(r *http.Request) bool {
		return cfg.CORSOrigin == "*" || r.Header.Get("Origin") == cfg.CORSOrigin
	})

	// Reap sessions whose connections died without a clean close.
	go func() {
		ticker := time.NewTicker(cfg.PresenceTTL)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if expired, err := registry.ExpireAllStale(ctx); err != nil {
					log.Printf("presence reaper: %v", err)
				} else if expired > 0 {
					log.Printf("presence reaper: expired %d stale sessions", expired)
				}
			}
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, gateway)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Deckroom API listening on %s (instance %s)", cfg.Addr, instanceID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
