package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ezlytics/ezlytics/internal/api"
	"github.com/ezlytics/ezlytics/internal/config"
	"github.com/ezlytics/ezlytics/internal/geoip"
	"github.com/ezlytics/ezlytics/internal/ratelimit"
	"github.com/ezlytics/ezlytics/internal/rebuild"
	"github.com/ezlytics/ezlytics/internal/repository/postgres"
	"github.com/ezlytics/ezlytics/internal/retention"
	"github.com/ezlytics/ezlytics/internal/secrets"
	"github.com/ezlytics/ezlytics/internal/webhook"
)

func main() {
	configPath := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		configPath = v
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("ping database: %v", err)
	}
	cancel()

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	box, err := secrets.NewBox(cfg.Ingest.ProviderKeySecret)
	if err != nil {
		log.Fatalf("init secrets: %v", err)
	}

	geo := geoip.NewResolver(cfg.GeoIP.MMDBPath)
	defer geo.Close()

	sites := postgres.NewSiteRepo(db)
	events := postgres.NewEventRepo(db)
	payments := postgres.NewPaymentRepo(db)
	rollups := postgres.NewRollupRepo(db)
	retentionRepo := postgres.NewRetentionRepo(db)

	gc := retention.NewGC(retentionRepo, redisClient, retention.Horizons{
		RawEventDays:     cfg.Retention.RawEventDays,
		RollupHourlyDays: cfg.Retention.RollupHourlyDays,
		RollupDailyDays:  cfg.Retention.RollupDailyDays,
	}, cfg.Retention.CleanupInterval())

	srv := api.NewServer(cfg, api.Deps{
		DB:        db,
		Sites:     sites,
		Events:    events,
		Geo:       geo,
		Limits:    ratelimit.NewIngestLimits(cfg.RateLimit.PerIP, cfg.RateLimit.PerSite, cfg.RateLimit.Window()),
		Processor: webhook.NewProcessor(db, events, payments, box),
		Rebuilder: rebuild.NewRebuilder(db, events, rollups),
		GC:        gc,
		Redis:     redisClient,
		Box:       box,
	})

	gcCtx, stopGC := context.WithCancel(context.Background())
	go gc.Run(gcCtx)

	go func() {
		addr := cfg.Server.Addr()
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")

	stopGC()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
