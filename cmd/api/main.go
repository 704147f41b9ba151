package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"daybook/api/internal/app"
	"daybook/api/internal/attach"
	"daybook/api/internal/config"
	"daybook/api/internal/genai"
	"daybook/api/internal/metrics"
	"daybook/api/internal/realtime"
	"daybook/api/internal/search"
	"daybook/api/internal/session"
	"daybook/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(ctx)
	}

	// Redis carries both refresh tokens and the realtime fan-out channel.
	// Without it, sessions fall back to PostgreSQL and events stay in-process.
	var sessionStore *session.RedisStore
	var hub *realtime.Hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid redis url: %v", err)
		}
		redisClient := redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()

		log.Printf("Using Redis for refresh tokens and realtime events")
		sessionStore = session.NewRedisStoreWithClient(redisClient)
		hub = realtime.NewHub(redisClient)
	} else {
		log.Printf("Using PostgreSQL for refresh tokens; realtime events are in-process only")
		hub = realtime.NewHub(nil)
	}
	go hub.Run(ctx)

	var attachService *attach.Service
	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		attachService, err = attach.New(ctx, cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL, cfg.PresignTTL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
	}

	genClient := genai.NewClient(genai.ClientOptions{
		BaseURL:     cfg.GenAIURL,
		Model:       cfg.GenAIModel,
		TopP:        cfg.GenAITopP,
		CallbackURL: cfg.CallbackURL,
		Timeout:     cfg.GenAITimeout,
	})

	metrics.Init()
	metrics.StartMetricsServer(cfg.MetricsAddr)

	var sessions app.SessionStore
	if sessionStore != nil {
		sessions = sessionStore
	}
	service := app.New(cfg, dataStore, sessions, genClient, hub, searchService, attachService)

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Daybook API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
