package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"polwatch/api/internal/app"
	"polwatch/api/internal/baseline"
	"polwatch/api/internal/config"
	"polwatch/api/internal/detector"
	"polwatch/api/internal/search"
	"polwatch/api/internal/store"
	"polwatch/api/internal/summarizer"
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

	dataStore := store.NewPostgresStore(db)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	searchService := search.NewService(meiliClient, pgfts)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	// Redis keeps the latest per-policy snapshot so detected changes carry a
	// before value. Without it entries only record the after state.
	var baselineStore *baseline.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis snapshot baseline")
		baselineStore, err = baseline.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer baselineStore.Close()
	} else {
		log.Printf("Redis not configured, change logs will omit before snapshots")
	}

	aiClient := summarizer.NewClient(cfg.AIServerURL, cfg.AITimeout)

	var det *detector.Detector
	if baselineStore != nil {
		det = detector.New(dataStore, baselineStore, cfg.DetectHour, cfg.DetectGrace)
	} else {
		det = detector.New(dataStore, nil, cfg.DetectHour, cfg.DetectGrace)
	}
	go det.Start(ctx)

	service := app.New(cfg, dataStore, aiClient, searchService, det)

	var readyBaseline app.ReadyPinger
	if baselineStore != nil {
		readyBaseline = baselineStore
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, readyBaseline)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Polwatch API listening on %s", cfg.Addr)
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
