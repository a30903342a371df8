package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"avantemaps.app/internal/config"
	"avantemaps.app/internal/httpapi"
	"avantemaps.app/internal/ledger"
	"avantemaps.app/internal/obs"
	"avantemaps.app/internal/platform"
	"avantemaps.app/internal/store/pg"
	"avantemaps.app/internal/stream"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Persistence: Postgres when a DSN is configured, in-memory otherwise
	// (useful for local development and the sandbox).
	var (
		store ledger.Store = ledger.NewMemoryStore()
		probe httpapi.ReadyProbe
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	}

	network := platform.NewClient(cfg.PiAPIBase, cfg.PiAPIKey)
	svc := ledger.NewService(store, network)
	events := stream.New()

	api := httpapi.New(probe, version, svc, network, httpapi.WithStream(events))

	handler := httpapi.RequestID(api.Handler())
	handler = httpapi.Logging(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.CORS(handler, cfg.AllowedOrigins)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.RateLimit(handler, cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      35 * time.Second, // completion calls the payment network
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting avante-api %s (%s) on %s", version, cfg.Env, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
