package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tendant/transcript-pipeline/internal/config"
	"github.com/tendant/transcript-pipeline/pkg/runner"
)

// Standalone transcript pipeline for quick testing.
// Uses in-memory stores and bus plus filesystem storage (./dev-data).
// No PostgreSQL needed; runs do not survive a restart.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Transcript Pipeline Standalone")
	log.Printf("  Mode: Embedded (in-memory stores + filesystem storage)")
	log.Printf("  Storage directory: %s", cfg.StorageDir)
	log.Printf("  Workers: %s", cfg.WorkerBaseURL)
	log.Printf("  HTTP address: %s", cfg.HTTPAddr)

	r, err := runner.NewStandalone(cfg)
	if err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r.Handler(),
	}

	go func() {
		log.Printf("Pipeline standalone starting on %s", cfg.HTTPAddr)
		log.Printf("Upload a recording: curl -F user_id=demo -F file=@interview.mp4 http://localhost%s/v1/uploads", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	r.Shutdown(10 * time.Second)

	log.Println("Server stopped")
}
