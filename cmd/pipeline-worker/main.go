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

// Durable transcript pipeline service. Requires PostgreSQL (DBOS_SYSTEM_DATABASE_URL).
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.ValidateDurable(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Transcript Pipeline Worker")
	log.Printf("  Queue: %s", cfg.QueueName)
	log.Printf("  Concurrency: %d", cfg.QueueConcurrency)
	log.Printf("  Workers: %s", cfg.WorkerBaseURL)
	log.Printf("  Upload prefix: %s", cfg.UploadPrefix)
	log.Printf("  Run timeout: %v", cfg.RunTimeout)

	r, err := runner.New(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r.Handler(),
	}

	// Start server in goroutine
	go func() {
		log.Printf("Pipeline worker starting on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	r.Shutdown(10 * time.Second)

	log.Println("Server stopped")
}
