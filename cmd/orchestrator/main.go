// Command orchestrator runs the biomedical research query orchestrator's
// HTTP/SSE server.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/biomedorch/orchestrator/api"
	"github.com/biomedorch/orchestrator/internal/config"
	"github.com/biomedorch/orchestrator/internal/orchestrator"
)

func main() {
	cfg := config.Load()
	log.Printf("loaded config: default_budget_ms=%d max_budget_ms=%d log_level=%s", cfg.DefaultBudgetMS, cfg.MaxBudgetMS, cfg.LogLevel)

	rt, err := orchestrator.NewRuntime(cfg)
	if err != nil {
		log.Fatalf("failed to build runtime: %v", err)
	}

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: api.NewServer(rt).Handler(),
	}

	go func() {
		log.Printf("orchestrator listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
