package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caseflowd/caseflow/internal/config"
	"github.com/caseflowd/caseflow/internal/curator"
	"github.com/caseflowd/caseflow/internal/db"
	"github.com/caseflowd/caseflow/internal/store"
)

func main() {
	configPath := flag.String("config", "config/conductor.yaml", "path to conductor config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store.Path == "" {
		log.Fatalf("store.path is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer database.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("failed to init db: %v", err)
	}

	c := curator.New(store.New(database), cfg.Curator.Interval)
	log.Printf("Curator: sampling every %s", cfg.Curator.Interval)
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("curator stopped: %v", err)
	}
	log.Printf("Curator: shutting down")
}
