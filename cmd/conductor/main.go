package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/caseflowd/caseflow/internal/allocator"
	"github.com/caseflowd/caseflow/internal/broker"
	"github.com/caseflowd/caseflow/internal/conductor"
	"github.com/caseflowd/caseflow/internal/config"
	"github.com/caseflowd/caseflow/internal/dashboard"
	"github.com/caseflowd/caseflow/internal/db"
	"github.com/caseflowd/caseflow/internal/store"
	"github.com/caseflowd/caseflow/internal/workflow"
)

func main() {
	configPath := flag.String("config", "config/conductor.yaml", "path to conductor config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
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

	wf, err := workflow.New(cfg.Steps(), cfg.Commands)
	if err != nil {
		log.Fatalf("invalid workflow: %v", err)
	}

	queue, err := broker.Connect(ctx, cfg.Broker.URL)
	if err != nil {
		log.Fatalf("failed to connect to broker: %v", err)
	}
	defer queue.Close()

	if moved, err := queue.RecoverProcessing(ctx, cfg.Broker.InboxQueue); err != nil {
		log.Fatalf("failed to recover in-flight messages: %v", err)
	} else if moved > 0 {
		log.Printf("Conductor: requeued %d in-flight messages from previous run", moved)
	}

	st := store.New(database)
	alloc := allocator.New(st)
	dispatcher := conductor.NewDispatcher(queue,
		cfg.Broker.FileTransferQueue, cfg.Broker.RemoteExecutorQueue,
		cfg.Paths.LocalCasesRoot, cfg.Paths.RemoteUploadRoot, cfg.Paths.RemoteDownloadRoot)
	manager := conductor.NewManager(st, alloc, wf, dispatcher)
	router := conductor.NewRouter(manager)
	consumer := conductor.NewConsumer(queue, router,
		cfg.Broker.InboxQueue, cfg.Broker.Prefetch, cfg.Broker.MaxRetries)

	dash := dashboard.NewServer(st, queue, cfg.Broker.InboxQueue)
	go func() {
		if err := dash.Serve(ctx, cfg.Dashboard.Addr); err != nil {
			log.Printf("Conductor: dashboard stopped: %v", err)
		}
	}()

	log.Printf("Conductor: consuming from %s", cfg.Broker.InboxQueue)
	if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("consumer stopped: %v", err)
	}
	log.Printf("Conductor: shutting down")
}
