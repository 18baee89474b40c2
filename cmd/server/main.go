package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"lethe/internal/audit"
	"lethe/internal/catalog"
	"lethe/internal/dispatcher"
	"lethe/internal/executor"
	"lethe/internal/lease"
	"lethe/internal/orchestrator"
	"lethe/internal/platform/config"
	"lethe/internal/platform/httpserver"
	"lethe/internal/platform/logger"
	"lethe/internal/platform/metrics"
	platformredis "lethe/internal/platform/redis"
	"lethe/internal/request"
	"lethe/internal/stream"
	httptransport "lethe/internal/transport/http"
)

// main wires high-level dependencies and keeps the lifecycle small. Business
// logic lives in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Error("open postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Error("ping postgres", "error", err)
		os.Exit(1)
	}

	warehouseDB := db
	if cfg.WarehouseURL != "" {
		warehouseDB, err = sql.Open("postgres", cfg.WarehouseURL)
		if err != nil {
			log.Error("open warehouse", "error", err)
			os.Exit(1)
		}
		defer warehouseDB.Close()
	}

	requestStore := request.NewPostgres(db)
	auditStore := audit.NewPostgres(db)
	if err := requestStore.EnsureSchema(ctx); err != nil {
		log.Error("request store schema", "error", err)
		os.Exit(1)
	}
	if err := auditStore.EnsureSchema(ctx); err != nil {
		log.Error("audit store schema", "error", err)
		os.Exit(1)
	}
	auditor := audit.NewPublisher(auditStore)

	var leases lease.Manager = lease.NewMemory()
	if cfg.RedisURL != "" {
		redisClient, err := platformredis.New(cfg.RedisURL)
		if err != nil {
			log.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		leases = lease.NewRedis(redisClient.Client)
	} else {
		log.Warn("no redis configured; in-process leases are only safe for a single instance")
	}

	var changes interface {
		stream.Publisher
		stream.Consumer
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := stream.NewKafka(stream.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.ChangeTopic,
			ConsumerGroup: cfg.ConsumerGroup,
		}, log)
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		defer kafka.Close()
		changes = kafka
	} else {
		memory := stream.NewMemory()
		defer memory.Close()
		changes = memory
		log.Warn("no kafka configured; change notifications stay in-process")
	}

	m := metrics.New()
	lakeExec := executor.NewSQL(db)
	warehouseExec := executor.NewSQL(warehouseDB, executor.WithStatementTimeout(cfg.PurgeTimeout))
	cat := catalog.NewSQL(lakeExec, cfg.LakeDatabase, cfg.LakeTable)

	orch, err := orchestrator.New(requestStore, leases, auditor, cat, lakeExec, warehouseExec, m, log, orchestrator.Config{
		WorkerID:           cfg.WorkerID,
		LeaseTTL:           cfg.LeaseTTL,
		SLABudget:          cfg.SLABudget,
		RewriteConcurrency: cfg.RewriteConcurrency,
		PollInterval:       cfg.PollInterval,
		PurgeTimeout:       cfg.PurgeTimeout,
		LakeDatabase:       cfg.LakeDatabase,
		LakeTable:          cfg.LakeTable,
		WarehouseTable:     cfg.WarehouseTable,
		Policies:           orchestrator.DefaultPolicies(),
	})
	if err != nil {
		log.Error("wire orchestrator", "error", err)
		os.Exit(1)
	}

	svc, err := request.NewService(requestStore, auditor, changes, log)
	if err != nil {
		log.Error("wire request service", "error", err)
		os.Exit(1)
	}

	disp := dispatcher.New(changes, requestStore, orch, log, cfg.WorkerPoolSize, cfg.RecoverySweep)
	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("dispatcher stopped", "error", err)
		}
	}()

	handler := httptransport.NewHandler(svc, log)
	router := httptransport.NewRouter(handler, httptransport.ApproveAuth(cfg.ApproveSigningKey))
	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting lethe", "addr", cfg.Addr, "worker_id", cfg.WorkerID)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
