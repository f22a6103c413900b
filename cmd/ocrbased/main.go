package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ocrbase/ocrbase/internal/blob"
	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/export"
	"github.com/ocrbase/ocrbase/internal/llm"
	"github.com/ocrbase/ocrbase/internal/ocr"
	"github.com/ocrbase/ocrbase/internal/queue"
	"github.com/ocrbase/ocrbase/internal/realtime"
	"github.com/ocrbase/ocrbase/internal/repository"
	"github.com/ocrbase/ocrbase/internal/schema"
	"github.com/ocrbase/ocrbase/internal/server"
	"github.com/ocrbase/ocrbase/internal/worker"
)

func main() {
	_ = godotenv.Load()

	zlog, _ := zap.NewProduction()
	defer func() { _ = zlog.Sync() }()
	log := slog.Default()

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		zlog.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Job + schema stores.
	var (
		jobs    repository.JobRepository
		schemas repository.SchemaRepository
		sqldb   *sql.DB
	)
	switch {
	case cfg.Database.DSN != "":
		pool, err := repository.Open(ctx, repository.DBConfig{
			DSN:             cfg.Database.DSN,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
			DialTimeout:     cfg.Database.DialTimeout,
		}, log)
		if err != nil {
			zlog.Fatal("open database", zap.Error(err))
		}
		defer pool.Close()
		if err := repository.HealthCheck(ctx, pool, 3*time.Second); err != nil {
			zlog.Fatal("database health check failed", zap.Error(err))
		}
		pg := repository.NewPostgresJobRepository(pool, log)
		if err := pg.Migrate(ctx); err != nil {
			zlog.Fatal("migrate database", zap.Error(err))
		}
		jobs = pg
		schemas = repository.NewPostgresSchemaRepository(pool)
	case cfg.Database.SQLitePath != "":
		var err error
		sqldb, err = repository.OpenSQLite(ctx, cfg.Database.SQLitePath, log)
		if err != nil {
			zlog.Fatal("open sqlite", zap.Error(err))
		}
		defer func() { _ = sqldb.Close() }()
		jobs = repository.NewSQLiteJobRepository(sqldb, log)
		schemas = repository.NewSQLiteSchemaRepository(sqldb)
	default:
		log.Warn("no DB_URL or SQLITE_PATH set, using in-memory job store")
		jobs = repository.NewMemoryJobRepository()
		schemas = repository.NewMemorySchemaRepository()
	}

	// Blob store.
	var blobs blob.Store
	if cfg.Blob.Endpoint != "" {
		ms, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			UseSSL:    cfg.Blob.UseSSL,
		}, log)
		if err != nil {
			zlog.Fatal("connect blob store", zap.Error(err))
		}
		blobs = ms
	} else {
		log.Warn("no MINIO_ENDPOINT set, using in-memory blob store")
		blobs = blob.NewMemoryStore()
	}

	// Event bus.
	var events bus.Bus
	if cfg.Bus.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Bus.RedisAddr,
			Password: cfg.Bus.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			zlog.Fatal("connect redis", zap.Error(err))
		}
		defer func() { _ = rdb.Close() }()
		events = bus.NewRedisBus(rdb, log)
	} else {
		log.Warn("no REDIS_ADDR set, using in-process event bus")
		events = bus.NewMemoryBus()
	}

	// Queue.
	var q queue.Queue
	if cfg.Queue.AMQPURL != "" {
		aq, err := queue.NewAMQPQueue(queue.AMQPConfig{
			URL:         cfg.Queue.AMQPURL,
			Name:        cfg.Queue.Name,
			Workers:     cfg.Worker.Concurrency,
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff:     cfg.Queue.Backoff,
			MaxBackoff:  cfg.Queue.MaxBackoff,
		}, log)
		if err != nil {
			zlog.Fatal("connect queue", zap.Error(err))
		}
		q = aq
	} else {
		log.Warn("no AMQP_URL set, using in-memory queue")
		q = queue.NewMemoryQueue(log,
			queue.WithWorkers(cfg.Worker.Concurrency),
			queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
			queue.WithBackoff(cfg.Queue.Backoff, cfg.Queue.MaxBackoff),
		)
	}

	schemaSvc := schema.NewService(schemas, log)
	llmClient := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, log)

	// Worker pool, embedded for single-binary deployments.
	w := worker.New(worker.Deps{
		Jobs:           jobs,
		Blobs:          blobs,
		Bus:            events,
		OCR:            ocr.NewClient(ocr.Config(cfg.OCR), log),
		LLM:            llmClient,
		Schemas:        schemaSvc,
		Logger:         log,
		AttemptTimeout: cfg.Worker.AttemptTimeout,
	})
	q.OnTerminalFailure(w.HandleTerminalFailure)
	q.Subscribe(w.Handle)

	// HTTP surface.
	resolver := server.ParseStaticKeys(cfg.Server.APIKeys)
	svc := server.NewService(jobs, blobs, q, events, schemaSvc, zlog, cfg.Queue.MaxAttempts, cfg.Blob.PresignTTL)
	registry := bus.NewRegistry(events, jobs, log)
	registry.SubscribeTimeout = cfg.Realtime.SubscribeTimeout
	gateway := realtime.NewGateway(registry, jobs, server.GatewayAuth(resolver), log)
	gateway.KeepaliveInterval = cfg.Realtime.KeepaliveInterval

	router := server.NewRouter(server.RouterDeps{
		Handlers: server.NewHandlers(svc, llmClient, zlog),
		Gateway:  gateway,
		Export:   export.NewService(jobs, log),
		Resolver: resolver,
		Logger:   zlog,
	})

	httpSrv := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: router}
	go func() {
		zlog.Info("http serving", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("http serve", zap.Error(err))
		}
	}()

	// gRPC health endpoint for orchestration probes.
	var grpcSrv *grpc.Server
	if cfg.Server.HealthAddr != "" {
		grpcSrv = grpc.NewServer()
		hs := health.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, hs)
		hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		lis, err := net.Listen("tcp", cfg.Server.HealthAddr)
		if err != nil {
			zlog.Fatal("health listen", zap.Error(err))
		}
		go func() {
			zlog.Info("grpc health serving", zap.String("addr", cfg.Server.HealthAddr))
			if err := grpcSrv.Serve(lis); err != nil {
				zlog.Warn("grpc health serve", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	q.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	zlog.Info("stopped")
}
