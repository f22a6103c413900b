package main

import (
	"context"
	"log/slog"
	"net"
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
	"github.com/ocrbase/ocrbase/internal/llm"
	"github.com/ocrbase/ocrbase/internal/ocr"
	"github.com/ocrbase/ocrbase/internal/queue"
	"github.com/ocrbase/ocrbase/internal/repository"
	"github.com/ocrbase/ocrbase/internal/schema"
	"github.com/ocrbase/ocrbase/internal/worker"
)

// ocrworkerd is the standalone worker daemon for multi-process deployments.
// It needs the shared backends: Postgres, MinIO, Redis, and RabbitMQ.
func main() {
	_ = godotenv.Load()

	zlog, _ := zap.NewProduction()
	defer func() { _ = zlog.Sync() }()
	log := slog.Default()

	cfg := common.LoadConfig()
	if cfg.Database.DSN == "" || cfg.Queue.AMQPURL == "" {
		zlog.Fatal("ocrworkerd requires DB_URL and AMQP_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	jobs := repository.NewPostgresJobRepository(pool, log)
	if err := jobs.Migrate(ctx); err != nil {
		zlog.Fatal("migrate database", zap.Error(err))
	}
	schemas := repository.NewPostgresSchemaRepository(pool)

	blobs, err := blob.NewMinioStore(ctx, blob.MinioConfig{
		Endpoint:  cfg.Blob.Endpoint,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
		Bucket:    cfg.Blob.Bucket,
		UseSSL:    cfg.Blob.UseSSL,
	}, log)
	if err != nil {
		zlog.Fatal("connect blob store", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Bus.RedisAddr,
		Password: cfg.Bus.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		zlog.Fatal("connect redis", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()
	events := bus.NewRedisBus(rdb, log)

	q, err := queue.NewAMQPQueue(queue.AMQPConfig{
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

	w := worker.New(worker.Deps{
		Jobs:  jobs,
		Blobs: blobs,
		Bus:   events,
		OCR:   ocr.NewClient(ocr.Config(cfg.OCR), log),
		LLM: llm.NewClient(llm.Config{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		}, log),
		Schemas:        schema.NewService(schemas, log),
		Logger:         log,
		AttemptTimeout: cfg.Worker.AttemptTimeout,
	})
	q.OnTerminalFailure(w.HandleTerminalFailure)
	q.Subscribe(w.Handle)
	zlog.Info("worker consuming", zap.Int("concurrency", cfg.Worker.Concurrency))

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
			if err := grpcSrv.Serve(lis); err != nil {
				zlog.Warn("grpc health serve", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	q.Shutdown(shutdownCtx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	zlog.Info("stopped")
}
