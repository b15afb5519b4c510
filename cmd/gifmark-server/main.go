package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/gifmark/internal/api/handlers/watermark"
	"github.com/aliskhannn/gifmark/internal/api/router"
	"github.com/aliskhannn/gifmark/internal/api/server"
	"github.com/aliskhannn/gifmark/internal/config"
	"github.com/aliskhannn/gifmark/internal/infra/kafka/consumer"
	"github.com/aliskhannn/gifmark/internal/infra/kafka/producer"
	taskmsg "github.com/aliskhannn/gifmark/internal/kafka/handlers/task"
	"github.com/aliskhannn/gifmark/internal/pipeline"
	taskrepo "github.com/aliskhannn/gifmark/internal/repository/task"
	watermarksvc "github.com/aliskhannn/gifmark/internal/service/watermark"
	"github.com/aliskhannn/gifmark/internal/storage/file"
	"github.com/aliskhannn/gifmark/internal/storage/local"
	"github.com/aliskhannn/gifmark/internal/task"
	wm "github.com/aliskhannn/gifmark/internal/watermark"
)

// fileStorage is satisfied by both storage backends.
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDNSs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDNSs = append(slaveDNSs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDNSs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Retry strategy for Kafka, MinIO and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	var storage fileStorage
	switch cfg.Storage.Backend {
	case config.StorageLocal:
		storage, err = local.NewStorage(cfg.Storage.BaseDir)
	default:
		storage, err = file.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL, strategy)
	}
	if err != nil {
		zlog.Logger.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to init storage")
	}

	renderer, err := wm.NewRenderer(cfg.Watermark.FontPath)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to load watermark font")
	}

	// Pipeline and the task manager that bounds concurrent runs.
	p := pipeline.New(renderer, pipeline.Options{
		MaxFrames: cfg.Pipeline.MaxFrames,
		Quality:   cfg.Pipeline.Quality,
		Workers:   cfg.Pipeline.Workers,
		MaxPixels: cfg.Pipeline.MaxPixels,
		LoopCount: cfg.Pipeline.LoopCount,
	})
	mgr := task.NewManager(p, cfg.Tasks.MaxConcurrent)

	// Initialize repository, producer and service layer.
	repo := taskrepo.NewRepository(db)
	prod := producer.New(&cfg.Kafka, strategy)
	service := watermarksvc.NewService(storage, prod, repo, mgr)
	mgr.OnUpdate(service.PersistUpdate)

	// Kafka consumer for submitted tasks.
	c := consumer.New(&cfg.Kafka, strategy, taskmsg.NewSubmittedHandler(service))

	var wg sync.WaitGroup
	wg.Add(1)
	go c.Consume(ctx, &wg)

	// Start HTTP server in a separate goroutine.
	r := router.Setup(watermark.NewHandler(service, cfg.Server.MaxUploadSize))
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for the consumer, which stops only after its current task.
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, s := range db.Slaves {
		if err := s.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Kafka producer and consumer clients.
	if err = prod.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
	}
	if err = c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}
}
