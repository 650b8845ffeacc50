// Package main wires together the schema crawler service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/api"
	"github.com/JakeFAU/schemamap-crawler/internal/archive"
	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
	"github.com/JakeFAU/schemamap-crawler/internal/clock/system"
	"github.com/JakeFAU/schemamap-crawler/internal/config"
	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/embedding"
	collyfetcher "github.com/JakeFAU/schemamap-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/schemamap-crawler/internal/hash/sha256"
	"github.com/JakeFAU/schemamap-crawler/internal/id/uuid"
	"github.com/JakeFAU/schemamap-crawler/internal/logging"
	"github.com/JakeFAU/schemamap-crawler/internal/master"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
	queueFile "github.com/JakeFAU/schemamap-crawler/internal/queue/file"
	queueMemory "github.com/JakeFAU/schemamap-crawler/internal/queue/memory"
	queuePubsub "github.com/JakeFAU/schemamap-crawler/internal/queue/pubsub"
	"github.com/JakeFAU/schemamap-crawler/internal/scheduler"
	"github.com/JakeFAU/schemamap-crawler/internal/vectorindex"
	"github.com/JakeFAU/schemamap-crawler/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	mode := flag.String("mode", "all", "Run mode: server, worker, or all")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *mode, cfg, logger); err != nil {
		logger.Error("service exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, mode string, cfg config.Config, logger *zap.Logger) error {
	if mode != "server" && mode != "worker" && mode != "all" {
		return fmt.Errorf("unknown mode %q", mode)
	}

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	queue, err := buildQueue(ctx, cfg, clock, idGen, logger)
	if err != nil {
		return err
	}
	defer func() {
		if c, ok := queue.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				logger.Warn("queue close failed", zap.Error(err))
			}
		}
	}()

	store, err := catalog.NewStore(ctx, catalog.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
		MinConns: int32(cfg.DB.MaxIdleConns),
	}, logger.Named("catalog"))
	if err != nil {
		return fmt.Errorf("catalog init: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("catalog migrate: %w", err)
	}

	fetch := collyfetcher.New(collyfetcher.Config{
		UserAgent:      cfg.Worker.UserAgent,
		Timeout:        cfg.HTTPTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	})

	m := master.New(store, queue, fetch, clock, logger.Named("master"))

	if mode == "worker" || mode == "all" {
		index, err := buildIndex(cfg, clock, logger)
		if err != nil {
			return err
		}
		arch, err := buildArchive(ctx, cfg)
		if err != nil {
			return err
		}
		workerCfg := worker.Config{
			VisibilityTimeout: cfg.VisibilityTimeout(),
			IdlePoll:          time.Duration(cfg.Worker.IdlePollSec) * time.Second,
			ArchivePrefix:     cfg.Archive.Prefix,
		}
		i := 0
		pool := worker.NewPool(cfg.Worker.Concurrency, func() *worker.Worker {
			w := worker.New(
				queue,
				store,
				fetch,
				index,
				arch,
				hasher,
				clock,
				workerCfg,
				logger.Named("worker").With(zap.Int("index", i)),
			)
			i++
			return w
		}, logger.Named("pool"))
		go pool.Run(ctx)
	}

	if mode == "server" || mode == "all" {
		if cfg.Scheduler.Enabled {
			sched := scheduler.New(store, m, scheduler.Config{
				Interval:         cfg.SchedulerInterval(),
				MaxSitesPerSweep: cfg.Scheduler.MaxSitesPerSweep,
			}, logger.Named("scheduler"))
			go sched.Run(ctx)
		}

		apiServer := api.NewServer(m, store, queue, idGen, cfg, logger.Named("api"))
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("http server started", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		}
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	}

	<-ctx.Done()
	logger.Info("shutdown initiated")
	return nil
}

func buildQueue(
	ctx context.Context,
	cfg config.Config,
	clock crawl.Clock,
	idGen crawl.IDGenerator,
	logger *zap.Logger,
) (crawl.Queue, error) {
	switch cfg.Queue.Backend {
	case "file":
		q, err := queueFile.New(cfg.Queue.Dir, cfg.Queue.MaxRetries, clock, idGen, logger.Named("queue"))
		if err != nil {
			return nil, fmt.Errorf("file queue init: %w", err)
		}
		return q, nil
	case "pubsub":
		q, err := queuePubsub.New(ctx, cfg.Queue.ProjectID, cfg.Queue.TopicID, cfg.Queue.SubscriptionID, logger.Named("queue"))
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init: %w", err)
		}
		return q, nil
	case "memory":
		return queueMemory.NewQueue(clock, idGen), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

func buildIndex(cfg config.Config, clock crawl.Clock, logger *zap.Logger) (crawl.VectorIndex, error) {
	if cfg.Index.Endpoint == "" {
		logger.Warn("no vector index endpoint configured, indexing disabled")
		return vectorindex.NoOp{}, nil
	}
	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	client, err := vectorindex.New(vectorindex.Config{
		Endpoint:  cfg.Index.Endpoint,
		APIKey:    cfg.Index.APIKey,
		BatchSize: cfg.Index.BatchSize,
		Timeout:   cfg.HTTPTimeout(),
	}, embedder, clock, logger.Named("index"))
	if err != nil {
		return nil, fmt.Errorf("vector index init: %w", err)
	}
	return client, nil
}

func buildEmbedder(cfg config.Config, logger *zap.Logger) (crawl.Embedder, error) {
	if cfg.Embedding.Endpoint == "" {
		logger.Warn("no embedding endpoint configured, using zero vectors")
		return &embedding.NoOp{Dim: cfg.Embedding.Dimension}, nil
	}
	emb, err := embedding.NewOpenAI(embedding.OpenAIConfig{
		Endpoint:  cfg.Embedding.Endpoint,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   cfg.HTTPTimeout(),
	}, logger.Named("embedding"))
	if err != nil {
		return nil, fmt.Errorf("embedder init: %w", err)
	}
	return emb, nil
}

func buildArchive(ctx context.Context, cfg config.Config) (crawl.Archive, error) {
	if cfg.Archive.GCSBucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init: %w", err)
		}
		gcs, err := archive.NewGCS(client, cfg.Archive.GCSBucket, "")
		if err != nil {
			return nil, err
		}
		return gcs, nil
	}
	if cfg.Archive.LocalDir != "" {
		local, err := archive.NewLocal(cfg.Archive.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("local archive init: %w", err)
		}
		return local, nil
	}
	return archive.NoOp{}, nil
}
