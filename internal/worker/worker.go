// Package worker consumes queue jobs and keeps the vector index in step
// with the catalog's reference counts.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
)

// Catalog is the slice of the catalog store workers need.
type Catalog interface {
	GetFile(ctx context.Context, fileURL, userID string) (catalog.File, error)
	BeginFileUpdate(ctx context.Context, fileURL, userID string, currentIDs []string, contentHash string) (*catalog.FileUpdate, error)
	BeginFileRemoval(ctx context.Context, fileURL, userID string) (*catalog.FileUpdate, error)
	LogProcessingError(ctx context.Context, pe catalog.ProcessingError) error
	ClearFileErrors(ctx context.Context, fileURL, userID string) error
}

// Config controls Worker behavior.
type Config struct {
	// VisibilityTimeout is how long a received job stays hidden from other
	// workers. It must exceed the worst-case job duration.
	VisibilityTimeout time.Duration
	// IdlePoll is the sleep between polls when the queue is empty.
	IdlePoll time.Duration
	// ArchivePrefix is prepended to archived document paths.
	ArchivePrefix string
}

// Worker pulls jobs from the queue and processes them one at a time.
type Worker struct {
	queue   crawl.Queue
	catalog Catalog
	fetcher crawl.Fetcher
	index   crawl.VectorIndex
	archive crawl.Archive
	hasher  crawl.Hasher
	clock   crawl.Clock
	cfg     Config
	log     *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawl.Queue,
	cat Catalog,
	fetcher crawl.Fetcher,
	index crawl.VectorIndex,
	arch crawl.Archive,
	hasher crawl.Hasher,
	clock crawl.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 5 * time.Second
	}
	return &Worker{
		queue:   queue,
		catalog: cat,
		fetcher: fetcher,
		index:   index,
		archive: arch,
		hasher:  hasher,
		clock:   clock,
		cfg:     cfg,
		log:     logger,
	}
}

// Run blocks, consuming jobs until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := w.queue.Receive(ctx, w.cfg.VisibilityTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("queue receive failed", zap.Error(err))
			w.idle(ctx)
			continue
		}
		if msg == nil {
			w.idle(ctx)
			continue
		}
		w.processMessage(ctx, msg)
	}
}

func (w *Worker) idle(ctx context.Context) {
	metrics.IncIdleWorkers()
	defer metrics.DecIdleWorkers()
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.IdlePoll):
	}
}

// processMessage dispatches one job and settles the message: Ack when the
// job's effects are durable (or the job is a no-op), Return on any failure
// so the at-least-once contract retries it.
func (w *Worker) processMessage(ctx context.Context, msg *crawl.Message) {
	job := msg.Job
	log := w.log.With(
		zap.String("job_id", msg.ID),
		zap.String("type", string(job.Type)),
		zap.String("file_url", job.FileURL),
		zap.String("user_id", job.UserID))

	start := time.Now()
	var err error
	switch job.Type {
	case crawl.JobProcessFile:
		err = w.processFile(ctx, job, log)
	case crawl.JobProcessRemovedFile:
		err = w.processRemovedFile(ctx, job, log)
	default:
		// Validate at enqueue time makes this unreachable from our own
		// masters; a foreign payload lands here and is dropped.
		log.Warn("unknown job type, dropping")
	}
	duration := time.Since(start)

	if err != nil {
		metrics.ObserveJob(string(job.Type), "failure", duration)
		log.Error("job failed, returning to queue", zap.Error(err), zap.Duration("duration", duration))
		if rErr := w.queue.Return(ctx, msg); rErr != nil {
			log.Error("return to queue failed", zap.Error(rErr))
		}
		return
	}

	metrics.ObserveJob(string(job.Type), "success", duration)
	if aErr := w.queue.Ack(ctx, msg); aErr != nil {
		// The visibility timeout will re-deliver; the handlers are
		// idempotent so the retry converges to the same state.
		log.Error("ack failed", zap.Error(aErr))
		return
	}
	log.Debug("job done", zap.Duration("duration", duration))
}

// Pool runs a fixed number of workers over one queue.
type Pool struct {
	workers []*Worker
	log     *zap.Logger
}

// NewPool constructs a Pool of n workers sharing the same dependencies.
func NewPool(n int, build func() *Worker, logger *zap.Logger) *Pool {
	if n <= 0 {
		n = 1
	}
	workers := make([]*Worker, n)
	for i := range workers {
		workers[i] = build()
	}
	return &Pool{workers: workers, log: logger}
}

// Run starts all workers and blocks until they have all drained after the
// context finishes.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("worker pool starting", zap.Int("workers", len(p.workers)))
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
	p.log.Info("worker pool stopped")
}
