// Package file implements a filesystem-backed job queue for local
// development. Each message is a JSON file; claiming a message is an atomic
// rename to a ".processing" suffix, which doubles as the visibility
// mechanism: a reaper renames stale ".processing" files back into view.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
)

const (
	jobPrefix        = "job-"
	jobSuffix        = ".json"
	processingSuffix = ".processing"
	errorsDir        = "errors"

	// reapInterval throttles the inline stale-job sweep that runs on Receive.
	reapInterval = 30 * time.Second
)

// Queue is a crawl.Queue backed by a local directory.
type Queue struct {
	dir        string
	maxRetries int
	clock      crawl.Clock
	ids        crawl.IDGenerator
	log        *zap.Logger

	mu       sync.Mutex
	lastReap time.Time
}

// New creates the queue directory (and its dead-letter subdirectory) and
// returns a ready queue.
func New(dir string, maxRetries int, clock crawl.Clock, ids crawl.IDGenerator, logger *zap.Logger) (*Queue, error) {
	if err := os.MkdirAll(filepath.Join(dir, errorsDir), 0o750); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	return &Queue{
		dir:        dir,
		maxRetries: maxRetries,
		clock:      clock,
		ids:        ids,
		log:        logger,
	}, nil
}

// Send writes the job to a temp file and renames it into the queue
// directory. The rename makes the enqueue atomic with respect to Receive.
func (q *Queue) Send(ctx context.Context, job crawl.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send canceled: %w", err)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := job.Marshal()
	if err != nil {
		return err
	}

	id, err := q.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}
	// UUIDv7 is time-ordered, so lexicographic listing yields FIFO delivery.
	name := jobPrefix + id + jobSuffix
	tmpPath := filepath.Join(q.dir, ".tmp-"+name)
	finalPath := filepath.Join(q.dir, name)

	if err := os.WriteFile(tmpPath, data, 0o640); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive claims the next visible message via atomic rename. It returns
// (nil, nil) when the queue is empty.
func (q *Queue) Receive(ctx context.Context, visibilityTimeout time.Duration) (*crawl.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("receive canceled: %w", err)
	}
	q.maybeReap(visibilityTimeout)

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, jobPrefix) || !strings.HasSuffix(name, jobSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		jobPath := filepath.Join(q.dir, name)
		processingPath := jobPath + processingSuffix

		// Claim. A concurrent receiver losing this race gets ENOENT and
		// moves on to the next candidate.
		if err := os.Rename(jobPath, processingPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("claim message %s: %w", name, err)
		}

		// Rename preserves the original mtime; stamp the claim time so the
		// reaper measures staleness from the claim, not the enqueue.
		now := q.clock.Now()
		if err := os.Chtimes(processingPath, now, now); err != nil {
			q.log.Warn("failed to stamp claim time", zap.String("message", name), zap.Error(err))
		}

		data, err := os.ReadFile(processingPath)
		if err != nil {
			return nil, fmt.Errorf("read message %s: %w", name, err)
		}
		job, err := crawl.UnmarshalJob(data)
		if err != nil {
			// Malformed payloads can never succeed; dead-letter immediately.
			q.log.Warn("dead-lettering malformed message", zap.String("message", name), zap.Error(err))
			if moveErr := os.Rename(processingPath, filepath.Join(q.dir, errorsDir, name)); moveErr != nil {
				q.log.Error("failed to dead-letter message", zap.String("message", name), zap.Error(moveErr))
			}
			continue
		}

		return &crawl.Message{ID: name, Job: job, ReceiptHandle: processingPath}, nil
	}

	return nil, nil
}

// Ack removes the claimed message file.
func (q *Queue) Ack(_ context.Context, msg *crawl.Message) error {
	path, ok := msg.ReceiptHandle.(string)
	if !ok {
		return fmt.Errorf("invalid receipt handle %T", msg.ReceiptHandle)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("ack message %s: %w", msg.ID, err)
	}
	return nil
}

// Return makes the message visible again by stripping the processing
// suffix. Missing files are ignored: the reaper may have beaten us to it.
func (q *Queue) Return(_ context.Context, msg *crawl.Message) error {
	path, ok := msg.ReceiptHandle.(string)
	if !ok {
		return fmt.Errorf("invalid receipt handle %T", msg.ReceiptHandle)
	}
	original := strings.TrimSuffix(path, processingSuffix)
	if err := os.Rename(path, original); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("return message %s: %w", msg.ID, err)
	}
	return nil
}

// Stats counts queue files by state.
func (q *Queue) Stats(_ context.Context) (crawl.QueueStats, error) {
	var stats crawl.QueueStats

	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return stats, fmt.Errorf("list queue dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir():
		case strings.HasSuffix(name, processingSuffix):
			stats.InFlight++
		case strings.HasPrefix(name, jobPrefix) && strings.HasSuffix(name, jobSuffix):
			stats.Visible++
		}
	}

	deadLetters, err := os.ReadDir(filepath.Join(q.dir, errorsDir))
	if err != nil {
		return stats, fmt.Errorf("list dead-letter dir: %w", err)
	}
	stats.DeadLetter = len(deadLetters)

	return stats, nil
}

// maybeReap runs the stale-job sweep at most once per reapInterval.
func (q *Queue) maybeReap(visibilityTimeout time.Duration) {
	q.mu.Lock()
	now := q.clock.Now()
	if now.Sub(q.lastReap) < reapInterval {
		q.mu.Unlock()
		return
	}
	q.lastReap = now
	q.mu.Unlock()

	if n := q.reapStale(visibilityTimeout); n > 0 {
		q.log.Info("requeued stale messages", zap.Int("count", n))
	}
}

// reapStale restores visibility for processing files older than the
// timeout. A message that has already been retried maxRetries times is
// moved to the dead-letter directory instead.
func (q *Queue) reapStale(visibilityTimeout time.Duration) int {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		q.log.Error("reaper failed to list queue dir", zap.Error(err))
		return 0
	}

	restored := 0
	now := q.clock.Now()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, processingSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < visibilityTimeout {
			continue
		}

		processingPath := filepath.Join(q.dir, name)
		original := strings.TrimSuffix(name, processingSuffix)
		retries := retryCount(original)

		if retries >= q.maxRetries {
			dead := filepath.Join(q.dir, errorsDir, original)
			if err := os.Rename(processingPath, dead); err != nil {
				q.log.Error("failed to dead-letter stale message", zap.String("message", original), zap.Error(err))
				continue
			}
			q.log.Warn("dead-lettered message after max retries",
				zap.String("message", original),
				zap.Int("retries", retries))
			continue
		}

		requeued := withRetryCount(original, retries+1)
		if err := os.Rename(processingPath, filepath.Join(q.dir, requeued)); err != nil {
			q.log.Error("failed to requeue stale message", zap.String("message", original), zap.Error(err))
			continue
		}
		restored++
	}
	return restored
}

// retryCount parses the ".retryN" marker out of a message file name.
func retryCount(name string) int {
	base := strings.TrimSuffix(name, jobSuffix)
	idx := strings.LastIndex(base, ".retry")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(base[idx+len(".retry"):])
	if err != nil {
		return 0
	}
	return n
}

// withRetryCount rewrites a message file name to carry the given retry count.
func withRetryCount(name string, n int) string {
	base := strings.TrimSuffix(name, jobSuffix)
	if idx := strings.LastIndex(base, ".retry"); idx >= 0 {
		base = base[:idx]
	}
	return fmt.Sprintf("%s.retry%d%s", base, n, jobSuffix)
}
