package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
)

// processRemovedFile unwinds a file that disappeared from its schema map
// or whose site was removed. No network fetch: the catalog's recorded id
// set is the source of truth. Ids the file held the last reference to are
// deleted from the index before the catalog transaction commits, mirroring
// the ordering of processFile.
func (w *Worker) processRemovedFile(ctx context.Context, job crawl.Job, log *zap.Logger) error {
	update, err := w.catalog.BeginFileRemoval(ctx, job.FileURL, job.UserID)
	if err != nil {
		return err
	}

	var toDelete []string
	for _, ref := range update.Removed {
		if ref.Refs == 0 {
			toDelete = append(toDelete, ref.ID)
		}
	}
	if len(toDelete) > 0 {
		start := time.Now()
		err := w.index.DeleteBatch(ctx, toDelete)
		metrics.ObserveExternalCall("vector_index", time.Since(start))
		if err != nil {
			update.Rollback(ctx)
			w.recordError(ctx, job, "index_failed", err)
			return fmt.Errorf("index delete: %w", err)
		}
	}

	if err := update.Commit(ctx); err != nil {
		return err
	}
	log.Info("removed file unwound",
		zap.Int("references_dropped", len(update.Removed)),
		zap.Int("index_deleted", len(toDelete)))
	return nil
}
