package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
)

// processFile refreshes one file: fetch, extract ids, diff against the
// catalog, and mirror the 0→1 and 1→0 reference transitions into the
// vector index. Index calls happen while the catalog transaction is still
// open; only after they succeed is the transaction committed. A crash or
// index failure therefore leaves the catalog unchanged and the retry
// re-diffs from the same baseline.
func (w *Worker) processFile(ctx context.Context, job crawl.Job, log *zap.Logger) error {
	file, err := w.catalog.GetFile(ctx, job.FileURL, job.UserID)
	if errors.Is(err, catalog.ErrNotFound) {
		log.Debug("file unknown to catalog, dropping job")
		return nil
	}
	if err != nil {
		return err
	}
	if !file.IsActive {
		log.Debug("file inactive, dropping job")
		return nil
	}

	fetchStart := time.Now()
	resp, err := w.fetcher.Fetch(ctx, job.FileURL)
	metrics.ObserveExternalCall("download", time.Since(fetchStart))
	if err != nil {
		w.recordError(ctx, job, "download_failed", err)
		return fmt.Errorf("fetch %s: %w", job.FileURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch %s: status %d", job.FileURL, resp.StatusCode)
		w.recordError(ctx, job, "download_failed", err)
		return err
	}

	contentHash, err := w.hasher.Hash(resp.Body)
	if err != nil {
		return fmt.Errorf("hash %s: %w", job.FileURL, err)
	}
	if file.FileHash != "" && file.FileHash == contentHash {
		log.Debug("content unchanged, skipping")
		return nil
	}

	objects, err := ExtractObjects(resp.Body, job.FileURL)
	if err != nil {
		w.recordError(ctx, job, "extraction_failed", err)
		return fmt.Errorf("extract %s: %w", job.FileURL, err)
	}
	metrics.ObserveItemsPerJob(len(objects))
	if len(objects) == 0 {
		// Still worth committing: the hash update stops identical empty
		// fetches from re-extracting, and stale ids get unwound.
		log.Warn("no schema.org objects found in file")
		w.recordError(ctx, job, "no_objects_found", errors.New("no schema.org objects found"))
	}

	ids := make([]string, 0, len(objects))
	for id := range objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	update, err := w.catalog.BeginFileUpdate(ctx, job.FileURL, job.UserID, ids, contentHash)
	if err != nil {
		return err
	}

	if err := w.applyIndexDelta(ctx, job, update, objects); err != nil {
		update.Rollback(ctx)
		w.recordError(ctx, job, "index_failed", err)
		return err
	}
	if err := update.Commit(ctx); err != nil {
		return err
	}

	if err := w.catalog.ClearFileErrors(ctx, job.FileURL, job.UserID); err != nil {
		log.Warn("clear file errors failed", zap.Error(err))
	}
	w.archiveDocument(ctx, job, resp, log)

	log.Info("file processed",
		zap.Int("items", len(objects)),
		zap.Int("index_added", len(update.Added)),
		zap.Int("index_removed", len(update.Removed)))
	return nil
}

// applyIndexDelta pushes a staged diff's reference-count transitions to
// the index: ids this file referenced first are added, ids nobody
// references anymore are deleted. Counts between stay index-invisible.
func (w *Worker) applyIndexDelta(ctx context.Context, job crawl.Job, update *catalog.FileUpdate, objects map[string]map[string]any) error {
	var toAdd []crawl.Item
	for _, ref := range update.Added {
		if ref.Refs != 1 {
			continue
		}
		obj, ok := objects[ref.ID]
		if !ok {
			continue
		}
		toAdd = append(toAdd, crawl.Item{ID: ref.ID, Site: job.SiteURL, Object: obj})
	}
	if len(toAdd) > 0 {
		start := time.Now()
		err := w.index.AddBatch(ctx, toAdd)
		metrics.ObserveExternalCall("vector_index", time.Since(start))
		if err != nil {
			return fmt.Errorf("index add: %w", err)
		}
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
			return fmt.Errorf("index delete: %w", err)
		}
	}
	return nil
}

func (w *Worker) archiveDocument(ctx context.Context, job crawl.Job, resp crawl.FetchResponse, log *zap.Logger) {
	if w.archive == nil {
		return
	}
	path := w.cfg.ArchivePrefix + job.UserID + "/" + url.PathEscape(job.FileURL)
	uri, err := w.archive.Put(ctx, path, resp.ContentType, resp.Body)
	if err != nil {
		log.Warn("archive document failed", zap.Error(err))
		return
	}
	log.Debug("document archived", zap.String("uri", uri))
}

func (w *Worker) recordError(ctx context.Context, job crawl.Job, errorType string, cause error) {
	pe := catalog.ProcessingError{
		FileURL:      job.FileURL,
		UserID:       job.UserID,
		ErrorType:    errorType,
		ErrorMessage: cause.Error(),
		OccurredAt:   w.clock.Now().UTC(),
	}
	if err := w.catalog.LogProcessingError(ctx, pe); err != nil {
		w.log.Warn("record processing error failed",
			zap.String("file_url", job.FileURL),
			zap.Error(err))
	}
}
