package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// FileUpdate is an open transaction that has staged an id diff for one
// file. The caller inspects Added/Removed to drive the vector index, then
// either Commit (making the catalog agree with the index work just done)
// or Rollback (leaving the catalog untouched so a retried job re-diffs
// from the same state).
//
// Each changed id holds a transaction-scoped advisory lock, so two workers
// processing different files that share an id cannot both observe a stale
// reference count.
type FileUpdate struct {
	// Added holds ids new to this file with their reference count after
	// the insert; Refs == 1 means this file is the first referrer.
	Added []IDRef
	// Removed holds ids no longer in this file with their reference count
	// after the delete; Refs == 0 means no file references the id anymore.
	Removed []IDRef

	tx  pgx.Tx
	log *zap.Logger
}

// Commit makes the staged catalog writes durable.
func (u *FileUpdate) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit file update: %w", err)
	}
	return nil
}

// Rollback abandons the staged writes. Safe to call after Commit.
func (u *FileUpdate) Rollback(ctx context.Context) {
	if err := u.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		u.log.Warn("rollback file update failed", zap.Error(err))
	}
}

// BeginFileUpdate diffs currentIDs against the file's recorded id set and
// stages the resulting inserts and deletes, the file's item count, content
// hash, and read time, all in one open transaction. Duplicate ids within
// currentIDs collapse to a single reference.
func (s *Store) BeginFileUpdate(ctx context.Context, fileURL, userID string, currentIDs []string, contentHash string) (*FileUpdate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin file update: %w", err)
	}

	update, err := s.stageFileUpdate(ctx, tx, fileURL, userID, currentIDs, contentHash)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Warn("rollback file update failed", zap.Error(rbErr))
		}
		return nil, err
	}
	return update, nil
}

func (s *Store) stageFileUpdate(ctx context.Context, tx pgx.Tx, fileURL, userID string, currentIDs []string, contentHash string) (*FileUpdate, error) {
	existing, err := idSetForUpdate(ctx, tx, fileURL, userID)
	if err != nil {
		return nil, err
	}

	current := make(map[string]bool, len(currentIDs))
	for _, id := range currentIDs {
		current[id] = true
	}

	var added, removed []string
	for id := range current {
		if !existing[id] {
			added = append(added, id)
		}
	}
	for id := range existing {
		if !current[id] {
			removed = append(removed, id)
		}
	}

	sort.Strings(added)
	sort.Strings(removed)

	changed := append(append([]string(nil), added...), removed...)
	if err := lockIDs(ctx, tx, userID, changed); err != nil {
		return nil, err
	}

	if len(added) > 0 {
		if _, err := tx.Exec(ctx, `
INSERT INTO ids (file_url, user_id, id)
SELECT $1, $2, unnest($3::text[])`, fileURL, userID, added); err != nil {
			return nil, fmt.Errorf("insert ids: %w", err)
		}
	}
	if len(removed) > 0 {
		if _, err := tx.Exec(ctx, `
DELETE FROM ids WHERE file_url = $1 AND user_id = $2 AND id = ANY($3)`,
			fileURL, userID, removed); err != nil {
			return nil, fmt.Errorf("delete ids: %w", err)
		}
	}

	counts, err := countRefs(ctx, tx, userID, changed)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE files
SET last_read_time = now(), number_of_items = $3, file_hash = NULLIF($4, '')
WHERE file_url = $1 AND user_id = $2`,
		fileURL, userID, len(current), contentHash); err != nil {
		return nil, fmt.Errorf("update file row: %w", err)
	}

	update := &FileUpdate{tx: tx, log: s.log}
	for _, id := range added {
		update.Added = append(update.Added, IDRef{ID: id, Refs: counts[id]})
	}
	for _, id := range removed {
		update.Removed = append(update.Removed, IDRef{ID: id, Refs: counts[id]})
	}
	return update, nil
}

// BeginFileRemoval stages the deletion of every id reference a file holds
// and the deactivation of the file row, leaving the transaction open so the
// caller can delete orphaned ids from the vector index before committing.
func (s *Store) BeginFileRemoval(ctx context.Context, fileURL, userID string) (*FileUpdate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin file removal: %w", err)
	}

	update, err := s.stageFileRemoval(ctx, tx, fileURL, userID)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Warn("rollback file removal failed", zap.Error(rbErr))
		}
		return nil, err
	}
	return update, nil
}

func (s *Store) stageFileRemoval(ctx context.Context, tx pgx.Tx, fileURL, userID string) (*FileUpdate, error) {
	existing, err := idSetForUpdate(ctx, tx, fileURL, userID)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(existing))
	for id := range existing {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	if err := lockIDs(ctx, tx, userID, removed); err != nil {
		return nil, err
	}

	if len(removed) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM ids WHERE file_url = $1 AND user_id = $2`,
			fileURL, userID); err != nil {
			return nil, fmt.Errorf("delete ids: %w", err)
		}
	}

	counts, err := countRefs(ctx, tx, userID, removed)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE files SET is_active = FALSE, number_of_items = 0
WHERE file_url = $1 AND user_id = $2`,
		fileURL, userID); err != nil {
		return nil, fmt.Errorf("deactivate file row: %w", err)
	}

	update := &FileUpdate{tx: tx, log: s.log}
	for _, id := range removed {
		update.Removed = append(update.Removed, IDRef{ID: id, Refs: counts[id]})
	}
	return update, nil
}

func idSetForUpdate(ctx context.Context, tx pgx.Tx, fileURL, userID string) (map[string]bool, error) {
	rows, err := tx.Query(ctx,
		`SELECT id FROM ids WHERE file_url = $1 AND user_id = $2`,
		fileURL, userID)
	if err != nil {
		return nil, fmt.Errorf("read file ids: %w", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		set[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read file ids: %w", err)
	}
	return set, nil
}

// lockIDs takes a transaction-scoped advisory lock per changed id, in
// sorted order so concurrent transactions touching overlapping id sets
// cannot deadlock.
func lockIDs(ctx context.Context, tx pgx.Tx, userID string, ids []string) error {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for _, id := range sorted {
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			userID+"\x00"+id); err != nil {
			return fmt.Errorf("lock id %s: %w", id, err)
		}
	}
	return nil
}

// countRefs returns the reference count per id from a single consistent
// read within the transaction. Ids with no remaining rows report zero.
func countRefs(ctx context.Context, tx pgx.Tx, userID string, ids []string) (map[string]int, error) {
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		counts[id] = 0
	}
	if len(ids) == 0 {
		return counts, nil
	}

	rows, err := tx.Query(ctx, `
SELECT id, COUNT(*) FROM ids
WHERE user_id = $1 AND id = ANY($2)
GROUP BY id`, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("count id references: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan id count: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count id references: %w", err)
	}
	return counts, nil
}
