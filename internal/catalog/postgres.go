package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config controls the Postgres connection pool backing the store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is the Postgres-backed catalog.
type Store struct {
	pool  dbPool
	locks *siteLocks
	log   *zap.Logger
}

// NewStore connects a pool and returns a ready store.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, locks: newSiteLocks(), log: logger}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, locks: newSiteLocks(), log: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS sites (
	site_url TEXT NOT NULL,
	user_id TEXT NOT NULL,
	process_interval_hours DOUBLE PRECISION NOT NULL DEFAULT 720,
	last_processed TIMESTAMPTZ,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	schema_map_url TEXT,
	refresh_mode TEXT NOT NULL DEFAULT 'diff',
	PRIMARY KEY (site_url, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS files (
	site_url TEXT NOT NULL,
	user_id TEXT NOT NULL,
	file_url TEXT NOT NULL,
	schema_map TEXT,
	last_read_time TIMESTAMPTZ,
	number_of_items INTEGER NOT NULL DEFAULT 0,
	is_manual BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	file_hash TEXT,
	content_type TEXT,
	PRIMARY KEY (file_url, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS ids (
	file_url TEXT NOT NULL,
	user_id TEXT NOT NULL,
	id TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS processing_errors (
	id BIGSERIAL PRIMARY KEY,
	file_url TEXT NOT NULL,
	user_id TEXT NOT NULL,
	error_type TEXT NOT NULL,
	error_message TEXT,
	error_details TEXT,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	// The ids table can grow to millions of rows; both access paths need
	// covering indexes.
	`CREATE INDEX IF NOT EXISTS idx_ids_user_id ON ids (user_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_ids_file_url ON ids (file_url, user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sites_schema_map ON sites (schema_map_url)`,
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}
	}
	return nil
}

// AddSite registers a site, reactivating and updating it if it already exists.
func (s *Store) AddSite(ctx context.Context, site Site) error {
	siteURL := NormalizeSiteURL(site.SiteURL)
	if siteURL == "" || site.UserID == "" {
		return fmt.Errorf("site_url and user_id are required")
	}
	interval := site.ProcessIntervalHours
	if interval <= 0 {
		interval = 720
	}
	mode := site.RefreshMode
	if mode == "" {
		mode = "diff"
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO sites (site_url, user_id, process_interval_hours, schema_map_url, refresh_mode)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (site_url, user_id) DO UPDATE SET
	process_interval_hours = EXCLUDED.process_interval_hours,
	is_active = TRUE,
	schema_map_url = COALESCE(EXCLUDED.schema_map_url, sites.schema_map_url),
	refresh_mode = EXCLUDED.refresh_mode`,
		siteURL, site.UserID, interval, site.SchemaMapURL, mode)
	if err != nil {
		return fmt.Errorf("add site %s: %w", siteURL, err)
	}
	return nil
}

// DeactivateSite soft-deletes a site. File rows are left alone; the caller
// enqueues removal jobs for them.
func (s *Store) DeactivateSite(ctx context.Context, siteURL, userID string) error {
	siteURL = NormalizeSiteURL(siteURL)
	tag, err := s.pool.Exec(ctx,
		`UPDATE sites SET is_active = FALSE WHERE site_url = $1 AND user_id = $2`,
		siteURL, userID)
	if err != nil {
		return fmt.Errorf("deactivate site %s: %w", siteURL, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("site %s: %w", siteURL, ErrNotFound)
	}
	return nil
}

// Sites lists all sites for a tenant.
func (s *Store) Sites(ctx context.Context, userID string) ([]Site, error) {
	rows, err := s.pool.Query(ctx, `
SELECT site_url, user_id, process_interval_hours, last_processed, is_active, created_at,
	COALESCE(schema_map_url, ''), refresh_mode
FROM sites
WHERE user_id = $1
ORDER BY site_url`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var site Site
		if err := rows.Scan(&site.SiteURL, &site.UserID, &site.ProcessIntervalHours,
			&site.LastProcessed, &site.IsActive, &site.CreatedAt,
			&site.SchemaMapURL, &site.RefreshMode); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// GetSite fetches one site row.
func (s *Store) GetSite(ctx context.Context, siteURL, userID string) (Site, error) {
	siteURL = NormalizeSiteURL(siteURL)
	var site Site
	err := s.pool.QueryRow(ctx, `
SELECT site_url, user_id, process_interval_hours, last_processed, is_active, created_at,
	COALESCE(schema_map_url, ''), refresh_mode
FROM sites
WHERE site_url = $1 AND user_id = $2`, siteURL, userID).
		Scan(&site.SiteURL, &site.UserID, &site.ProcessIntervalHours,
			&site.LastProcessed, &site.IsActive, &site.CreatedAt,
			&site.SchemaMapURL, &site.RefreshMode)
	if errors.Is(err, pgx.ErrNoRows) {
		return Site{}, fmt.Errorf("site %s: %w", siteURL, ErrNotFound)
	}
	if err != nil {
		return Site{}, fmt.Errorf("get site %s: %w", siteURL, err)
	}
	return site, nil
}

// DueSites returns active sites whose processing interval has lapsed (or
// that have never been processed), oldest first.
func (s *Store) DueSites(ctx context.Context, limit int) ([]Site, error) {
	rows, err := s.pool.Query(ctx, `
SELECT site_url, user_id, process_interval_hours, last_processed, is_active, created_at,
	COALESCE(schema_map_url, ''), refresh_mode
FROM sites
WHERE is_active
	AND (last_processed IS NULL
		OR last_processed + process_interval_hours * interval '1 hour' <= now())
ORDER BY last_processed ASC NULLS FIRST
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list due sites: %w", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var site Site
		if err := rows.Scan(&site.SiteURL, &site.UserID, &site.ProcessIntervalHours,
			&site.LastProcessed, &site.IsActive, &site.CreatedAt,
			&site.SchemaMapURL, &site.RefreshMode); err != nil {
			return nil, fmt.Errorf("scan due site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due sites: %w", err)
	}
	return sites, nil
}

// TouchSiteProcessed stamps a site's last_processed time.
func (s *Store) TouchSiteProcessed(ctx context.Context, siteURL, userID string) error {
	siteURL = NormalizeSiteURL(siteURL)
	if _, err := s.pool.Exec(ctx,
		`UPDATE sites SET last_processed = now() WHERE site_url = $1 AND user_id = $2`,
		siteURL, userID); err != nil {
		return fmt.Errorf("touch site %s: %w", siteURL, err)
	}
	return nil
}

// SiteStatuses aggregates file and id counts per site for a tenant.
func (s *Store) SiteStatuses(ctx context.Context, userID string) ([]SiteStatus, error) {
	rows, err := s.pool.Query(ctx, `
SELECT
	s.site_url,
	s.is_active,
	s.last_processed,
	COUNT(DISTINCT f.file_url) AS total_files,
	COUNT(DISTINCT f.file_url) FILTER (WHERE f.is_manual) AS manual_files,
	COUNT(DISTINCT i.id) AS total_ids
FROM sites s
LEFT JOIN files f ON f.site_url = s.site_url AND f.user_id = $1 AND f.is_active
LEFT JOIN ids i ON i.file_url = f.file_url AND i.user_id = $1
WHERE s.user_id = $1
GROUP BY s.site_url, s.is_active, s.last_processed
ORDER BY s.site_url`, userID)
	if err != nil {
		return nil, fmt.Errorf("site statuses: %w", err)
	}
	defer rows.Close()

	var statuses []SiteStatus
	for rows.Next() {
		var st SiteStatus
		if err := rows.Scan(&st.SiteURL, &st.IsActive, &st.LastProcessed,
			&st.TotalFiles, &st.ManualFiles, &st.TotalIDs); err != nil {
			return nil, fmt.Errorf("scan site status: %w", err)
		}
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("site statuses: %w", err)
	}
	return statuses, nil
}

// GetFile fetches one file row.
func (s *Store) GetFile(ctx context.Context, fileURL, userID string) (File, error) {
	var f File
	err := s.pool.QueryRow(ctx, `
SELECT site_url, user_id, file_url, COALESCE(schema_map, ''), last_read_time,
	number_of_items, is_manual, is_active, COALESCE(file_hash, ''), COALESCE(content_type, '')
FROM files
WHERE file_url = $1 AND user_id = $2`, fileURL, userID).
		Scan(&f.SiteURL, &f.UserID, &f.FileURL, &f.SchemaMap, &f.LastReadTime,
			&f.NumberOfItems, &f.IsManual, &f.IsActive, &f.FileHash, &f.ContentType)
	if errors.Is(err, pgx.ErrNoRows) {
		return File{}, fmt.Errorf("file %s: %w", fileURL, ErrNotFound)
	}
	if err != nil {
		return File{}, fmt.Errorf("get file %s: %w", fileURL, err)
	}
	return f, nil
}

// SiteFiles lists a site's active files.
func (s *Store) SiteFiles(ctx context.Context, siteURL, userID string) ([]File, error) {
	siteURL = NormalizeSiteURL(siteURL)
	rows, err := s.pool.Query(ctx, `
SELECT site_url, user_id, file_url, COALESCE(schema_map, ''), last_read_time,
	number_of_items, is_manual, is_active, COALESCE(file_hash, ''), COALESCE(content_type, '')
FROM files
WHERE site_url = $1 AND user_id = $2 AND is_active
ORDER BY file_url`, siteURL, userID)
	if err != nil {
		return nil, fmt.Errorf("list site files: %w", err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.SiteURL, &f.UserID, &f.FileURL, &f.SchemaMap, &f.LastReadTime,
			&f.NumberOfItems, &f.IsManual, &f.IsActive, &f.FileHash, &f.ContentType); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list site files: %w", err)
	}
	return files, nil
}

// UpdateSiteFiles diffs the file-URL set a schema map currently lists
// against the catalog's active auto-discovered files for that schema map,
// upserting the new ones and deactivating the vanished ones. Manual files
// are never touched. The whole diff runs in one transaction with the site
// row locked, serialized additionally by a per-site mutex, so two
// concurrent diffs for the same site cannot interleave.
func (s *Store) UpdateSiteFiles(ctx context.Context, siteURL, userID, schemaMapURL string, currentFileURLs []string) (added, removed []string, err error) {
	siteURL = NormalizeSiteURL(siteURL)

	lock := s.locks.get(siteURL + "\x00" + userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin site diff: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.log.Warn("rollback site diff failed", zap.Error(rbErr))
			}
		}
	}()

	// Cross-process serialization: hold the site row for the duration.
	var locked string
	err = tx.QueryRow(ctx,
		`SELECT site_url FROM sites WHERE site_url = $1 AND user_id = $2 FOR UPDATE`,
		siteURL, userID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("site %s: %w", siteURL, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock site %s: %w", siteURL, err)
	}

	rows, err := tx.Query(ctx, `
SELECT file_url FROM files
WHERE site_url = $1 AND user_id = $2 AND schema_map = $3 AND is_active AND NOT is_manual`,
		siteURL, userID, schemaMapURL)
	if err != nil {
		return nil, nil, fmt.Errorf("read existing files: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var u string
		if err = rows.Scan(&u); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan existing file: %w", err)
		}
		existing[u] = true
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read existing files: %w", err)
	}

	current := make(map[string]bool, len(currentFileURLs))
	for _, u := range currentFileURLs {
		current[u] = true
	}
	for u := range current {
		if !existing[u] {
			added = append(added, u)
		}
	}
	for u := range existing {
		if !current[u] {
			removed = append(removed, u)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	for _, u := range added {
		if _, err = tx.Exec(ctx, `
INSERT INTO files (site_url, user_id, file_url, schema_map, is_manual, is_active)
VALUES ($1, $2, $3, $4, FALSE, TRUE)
ON CONFLICT (file_url, user_id) DO UPDATE SET
	is_active = TRUE,
	site_url = EXCLUDED.site_url,
	schema_map = EXCLUDED.schema_map`,
			siteURL, userID, u, schemaMapURL); err != nil {
			return nil, nil, fmt.Errorf("upsert file %s: %w", u, err)
		}
	}
	if len(removed) > 0 {
		if _, err = tx.Exec(ctx, `
UPDATE files SET is_active = FALSE
WHERE site_url = $1 AND user_id = $2 AND NOT is_manual AND file_url = ANY($3)`,
			siteURL, userID, removed); err != nil {
			return nil, nil, fmt.Errorf("deactivate files: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit site diff: %w", err)
	}
	return added, removed, nil
}

// AddManualFile registers (or reactivates) an explicitly-added file. Manual
// files are exempt from schema-map diffing.
func (s *Store) AddManualFile(ctx context.Context, siteURL, userID, fileURL, schemaMap string) error {
	siteURL = NormalizeSiteURL(siteURL)
	if _, err := s.pool.Exec(ctx, `
INSERT INTO files (site_url, user_id, file_url, schema_map, is_manual, is_active)
VALUES ($1, $2, $3, NULLIF($4, ''), TRUE, TRUE)
ON CONFLICT (file_url, user_id) DO UPDATE SET
	is_active = TRUE,
	is_manual = TRUE,
	schema_map = EXCLUDED.schema_map`,
		siteURL, userID, fileURL, schemaMap); err != nil {
		return fmt.Errorf("add manual file %s: %w", fileURL, err)
	}
	return nil
}

// DeactivateFile soft-deletes a file row.
func (s *Store) DeactivateFile(ctx context.Context, fileURL, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE files SET is_active = FALSE WHERE file_url = $1 AND user_id = $2`,
		fileURL, userID); err != nil {
		return fmt.Errorf("deactivate file %s: %w", fileURL, err)
	}
	return nil
}

// FileIDs returns the id set currently recorded for a file.
func (s *Store) FileIDs(ctx context.Context, fileURL, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT id FROM ids WHERE file_url = $1 AND user_id = $2 ORDER BY id`,
		fileURL, userID)
	if err != nil {
		return nil, fmt.Errorf("list file ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list file ids: %w", err)
	}
	return ids, nil
}

// LogProcessingError records a failure for a file.
func (s *Store) LogProcessingError(ctx context.Context, pe ProcessingError) error {
	if _, err := s.pool.Exec(ctx, `
INSERT INTO processing_errors (file_url, user_id, error_type, error_message, error_details)
VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
		pe.FileURL, pe.UserID, pe.ErrorType, pe.ErrorMessage, pe.ErrorDetails); err != nil {
		return fmt.Errorf("log processing error: %w", err)
	}
	return nil
}

// FileErrors returns the most recent errors recorded for a file.
func (s *Store) FileErrors(ctx context.Context, fileURL string, limit int) ([]ProcessingError, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT file_url, user_id, error_type, COALESCE(error_message, ''), COALESCE(error_details, ''), occurred_at
FROM processing_errors
WHERE file_url = $1
ORDER BY occurred_at DESC
LIMIT $2`, fileURL, limit)
	if err != nil {
		return nil, fmt.Errorf("list file errors: %w", err)
	}
	defer rows.Close()

	var out []ProcessingError
	for rows.Next() {
		var pe ProcessingError
		if err := rows.Scan(&pe.FileURL, &pe.UserID, &pe.ErrorType, &pe.ErrorMessage,
			&pe.ErrorDetails, &pe.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan processing error: %w", err)
		}
		out = append(out, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list file errors: %w", err)
	}
	return out, nil
}

// ClearFileErrors drops the error history for a file after a clean run.
func (s *Store) ClearFileErrors(ctx context.Context, fileURL, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM processing_errors WHERE file_url = $1 AND user_id = $2`,
		fileURL, userID); err != nil {
		return fmt.Errorf("clear file errors: %w", err)
	}
	return nil
}
