// Package master discovers a site's schema map, diffs it against the
// catalog, and turns the result into queue jobs. It never touches the
// vector index itself; workers do that.
package master

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
)

// Refresh modes stored on a site row. Diff queues only newly discovered
// files; full queues every listed file and relies on the worker's content
// hash to skip unchanged ones.
const (
	RefreshModeDiff = "diff"
	RefreshModeFull = "full"
)

// Catalog is the slice of the catalog store the master needs.
type Catalog interface {
	AddSite(ctx context.Context, site catalog.Site) error
	GetSite(ctx context.Context, siteURL, userID string) (catalog.Site, error)
	DeactivateSite(ctx context.Context, siteURL, userID string) error
	SiteFiles(ctx context.Context, siteURL, userID string) ([]catalog.File, error)
	UpdateSiteFiles(ctx context.Context, siteURL, userID, schemaMapURL string, currentFileURLs []string) (added, removed []string, err error)
	AddManualFile(ctx context.Context, siteURL, userID, fileURL, schemaMap string) error
}

// Master coordinates schema-map discovery and diffing for sites.
type Master struct {
	catalog Catalog
	queue   crawl.Queue
	fetcher crawl.Fetcher
	clock   crawl.Clock
	log     *zap.Logger
}

// New constructs a Master.
func New(cat Catalog, queue crawl.Queue, fetcher crawl.Fetcher, clock crawl.Clock, logger *zap.Logger) *Master {
	return &Master{
		catalog: cat,
		queue:   queue,
		fetcher: fetcher,
		clock:   clock,
		log:     logger,
	}
}

// ProcessSite runs the full discovery pipeline for one site: the stored
// schema-map URL if the site has one, otherwise robots.txt directives,
// otherwise the /schema_map.xml convention. Every discovered map is
// diffed and its changes queued. Returns the number of jobs queued.
func (m *Master) ProcessSite(ctx context.Context, siteURL, userID string) (int, error) {
	normalized := catalog.NormalizeSiteURL(siteURL)
	log := m.log.With(zap.String("site", normalized), zap.String("user_id", userID))

	mapURLs := []string{}
	refreshMode := RefreshModeDiff

	site, err := m.catalog.GetSite(ctx, normalized, userID)
	switch {
	case err == nil && site.SchemaMapURL != "":
		mapURLs = append(mapURLs, site.SchemaMapURL)
		if site.RefreshMode != "" {
			refreshMode = site.RefreshMode
		}
		log.Debug("using stored schema map", zap.String("schema_map", site.SchemaMapURL))
	case err == nil, isNotFound(err):
		mapURLs, err = m.discoverSchemaMaps(ctx, normalized)
		if err != nil {
			return 0, err
		}
	default:
		return 0, err
	}

	if len(mapURLs) == 0 {
		log.Debug("no schema maps found")
		return 0, nil
	}

	queued := 0
	for _, mapURL := range mapURLs {
		n, err := m.AddSchemaMapToSite(ctx, normalized, userID, mapURL, refreshMode)
		if err != nil {
			return queued, err
		}
		queued += n
	}
	log.Info("processed site", zap.Int("schema_maps", len(mapURLs)), zap.Int("jobs_queued", queued))
	return queued, nil
}

// AddSchemaMapToSite registers mapURL on the site, fetches and parses it,
// diffs the listed files against the catalog, and queues one process_file
// job per file to refresh plus one process_removed_file job per file that
// disappeared from the map. Unchanged files queue nothing in diff mode.
func (m *Master) AddSchemaMapToSite(ctx context.Context, siteURL, userID, mapURL, refreshMode string) (int, error) {
	normalized := catalog.NormalizeSiteURL(siteURL)
	if refreshMode == "" {
		refreshMode = RefreshModeDiff
	}

	if err := m.catalog.AddSite(ctx, catalog.Site{
		SiteURL:      normalized,
		UserID:       userID,
		SchemaMapURL: mapURL,
		RefreshMode:  refreshMode,
	}); err != nil {
		return 0, err
	}

	resp, err := m.fetcher.Fetch(ctx, mapURL)
	if err != nil {
		return 0, fmt.Errorf("fetch schema map %s: %w", mapURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch schema map %s: status %d", mapURL, resp.StatusCode)
	}

	fileURLs, err := ParseSchemaMap(resp.Body, mapURL)
	if err != nil {
		return 0, fmt.Errorf("schema map %s: %w", mapURL, err)
	}
	if len(fileURLs) == 0 {
		m.log.Debug("schema map lists no schema.org files", zap.String("schema_map", mapURL))
		return 0, nil
	}

	added, removed, err := m.catalog.UpdateSiteFiles(ctx, normalized, userID, mapURL, fileURLs)
	if err != nil {
		return 0, err
	}
	m.log.Info("schema map diffed",
		zap.String("schema_map", mapURL),
		zap.Int("listed", len(fileURLs)),
		zap.Int("added", len(added)),
		zap.Int("removed", len(removed)))

	toQueue := added
	if refreshMode == RefreshModeFull {
		toQueue = fileURLs
	}

	queued := 0
	for _, fileURL := range toQueue {
		if err := m.enqueue(ctx, crawl.Job{
			Type:      crawl.JobProcessFile,
			FileURL:   fileURL,
			SiteURL:   normalized,
			UserID:    userID,
			SchemaMap: mapURL,
		}); err == nil {
			queued++
		}
	}
	for _, fileURL := range removed {
		if err := m.enqueue(ctx, crawl.Job{
			Type:    crawl.JobProcessRemovedFile,
			FileURL: fileURL,
			UserID:  userID,
		}); err == nil {
			queued++
		}
	}
	return queued, nil
}

// AddManualFile pins a file to a site outside any schema map and queues it
// for processing. Manual files survive schema-map diffs; only an explicit
// removal detaches them.
func (m *Master) AddManualFile(ctx context.Context, siteURL, userID, fileURL string) error {
	normalized := catalog.NormalizeSiteURL(siteURL)
	if err := m.catalog.AddSite(ctx, catalog.Site{SiteURL: normalized, UserID: userID}); err != nil {
		return err
	}
	if err := m.catalog.AddManualFile(ctx, normalized, userID, fileURL, ""); err != nil {
		return err
	}
	return m.enqueue(ctx, crawl.Job{
		Type:    crawl.JobProcessFile,
		FileURL: fileURL,
		SiteURL: normalized,
		UserID:  userID,
	})
}

// RemoveSite deactivates a site and queues a removal job for each of its
// files, so workers unwind the index references. The site row stays for
// history; its files are torn down by the removal jobs.
func (m *Master) RemoveSite(ctx context.Context, siteURL, userID string) (int, error) {
	normalized := catalog.NormalizeSiteURL(siteURL)
	files, err := m.catalog.SiteFiles(ctx, normalized, userID)
	if err != nil {
		return 0, err
	}
	if err := m.catalog.DeactivateSite(ctx, normalized, userID); err != nil {
		return 0, err
	}

	queued := 0
	for _, file := range files {
		if err := m.enqueue(ctx, crawl.Job{
			Type:    crawl.JobProcessRemovedFile,
			FileURL: file.FileURL,
			UserID:  userID,
		}); err == nil {
			queued++
		}
	}
	m.log.Info("site removed",
		zap.String("site", normalized),
		zap.String("user_id", userID),
		zap.Int("removal_jobs", queued))
	return queued, nil
}

// RemoveSchemaMap queues a removal job for every active file that came
// from the given schema map. Files and their index references are torn
// down by the workers, keeping removal ordering identical to site removal.
func (m *Master) RemoveSchemaMap(ctx context.Context, siteURL, userID, mapURL string) (int, error) {
	normalized := catalog.NormalizeSiteURL(siteURL)
	files, err := m.catalog.SiteFiles(ctx, normalized, userID)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, file := range files {
		if file.SchemaMap != mapURL {
			continue
		}
		if err := m.enqueue(ctx, crawl.Job{
			Type:    crawl.JobProcessRemovedFile,
			FileURL: file.FileURL,
			UserID:  userID,
		}); err == nil {
			queued++
		}
	}
	m.log.Info("schema map removed",
		zap.String("site", normalized),
		zap.String("schema_map", mapURL),
		zap.Int("removal_jobs", queued))
	return queued, nil
}

// discoverSchemaMaps finds a site's schema maps without catalog state:
// robots.txt schemaMap directives first, then the /schema_map.xml
// convention. Robots problems are not fatal; the fallback probe is.
func (m *Master) discoverSchemaMaps(ctx context.Context, normalizedSite string) ([]string, error) {
	base := "https://" + normalizedSite

	if resp, err := m.fetcher.Fetch(ctx, base+"/robots.txt"); err == nil && resp.StatusCode == http.StatusOK {
		maps := schemaMapDirectives(string(resp.Body), base)
		if len(maps) > 0 {
			return maps, nil
		}
	} else if err != nil {
		m.log.Debug("robots.txt unavailable", zap.String("site", normalizedSite), zap.Error(err))
	}

	fallback := base + "/schema_map.xml"
	resp, err := m.fetcher.Fetch(ctx, fallback)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", fallback, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	return []string{fallback}, nil
}

// schemaMapDirectives extracts schemaMap: lines from a robots.txt body,
// resolving relative values against the site base.
func schemaMapDirectives(robots, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil
	}
	var maps []string
	for _, line := range strings.Split(robots, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToLower(line), "schemamap:") {
			continue
		}
		value := strings.TrimSpace(line[len("schemamap:"):])
		if value == "" {
			continue
		}
		ref, err := url.Parse(value)
		if err != nil {
			continue
		}
		maps = append(maps, baseURL.ResolveReference(ref).String())
	}
	return maps
}

func (m *Master) enqueue(ctx context.Context, job crawl.Job) error {
	job.QueuedAt = m.clock.Now().UTC()
	if err := m.queue.Send(ctx, job); err != nil {
		m.log.Error("enqueue job failed",
			zap.String("type", string(job.Type)),
			zap.String("file_url", job.FileURL),
			zap.Error(err))
		return err
	}
	metrics.ObserveFileQueued(string(job.Type))
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, catalog.ErrNotFound)
}
