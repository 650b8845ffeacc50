// Package scheduler re-runs discovery for sites whose processing interval
// has lapsed.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
)

// Catalog is the slice of the catalog store the scheduler needs.
type Catalog interface {
	DueSites(ctx context.Context, limit int) ([]catalog.Site, error)
	TouchSiteProcessed(ctx context.Context, siteURL, userID string) error
}

// SiteProcessor runs the discovery pipeline for one site.
type SiteProcessor interface {
	ProcessSite(ctx context.Context, siteURL, userID string) (int, error)
}

// Config controls sweep cadence and batch size.
type Config struct {
	// Interval is the sleep between sweeps.
	Interval time.Duration
	// MaxSitesPerSweep bounds one sweep so a large backlog cannot starve
	// the loop.
	MaxSitesPerSweep int
}

// Scheduler periodically sweeps the catalog for due sites and hands each
// one to the master. A site's failure never stops the sweep.
type Scheduler struct {
	catalog Catalog
	master  SiteProcessor
	cfg     Config
	log     *zap.Logger
}

// New constructs a Scheduler.
func New(cat Catalog, master SiteProcessor, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.MaxSitesPerSweep <= 0 {
		cfg.MaxSitesPerSweep = 50
	}
	return &Scheduler{
		catalog: cat,
		master:  master,
		cfg:     cfg,
		log:     logger,
	}
}

// Run blocks, sweeping until the context finishes. The first sweep happens
// immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep processes every due site once. Returns the number of sites that
// processed without error.
func (s *Scheduler) Sweep(ctx context.Context) int {
	metrics.ObserveSchedulerRun()

	sites, err := s.catalog.DueSites(ctx, s.cfg.MaxSitesPerSweep)
	if err != nil {
		s.log.Error("list due sites failed", zap.Error(err))
		return 0
	}
	if len(sites) == 0 {
		s.log.Debug("no sites due")
		return 0
	}
	s.log.Info("sweep starting", zap.Int("due_sites", len(sites)))

	processed := 0
	for _, site := range sites {
		if ctx.Err() != nil {
			return processed
		}
		queued, err := s.master.ProcessSite(ctx, site.SiteURL, site.UserID)
		if err != nil {
			s.log.Error("process site failed",
				zap.String("site", site.SiteURL),
				zap.String("user_id", site.UserID),
				zap.Error(err))
			continue
		}
		if err := s.catalog.TouchSiteProcessed(ctx, site.SiteURL, site.UserID); err != nil {
			s.log.Error("touch site failed",
				zap.String("site", site.SiteURL),
				zap.Error(err))
		}
		s.log.Debug("site swept",
			zap.String("site", site.SiteURL),
			zap.Int("jobs_queued", queued))
		processed++
	}
	return processed
}
