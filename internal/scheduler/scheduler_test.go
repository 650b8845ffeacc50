package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/catalog"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
)

type fakeCatalog struct {
	due     []catalog.Site
	dueErr  error
	touched []string
}

func (c *fakeCatalog) DueSites(_ context.Context, limit int) ([]catalog.Site, error) {
	if c.dueErr != nil {
		return nil, c.dueErr
	}
	if len(c.due) > limit {
		return c.due[:limit], nil
	}
	return c.due, nil
}

func (c *fakeCatalog) TouchSiteProcessed(_ context.Context, siteURL, userID string) error {
	c.touched = append(c.touched, siteURL+"|"+userID)
	return nil
}

type fakeMaster struct {
	processed []string
	failFor   map[string]error
}

func (m *fakeMaster) ProcessSite(_ context.Context, siteURL, userID string) (int, error) {
	if err := m.failFor[siteURL]; err != nil {
		return 0, err
	}
	m.processed = append(m.processed, siteURL+"|"+userID)
	return 1, nil
}

func newTestScheduler(cat Catalog, master SiteProcessor, cfg Config) *Scheduler {
	metrics.Init()
	return New(cat, master, cfg, zap.NewNop())
}

func TestSweepProcessesDueSites(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{due: []catalog.Site{
		{SiteURL: "one.example.com", UserID: "tenant-1"},
		{SiteURL: "two.example.com", UserID: "tenant-2"},
	}}
	master := &fakeMaster{}
	s := newTestScheduler(cat, master, Config{})

	processed := s.Sweep(context.Background())
	assert.Equal(t, 2, processed)
	assert.Equal(t, []string{"one.example.com|tenant-1", "two.example.com|tenant-2"}, master.processed)
	assert.Equal(t, []string{"one.example.com|tenant-1", "two.example.com|tenant-2"}, cat.touched)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{due: []catalog.Site{
		{SiteURL: "bad.example.com", UserID: "tenant-1"},
		{SiteURL: "good.example.com", UserID: "tenant-1"},
	}}
	master := &fakeMaster{failFor: map[string]error{
		"bad.example.com": errors.New("robots.txt on fire"),
	}}
	s := newTestScheduler(cat, master, Config{})

	processed := s.Sweep(context.Background())
	assert.Equal(t, 1, processed)
	assert.Equal(t, []string{"good.example.com|tenant-1"}, master.processed)
	assert.NotContains(t, cat.touched, "bad.example.com|tenant-1",
		"failed sites stay due for the next sweep")
}

func TestSweepHonorsBatchLimit(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{}
	for i := 0; i < 10; i++ {
		cat.due = append(cat.due, catalog.Site{SiteURL: "example.com", UserID: "tenant-1"})
	}
	master := &fakeMaster{}
	s := newTestScheduler(cat, master, Config{MaxSitesPerSweep: 3})

	processed := s.Sweep(context.Background())
	assert.Equal(t, 3, processed)
}

func TestSweepDueSitesError(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{dueErr: errors.New("db down")}
	s := newTestScheduler(cat, &fakeMaster{}, Config{})
	assert.Zero(t, s.Sweep(context.Background()))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	cat := &fakeCatalog{}
	s := newTestScheduler(cat, &fakeMaster{}, Config{Interval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
}
