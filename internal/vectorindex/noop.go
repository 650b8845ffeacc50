package vectorindex

import (
	"context"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
)

// NoOp discards all index operations. Used when no index backend is
// configured, so the rest of the pipeline still runs end to end.
type NoOp struct{}

// AddBatch does nothing.
func (NoOp) AddBatch(_ context.Context, _ []crawl.Item) error { return nil }

// DeleteBatch does nothing.
func (NoOp) DeleteBatch(_ context.Context, _ []string) error { return nil }
