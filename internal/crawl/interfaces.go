package crawl

import (
	"context"
	"time"
)

// Queue is the durable mailbox of jobs. Delivery is at-least-once: a
// received message stays invisible to other consumers for the visibility
// timeout, then reappears unless acked. Every handler must therefore be
// idempotent.
type Queue interface {
	// Send enqueues a job.
	Send(ctx context.Context, job Job) error

	// Receive returns the next message not currently in flight elsewhere,
	// hiding it for the given visibility timeout. It returns (nil, nil)
	// when the queue is empty.
	Receive(ctx context.Context, visibilityTimeout time.Duration) (*Message, error)

	// Ack permanently removes a message. Called only after the work it
	// represents has been durably applied.
	Ack(ctx context.Context, msg *Message) error

	// Return makes a message visible again immediately. Backends whose
	// timeout expiry restores visibility anyway may treat this as a hint.
	Return(ctx context.Context, msg *Message) error

	// Stats reports approximate queue depth.
	Stats(ctx context.Context) (QueueStats, error)
}

// Fetcher retrieves a single document over HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// FetchResponse carries a fetched document.
type FetchResponse struct {
	URL         string
	StatusCode  int
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// VectorIndex is the facade over the external vector search service.
// Documents are keyed by a stable hash of the item id, so adds are upserts
// and both operations are safe to retry.
type VectorIndex interface {
	AddBatch(ctx context.Context, items []Item) error
	DeleteBatch(ctx context.Context, ids []string) error
}

// Embedder produces fixed-dimension vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Archive stores raw fetched documents for later inspection. Best effort:
// callers must not fail a job on archive errors.
type Archive interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes digests for content-change detection and index keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces message IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
