// Package vectorindex talks to the external vector search service over its
// REST API. Documents are keyed by a hash of the item id, so adds are
// upserts and every operation is safe to retry.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/embedding"
	"github.com/JakeFAU/schemamap-crawler/internal/hash/sha256"
	"github.com/JakeFAU/schemamap-crawler/internal/metrics"
)

const defaultUploadBatchSize = 100

// Config points the client at the index service.
type Config struct {
	Endpoint  string
	APIKey    string
	BatchSize int
	Timeout   time.Duration
}

// Client implements crawl.VectorIndex against the index service's JSON API.
type Client struct {
	cfg      Config
	embedder crawl.Embedder
	client   *http.Client
	clock    crawl.Clock
	log      *zap.Logger
}

// New builds a client. The embedder supplies vectors for uploaded
// documents; the clock stamps them.
func New(cfg Config, embedder crawl.Embedder, clock crawl.Clock, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("index.endpoint is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultUploadBatchSize
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		embedder: embedder,
		client:   &http.Client{Timeout: timeout},
		clock:    clock,
		log:      logger,
	}, nil
}

// document is the wire form of one indexed item. The key is a hash of the
// item id; the original id travels in the url field.
type document struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Site      string    `json:"site"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp string    `json:"timestamp"`
	Embedding []float32 `json:"embedding"`
}

// AddBatch embeds and upserts items. Embedding happens first for the whole
// call, then documents are uploaded in chunks. Any failure fails the call;
// partially uploaded documents are harmless because a retry upserts them
// again.
func (c *Client) AddBatch(ctx context.Context, items []crawl.Item) error {
	if len(items) == 0 {
		return nil
	}

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = embedding.EssentialText(item.Object)
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed %d items: %w", len(items), err)
	}
	if len(vectors) != len(items) {
		return fmt.Errorf("embedder returned %d vectors for %d items", len(vectors), len(items))
	}

	now := c.clock.Now().UTC().Format(time.RFC3339)
	docs := make([]document, len(items))
	for i, item := range items {
		docs[i] = document{
			ID:        sha256.DocKey(item.ID),
			URL:       item.ID,
			Site:      item.Site,
			Type:      embedding.TypeString(item.Object),
			Content:   texts[i],
			Timestamp: now,
			Embedding: vectors[i],
		}
	}

	for start := 0; start < len(docs); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := c.upload(ctx, docs[start:end]); err != nil {
			return err
		}
	}
	c.log.Debug("indexed items", zap.Int("count", len(items)))
	return nil
}

// DeleteBatch removes documents by item id. Missing documents are not an
// error on the service side, so deletes are retry-safe too.
func (c *Client) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sha256.DocKey(id)
	}
	for start := 0; start < len(keys); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		payload := map[string]any{"ids": keys[start:end]}
		if err := c.post(ctx, "/documents/delete", payload); err != nil {
			return err
		}
	}
	c.log.Debug("deleted items from index", zap.Int("count", len(ids)))
	return nil
}

func (c *Client) upload(ctx context.Context, docs []document) error {
	return c.post(ctx, "/documents", map[string]any{"documents": docs})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal index request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("api-key", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ObserveExternalCall("index", time.Since(start))
	if err != nil {
		return fmt.Errorf("index POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("index POST %s: status %d: %s", path, resp.StatusCode, body)
	}
	return nil
}
