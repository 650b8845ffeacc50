package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	maxRateLimitRetries = 8
	maxBackoff          = 64 * time.Second
)

// OpenAIConfig configures the embedding service client.
type OpenAIConfig struct {
	Endpoint  string
	APIKey    string
	Model     string
	Dimension int
	BatchSize int
	Timeout   time.Duration
}

// OpenAI calls an OpenAI-compatible embeddings endpoint over REST.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
	log    *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewOpenAI builds a client. Endpoint should be the service base URL; the
// /embeddings path is appended.
func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) (*OpenAI, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding.endpoint is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 1536
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    logger,
		sleep:  sleepCtx,
	}, nil
}

// Dimension returns the vector dimension the service produces.
func (o *OpenAI) Dimension() int { return o.cfg.Dimension }

// Embed produces a vector for one text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch produces one vector per input text, preserving order. Inputs
// beyond the configured batch size are sent in chunks. Rate limiting backs
// off exponentially; a batch that exceeds the model's context is split in
// half and retried, and a single oversized text degrades to a zero vector
// rather than poisoning the whole job.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := o.embedChunk(ctx, texts[start:end], 0)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (o *OpenAI) embedChunk(ctx context.Context, texts []string, attempt int) ([][]float32, error) {
	vecs, err := o.call(ctx, texts)
	if err == nil {
		return vecs, nil
	}

	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.rateLimited():
		if attempt >= maxRateLimitRetries {
			return nil, fmt.Errorf("rate limit exceeded after %d retries: %w", maxRateLimitRetries, err)
		}
		wait := backoff(attempt)
		o.log.Warn("embedding rate limit, backing off",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait))
		if err := o.sleep(ctx, wait); err != nil {
			return nil, err
		}
		return o.embedChunk(ctx, texts, attempt+1)

	case errors.As(err, &apiErr) && apiErr.tokenLimited():
		if len(texts) > 1 {
			o.log.Warn("embedding batch over context limit, splitting",
				zap.Int("size", len(texts)))
			mid := len(texts) / 2
			first, err := o.embedChunk(ctx, texts[:mid], 0)
			if err != nil {
				return nil, err
			}
			second, err := o.embedChunk(ctx, texts[mid:], 0)
			if err != nil {
				return nil, err
			}
			return append(first, second...), nil
		}
		o.log.Warn("single text over context limit, substituting zero vector")
		return [][]float32{make([]float32, o.cfg.Dimension)}, nil

	default:
		return nil, err
	}
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("embedding service returned %d: %s", e.status, e.body)
}

func (e *apiError) rateLimited() bool {
	return e.status == http.StatusTooManyRequests ||
		strings.Contains(strings.ToLower(e.body), "rate limit")
}

func (e *apiError) tokenLimited() bool {
	body := strings.ToLower(e.body)
	return strings.Contains(body, "maximum context length") || strings.Contains(body, "token")
}

func (o *OpenAI) call(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Input: texts, Model: o.cfg.Model})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	url := strings.TrimRight(o.cfg.Endpoint, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding service: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			o.log.Warn("failed to close embedding response body", zap.Error(err))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{status: resp.StatusCode, body: string(body)}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding service returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	vecs := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func backoff(attempt int) time.Duration {
	wait := time.Duration(1<<(attempt+1)) * time.Second
	if wait > maxBackoff {
		wait = maxBackoff
	}
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
