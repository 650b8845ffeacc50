// Package memory provides an in-memory job queue for tests and local
// development. It honors the same visibility-timeout contract as the
// durable backends, but nothing survives a process restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
)

type inFlight struct {
	msg      crawl.Message
	deadline time.Time
}

// Queue is a crawl.Queue held entirely in process memory.
type Queue struct {
	clock crawl.Clock
	ids   crawl.IDGenerator

	mu       sync.Mutex
	pending  []crawl.Message
	inFlight map[string]inFlight
}

// NewQueue constructs an empty queue.
func NewQueue(clock crawl.Clock, ids crawl.IDGenerator) *Queue {
	return &Queue{
		clock:    clock,
		ids:      ids,
		inFlight: make(map[string]inFlight),
	}
}

// Send appends a job to the pending list.
func (q *Queue) Send(ctx context.Context, job crawl.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send canceled: %w", err)
	}
	if err := job.Validate(); err != nil {
		return err
	}
	id, err := q.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, crawl.Message{ID: id, Job: job, ReceiptHandle: id})
	return nil
}

// Receive pops the oldest visible message, restoring any expired in-flight
// messages first. It returns (nil, nil) when nothing is visible.
func (q *Queue) Receive(ctx context.Context, visibilityTimeout time.Duration) (*crawl.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("receive canceled: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for id, f := range q.inFlight {
		if now.After(f.deadline) {
			q.pending = append(q.pending, f.msg)
			delete(q.inFlight, id)
		}
	}

	if len(q.pending) == 0 {
		return nil, nil
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight[msg.ID] = inFlight{msg: msg, deadline: now.Add(visibilityTimeout)}
	return &msg, nil
}

// Ack drops the message for good.
func (q *Queue) Ack(_ context.Context, msg *crawl.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, msg.ID)
	return nil
}

// Return moves the message back to pending immediately.
func (q *Queue) Return(_ context.Context, msg *crawl.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	f, ok := q.inFlight[msg.ID]
	if !ok {
		return nil
	}
	delete(q.inFlight, msg.ID)
	q.pending = append(q.pending, f.msg)
	return nil
}

// Stats reports current depths. The memory backend has no dead letters.
func (q *Queue) Stats(_ context.Context) (crawl.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return crawl.QueueStats{Visible: len(q.pending), InFlight: len(q.inFlight)}, nil
}
