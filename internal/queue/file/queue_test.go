package file

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
	"github.com/JakeFAU/schemamap-crawler/internal/id/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, maxRetries int) (*Queue, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	q, err := New(t.TempDir(), maxRetries, clk, uuid.New(), zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return q, clk
}

func testJob(fileURL string) crawl.Job {
	return crawl.Job{
		Type:    crawl.JobProcessFile,
		FileURL: fileURL,
		SiteURL: "https://example.com",
		UserID:  "tenant-1",
	}
}

func TestSendReceiveAck(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	if err := q.Send(ctx, testJob("https://example.com/a.json")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg, err := q.Receive(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message, got nil")
	}
	if msg.Job.FileURL != "https://example.com/a.json" {
		t.Fatalf("unexpected job: %+v", msg.Job)
	}

	// While in flight the message is invisible to other receivers.
	second, err := q.Receive(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if second != nil {
		t.Fatalf("expected empty queue while message in flight, got %+v", second)
	}

	if err := q.Ack(ctx, msg); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Visible != 0 || stats.InFlight != 0 || stats.DeadLetter != 0 {
		t.Fatalf("expected empty stats after ack, got %+v", stats)
	}
}

func TestReceiveEmptyReturnsNil(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 3)
	msg, err := q.Receive(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg != nil {
		t.Fatalf("expected nil message from empty queue, got %+v", msg)
	}
}

func TestReturnMakesMessageVisible(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	if err := q.Send(ctx, testJob("https://example.com/a.json")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msg, err := q.Receive(ctx, time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("Receive() = %v, %v", msg, err)
	}
	if err := q.Return(ctx, msg); err != nil {
		t.Fatalf("Return() error = %v", err)
	}

	again, err := q.Receive(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if again == nil || again.Job.FileURL != msg.Job.FileURL {
		t.Fatalf("expected returned message to be received again, got %+v", again)
	}
}

func TestFIFOOrdering(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	urls := []string{
		"https://example.com/1.json",
		"https://example.com/2.json",
		"https://example.com/3.json",
	}
	for _, u := range urls {
		if err := q.Send(ctx, testJob(u)); err != nil {
			t.Fatalf("Send(%s) error = %v", u, err)
		}
	}

	for _, want := range urls {
		msg, err := q.Receive(ctx, time.Minute)
		if err != nil || msg == nil {
			t.Fatalf("Receive() = %v, %v", msg, err)
		}
		if msg.Job.FileURL != want {
			t.Fatalf("expected %s, got %s", want, msg.Job.FileURL)
		}
		if err := q.Ack(ctx, msg); err != nil {
			t.Fatalf("Ack() error = %v", err)
		}
	}
}

func TestReaperRequeuesStaleMessages(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 3)
	ctx := context.Background()
	visibility := time.Minute

	if err := q.Send(ctx, testJob("https://example.com/a.json")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	msg, err := q.Receive(ctx, visibility)
	if err != nil || msg == nil {
		t.Fatalf("Receive() = %v, %v", msg, err)
	}

	// Simulate a crashed worker: never ack, let the timeout lapse. The
	// processing file's mtime is in the past relative to the advanced clock.
	clk.Advance(2 * visibility)

	again, err := q.Receive(ctx, visibility)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if again == nil {
		t.Fatal("expected stale message to be requeued")
	}
	if again.Job.FileURL != "https://example.com/a.json" {
		t.Fatalf("unexpected requeued job: %+v", again.Job)
	}
	if got := retryCount(again.ID); got != 1 {
		t.Fatalf("expected retry count 1, got %d (id %s)", got, again.ID)
	}
}

func TestReaperDeadLettersAfterMaxRetries(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, 1)
	ctx := context.Background()
	visibility := time.Minute

	if err := q.Send(ctx, testJob("https://example.com/poison.json")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// First delivery times out and is requeued as retry 1.
	msg, err := q.Receive(ctx, visibility)
	if err != nil || msg == nil {
		t.Fatalf("Receive() = %v, %v", msg, err)
	}
	clk.Advance(2 * visibility)

	// Second delivery times out; retry 1 >= maxRetries moves it to errors.
	msg, err = q.Receive(ctx, visibility)
	if err != nil || msg == nil {
		t.Fatalf("Receive() = %v, %v", msg, err)
	}
	clk.Advance(2 * visibility)

	final, err := q.Receive(ctx, visibility)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if final != nil {
		t.Fatalf("expected dead-lettered message to stay buried, got %+v", final)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.DeadLetter != 1 {
		t.Fatalf("expected 1 dead letter, got %+v", stats)
	}
}

func TestMalformedMessageDeadLettered(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	path := filepath.Join(q.dir, "job-00000000-0000-0000-0000-000000000000.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o640); err != nil {
		t.Fatalf("failed to plant malformed message: %v", err)
	}

	msg, err := q.Receive(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg != nil {
		t.Fatalf("expected malformed message to be skipped, got %+v", msg)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.DeadLetter != 1 {
		t.Fatalf("expected malformed message in dead letters, got %+v", stats)
	}
}

func TestRetryNameRoundTrip(t *testing.T) {
	t.Parallel()

	name := "job-abc.json"
	if got := retryCount(name); got != 0 {
		t.Fatalf("expected 0 retries, got %d", got)
	}
	bumped := withRetryCount(name, 1)
	if bumped != "job-abc.retry1.json" {
		t.Fatalf("unexpected bumped name %s", bumped)
	}
	if got := retryCount(bumped); got != 1 {
		t.Fatalf("expected 1 retry, got %d", got)
	}
	if got := withRetryCount(bumped, 2); got != "job-abc.retry2.json" {
		t.Fatalf("unexpected rebumped name %s", got)
	}
}
