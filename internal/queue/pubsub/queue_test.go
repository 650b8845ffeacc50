package pubsub

import (
	"context"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	subscriber "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
)

func newFakeQueue(t *testing.T) *Queue {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Log(err)
		}
	})

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := conn.Close(); err != nil {
			t.Log(err)
		}
	})

	client, err := gcppubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "topic-id")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "sub-id", gcppubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	sub, err := subscriber.NewSubscriberClient(ctx, option.WithGRPCConn(conn))
	require.NoError(t, err)

	return &Queue{
		client:  client,
		topic:   topic,
		sub:     sub,
		subName: "projects/project-id/subscriptions/sub-id",
		log:     zap.NewNop(),
	}
}

func testJob(fileURL string) crawl.Job {
	return crawl.Job{
		Type:    crawl.JobProcessFile,
		FileURL: fileURL,
		SiteURL: "https://example.com",
		UserID:  "tenant-1",
	}
}

func TestQueueSendReceiveAck(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue(t)

	require.NoError(t, q.Send(ctx, testJob("https://example.com/a.json")))

	var msg *crawl.Message
	var err error
	// pstest delivers asynchronously; poll briefly.
	for i := 0; i < 50; i++ {
		msg, err = q.Receive(ctx, time.Minute)
		require.NoError(t, err)
		if msg != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, msg, "expected a message")
	require.Equal(t, "https://example.com/a.json", msg.Job.FileURL)

	require.NoError(t, q.Ack(ctx, msg))
}

func TestQueueReturnRedelivers(t *testing.T) {
	ctx := context.Background()
	q := newFakeQueue(t)

	require.NoError(t, q.Send(ctx, testJob("https://example.com/a.json")))

	var msg *crawl.Message
	var err error
	for i := 0; i < 50; i++ {
		msg, err = q.Receive(ctx, time.Minute)
		require.NoError(t, err)
		if msg != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, msg)

	require.NoError(t, q.Return(ctx, msg))

	var again *crawl.Message
	for i := 0; i < 50; i++ {
		again, err = q.Receive(ctx, time.Minute)
		require.NoError(t, err)
		if again != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotNil(t, again, "expected returned message to be redelivered")
	require.Equal(t, msg.Job.FileURL, again.Job.FileURL)
}

func TestQueueRejectsInvalidJob(t *testing.T) {
	q := newFakeQueue(t)
	err := q.Send(context.Background(), crawl.Job{Type: crawl.JobProcessFile})
	require.Error(t, err)
}
