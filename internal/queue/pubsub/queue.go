// Package pubsub implements the job queue on Google Cloud Pub/Sub.
//
// Publishing uses the high-level client. Receiving uses the low-level
// subscriber API so a single message can be pulled and its ack deadline
// managed explicitly, which maps directly onto the visibility-timeout
// contract. Authentication is via Application Default Credentials; no
// secrets are embedded.
package pubsub

import (
	"context"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	subscriber "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"go.uber.org/zap"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
)

// Queue is a crawl.Queue backed by a Pub/Sub topic and subscription.
type Queue struct {
	client  *gcppubsub.Client
	topic   *gcppubsub.Topic
	sub     *subscriber.SubscriberClient
	subName string
	log     *zap.Logger
}

// New connects to Pub/Sub and verifies the topic and subscription exist.
func New(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*Queue, error) {
	client, err := gcppubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		closeQuietly(client, logger)
		return nil, fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !exists {
		closeQuietly(client, logger)
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	sub, err := subscriber.NewSubscriberClient(ctx)
	if err != nil {
		closeQuietly(client, logger)
		return nil, fmt.Errorf("create subscriber client: %w", err)
	}

	return &Queue{
		client:  client,
		topic:   topic,
		sub:     sub,
		subName: fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subscriptionID),
		log:     logger,
	}, nil
}

func closeQuietly(client *gcppubsub.Client, logger *zap.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("failed to close pubsub client", zap.Error(err))
	}
}

// Send publishes the job and waits for the server to acknowledge it, so a
// nil return means the message is durably enqueued.
func (q *Queue) Send(ctx context.Context, job crawl.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := job.Marshal()
	if err != nil {
		return err
	}
	result := q.topic.Publish(ctx, &gcppubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive pulls at most one message and extends its ack deadline to the
// visibility timeout. It returns (nil, nil) when the subscription is empty.
func (q *Queue) Receive(ctx context.Context, visibilityTimeout time.Duration) (*crawl.Message, error) {
	resp, err := q.sub.Pull(ctx, &pubsubpb.PullRequest{
		Subscription: q.subName,
		MaxMessages:  1,
		// Return immediately on an empty subscription instead of holding
		// the poll open; the worker loop supplies its own idle backoff.
		ReturnImmediately: true, //nolint:staticcheck
	})
	if err != nil {
		return nil, fmt.Errorf("pull message: %w", err)
	}
	if len(resp.ReceivedMessages) == 0 {
		return nil, nil
	}

	rm := resp.ReceivedMessages[0]
	if err := q.sub.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       q.subName,
		AckIds:             []string{rm.AckId},
		AckDeadlineSeconds: int32(visibilityTimeout.Seconds()),
	}); err != nil {
		return nil, fmt.Errorf("extend ack deadline: %w", err)
	}

	job, err := crawl.UnmarshalJob(rm.Message.Data)
	if err != nil {
		// Malformed payloads can never succeed; drop them rather than
		// letting redelivery spin forever.
		q.log.Warn("dropping malformed message", zap.String("message", rm.Message.MessageId), zap.Error(err))
		if ackErr := q.sub.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
			Subscription: q.subName,
			AckIds:       []string{rm.AckId},
		}); ackErr != nil {
			q.log.Error("failed to drop malformed message", zap.Error(ackErr))
		}
		return nil, nil
	}

	return &crawl.Message{ID: rm.Message.MessageId, Job: job, ReceiptHandle: rm.AckId}, nil
}

// Ack acknowledges the message by its receipt handle.
func (q *Queue) Ack(ctx context.Context, msg *crawl.Message) error {
	ackID, ok := msg.ReceiptHandle.(string)
	if !ok {
		return fmt.Errorf("invalid receipt handle %T", msg.ReceiptHandle)
	}
	if err := q.sub.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: q.subName,
		AckIds:       []string{ackID},
	}); err != nil {
		return fmt.Errorf("ack message %s: %w", msg.ID, err)
	}
	return nil
}

// Return zeroes the ack deadline so the message is redelivered immediately.
func (q *Queue) Return(ctx context.Context, msg *crawl.Message) error {
	ackID, ok := msg.ReceiptHandle.(string)
	if !ok {
		return fmt.Errorf("invalid receipt handle %T", msg.ReceiptHandle)
	}
	if err := q.sub.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       q.subName,
		AckIds:             []string{ackID},
		AckDeadlineSeconds: 0,
	}); err != nil {
		return fmt.Errorf("return message %s: %w", msg.ID, err)
	}
	return nil
}

// Stats is a no-op for Pub/Sub: the service exposes no queue-depth API on
// the data plane, so all depths report zero.
func (q *Queue) Stats(_ context.Context) (crawl.QueueStats, error) {
	return crawl.QueueStats{}, nil
}

// Close releases both client connections.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.sub.Close(); err != nil {
		return fmt.Errorf("close subscriber client: %w", err)
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
