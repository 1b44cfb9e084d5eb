package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"
)

// Consumer reads dispatch notifications and wakes the worker lease loop.
// Offsets are auto-committed; a dropped record is harmless because the
// next lease poll picks the job up anyway.
type Consumer struct {
	client *kgo.Client
	topic  string
	wake   func(jobID string)
}

// NewConsumer constructs a group consumer on the dispatch topic. wake is
// invoked once per record with the job id and must not block.
func NewConsumer(brokers []string, groupID, topic string, wake func(jobID string)) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if topic == "" {
		return nil, fmt.Errorf("dispatch topic cannot be empty")
	}
	if wake == nil {
		return nil, fmt.Errorf("missing wake callback")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
		kgo.FetchMaxWait(5*time.Second),
		kgo.AutoCommitInterval(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	slog.Info("dispatch consumer created",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic))
	return &Consumer{client: client, topic: topic, wake: wake}, nil
}

// Run polls the dispatch topic until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("dispatch consumer started", slog.String("topic", c.topic))
	for {
		fetches := c.client.PollFetches(ctx)
		if err := ctx.Err(); err != nil {
			slog.Info("dispatch consumer stopping", slog.Any("reason", err))
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Warn("dispatch fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			jobID := string(rec.Key)
			if jobID == "" {
				return
			}
			c.wake(jobID)
		})
	}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
