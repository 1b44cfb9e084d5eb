// Package redpanda publishes and consumes dispatch notifications for
// research jobs over Redpanda/Kafka.
//
// Dispatch is a wake-up signal, not a work queue: jobs are durable in
// Postgres and workers lease them from there. A lost notification only
// delays pickup until the next lease poll, so consumers stay simple and
// the producer keeps exactly-once semantics only to avoid flooding the
// topic with duplicates on retry.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/deep-research/internal/domain"
)

const defaultTransactionalID = "deep-research-dispatch"

// dispatchEnvelope is the wire form of one dispatch notification.
type dispatchEnvelope struct {
	JobID       string    `json:"job_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Notifier publishes job dispatch notifications with exactly-once
// semantics. It implements domain.DispatchNotifier.
type Notifier struct {
	client *kgo.Client
	topic  string

	// transactionChan serializes transactions; franz-go allows one
	// in-flight transaction per transactional id.
	transactionChan chan struct{}
}

var _ domain.DispatchNotifier = (*Notifier)(nil)

// NewNotifier constructs a Notifier for the given brokers and topic.
func NewNotifier(brokers []string, topic string) (*Notifier, error) {
	return NewNotifierWithTransactionalID(brokers, topic, defaultTransactionalID)
}

// NewNotifierWithTransactionalID constructs a Notifier with a custom
// transactional ID so tests can run producers side by side.
func NewNotifierWithTransactionalID(brokers []string, topic, transactionalID string) (*Notifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("dispatch topic cannot be empty")
	}
	slog.Info("creating dispatch notifier",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("transactional_id", transactionalID))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := ensureTopic(context.Background(), client, topic, 1, 1); err != nil {
		// The broker may auto-create topics or another producer may have
		// won the race; publishing will surface a real problem.
		slog.Warn("ensure dispatch topic", slog.String("topic", topic), slog.Any("error", err))
	}

	return &Notifier{
		client:          client,
		topic:           topic,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// NotifySubmitted publishes the job id to the dispatch topic. The write is
// transactional so retries never leave a half-committed batch behind.
func (n *Notifier) NotifySubmitted(ctx domain.Context, jobID string) error {
	select {
	case n.transactionChan <- struct{}{}:
		defer func() { <-n.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := n.client.BeginTransaction(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	b, err := json.Marshal(dispatchEnvelope{JobID: jobID, SubmittedAt: time.Now().UTC()})
	if err != nil {
		n.abort(ctx, jobID)
		return fmt.Errorf("marshal dispatch: %w", err)
	}

	record := &kgo.Record{
		Topic: n.topic,
		// Key by job id so resubmissions of the same job stay ordered
		// within a partition.
		Key:   []byte(jobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(jobID)},
		},
	}

	e := kgo.AbortingFirstErrPromise(n.client)
	n.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		n.abort(ctx, jobID)
		return fmt.Errorf("produce: %w", err)
	}

	if err := n.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	slog.Debug("dispatch notification published",
		slog.String("job_id", jobID),
		slog.String("topic", n.topic))
	return nil
}

func (n *Notifier) abort(ctx context.Context, jobID string) {
	if err := n.client.EndTransaction(ctx, kgo.TryAbort); err != nil {
		slog.Error("failed to abort dispatch transaction",
			slog.String("job_id", jobID),
			slog.Any("error", err))
	}
}

// Ping verifies broker connectivity. Readiness probes use it.
func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx)
}

// Close flushes and releases the underlying client.
func (n *Notifier) Close() error {
	if n.client != nil {
		n.client.Close()
	}
	return nil
}
