// Package syncqueue is the append-only mutation log between the hot tier and
// the durable tier: redis streams with consumer groups, bounded retries and a
// dead-letter stream.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/hottier"
)

const (
	StreamName     = "mongo_sync_stream"
	DeadLetterName = "mongo_sync_dead_letter"
	GroupName      = "mongo_sync_workers"

	// MaxRetries bounds re-enqueues before an event is dead-lettered.
	MaxRetries = 3
)

// Handler applies one sync event to the durable tier. It must be idempotent
// and must return an error on failure so the queue retries.
type Handler func(ctx context.Context, event *domain.SyncEvent) error

// Queue wraps the hot-tier stream surface with enqueue/consume semantics.
type Queue struct {
	client   hottier.Client
	consumer string
	log      *logrus.Logger
}

// New creates a queue bound to the shared hot tier. The consumer name is
// derived from the process so pending entries are attributable.
func New(client hottier.Client, log *logrus.Logger) *Queue {
	return &Queue{
		client:   client,
		consumer: fmt.Sprintf("%d-%d", os.Getpid(), time.Now().Unix()),
		log:      log,
	}
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	return q.client.StreamGroupCreate(ctx, StreamName, GroupName)
}

// Enqueue appends a mutation event to the primary stream.
func (q *Queue) Enqueue(ctx context.Context, op domain.SyncOp, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("syncqueue: marshal payload: %w", err)
	}
	id, err := q.client.StreamAppend(ctx, StreamName, map[string]interface{}{
		"operation":  string(op),
		"data":       string(data),
		"timestamp":  domain.NowMillis(),
		"retryCount": 0,
	})
	if err != nil {
		if hottier.IsUnsupported(err) {
			q.log.WithField("operation", op).Warn("sync queue unavailable, durable write-back skipped")
			return "", nil
		}
		return "", fmt.Errorf("syncqueue: enqueue %s: %w", op, err)
	}
	return id, nil
}

// Consume blocks up to block for new entries and feeds each through handler.
// Successful entries are acknowledged. Failed entries are re-enqueued with an
// incremented retryCount until MaxRetries, then copied to the dead-letter
// stream; either way the original entry is acknowledged so the pending list
// drains. Returns the number of entries processed.
func (q *Queue) Consume(ctx context.Context, handler Handler, block time.Duration, count int64) (int, error) {
	entries, err := q.client.StreamReadGroup(ctx, hottier.StreamReadArgs{
		Stream:   StreamName,
		Group:    GroupName,
		Consumer: q.consumer,
		Count:    count,
		Block:    block,
	})
	if err != nil {
		if hottier.IsUnsupported(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("syncqueue: read group: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		event := parseEntry(entry)
		if err := handler(ctx, event); err != nil {
			q.retry(ctx, event, err)
		} else {
			processed++
		}
		if ackErr := q.client.StreamAck(ctx, StreamName, GroupName, entry.ID); ackErr != nil {
			q.log.WithError(ackErr).WithField("entryId", entry.ID).Warn("failed to ack sync entry")
		}
	}
	return processed, nil
}

// retry re-enqueues a failed event or routes it to the dead-letter stream
// once its retry budget is exhausted.
func (q *Queue) retry(ctx context.Context, event *domain.SyncEvent, cause error) {
	originalID := event.OriginalID
	if originalID == "" {
		originalID = event.ID
	}

	if event.RetryCount < MaxRetries {
		_, err := q.client.StreamAppend(ctx, StreamName, map[string]interface{}{
			"operation":  string(event.Operation),
			"data":       string(event.Payload),
			"timestamp":  domain.NowMillis(),
			"retryCount": event.RetryCount + 1,
			"originalId": originalID,
			"lastError":  cause.Error(),
		})
		if err != nil {
			q.log.WithError(err).WithFields(logrus.Fields{
				"operation": event.Operation,
				"entryId":   event.ID,
			}).Error("failed to re-enqueue sync event")
		}
		return
	}

	_, err := q.client.StreamAppend(ctx, DeadLetterName, map[string]interface{}{
		"operation":  string(event.Operation),
		"data":       string(event.Payload),
		"timestamp":  domain.NowMillis(),
		"retryCount": event.RetryCount,
		"originalId": originalID,
		"finalError": cause.Error(),
	})
	if err != nil {
		q.log.WithError(err).WithField("entryId", event.ID).Error("failed to dead-letter sync event")
		return
	}
	q.log.WithFields(logrus.Fields{
		"operation":  event.Operation,
		"originalId": originalID,
	}).Error("sync event moved to dead letter after retries")
}

func parseEntry(entry hottier.StreamEntry) *domain.SyncEvent {
	retries, _ := strconv.Atoi(entry.Fields["retryCount"])
	ts, _ := strconv.ParseInt(entry.Fields["timestamp"], 10, 64)
	return &domain.SyncEvent{
		ID:         entry.ID,
		Operation:  domain.SyncOp(entry.Fields["operation"]),
		Payload:    json.RawMessage(entry.Fields["data"]),
		Timestamp:  ts,
		RetryCount: retries,
		OriginalID: entry.Fields["originalId"],
		LastError:  entry.Fields["lastError"],
	}
}
