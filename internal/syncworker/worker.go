// Package syncworker drains the sync queue into the durable tier. One worker
// loop runs per instance; handlers are idempotent so retry-induced replays
// and reorderings converge.
package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/domain"
	"github.com/100-hours-a-week/22-tenten-BootcampChat-be/internal/syncqueue"
)

const (
	consumeBlock = 5 * time.Second
	idleDelay    = 100 * time.Millisecond
	batchSize    = 16
)

// Stats is a snapshot of worker progress for the status endpoints.
type Stats struct {
	Processed int64            `json:"processed"`
	Errors    int64            `json:"errors"`
	ByOp      map[string]int64 `json:"byOperation"`
}

// MessageWriter is the durable-tier surface the handlers apply events to.
// Every method must be safe to call twice with the same arguments.
type MessageWriter interface {
	Upsert(ctx context.Context, msg *domain.Message) error
	SetFields(ctx context.Context, id string, fields map[string]interface{}) error
	PushReaderIfAbsent(ctx context.Context, id string, reader domain.Reader) error
	AddReactionUser(ctx context.Context, id, emoji, userID string) error
	RemoveReactionUser(ctx context.Context, id, emoji, userID string) error
	SoftDelete(ctx context.Context, id string, deletedAt int64) error
}

// Worker consumes sync events and applies them to the durable tier.
type Worker struct {
	queue *syncqueue.Queue
	store MessageWriter
	log   *logrus.Logger

	processed atomic.Int64
	errors    atomic.Int64
	opMu      sync.Mutex
	byOp      map[domain.SyncOp]int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker over the shared queue and durable tier.
func New(queue *syncqueue.Queue, st MessageWriter, log *logrus.Logger) *Worker {
	return &Worker{
		queue: queue,
		store: st,
		log:   log,
		byOp:  make(map[domain.SyncOp]int64),
	}
}

// Start ensures the consumer group exists and launches the consume loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("syncworker: ensure group: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for {
			select {
			case <-loopCtx.Done():
				return
			default:
			}
			n, err := w.queue.Consume(loopCtx, w.handle, consumeBlock, batchSize)
			if err != nil && loopCtx.Err() == nil {
				w.log.WithError(err).Warn("sync consume failed")
			}
			w.processed.Add(int64(n))
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(idleDelay):
			}
		}
	}()
	w.log.Info("sync worker started")
	return nil
}

// Stop drains the current iteration and shuts the loop down.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(consumeBlock + time.Second):
		w.log.Warn("sync worker did not drain in time")
	}
	w.log.Info("sync worker stopped")
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	w.opMu.Lock()
	byOp := make(map[string]int64, len(w.byOp))
	for op, n := range w.byOp {
		byOp[string(op)] = n
	}
	w.opMu.Unlock()
	return Stats{
		Processed: w.processed.Load(),
		Errors:    w.errors.Load(),
		ByOp:      byOp,
	}
}

func (w *Worker) countOp(op domain.SyncOp) {
	w.opMu.Lock()
	w.byOp[op]++
	w.opMu.Unlock()
}

// handle dispatches one event. Errors must propagate so the queue retries.
func (w *Worker) handle(ctx context.Context, event *domain.SyncEvent) error {
	var err error
	switch event.Operation {
	case domain.OpCreateMessage:
		err = w.createMessage(ctx, event.Payload)
	case domain.OpUpdateMessage:
		err = w.updateMessage(ctx, event.Payload)
	case domain.OpMarkAsRead:
		err = w.markAsRead(ctx, event.Payload)
	case domain.OpAddReaction:
		err = w.addReaction(ctx, event.Payload)
	case domain.OpRemoveReaction:
		err = w.removeReaction(ctx, event.Payload)
	case domain.OpDeleteMessage:
		err = w.deleteMessage(ctx, event.Payload)
	default:
		// Unknown operations are not retryable; drop with a log instead of
		// cycling them into the dead letter three times.
		w.log.WithField("operation", event.Operation).Warn("unknown sync operation, dropping")
		return nil
	}
	if err != nil {
		w.errors.Add(1)
		return err
	}
	w.countOp(event.Operation)
	return nil
}

func (w *Worker) createMessage(ctx context.Context, payload json.RawMessage) error {
	var msg domain.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("syncworker: decode message: %w", err)
	}
	return w.store.Upsert(ctx, &msg)
}

func (w *Worker) updateMessage(ctx context.Context, payload json.RawMessage) error {
	var p domain.UpdateMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("syncworker: decode update: %w", err)
	}
	return w.store.SetFields(ctx, p.MessageID, p.UpdateData)
}

func (w *Worker) markAsRead(ctx context.Context, payload json.RawMessage) error {
	var p domain.MarkAsReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("syncworker: decode read receipt: %w", err)
	}
	return w.store.PushReaderIfAbsent(ctx, p.MessageID, domain.Reader{
		UserID: p.UserID,
		ReadAt: p.ReadAt,
	})
}

func (w *Worker) addReaction(ctx context.Context, payload json.RawMessage) error {
	var p domain.ReactionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("syncworker: decode reaction: %w", err)
	}
	return w.store.AddReactionUser(ctx, p.MessageID, p.Emoji, p.UserID)
}

func (w *Worker) removeReaction(ctx context.Context, payload json.RawMessage) error {
	var p domain.ReactionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("syncworker: decode reaction: %w", err)
	}
	return w.store.RemoveReactionUser(ctx, p.MessageID, p.Emoji, p.UserID)
}

func (w *Worker) deleteMessage(ctx context.Context, payload json.RawMessage) error {
	var p domain.DeleteMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("syncworker: decode delete: %w", err)
	}
	return w.store.SoftDelete(ctx, p.MessageID, p.DeletedAt)
}
