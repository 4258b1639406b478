package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Buffer queues events in memory and hands them to a BatchPublisher from the
// Run goroutine when the queue reaches batchSize or every flushInterval.
// Publish never waits on the broker. Safe for concurrent use.
type Buffer struct {
	sink          BatchPublisher
	logger        *slog.Logger
	mu            sync.Mutex
	queue         []Event
	batchSize     int
	flushInterval time.Duration
	kick          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
}

// NewBuffer creates a Buffer in front of sink.
func NewBuffer(sink BatchPublisher, batchSize int, flushInterval time.Duration, logger *slog.Logger) *Buffer {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		sink:          sink,
		logger:        logger,
		queue:         make([]Event, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Run flushes on a timer until ctx is done or Stop is called, then flushes
// whatever is left.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.kick:
			b.Flush()
		case <-ctx.Done():
			b.Flush()
			return
		case <-b.done:
			b.Flush()
			return
		}
	}
}

// Publish enqueues e and, once a batch is full, asks Run to flush. It only
// fails if the event cannot be queued, which never happens for the
// in-memory queue.
func (b *Buffer) Publish(_ context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.queue = append(b.queue, e)
	full := len(b.queue) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush sends everything queued so far. Delivery errors are logged and the
// batch is dropped; events are notifications, not the system of record.
func (b *Buffer) Flush() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.queue
	b.queue = make([]Event, 0, b.batchSize)
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.sink.PublishBatch(ctx, batch); err != nil {
		b.logger.Error("failed to publish events", "count", len(batch), "error", err)
	}
}

// Pending returns the number of queued events.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stop makes Run return after a final flush.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
}
