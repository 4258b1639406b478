package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
)

// recordingSink records every batch it receives.
type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
}

func (s *recordingSink) PublishBatch(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]Event, len(batch))
	copy(cp, batch)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *recordingSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func provisioned(userID string) Event {
	return Event{Type: TypeAccountProvisioned, UserID: userID, ClubID: "club-1", Role: "coach", Path: "signup"}
}

// ---- Buffer ----

// waitDelivered polls until sink has seen n events or two seconds pass.
func waitDelivered(sink *recordingSink, n int) {
	deadline := time.Now().Add(2 * time.Second)
	for sink.total() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuffer_QueuesUntilBatchSize(t *testing.T) {
	sink := &recordingSink{}
	b := NewBuffer(sink, 3, time.Hour, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	_ = b.Publish(ctx, provisioned("u1"))
	_ = b.Publish(ctx, provisioned("u2"))
	time.Sleep(20 * time.Millisecond)
	if b.Pending() != 2 || sink.total() != 0 {
		t.Fatalf("pending=%d delivered=%d, want 2/0", b.Pending(), sink.total())
	}

	_ = b.Publish(ctx, provisioned("u3"))
	waitDelivered(sink, 3)
	if b.Pending() != 0 || sink.total() != 3 {
		t.Fatalf("pending=%d delivered=%d, want 0/3", b.Pending(), sink.total())
	}
}

func TestBuffer_StampsOccurredAt(t *testing.T) {
	sink := &recordingSink{}
	b := NewBuffer(sink, 10, time.Hour, quiet())
	_ = b.Publish(context.Background(), provisioned("u1"))
	b.Flush()
	if sink.batches[0][0].OccurredAt.IsZero() {
		t.Error("OccurredAt should be set")
	}
}

// blockingSink holds every PublishBatch call until release is closed.
type blockingSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) PublishBatch(ctx context.Context, _ []Event) error {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestBuffer_PublishDoesNotWaitOnSink(t *testing.T) {
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	defer close(sink.release)
	b := NewBuffer(sink, 1, time.Hour, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	_ = b.Publish(ctx, provisioned("u1"))
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("full batch was never handed to the sink")
	}

	// The sink is now stuck; further full batches must still return at once.
	returned := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			_ = b.Publish(ctx, provisioned("u"))
		}
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stalled sink")
	}
	if b.Pending() != 5 {
		t.Errorf("pending=%d, want 5", b.Pending())
	}
}

func TestBuffer_FlushesOnStop(t *testing.T) {
	sink := &recordingSink{}
	b := NewBuffer(sink, 100, time.Hour, quiet())

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()

	_ = b.Publish(context.Background(), provisioned("u1"))
	b.Stop()
	b.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if sink.total() != 1 {
		t.Errorf("delivered %d, want 1", sink.total())
	}
}

func TestBuffer_FlushesOnTicker(t *testing.T) {
	sink := &recordingSink{}
	b := NewBuffer(sink, 100, 10*time.Millisecond, quiet())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	_ = b.Publish(ctx, provisioned("u1"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.total() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sink.total() != 1 {
		t.Errorf("delivered %d, want 1", sink.total())
	}
}

func TestBuffer_SinkErrorDropsBatch(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	b := NewBuffer(sink, 1, time.Hour, quiet())

	if err := b.Publish(context.Background(), provisioned("u1")); err != nil {
		t.Fatalf("Publish should not surface sink errors: %v", err)
	}
	b.Flush()
	if b.Pending() != 0 {
		t.Errorf("failed batch should be dropped, pending=%d", b.Pending())
	}
}

func TestBuffer_ConcurrentPublish(t *testing.T) {
	sink := &recordingSink{}
	b := NewBuffer(sink, 7, time.Hour, quiet())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Publish(context.Background(), provisioned("u"))
		}()
	}
	wg.Wait()
	b.Flush()

	if sink.total() != 50 {
		t.Errorf("delivered %d, want 50", sink.total())
	}
}

// ---- LogPublisher ----

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	p := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))

	e := Event{Type: TypeCredentialOrphaned, IdentityID: "uid-1", Email: "coach@example.com"}
	if err := p.Publish(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, `"type":"credential.orphaned"`) || !strings.Contains(out, `"identity_id":"uid-1"`) {
		t.Errorf("unexpected log line: %s", out)
	}
	if strings.Contains(out, "coach@example.com") {
		t.Error("log publisher must not write raw email addresses")
	}
}

// ---- AMQP encoding ----

func TestEncode(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msg, err := encode(Event{Type: TypeAccountProvisioned, UserID: "u1", OccurredAt: at})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent {
		t.Errorf("unexpected publishing headers: %+v", msg)
	}
	if msg.Type != TypeAccountProvisioned || !msg.Timestamp.Equal(at) {
		t.Errorf("type/timestamp not carried: %q %v", msg.Type, msg.Timestamp)
	}

	var got Event
	if err := json.Unmarshal(msg.Body, &got); err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u1" {
		t.Errorf("body user_id = %q", got.UserID)
	}
}
