package alerting

import (
	"context"
	"sync"
	"testing"
	"time"
)

type blockingNotifier struct {
	mu      sync.Mutex
	release chan struct{}
	notes   []Notification
}

func (b *blockingNotifier) Notify(ctx context.Context, note Notification) error {
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	b.notes = append(b.notes, note)
	b.mu.Unlock()
	return nil
}

func (b *blockingNotifier) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.notes)
}

func TestEmitterDrainsOnClose(t *testing.T) {
	n := &blockingNotifier{}
	e := NewEmitter(n, EmitterOptions{QueueSize: 8}, testLogger())
	for i := 0; i < 5; i++ {
		e.Emit(sampleNote())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n.count() != 5 {
		t.Fatalf("expected 5 deliveries, got %d", n.count())
	}

	e.Emit(sampleNote())
	if n.count() != 5 {
		t.Fatal("emit after close must be dropped")
	}
}

func TestEmitterNeverBlocksWhenFull(t *testing.T) {
	n := &blockingNotifier{release: make(chan struct{})}
	e := NewEmitter(n, EmitterOptions{QueueSize: 1}, testLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.Emit(sampleNote())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	close(n.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := n.count(); got < 1 || got > 2 {
		t.Fatalf("expected the in-flight and queued notes only, got %d", got)
	}
}
