package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"stablepay/internal/metrics"
)

// Sink accepts notifications without blocking the caller.
type Sink interface {
	Emit(note Notification)
}

// EmitterOptions tune the async emitter.
type EmitterOptions struct {
	QueueSize   int
	SendTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Emitter delivers notifications on a single background worker. Emit never blocks;
// when the queue is full the notification is dropped and logged.
type Emitter struct {
	notifier Notifier
	opts     EmitterOptions
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

// NewEmitter starts the worker goroutine.
func NewEmitter(notifier Notifier, opts EmitterOptions, logger zerolog.Logger) *Emitter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	e := &Emitter{
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "notify_emitter").Logger(),
		queue:    make(chan Notification, opts.QueueSize),
		done:     make(chan struct{}),
	}
	go e.loop()
	return e
}

// Emit enqueues note.
func (e *Emitter) Emit(note Notification) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.opts.Metrics.ObserveNotification("dropped")
		e.logger.Warn().Str("tx", note.TxIdentifier).Msg("emitter closed; notification dropped")
		return
	}
	select {
	case e.queue <- note:
	default:
		e.opts.Metrics.ObserveNotification("dropped")
		e.logger.Warn().Str("tx", note.TxIdentifier).Msg("notification queue full; dropped")
	}
}

func (e *Emitter) loop() {
	defer close(e.done)
	for note := range e.queue {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
		err := e.notifier.Notify(ctx, note)
		cancel()
		if err != nil {
			e.opts.Metrics.ObserveNotification("error")
			e.logger.Error().Err(err).Str("tx", note.TxIdentifier).Str("status", note.Status).Msg("notification failed")
			continue
		}
		e.opts.Metrics.ObserveNotification("sent")
	}
}

// Close stops accepting notifications and waits for the queue to drain or ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard is a sink that drops everything.
type Discard struct{}

// Emit implements Sink.
func (Discard) Emit(Notification) {}

var (
	_ Sink = (*Emitter)(nil)
	_ Sink = Discard{}
)
