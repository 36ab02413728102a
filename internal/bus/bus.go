// Package bus implements the in-process typed publish/subscribe event bus.
// Each subscription gets its own bounded queue and worker goroutine, so a
// slow handler delays only itself. Publish never blocks: when a queue is
// full the event is dropped for that subscriber and logged.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultQueueCap = 256

// Handler processes one event. Returning an error logs it; it never stops
// the worker.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	name    string
	handler Handler
	queue   chan Event
}

// Bus fans events out to per-kind subscribers.
type Bus struct {
	mu       sync.Mutex
	queueCap int
	subs     map[Kind][]*subscription
	log      *slog.Logger

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueCap overrides the per-subscriber queue capacity (default 256).
func WithQueueCap(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// New creates a Bus. Subscriptions must be registered before Start.
func New(log *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		queueCap: defaultQueueCap,
		subs:     make(map[Kind][]*subscription),
		log:      log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a named handler for a kind. Each subscription owns a
// dedicated bounded queue.
func (b *Bus) Subscribe(kind Kind, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], &subscription{
		name:    name,
		handler: h,
		queue:   make(chan Event, b.queueCap),
	})
}

// Publish enqueues ev for every subscriber of its kind. Non-blocking: a full
// queue drops the event for that subscriber only.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs[ev.Kind]
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.queue <- ev:
		default:
			b.log.Warn("event queue full, dropping event",
				"kind", string(ev.Kind), "subscriber", s.name, "event_id", ev.ID)
		}
	}
}

// Start spawns one worker per subscription. Workers drain their queue until
// Stop is called.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for kind, subs := range b.subs {
		for _, s := range subs {
			b.wg.Add(1)
			go b.worker(ctx, kind, s)
		}
	}
}

func (b *Bus) worker(ctx context.Context, kind Kind, s *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			b.dispatch(ctx, kind, s, ev)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, kind Kind, s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic",
				"kind", string(kind), "subscriber", s.name, "panic", r)
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		b.log.Error("handler error",
			"kind", string(kind), "subscriber", s.name, "err", err)
	}
}

// Stop cancels all workers and waits for them to exit. Events still queued
// are discarded.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
}
