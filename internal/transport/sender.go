package transport

import (
	"context"
	"sync"
)

// emitter delivers connection events to the owner on a single goroutine, in
// the order they were raised. Raising an event never blocks, so pion's
// callback goroutines are never held up by the consumer.
type emitter struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

// newEmitter starts the delivery loop. It exits when ctx is cancelled; events
// still queued at that point are discarded.
func newEmitter(ctx context.Context) *emitter {
	e := &emitter{notify: make(chan struct{}, 1)}
	go e.loop(ctx)
	return e
}

func (e *emitter) loop(ctx context.Context) {
	for {
		select {
		case <-e.notify:
		case <-ctx.Done():
			return
		}

		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

// emit enqueues fn for delivery.
func (e *emitter) emit(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.notify <- struct{}{}:
	default:
	}
}
