// Package stream bridges the generation loop and its callers: callers enqueue
// message batches and wait on a future, the loop dequeues them one at a time
// and streams output back through a Sink.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/samcharles93/lmhost/internal/chat"
)

var (
	ErrStopped         = errors.New("stream: processor stopped")
	ErrAlreadyResolved = errors.New("stream: result already resolved")
	ErrCancelled       = errors.New("stream: request cancelled")
)

// Processor is an ordered queue of events with a single consumer.
type Processor struct {
	mu      sync.Mutex
	queue   []*Event
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func NewProcessor() *Processor {
	return &Processor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue appends an event and returns the future its result is delivered to.
func (p *Processor) Enqueue(id int, msgs []chat.Message, sink Sink) (*Future, error) {
	ev := NewEvent(id, msgs, sink)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, ErrStopped
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return &Future{id: id, cell: ev.cell, ev: ev}, nil
}

// Dequeue blocks until an event is available, the processor stops or ctx
// ends. It returns false when no event will be delivered. Abandoned events
// are failed with ErrCancelled and skipped.
func (p *Processor) Dequeue(ctx context.Context) (*Event, bool) {
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, false
		}
		if len(p.queue) > 0 {
			ev := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			p.mu.Unlock()
			if ev.abandoned.Load() {
				_ = ev.Finish("", ErrCancelled)
				continue
			}
			return ev, true
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-p.done:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Stop rejects further events and fails every queued one with ErrStopped.
// It is safe to call more than once.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	queued := p.queue
	p.queue = nil
	close(p.done)
	p.mu.Unlock()

	for _, ev := range queued {
		_ = ev.Finish("", ErrStopped)
	}
}

// Stopped reports whether Stop was called.
func (p *Processor) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Len returns the number of queued events.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
