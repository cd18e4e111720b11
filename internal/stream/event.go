package stream

import (
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/samcharles93/lmhost/internal/chat"
)

// Sink receives streamed output for one request. Write returning false means
// the consumer is gone. IsWritable false asks the producer to hold output
// back without blocking.
type Sink interface {
	Write(id int, chunk string) bool
	IsWritable(id int) bool
	Complete(id int)
}

// Event is one queued request: a batch of messages, the sink to stream into
// and the result slot the caller waits on.
type Event struct {
	ID       int
	Messages []chat.Message

	sink      Sink
	cell      *Cell
	pending   []string
	partial   string
	cancelled bool
	completed bool
	abandoned atomic.Bool
}

// NewEvent builds a standalone event, used by terminal mode where no caller
// waits on a future.
func NewEvent(id int, msgs []chat.Message, sink Sink) *Event {
	return &Event{ID: id, Messages: msgs, sink: sink, cell: NewCell()}
}

// Emit streams a chunk to the sink, buffering while the sink reports it is
// not writable. A trailing incomplete UTF-8 sequence is held until the bytes
// that complete it arrive. It returns false once the consumer is gone.
func (e *Event) Emit(chunk string) bool {
	if e.abandoned.Load() {
		e.cancelled = true
		e.pending = nil
	}
	if e.cancelled {
		return false
	}
	if e.sink == nil {
		return true
	}
	chunk, e.partial = splitIncomplete(e.partial + chunk)
	if chunk == "" {
		return true
	}
	e.pending = append(e.pending, chunk)
	if !e.sink.IsWritable(e.ID) {
		return true
	}
	return e.flush()
}

func (e *Event) flush() bool {
	for len(e.pending) > 0 {
		if !e.sink.Write(e.ID, e.pending[0]) {
			e.cancelled = true
			e.pending = nil
			return false
		}
		e.pending = e.pending[1:]
	}
	return true
}

// splitIncomplete cuts s before a trailing rune that is not yet complete.
// Invalid bytes are not held.
func splitIncomplete(s string) (head, tail string) {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(s[i]) {
			continue
		}
		if !utf8.FullRuneInString(s[i:]) {
			return s[:i], s[i:]
		}
		break
	}
	return s, ""
}

// Cancelled reports whether the sink refused output or the caller abandoned
// the request.
func (e *Event) Cancelled() bool { return e.cancelled || e.abandoned.Load() }

// Abandon marks the request as no longer wanted. The next Emit returns false
// and a queued event is skipped by Dequeue. It is safe to call from any
// goroutine.
func (e *Event) Abandon() { e.abandoned.Store(true) }

// Resolved reports whether the event's result has been set.
func (e *Event) Resolved() bool { return e.cell.Resolved() }

// Finish flushes buffered output, completes the sink and resolves the result.
// The sink is completed once even if Finish is called again; a second
// resolution returns ErrAlreadyResolved.
func (e *Event) Finish(text string, err error) error {
	if e.sink != nil && !e.completed {
		if !e.cancelled && e.partial != "" {
			e.pending = append(e.pending, e.partial)
		}
		e.partial = ""
		if !e.cancelled {
			e.flush()
		}
		e.completed = true
		e.sink.Complete(e.ID)
	}
	if err != nil {
		return e.cell.Fail(err)
	}
	return e.cell.Resolve(text)
}

// SinkFuncs adapts three functions to the Sink interface. Nil functions
// accept everything.
type SinkFuncs struct {
	WriteFunc      func(id int, chunk string) bool
	IsWritableFunc func(id int) bool
	CompleteFunc   func(id int)
}

func (s SinkFuncs) Write(id int, chunk string) bool {
	if s.WriteFunc == nil {
		return true
	}
	return s.WriteFunc(id, chunk)
}

func (s SinkFuncs) IsWritable(id int) bool {
	if s.IsWritableFunc == nil {
		return true
	}
	return s.IsWritableFunc(id)
}

func (s SinkFuncs) Complete(id int) {
	if s.CompleteFunc != nil {
		s.CompleteFunc(id)
	}
}

// Collector accumulates everything written to it.
type Collector struct {
	mu       sync.Mutex
	chunks   []string
	complete bool
	done     chan struct{}
}

func NewCollector() *Collector {
	return &Collector{done: make(chan struct{})}
}

func (c *Collector) Write(_ int, chunk string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, chunk)
	return true
}

func (c *Collector) IsWritable(int) bool { return true }

func (c *Collector) Complete(int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.complete {
		c.complete = true
		close(c.done)
	}
}

// Chunks returns the chunks written so far.
func (c *Collector) Chunks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.chunks))
	copy(out, c.chunks)
	return out
}

// Done is closed when Complete is called.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Completed reports whether Complete was called.
func (c *Collector) Completed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}
