package stream

import (
	"context"
	"sync"
)

// ChanSink forwards chunks to a channel and closes it on Complete. Writes
// fail once ctx ends, which the producer treats as cancellation.
type ChanSink struct {
	ctx  context.Context
	ch   chan string
	once sync.Once
}

func NewChanSink(ctx context.Context, buffer int) *ChanSink {
	return &ChanSink{ctx: ctx, ch: make(chan string, buffer)}
}

// C returns the receive side of the sink.
func (s *ChanSink) C() <-chan string { return s.ch }

func (s *ChanSink) Write(_ int, chunk string) bool {
	select {
	case s.ch <- chunk:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// IsWritable is false while the buffer is full so the producer can keep
// decoding instead of blocking on the send.
func (s *ChanSink) IsWritable(int) bool {
	if s.ctx.Err() != nil {
		return true // let Write report the cancellation
	}
	return len(s.ch) < cap(s.ch)
}

func (s *ChanSink) Complete(int) {
	s.once.Do(func() { close(s.ch) })
}
