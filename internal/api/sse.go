package api

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/labstack/echo/v5"
)

var errStreamingUnsupported = errors.New("streaming unsupported")

// sseBatch is written as consecutive events.
type sseBatch []any

// sseSink streams generated text to an HTTP response as server-sent events.
// The generation goroutine writes through it while the handler owns the
// response before and after the dispatch, so every write holds mu. Once the
// handler returns, or the client goes away, writes report false and the
// session cancels the request. A chunk func may return nil to hold text back.
type sseSink struct {
	ctx   context.Context
	chunk func(text string) any
	// sentinel is written by done; empty writes nothing.
	sentinel string

	mu     sync.Mutex
	w      io.Writer
	flush  func()
	closed bool
	err    error
	wrote  int
}

func newSSESink(c *echo.Context, chunk func(text string) any) (*sseSink, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, errStreamingUnsupported
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	return &sseSink{
		ctx:      c.Request().Context(),
		chunk:    chunk,
		sentinel: "[DONE]",
		w:        res,
		flush:    flusher.Flush,
	}, nil
}

func (s *sseSink) Write(_ int, text string) bool {
	if s.ctx.Err() != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	v := s.chunk(text)
	if v == nil {
		return true
	}
	if err := s.sendLocked(v); err != nil {
		return false
	}
	s.wrote++
	return true
}

func (s *sseSink) IsWritable(int) bool { return true }

func (s *sseSink) Complete(int) {}

// send writes an event outside the token stream, such as the opening role
// chunk or the final finish_reason chunk.
func (s *sseSink) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.err
	}
	return s.sendLocked(v)
}

func (s *sseSink) sendLocked(v any) error {
	events, ok := v.(sseBatch)
	if !ok {
		events = sseBatch{v}
	}
	for _, ev := range events {
		if err := sendSSEChunk(s.w, ev); err != nil {
			s.closed = true
			s.err = err
			return err
		}
	}
	s.flush()
	return nil
}

// done writes the sentinel and refuses any later writes.
func (s *sseSink) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.sentinel != "" {
		_, _ = io.WriteString(s.w, "data: "+s.sentinel+"\n\n")
		s.flush()
	}
	s.closed = true
}

// chunks returns the number of token chunks streamed.
func (s *sseSink) chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wrote
}
