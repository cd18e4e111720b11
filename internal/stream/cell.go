package stream

import (
	"context"
	"fmt"
	"sync"
)

// Cell is a single-assignment result slot. Exactly one of Resolve or Fail
// succeeds; every later attempt returns ErrAlreadyResolved.
type Cell struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	text     string
	err      error
}

func NewCell() *Cell {
	return &Cell{done: make(chan struct{})}
}

// Resolve stores a value.
func (c *Cell) Resolve(text string) error {
	return c.set(text, nil)
}

// Fail stores a failure. A nil err is recorded as ErrCancelled.
func (c *Cell) Fail(err error) error {
	if err == nil {
		err = ErrCancelled
	}
	return c.set("", err)
}

func (c *Cell) set(text string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		if err != nil {
			return fmt.Errorf("%w (dropped failure: %v)", ErrAlreadyResolved, err)
		}
		return ErrAlreadyResolved
	}
	c.resolved = true
	c.text = text
	c.err = err
	close(c.done)
	return nil
}

// Resolved reports whether a value or failure has been stored.
func (c *Cell) Resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved
}

// Done is closed once the cell is resolved.
func (c *Cell) Done() <-chan struct{} { return c.done }

// Wait blocks until the cell is resolved or ctx ends.
func (c *Cell) Wait(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.text, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Future is the caller side of an enqueued Event.
type Future struct {
	id   int
	cell *Cell
	ev   *Event
}

func (f *Future) ID() int { return f.id }

func (f *Future) Done() <-chan struct{} { return f.cell.Done() }

// Wait blocks until the generation loop resolves the request or ctx ends.
func (f *Future) Wait(ctx context.Context) (string, error) {
	return f.cell.Wait(ctx)
}

// Cancel abandons the request. A queued request is skipped and one in flight
// stops at its next token.
func (f *Future) Cancel() {
	if f.ev != nil {
		f.ev.Abandon()
	}
}
