package logits

import "strings"

// minHistory is the number of accepted tokens always kept for stop-string
// checks, regardless of the repeat window.
const minHistory = 32

// Chain wraps a Sampler with the bookkeeping a generation loop needs: the
// repeat-penalty window, which Reset clears, and the history of accepted
// tokens, which survives resets.
type Chain struct {
	s       *Sampler
	penalty []int
	prev    []int
	histCap int
	scratch []float32
}

// NewChain validates cfg and builds a chain around a new Sampler.
func NewChain(cfg SamplerConfig) (*Chain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := NewSampler(cfg)
	return &Chain{
		s:       s,
		histCap: max(minHistory, s.cfg.RepeatLastN),
	}, nil
}

// Sample picks the next token from logits. The input slice is not modified.
func (c *Chain) Sample(logits []float32) int {
	c.scratch = append(c.scratch[:0], logits...)
	return c.s.Sample(c.scratch, c.penalty, nil)
}

// Accept records a token, either sampled or supplied as input.
func (c *Chain) Accept(tok int) {
	c.penalty = append(c.penalty, tok)
	if n := c.s.cfg.RepeatLastN; len(c.penalty) > n {
		c.penalty = append(c.penalty[:0], c.penalty[len(c.penalty)-n:]...)
	}
	c.prev = append(c.prev, tok)
	if len(c.prev) > c.histCap {
		c.prev = append(c.prev[:0], c.prev[len(c.prev)-c.histCap:]...)
	}
}

// Reset clears the penalty window. The accepted-token history is kept.
func (c *Chain) Reset() {
	c.penalty = c.penalty[:0]
}

// Last returns the most recently accepted token or -1.
func (c *Chain) Last() int {
	if len(c.prev) == 0 {
		return -1
	}
	return c.prev[len(c.prev)-1]
}

// Prev returns up to n of the most recently accepted tokens, oldest first.
func (c *Chain) Prev(n int) []int {
	if n > len(c.prev) {
		n = len(c.prev)
	}
	out := make([]int, n)
	copy(out, c.prev[len(c.prev)-n:])
	return out
}

func (c *Chain) Seed() int64 { return c.s.cfg.Seed }

func (c *Chain) Config() SamplerConfig { return c.s.Config() }

// String describes the sampling stages in the order they are applied.
func (c *Chain) String() string {
	cfg := c.s.cfg
	if c.s.greedy {
		if cfg.RepeatPenalty > 1 {
			return "penalties -> greedy"
		}
		return "greedy"
	}
	stages := make([]string, 0, 6)
	if cfg.RepeatPenalty > 1 {
		stages = append(stages, "penalties")
	}
	stages = append(stages, "temp", "top-k")
	if cfg.MinP > 0 {
		stages = append(stages, "min-p")
	}
	if cfg.TopP < 1 {
		stages = append(stages, "top-p")
	}
	stages = append(stages, "dist")
	return strings.Join(stages, " -> ")
}
