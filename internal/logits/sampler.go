package logits

import (
	"cmp"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"time"
)

// SamplerConfig configures the behaviour of a Sampler. A negative Seed asks
// for a time-derived seed.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Validate reports configurations no sampler can be built from.
func (c SamplerConfig) Validate() error {
	switch {
	case math.IsNaN(float64(c.Temperature)) || math.IsInf(float64(c.Temperature), 0):
		return fmt.Errorf("sampler: invalid temperature %v", c.Temperature)
	case c.TopP < 0 || c.TopP > 1:
		return fmt.Errorf("sampler: top_p %v outside [0, 1]", c.TopP)
	case c.MinP < 0 || c.MinP > 1:
		return fmt.Errorf("sampler: min_p %v outside [0, 1]", c.MinP)
	case c.RepeatPenalty < 0:
		return fmt.Errorf("sampler: negative repeat penalty %v", c.RepeatPenalty)
	}
	return nil
}

// String renders the effective parameters for logs and reports.
func (c SamplerConfig) String() string {
	return fmt.Sprintf("seed = %d, temp = %.3f, top_k = %d, top_p = %.3f, min_p = %.3f, repeat_penalty = %.3f, repeat_last_n = %d",
		c.Seed, c.Temperature, c.TopK, c.TopP, c.MinP, c.RepeatPenalty, c.RepeatLastN)
}

// candidate is one token still in the running during a Sample call.
type candidate struct {
	id    int
	logit float32
	p     float64
}

// Sampler turns a logits vector into a token id. Stages run in a fixed order:
// repeat penalty, then either greedy argmax or temperature, top-k, softmax,
// min-p, top-p and a seeded draw.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool

	cands []candidate
	seen  map[int]struct{}
}

// NewSampler returns a new sampler with the provided configuration. Zero
// fields take their defaults; a temperature of zero or less means greedy.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed < 0 {
		cfg.Seed = time.Now().UnixNano() & math.MaxUint32
	}
	greedy := cfg.Temperature <= 0
	if greedy {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[int]struct{}),
	}
}

// Config returns the effective configuration after defaults were applied.
func (s *Sampler) Config() SamplerConfig {
	return s.cfg
}

// Sample picks a token from logits, which it may modify in place. recent is
// the penalty window, oldest first; ids in exempt are never penalised.
func (s *Sampler) Sample(logits []float32, recent []int, exempt []int) int {
	if len(logits) == 0 {
		return 0
	}
	s.penalize(logits, recent, exempt)
	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return argmax(logits)
	}

	c := s.topK(logits, min(s.cfg.TopK, len(logits)), s.cfg.Temperature)
	softmax(c)
	if s.cfg.MinP > 0 {
		c = minP(c, float64(s.cfg.MinP))
	}
	if s.cfg.TopP < 1 {
		c = topP(c, float64(s.cfg.TopP))
	}
	return s.draw(c)
}

// penalize applies the repetition penalty once per distinct id in the last
// RepeatLastN entries of recent.
func (s *Sampler) penalize(logits []float32, recent, exempt []int) {
	if s.cfg.RepeatPenalty <= 1 || len(recent) == 0 {
		return
	}
	clear(s.seen)
	for _, id := range recent[max(len(recent)-s.cfg.RepeatLastN, 0):] {
		if id >= 0 && id < len(logits) {
			s.seen[id] = struct{}{}
		}
	}
	for _, id := range exempt {
		delete(s.seen, id)
	}
	for id := range s.seen {
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// topK returns the k highest logits divided by temp, best first. Ties keep
// the lower id first so draws stay reproducible.
func (s *Sampler) topK(logits []float32, k int, temp float32) []candidate {
	c := s.cands[:0]
	for id, l := range logits {
		c = append(c, candidate{id: id, logit: l / temp})
	}
	slices.SortStableFunc(c, func(a, b candidate) int {
		return cmp.Compare(b.logit, a.logit)
	})
	s.cands = c
	return c[:k]
}

func softmax(c []candidate) {
	hi := float64(c[0].logit)
	var sum float64
	for i := range c {
		c[i].p = math.Exp(float64(c[i].logit) - hi)
		sum += c[i].p
	}
	for i := range c {
		c[i].p /= sum
	}
}

// minP drops candidates below minP times the best probability and
// renormalises the rest.
func minP(c []candidate, minP float64) []candidate {
	floor := c[0].p * minP
	n := 0
	var sum float64
	for _, x := range c {
		if x.p >= floor {
			c[n] = x
			sum += x.p
			n++
		}
	}
	c = c[:n]
	for i := range c {
		c[i].p /= sum
	}
	return c
}

// topP keeps the shortest prefix whose mass reaches topP.
func topP(c []candidate, topP float64) []candidate {
	var mass float64
	for i, x := range c {
		mass += x.p
		if mass >= topP {
			return c[:i+1]
		}
	}
	return c
}

func (s *Sampler) draw(c []candidate) int {
	var total float64
	for _, x := range c {
		total += x.p
	}
	r := s.rng.Float64() * total
	for _, x := range c {
		r -= x.p
		if r < 0 {
			return x.id
		}
	}
	return c[len(c)-1].id
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
