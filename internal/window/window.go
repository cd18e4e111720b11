// Package window keeps the attention window of a generation loop within its
// capacity. A Controller is either a linear shift or a self-extension; the
// variant is fixed when the controller is built.
package window

import (
	"errors"
	"fmt"

	"github.com/samcharles93/lmhost/internal/llm"
)

// SafetyMargin is subtracted from the context size to obtain the largest
// input batch accepted in a single step.
const SafetyMargin = 4

// NPredictStopAtFull is the n_predict value that stops generation when the
// context fills instead of shifting it.
const NPredictStopAtFull = -2

var ErrInvalidGroup = errors.New("invalid self-extend group")

// Policy selects the eviction variant.
type Policy int

const (
	LinearShift Policy = iota
	SelfExtend
)

func (p Policy) String() string {
	switch p {
	case LinearShift:
		return "linear-shift"
	case SelfExtend:
		return "self-extend"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Controller decides how to reshape the window before a decode step.
type Controller struct {
	policy Policy

	// linear shift
	nCtx     int
	nKeep    int
	enabled  bool
	nPredict int

	// self-extend
	gaN int
	gaW int
	gaI int
}

// NewLinearShift returns a controller that discards half of the evictable
// window when it fills. enabled=false stops generation at capacity instead.
func NewLinearShift(nCtx, nKeep int, enabled bool, nPredict int) *Controller {
	return &Controller{
		policy:   LinearShift,
		nCtx:     nCtx,
		nKeep:    nKeep,
		enabled:  enabled,
		nPredict: nPredict,
	}
}

// NewSelfExtend returns a grouped-attention controller. gaW must be a
// multiple of gaN.
func NewSelfExtend(gaN, gaW int) (*Controller, error) {
	if gaN <= 0 {
		return nil, fmt.Errorf("%w: grp_attn_n must be positive, got %d", ErrInvalidGroup, gaN)
	}
	if gaW <= 0 || gaW%gaN != 0 {
		return nil, fmt.Errorf("%w: grp_attn_w (%d) must be a multiple of grp_attn_n (%d)", ErrInvalidGroup, gaW, gaN)
	}
	return &Controller{policy: SelfExtend, gaN: gaN, gaW: gaW}, nil
}

// New picks the variant from the group size: 1 selects the linear shift.
func New(nCtx, nKeep int, ctxShift bool, nPredict, gaN, gaW int) (*Controller, error) {
	if gaN == 1 {
		return NewLinearShift(nCtx, nKeep, ctxShift, nPredict), nil
	}
	return NewSelfExtend(gaN, gaW)
}

func (c *Controller) Policy() Policy { return c.policy }

// SetKeep updates the number of leading tokens preserved by the linear shift.
func (c *Controller) SetKeep(nKeep int) { c.nKeep = nKeep }

func (c *Controller) Keep() int { return c.nKeep }

// Remap is one positional edit applied to the cache.
type Remap struct {
	Op     string // "rm", "add" or "div"
	P0, P1 int
	Value  int
}

// Result reports what Apply did.
type Result struct {
	NPast int
	// Stop is set when the window is full and cannot be reshaped.
	Stop       bool
	StopReason string
	// Discarded counts tokens removed by a linear shift.
	Discarded int
	Remaps    []Remap
}

// Apply reshapes the cache so that pending more tokens fit after nPast.
func (c *Controller) Apply(kv llm.KVCache, nPast, pending int) Result {
	switch c.policy {
	case SelfExtend:
		return c.applySelfExtend(kv, nPast)
	default:
		return c.applyShift(kv, nPast, pending)
	}
}

func (c *Controller) applyShift(kv llm.KVCache, nPast, pending int) Result {
	res := Result{NPast: nPast}
	if nPast+pending < c.nCtx {
		return res
	}
	if !c.enabled {
		res.Stop = true
		res.StopReason = "context full and context shift is disabled"
		return res
	}
	if c.nPredict == NPredictStopAtFull {
		res.Stop = true
		res.StopReason = "context full and n_predict == -2"
		return res
	}

	nLeft := nPast - c.nKeep
	nDiscard := nLeft / 2

	kv.RemoveRange(c.nKeep, c.nKeep+nDiscard)
	kv.Shift(c.nKeep+nDiscard, nPast, -nDiscard)

	res.Remaps = []Remap{
		{Op: "rm", P0: c.nKeep, P1: c.nKeep + nDiscard},
		{Op: "add", P0: c.nKeep + nDiscard, P1: nPast, Value: -nDiscard},
	}
	res.Discarded = nDiscard
	res.NPast = nPast - nDiscard
	return res
}

func (c *Controller) applySelfExtend(kv llm.KVCache, nPast int) Result {
	res := Result{NPast: nPast}
	gaN, gaW := c.gaN, c.gaW
	for nPast >= c.gaI+gaW {
		ib := (gaN * c.gaI) / gaW
		bd := (gaW / gaN) * (gaN - 1)
		dd := (gaW / gaN) - ib*bd - gaW

		kv.Shift(c.gaI, nPast, ib*bd)
		kv.Divide(c.gaI+ib*bd, c.gaI+ib*bd+gaW, gaN)
		kv.Shift(c.gaI+ib*bd+gaW, nPast+ib*bd, dd)

		res.Remaps = append(res.Remaps,
			Remap{Op: "add", P0: c.gaI, P1: nPast, Value: ib * bd},
			Remap{Op: "div", P0: c.gaI + ib*bd, P1: c.gaI + ib*bd + gaW, Value: gaN},
			Remap{Op: "add", P0: c.gaI + ib*bd + gaW, P1: nPast + ib*bd, Value: dd},
		)

		nPast -= bd
		c.gaI += gaW / gaN
	}
	res.NPast = nPast
	return res
}

// GroupIndex returns the number of positions already grouped by self-extend.
func (c *Controller) GroupIndex() int { return c.gaI }

// Truncate caps a pending batch at nCtx-SafetyMargin tokens and reports how
// many were dropped from its end.
func Truncate(embd []int, nCtx int) ([]int, int) {
	limit := nCtx - SafetyMargin
	if limit < 0 {
		limit = 0
	}
	if len(embd) <= limit {
		return embd, 0
	}
	return embd[:limit], len(embd) - limit
}
