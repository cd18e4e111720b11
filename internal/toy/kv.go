package toy

// cell is one resident token in the attention cache.
type cell struct {
	Pos int `json:"pos"`
	Tok int `json:"tok"`
}

// kvCache is a single-sequence cache keyed by position. It implements
// llm.KVCache.
type kvCache struct {
	cells []cell
}

func inRange(pos, p0, p1 int) bool {
	if p0 < 0 {
		p0 = 0
	}
	return pos >= p0 && (p1 < 0 || pos < p1)
}

func (c *kvCache) RemoveRange(p0, p1 int) bool {
	kept := c.cells[:0]
	for _, cl := range c.cells {
		if !inRange(cl.Pos, p0, p1) {
			kept = append(kept, cl)
		}
	}
	c.cells = kept
	return true
}

func (c *kvCache) Shift(p0, p1, delta int) {
	if delta == 0 {
		return
	}
	for i := range c.cells {
		if inRange(c.cells[i].Pos, p0, p1) {
			c.cells[i].Pos += delta
		}
	}
	// Cells shifted below zero are dropped.
	kept := c.cells[:0]
	for _, cl := range c.cells {
		if cl.Pos >= 0 {
			kept = append(kept, cl)
		}
	}
	c.cells = kept
}

func (c *kvCache) Divide(p0, p1, d int) {
	if d == 1 {
		return
	}
	for i := range c.cells {
		if inRange(c.cells[i].Pos, p0, p1) {
			c.cells[i].Pos /= d
		}
	}
}

// nextPos returns the position the next decoded token will occupy.
func (c *kvCache) nextPos() int {
	next := 0
	for _, cl := range c.cells {
		if cl.Pos+1 > next {
			next = cl.Pos + 1
		}
	}
	return next
}

// Positions returns the resident positions in cache order.
func (c *kvCache) Positions() []int {
	out := make([]int, len(c.cells))
	for i, cl := range c.cells {
		out[i] = cl.Pos
	}
	return out
}

// Tokens returns the resident tokens in cache order.
func (c *kvCache) Tokens() []int {
	out := make([]int, len(c.cells))
	for i, cl := range c.cells {
		out[i] = cl.Tok
	}
	return out
}
