package inference

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/samcharles93/lmhost/internal/logger"
	"github.com/samcharles93/lmhost/internal/toy"
)

type recordingKV struct {
	removed [][2]int
}

func (k *recordingKV) RemoveRange(p0, p1 int) bool {
	k.removed = append(k.removed, [2]int{p0, p1})
	return true
}
func (k *recordingKV) Shift(int, int, int)  {}
func (k *recordingKV) Divide(int, int, int) {}

func TestCacheMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cached     []int
		inp        []int
		wantN      int
		wantTokens []int
		wantRemove [][2]int
		wantSave   bool
	}{
		{
			name:       "partial",
			cached:     []int{1, 2, 3, 4},
			inp:        []int{1, 2, 9},
			wantN:      2,
			wantTokens: []int{1, 2, 3, 4},
			wantRemove: [][2]int{{2, -1}},
			wantSave:   true,
		},
		{
			name:       "longer cache recomputes last prompt token",
			cached:     []int{1, 2, 3, 4},
			inp:        []int{1, 2},
			wantN:      2,
			wantTokens: []int{1},
			wantRemove: [][2]int{{1, -1}},
		},
		{
			name:       "exact",
			cached:     []int{1, 2},
			inp:        []int{1, 2},
			wantN:      2,
			wantTokens: []int{1, 2},
			wantRemove: [][2]int{{2, -1}},
		},
		{
			name:     "empty cache",
			inp:      []int{1, 2},
			wantSave: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := &Cache{path: "session.bin", log: logger.Discard(), tokens: slices.Clone(tt.cached)}
			kv := &recordingKV{}
			if n := c.Match(tt.inp, false, kv); n != tt.wantN {
				t.Fatalf("matching: got %d want %d", n, tt.wantN)
			}
			if !slices.Equal(c.Tokens(), tt.wantTokens) {
				t.Fatalf("tokens: got %v want %v", c.Tokens(), tt.wantTokens)
			}
			if !slices.Equal(kv.removed, tt.wantRemove) {
				t.Fatalf("removed: got %v want %v", kv.removed, tt.wantRemove)
			}
			if c.needSave != tt.wantSave {
				t.Fatalf("needSave: got %v want %v", c.needSave, tt.wantSave)
			}
		})
	}
}

func TestCacheReuse(t *testing.T) {
	t.Parallel()

	c := &Cache{path: "session.bin", log: logger.Discard(), tokens: []int{1, 2, 3, 4}}

	rest, n := c.Reuse([]int{1, 2})
	if n != 2 || len(rest) != 0 {
		t.Fatalf("first batch: reused %d, rest %v", n, rest)
	}
	rest, n = c.Reuse([]int{9, 3})
	if n != 0 || !slices.Equal(rest, []int{9, 3}) {
		t.Fatalf("diverging batch: reused %d, rest %v", n, rest)
	}
	if !slices.Equal(c.Tokens(), []int{1, 2}) {
		t.Fatalf("cache should be cut at the mismatch, got %v", c.Tokens())
	}

	c.Append([]int{9, 3})
	if !slices.Equal(c.Tokens(), []int{1, 2, 9, 3}) {
		t.Fatalf("append: got %v", c.Tokens())
	}
	if rest, n := c.Reuse([]int{5}); n != 0 || len(rest) != 1 {
		t.Fatalf("fully consumed cache reused %d", n)
	}
}

func TestCacheReuseWholeCache(t *testing.T) {
	t.Parallel()

	c := &Cache{path: "session.bin", log: logger.Discard(), tokens: []int{1, 2}}
	rest, n := c.Reuse([]int{1, 2, 3})
	if n != 2 || !slices.Equal(rest, []int{3}) {
		t.Fatalf("reused %d, rest %v", n, rest)
	}
}

func TestCacheDisable(t *testing.T) {
	t.Parallel()

	c := &Cache{path: "session.bin", log: logger.Discard()}
	c.Disable()
	if c.Enabled() {
		t.Fatalf("cache still enabled")
	}
	c.Append([]int{1})
	if len(c.Tokens()) != 0 {
		t.Fatalf("disabled cache recorded tokens")
	}
}

func TestOpenCacheRecoverable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := toy.New(toy.Card{Name: "toy"}, 64, 16)
	if err := m.Decode(context.Background(), []int{'a', 'b'}); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	missing := OpenCache(m, filepath.Join(dir, "missing.bin"), false, false, logger.Discard())
	if !missing.Enabled() || len(missing.Tokens()) != 0 {
		t.Fatalf("missing file should start an empty cache")
	}

	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if c := OpenCache(m, empty, false, false, logger.Discard()); len(c.Tokens()) != 0 {
		t.Fatalf("empty file loaded %v", c.Tokens())
	}

	garbage := filepath.Join(dir, "garbage.bin")
	if err := os.WriteFile(garbage, []byte("not a state file"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := OpenCache(m, garbage, false, false, logger.Discard())
	if !c.Enabled() || len(c.Tokens()) != 0 {
		t.Fatalf("unreadable file should start an empty cache")
	}
	if _, toks := m.Cache(); len(toks) != 0 {
		t.Fatalf("failed load should clear the attention cache, %d cells left", len(toks))
	}
}

func TestCacheSaveAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "session.bin")
	m := toy.New(toy.Card{Name: "toy"}, 64, 16)
	c := OpenCache(m, path, false, false, logger.Discard())
	inp := []int{toy.TokenBOS, 'h', 'i'}
	c.Match(inp, false, m.KV())
	if err := m.Decode(context.Background(), inp); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c.Append(inp)
	c.SaveFirst(m)

	ro := OpenCache(toy.New(toy.Card{Name: "toy"}, 64, 16), path, true, false, logger.Discard())
	if !slices.Equal(ro.Tokens(), inp) {
		t.Fatalf("loaded %v want %v", ro.Tokens(), inp)
	}

	// Read-only caches never write.
	ro.needSave = true
	ro.tokens = nil
	ro.SaveFirst(m)
	again := OpenCache(toy.New(toy.Card{Name: "toy"}, 64, 16), path, false, false, logger.Discard())
	if !slices.Equal(again.Tokens(), inp) {
		t.Fatalf("read-only cache overwrote the file: %v", again.Tokens())
	}
}
