package toy

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/samcharles93/lmhost/internal/llm"
)

func TestForwardMatchesNaive(t *testing.T) {
	t.Parallel()

	vocab, hidden := 8, 6
	model := NewToyLM(vocab, hidden, 5)
	tok := 3
	logits := model.Forward(tok)

	ref := make([]float32, vocab)
	for j := 0; j < vocab; j++ {
		var sum float32
		for i := 0; i < hidden; i++ {
			sum += model.Emb[tok*hidden+i] * model.W[i*vocab+j]
		}
		ref[j] = sum + model.Bias[j]
	}
	for i := range logits {
		if math.Abs(float64(logits[i]-ref[i])) > 1e-4 {
			t.Fatalf("logit mismatch at %d: got %f, want %f", i, logits[i], ref[i])
		}
	}
}

func TestTokenizeSpecial(t *testing.T) {
	t.Parallel()

	m := New(defaultCard(), 64, 16)
	got := m.Tokenize("<|im_start|>hi", true, true)
	want := []int{TokenBOS, TokenIMStart, 'h', 'i'}
	if !slices.Equal(got, want) {
		t.Fatalf("tokens: got %v want %v", got, want)
	}

	raw := m.Tokenize("<s>", false, false)
	if len(raw) != 3 {
		t.Fatalf("expected special text to stay bytes without parseSpecial, got %v", raw)
	}
	if m.TokenToPiece(TokenIMEnd, false) != "" {
		t.Fatalf("special piece should render empty without special flag")
	}
	if m.TokenToPiece(TokenIMEnd, true) != "<|im_end|>" {
		t.Fatalf("special piece should render text with special flag")
	}
	if !m.IsEOG(TokenIMEnd) || m.IsEOG('a') {
		t.Fatalf("unexpected EOG classification")
	}
}

func TestDecodeAssignsPositions(t *testing.T) {
	t.Parallel()

	m := New(defaultCard(), 16, 4)
	ctx := context.Background()
	if err := m.Decode(ctx, []int{'a', 'b', 'c'}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := m.Decode(ctx, []int{'d', 'e', 'f', 'g', 'h'}); err == nil {
		t.Fatalf("expected batch size error")
	}
	m.KV().RemoveRange(1, 2)
	m.KV().Shift(2, -1, -1)
	pos, toks := m.Cache()
	if !slices.Equal(pos, []int{0, 1}) || !slices.Equal(toks, []int{'a', 'c'}) {
		t.Fatalf("cache after edit: pos=%v toks=%v", pos, toks)
	}
	if err := m.Decode(ctx, []int{'d'}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	pos, _ = m.Cache()
	if pos[len(pos)-1] != 2 {
		t.Fatalf("expected next position 2, got %v", pos)
	}
}

func TestDecodeCacheFull(t *testing.T) {
	t.Parallel()

	m := New(defaultCard(), 4, 8)
	if err := m.Decode(context.Background(), []int{1, 2, 3, 4, 5}); err == nil {
		t.Fatalf("expected cache full error")
	}
}

func TestDivide(t *testing.T) {
	t.Parallel()

	m := New(defaultCard(), 16, 16)
	if err := m.Decode(context.Background(), []int{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	m.KV().Divide(4, 8, 2)
	pos, _ := m.Cache()
	if !slices.Equal(pos, []int{0, 1, 2, 3, 2, 2, 3, 3}) {
		t.Fatalf("positions after divide: %v", pos)
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.bin")
	prompt := []int{TokenBOS, 'h', 'e', 'l', 'l', 'o'}

	a := New(defaultCard(), 64, 16)
	if err := a.Decode(ctx, prompt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	n, err := a.SaveState(path, prompt)
	if err != nil || n == 0 {
		t.Fatalf("save: n=%d err=%v", n, err)
	}
	want := a.Logits()

	b := New(defaultCard(), 64, 16)
	toks, err := b.LoadState(path, 64)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !slices.Equal(toks, prompt) {
		t.Fatalf("tokens: got %v want %v", toks, prompt)
	}
	if !slices.Equal(b.Logits(), want) {
		t.Fatalf("logits differ after load")
	}
	pa, _ := a.Cache()
	pb, _ := b.Cache()
	if !slices.Equal(pa, pb) {
		t.Fatalf("cache positions differ: %v vs %v", pa, pb)
	}

	if _, err := b.LoadState(path, 2); !errors.Is(err, llm.ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch for small capacity, got %v", err)
	}
	other := New(Card{Name: "toy", Seed: 99}, 64, 16)
	if _, err := other.LoadState(path, 64); !errors.Is(err, llm.ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch for other model, got %v", err)
	}
}

func TestLoaderCard(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.yaml")
	if err := os.WriteFile(path, []byte("name: tiny\nseed: 3\nhidden: 8\nchat_template: gemma\nadd_bos: false\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Loader{}.Load(context.Background(), llm.LoadOptions{Path: path, ContextSize: 128, BatchSize: 32})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.AddBOS() {
		t.Fatalf("expected add_bos false from card")
	}
	if m.ChatTemplate() != "gemma" || m.EOT() != TokenEndOfTurn {
		t.Fatalf("unexpected template %q eot %d", m.ChatTemplate(), m.EOT())
	}
	if m.NCtx() != 128 {
		t.Fatalf("n_ctx: got %d", m.NCtx())
	}

	if _, err := (Loader{}).Load(context.Background(), llm.LoadOptions{Path: filepath.Join(dir, "missing.yaml")}); err == nil {
		t.Fatalf("expected error for missing card")
	}
	card, err := ReadCard("toy:42")
	if err != nil || card.Seed != 42 {
		t.Fatalf("toy seed card: %+v %v", card, err)
	}
}
