// Package llm defines the narrow operation set the generation core needs from an
// inference library: tokenization, batched decode, end-of-generation checks,
// window-editing primitives on the attention cache and state persistence.
package llm

import (
	"context"
	"errors"
)

// NoToken marks an absent special token (for example a vocabulary without EOT).
const NoToken = -1

// ErrStateMismatch is returned by LoadState when a state file was written by a
// different model or holds more tokens than the caller can accept.
var ErrStateMismatch = errors.New("state file does not match model")

// Vocab exposes tokenization and the special tokens of a model.
type Vocab interface {
	// Tokenize converts text to token ids. addSpecial prepends BOS when the
	// vocabulary asks for it; parseSpecial recognises special token text.
	Tokenize(text string, addSpecial, parseSpecial bool) []int
	// TokenToPiece renders a single token. Special tokens render as empty
	// strings unless special is true.
	TokenToPiece(tok int, special bool) string
	IsEOG(tok int) bool
	BOS() int
	EOS() int
	// EOT returns NoToken when the vocabulary has no end-of-turn token.
	EOT() int
	AddBOS() bool
}

// KVCache edits token positions resident in the attention cache. Ranges are
// half-open [p0, p1); a negative p1 means "to the end".
type KVCache interface {
	RemoveRange(p0, p1 int) bool
	Shift(p0, p1, delta int)
	Divide(p0, p1, d int)
}

// Model is an opaque loaded model together with its execution context.
type Model interface {
	Vocab

	// Decode evaluates a batch of tokens at the next positions. The batch
	// must not exceed the configured batch size.
	Decode(ctx context.Context, batch []int) error
	// Logits returns the next-token distribution produced by the last Decode.
	Logits() []float32

	KV() KVCache
	NCtx() int
	NCtxTrain() int
	// ChatTemplate returns the template name or source shipped with the
	// model, or "" when none is available.
	ChatTemplate() string
	Description() string

	// SaveState writes the token prefix and the model state to path and
	// returns the number of bytes written.
	SaveState(path string, tokens []int) (int64, error)
	// LoadState restores the model state from path and returns the stored
	// token prefix. At most maxTokens tokens are accepted.
	LoadState(path string, maxTokens int) ([]int, error)

	Close() error
}

// LoadOptions carries the subset of runtime parameters a backend needs to
// create a model handle.
type LoadOptions struct {
	Path         string
	ContextSize  int
	BatchSize    int
	Seed         int64
	GPULayers    int
	MainGPU      int
	ChatTemplate string
	Extra        map[string]float64
}

// Loader creates model handles.
type Loader interface {
	Load(ctx context.Context, opts LoadOptions) (Model, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, opts LoadOptions) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, opts LoadOptions) (Model, error) {
	return f(ctx, opts)
}

// TokensToString renders a token sequence using TokenToPiece.
func TokensToString(v Vocab, toks []int, special bool) string {
	var out []byte
	for _, t := range toks {
		out = append(out, v.TokenToPiece(t, special)...)
	}
	return string(out)
}
