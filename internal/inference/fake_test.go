package inference

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/samcharles93/lmhost/internal/console"
	"github.com/samcharles93/lmhost/internal/llm"
)

const (
	fakeBOS = 256 + iota
	fakeEOS
	fakeVocab
)

// scriptModel is a byte-level model that emits a fixed script, one token per
// sample, and EOS once the script is exhausted.
type scriptModel struct {
	script  []int
	nCtx    int
	samples int
	decoded []int
	kv      fakeKV
	closed  bool
}

func newScriptModel(script string, nCtx int) *scriptModel {
	toks := make([]int, len(script))
	for i, b := range []byte(script) {
		toks[i] = int(b)
	}
	return &scriptModel{script: toks, nCtx: nCtx}
}

func (m *scriptModel) Tokenize(text string, _, _ bool) []int {
	out := make([]int, len(text))
	for i, b := range []byte(text) {
		out[i] = int(b)
	}
	return out
}

func (m *scriptModel) TokenToPiece(tok int, special bool) string {
	switch {
	case tok >= 0 && tok < 256:
		return string([]byte{byte(tok)})
	case special && tok == fakeBOS:
		return "<s>"
	case special && tok == fakeEOS:
		return "</s>"
	}
	return ""
}

func (m *scriptModel) IsEOG(tok int) bool { return tok == fakeEOS }
func (m *scriptModel) BOS() int           { return fakeBOS }
func (m *scriptModel) EOS() int           { return fakeEOS }
func (m *scriptModel) EOT() int           { return llm.NoToken }
func (m *scriptModel) AddBOS() bool       { return false }

func (m *scriptModel) Decode(ctx context.Context, batch []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.decoded = append(m.decoded, batch...)
	return nil
}

func (m *scriptModel) Logits() []float32 {
	next := fakeEOS
	if m.samples < len(m.script) {
		next = m.script[m.samples]
	}
	m.samples++
	out := make([]float32, fakeVocab)
	out[next] = 100
	return out
}

func (m *scriptModel) KV() llm.KVCache      { return &m.kv }
func (m *scriptModel) NCtx() int            { return m.nCtx }
func (m *scriptModel) NCtxTrain() int       { return m.nCtx }
func (m *scriptModel) ChatTemplate() string { return "" }
func (m *scriptModel) Description() string  { return "script" }

func (m *scriptModel) SaveState(string, []int) (int64, error) {
	return 0, errors.New("not supported")
}

func (m *scriptModel) LoadState(string, int) ([]int, error) {
	return nil, errors.New("not supported")
}

func (m *scriptModel) Close() error {
	m.closed = true
	return nil
}

type fakeKV struct{}

func (fakeKV) RemoveRange(int, int) bool { return true }
func (fakeKV) Shift(int, int, int)       {}
func (fakeKV) Divide(int, int, int)      {}

func loaderFor(m llm.Model) llm.Loader {
	return llm.LoaderFunc(func(context.Context, llm.LoadOptions) (llm.Model, error) {
		return m, nil
	})
}

// recordingDisplay keeps everything printed.
type recordingDisplay struct {
	mu    sync.Mutex
	b     strings.Builder
	modes []console.Mode
}

func (d *recordingDisplay) SetMode(m console.Mode) {
	d.mu.Lock()
	d.modes = append(d.modes, m)
	d.mu.Unlock()
}

func (d *recordingDisplay) Print(s string) {
	d.mu.Lock()
	d.b.WriteString(s)
	d.mu.Unlock()
}

func (d *recordingDisplay) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.b.String()
}

// linePrompter returns its lines in order, then io.EOF.
type linePrompter struct {
	lines []string
	calls int
}

func (p *linePrompter) ReadInput(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.calls++
	if len(p.lines) == 0 {
		return "", io.EOF
	}
	line := p.lines[0]
	p.lines = p.lines[1:]
	return line, nil
}
