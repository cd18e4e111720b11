package toy

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lmhost/internal/llm"
)

const stateMagic = "lmhost-toy-state"

type stateFile struct {
	Magic   string    `json:"magic"`
	Version int       `json:"version"`
	Model   string    `json:"model"`
	Tokens  []int     `json:"tokens"`
	Cells   []cell    `json:"cells"`
	Logits  []float32 `json:"logits"`
}

func (m *Model) fingerprint() string {
	return fmt.Sprintf("%s/%d/%d", m.card.Name, m.card.Hidden, m.card.Seed)
}

func (m *Model) SaveState(path string, tokens []int) (int64, error) {
	st := stateFile{
		Magic:   stateMagic,
		Version: 1,
		Model:   m.fingerprint(),
		Tokens:  tokens,
		Cells:   m.kv.cells,
		Logits:  m.logits,
	}
	data, err := json.Marshal(st)
	if err != nil {
		return 0, fmt.Errorf("save state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, fmt.Errorf("save state: %w", err)
	}
	return int64(len(data)), nil
}

func (m *Model) LoadState(path string, maxTokens int) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	var st stateFile
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if st.Magic != stateMagic || st.Model != m.fingerprint() {
		return nil, fmt.Errorf("load state %s: %w", path, llm.ErrStateMismatch)
	}
	if len(st.Tokens) > maxTokens {
		return nil, fmt.Errorf("load state %s: %d tokens exceed capacity %d: %w", path, len(st.Tokens), maxTokens, llm.ErrStateMismatch)
	}
	m.kv.cells = append(m.kv.cells[:0], st.Cells...)
	m.logits = append(m.logits[:0], st.Logits...)
	return st.Tokens, nil
}
