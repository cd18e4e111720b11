package toy

import (
	"context"
	"fmt"

	"github.com/samcharles93/lmhost/internal/llm"
)

// Card describes a toy model. Cards are loaded from YAML files or built from
// defaults when the model path is "toy".
type Card struct {
	Name         string `yaml:"name"`
	Seed         int64  `yaml:"seed"`
	Hidden       int    `yaml:"hidden"`
	NCtxTrain    int    `yaml:"n_ctx_train"`
	ChatTemplate string `yaml:"chat_template"`
	AddBOS       *bool  `yaml:"add_bos"`
}

func defaultCard() Card {
	return Card{
		Name:      "toy",
		Seed:      7,
		Hidden:    16,
		NCtxTrain: 2048,
	}
}

// Model is a loaded toy model with its execution context.
type Model struct {
	vocab
	card   Card
	lm     *ToyLM
	kv     kvCache
	nCtx   int
	nBatch int
	logits []float32
	closed bool
}

var _ llm.Model = (*Model)(nil)

// New builds a model from a card. nCtx and nBatch bound the cache and the
// per-call batch size.
func New(card Card, nCtx, nBatch int) *Model {
	if card.Hidden <= 0 {
		card.Hidden = 16
	}
	if card.NCtxTrain <= 0 {
		card.NCtxTrain = 2048
	}
	addBOS := true
	if card.AddBOS != nil {
		addBOS = *card.AddBOS
	}
	if nCtx <= 0 {
		nCtx = card.NCtxTrain
	}
	if nBatch <= 0 {
		nBatch = 512
	}
	return &Model{
		vocab:  vocab{addBOS: addBOS, eot: eotFor(card.ChatTemplate)},
		card:   card,
		lm:     NewToyLM(VocabSize, card.Hidden, card.Seed),
		nCtx:   nCtx,
		nBatch: nBatch,
	}
}

func (m *Model) Decode(ctx context.Context, batch []int) error {
	if m.closed {
		return fmt.Errorf("decode: model closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	if len(batch) > m.nBatch {
		return fmt.Errorf("decode: batch of %d exceeds n_batch %d", len(batch), m.nBatch)
	}
	if len(m.kv.cells)+len(batch) > m.nCtx {
		return fmt.Errorf("decode: no free cache slot (%d resident, %d requested, n_ctx %d)", len(m.kv.cells), len(batch), m.nCtx)
	}
	pos := m.kv.nextPos()
	for _, tok := range batch {
		if tok < 0 || tok >= VocabSize {
			return fmt.Errorf("decode: token %d out of range", tok)
		}
		m.kv.cells = append(m.kv.cells, cell{Pos: pos, Tok: tok})
		pos++
	}
	m.logits = m.lm.Forward(batch[len(batch)-1])
	return nil
}

func (m *Model) Logits() []float32 {
	out := make([]float32, len(m.logits))
	copy(out, m.logits)
	return out
}

func (m *Model) KV() llm.KVCache { return &m.kv }

// Cache exposes the resident cells for inspection in tests and reports.
func (m *Model) Cache() (positions, tokens []int) {
	return m.kv.Positions(), m.kv.Tokens()
}

func (m *Model) NCtx() int            { return m.nCtx }
func (m *Model) NCtxTrain() int       { return m.card.NCtxTrain }
func (m *Model) ChatTemplate() string { return m.card.ChatTemplate }

func (m *Model) Description() string {
	return fmt.Sprintf("%s (toy, vocab %d, hidden %d, seed %d)", m.card.Name, VocabSize, m.card.Hidden, m.card.Seed)
}

func (m *Model) Close() error {
	m.closed = true
	m.kv.cells = nil
	m.logits = nil
	return nil
}
