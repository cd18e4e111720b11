package toy

import "math/rand"

// ToyLM is a minimal language model: an embedding matrix, a projection back to
// vocabulary logits and a bias vector. Each call to Forward operates on a single
// token, which keeps continuations a pure function of the last decoded token.
type ToyLM struct {
	Vocab  int
	Hidden int

	Emb  []float32 // [Vocab x Hidden]
	W    []float32 // [Hidden x Vocab]
	Bias []float32 // [Vocab]
	h    []float32
}

// NewToyLM constructs a model with the given vocabulary and hidden size. The
// weights are filled deterministically from seed; printable ASCII is biased
// upwards so that sampled text stays readable.
func NewToyLM(vocab, hidden int, seed int64) *ToyLM {
	m := &ToyLM{
		Vocab:  vocab,
		Hidden: hidden,
		Emb:    make([]float32, vocab*hidden),
		W:      make([]float32, hidden*vocab),
		Bias:   make([]float32, vocab),
		h:      make([]float32, hidden),
	}
	fillRand(m.Emb, seed+11)
	fillRand(m.W, seed+23)
	for i := range m.Bias {
		switch {
		case i >= 'a' && i <= 'z', i == ' ':
			m.Bias[i] = 3
		case i >= 32 && i < 127:
			m.Bias[i] = 1.5
		case i == '\n':
			m.Bias[i] = 1
		case i < byteTokens:
			m.Bias[i] = -6
		default:
			m.Bias[i] = -2
		}
	}
	return m
}

func fillRand(dst []float32, seed int64) {
	r := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = r.Float32()*2 - 1
	}
}

// Forward computes the logits over the vocabulary for a single input token.
// Token ids outside [0, Vocab) are reduced modulo Vocab.
func (m *ToyLM) Forward(tok int) []float32 {
	if tok < 0 || tok >= m.Vocab {
		tok = tok % m.Vocab
		if tok < 0 {
			tok += m.Vocab
		}
	}
	copy(m.h, m.Emb[tok*m.Hidden:(tok+1)*m.Hidden])
	logits := make([]float32, m.Vocab)
	for j := 0; j < m.Vocab; j++ {
		var sum float32
		for i := 0; i < m.Hidden; i++ {
			sum += m.h[i] * m.W[i*m.Vocab+j]
		}
		logits[j] = sum + m.Bias[j]
	}
	return logits
}
