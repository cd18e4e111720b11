package toy

import "strings"

// Byte-level vocabulary: ids 0..255 are raw bytes, followed by special tokens.
const byteTokens = 256

const (
	TokenBOS = byteTokens + iota
	TokenEOS
	TokenIMStart
	TokenIMEnd
	TokenStartOfTurn
	TokenEndOfTurn
	TokenStartHeader
	TokenEndHeader
	TokenEOTID

	VocabSize = TokenEOTID + 1
)

var specialText = map[int]string{
	TokenBOS:         "<s>",
	TokenEOS:         "</s>",
	TokenIMStart:     "<|im_start|>",
	TokenIMEnd:       "<|im_end|>",
	TokenStartOfTurn: "<start_of_turn>",
	TokenEndOfTurn:   "<end_of_turn>",
	TokenStartHeader: "<|start_header_id|>",
	TokenEndHeader:   "<|end_header_id|>",
	TokenEOTID:       "<|eot_id|>",
}

type vocab struct {
	addBOS bool
	eot    int
}

func (v vocab) Tokenize(text string, addSpecial, parseSpecial bool) []int {
	out := make([]int, 0, len(text)+1)
	if addSpecial && v.addBOS {
		out = append(out, TokenBOS)
	}
	for i := 0; i < len(text); {
		if parseSpecial && text[i] == '<' {
			if id, n := matchSpecial(text[i:]); n > 0 {
				out = append(out, id)
				i += n
				continue
			}
		}
		out = append(out, int(text[i]))
		i++
	}
	return out
}

func matchSpecial(s string) (int, int) {
	for id := TokenBOS; id < VocabSize; id++ {
		if t := specialText[id]; strings.HasPrefix(s, t) {
			return id, len(t)
		}
	}
	return 0, 0
}

func (v vocab) TokenToPiece(tok int, special bool) string {
	if tok >= 0 && tok < byteTokens {
		return string([]byte{byte(tok)})
	}
	if special {
		return specialText[tok]
	}
	return ""
}

func (v vocab) IsEOG(tok int) bool {
	switch tok {
	case TokenEOS, TokenIMEnd, TokenEndOfTurn, TokenEOTID:
		return true
	}
	return false
}

func (v vocab) BOS() int     { return TokenBOS }
func (v vocab) EOS() int     { return TokenEOS }
func (v vocab) EOT() int     { return v.eot }
func (v vocab) AddBOS() bool { return v.addBOS }

func eotFor(template string) int {
	switch template {
	case "gemma":
		return TokenEndOfTurn
	case "llama3":
		return TokenEOTID
	default:
		return TokenIMEnd
	}
}
