package inference

import (
	"strings"

	"github.com/samcharles93/lmhost/internal/llm"
)

// AntipromptPadding widens the stop-string search window in non-interactive
// mode, where a stop string can be tokenized together with a few following
// characters. The value is a tuned heuristic.
const AntipromptPadding = 2

// antipromptWindow is the number of recent tokens rendered for stop-string
// checks.
const antipromptWindow = 32

type antiprompts struct {
	strs []string
	// stop strings that tokenize to a single token, matched against the
	// last accepted token
	tokens map[int]string
}

func newAntiprompts(v llm.Vocab, strs []string) antiprompts {
	a := antiprompts{strs: strs, tokens: make(map[int]string)}
	for _, s := range strs {
		if ids := v.Tokenize(s, false, true); len(ids) == 1 {
			if _, dup := a.tokens[ids[0]]; !dup {
				a.tokens[ids[0]] = s
			}
		}
	}
	return a
}

func (a antiprompts) empty() bool { return len(a.strs) == 0 }

// match reports the stop string found at the end of tail, or whose single
// token equals last.
func (a antiprompts) match(tail string, last int, interactive bool) (string, bool) {
	padding := AntipromptPadding
	if interactive {
		padding = 0
	}
	for _, s := range a.strs {
		if endsWithin(tail, s, padding) {
			return s, true
		}
	}
	if s, ok := a.tokens[last]; ok {
		return s, true
	}
	return "", false
}

// endsWithin reports whether s occurs in the last len(s)+padding bytes of
// text.
func endsWithin(text, s string, padding int) bool {
	start := len(text) - (len(s) + padding)
	if start < 0 {
		start = 0
	}
	return strings.Contains(text[start:], s)
}
