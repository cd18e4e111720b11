// Package reasoning separates <think>...</think> blocks from generated text.
package reasoning

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// Stream splits text that arrives in pieces. Text that could be the start of
// a tag is held back until a later piece settles it. The zero value is ready
// to use.
type Stream struct {
	thinking bool
	held     string
}

// Push consumes the next piece and returns the answer and reasoning text it
// completes.
func (s *Stream) Push(piece string) (content, reasoning string) {
	var c, r strings.Builder
	buf := s.held + piece
	s.held = ""
	for buf != "" {
		tag := openTag
		if s.thinking {
			tag = closeTag
		}
		out := &c
		if s.thinking {
			out = &r
		}
		if i := indexTag(buf, tag); i >= 0 {
			out.WriteString(buf[:i])
			buf = buf[i+len(tag):]
			s.thinking = !s.thinking
			continue
		}
		k := partialTag(buf, tag)
		out.WriteString(buf[:len(buf)-k])
		s.held = buf[len(buf)-k:]
		break
	}
	return c.String(), r.String()
}

// Flush releases held text. An unclosed block stays reasoning.
func (s *Stream) Flush() (content, reasoning string) {
	held := s.held
	s.held = ""
	if s.thinking {
		return "", held
	}
	return held, ""
}

// Thinking reports whether the stream is inside an open block.
func (s *Stream) Thinking() bool { return s.thinking }

// Split separates a complete text.
func Split(text string) (content, reasoning string) {
	var s Stream
	c, r := s.Push(text)
	fc, fr := s.Flush()
	return c + fc, r + fr
}

// Strip drops every think block and trims the surrounding whitespace.
func Strip(text string) string {
	content, _ := Split(text)
	return strings.TrimSpace(content)
}

// indexTag is a case-insensitive strings.Index for an ASCII lower-case tag.
func indexTag(s, tag string) int {
	for i := 0; i+len(tag) <= len(s); i++ {
		if equalFold(s[i:i+len(tag)], tag) {
			return i
		}
	}
	return -1
}

// partialTag returns the length of the longest suffix of s that is a proper
// prefix of tag.
func partialTag(s, tag string) int {
	for k := min(len(tag)-1, len(s)); k > 0; k-- {
		if equalFold(s[len(s)-k:], tag[:k]) {
			return k
		}
	}
	return 0
}

func equalFold(s, lower string) bool {
	for i := 0; i < len(lower); i++ {
		b := s[i]
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if b != lower[i] {
			return false
		}
	}
	return true
}
