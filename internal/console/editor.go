package console

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

// History keeps the lines entered in a session for up/down recall.
type History struct {
	entries []string
}

// Add records a non-blank line.
func (h *History) Add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	h.entries = append(h.entries, line)
}

func (h *History) Len() int { return len(h.entries) }

type keyResult int

const (
	keyNone keyResult = iota
	keyEnter
	keyEOF
	keyInterrupt
)

// editor is the state of one line being edited in raw mode. It redraws
// relative to where the line started, so whatever was printed before the
// input on the same row is left alone.
type editor struct {
	out  io.Writer
	hist *History

	line   []rune
	cursor int

	histPos  int
	browsing bool
	draft    []rune

	esc     int
	escBuf  strings.Builder
	partial []byte
}

func newEditor(out io.Writer, hist *History) *editor {
	if hist == nil {
		hist = &History{}
	}
	return &editor{out: out, hist: hist, histPos: hist.Len()}
}

func (e *editor) String() string { return string(e.line) }

// col is the display width of the text left of the cursor.
func (e *editor) col() int {
	return runewidth.StringWidth(string(e.line[:e.cursor]))
}

func (e *editor) redraw(oldCol int) {
	var b strings.Builder
	if oldCol > 0 {
		fmt.Fprintf(&b, "\x1b[%dD", oldCol)
	}
	b.WriteString(string(e.line))
	b.WriteString("\x1b[K")
	if tail := runewidth.StringWidth(string(e.line[e.cursor:])); tail > 0 {
		fmt.Fprintf(&b, "\x1b[%dD", tail)
	}
	_, _ = io.WriteString(e.out, b.String())
}

// edit applies fn and redraws the line.
func (e *editor) edit(fn func()) {
	old := e.col()
	fn()
	e.redraw(old)
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }

func (e *editor) wordLeft() int {
	i := e.cursor
	for i > 0 && isSpace(e.line[i-1]) {
		i--
	}
	for i > 0 && !isSpace(e.line[i-1]) {
		i--
	}
	return i
}

func (e *editor) wordRight() int {
	i := e.cursor
	for i < len(e.line) && isSpace(e.line[i]) {
		i++
	}
	for i < len(e.line) && !isSpace(e.line[i]) {
		i++
	}
	return i
}

func (e *editor) insert(r rune) {
	e.edit(func() {
		e.line = append(e.line, 0)
		copy(e.line[e.cursor+1:], e.line[e.cursor:])
		e.line[e.cursor] = r
		e.cursor++
	})
}

func (e *editor) deleteRange(from, to int) {
	if from >= to {
		return
	}
	e.edit(func() {
		e.line = append(e.line[:from], e.line[to:]...)
		e.cursor = from
	})
}

func (e *editor) moveTo(pos int) {
	if pos == e.cursor {
		return
	}
	e.edit(func() { e.cursor = pos })
}

func (e *editor) setLine(s []rune) {
	e.edit(func() {
		e.line = append(e.line[:0], s...)
		e.cursor = len(e.line)
	})
}

func (e *editor) historyUp() {
	if e.hist.Len() == 0 {
		return
	}
	if !e.browsing {
		e.draft = append([]rune(nil), e.line...)
		e.browsing = true
		e.histPos = e.hist.Len()
	}
	if e.histPos > 0 {
		e.histPos--
		e.setLine([]rune(e.hist.entries[e.histPos]))
	}
}

func (e *editor) historyDown() {
	if !e.browsing {
		return
	}
	if e.histPos < e.hist.Len()-1 {
		e.histPos++
		e.setLine([]rune(e.hist.entries[e.histPos]))
		return
	}
	e.histPos = e.hist.Len()
	e.browsing = false
	e.setLine(e.draft)
}

func (e *editor) csi(seq string) {
	switch seq {
	case "A":
		e.historyUp()
	case "B":
		e.historyDown()
	case "D":
		if e.cursor > 0 {
			e.moveTo(e.cursor - 1)
		}
	case "C":
		if e.cursor < len(e.line) {
			e.moveTo(e.cursor + 1)
		}
	case "H", "1~":
		e.moveTo(0)
	case "F", "4~":
		e.moveTo(len(e.line))
	case "3~":
		if e.cursor < len(e.line) {
			e.edit(func() { e.line = append(e.line[:e.cursor], e.line[e.cursor+1:]...) })
		}
	case "1;5D", "5D":
		e.moveTo(e.wordLeft())
	case "1;5C", "5C":
		e.moveTo(e.wordRight())
	case "3;5~":
		end := e.wordRight()
		if end > e.cursor {
			e.edit(func() { e.line = append(e.line[:e.cursor], e.line[end:]...) })
		}
	}
}

// feed processes one input byte.
func (e *editor) feed(b byte) keyResult {
	switch e.esc {
	case 1:
		e.esc = 0
		switch b {
		case '[', 'O':
			e.esc = 2
			e.escBuf.Reset()
		case 'b', 'B':
			e.moveTo(e.wordLeft())
		case 'f', 'F':
			e.moveTo(e.wordRight())
		case 127:
			e.deleteRange(e.wordLeft(), e.cursor)
		}
		return keyNone
	case 2:
		e.escBuf.WriteByte(b)
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
			e.esc = 0
			e.csi(e.escBuf.String())
		}
		return keyNone
	}

	if len(e.partial) > 0 || b >= utf8.RuneSelf {
		e.partial = append(e.partial, b)
		if !utf8.FullRune(e.partial) {
			return keyNone
		}
		r, _ := utf8.DecodeRune(e.partial)
		e.partial = e.partial[:0]
		if r != utf8.RuneError {
			e.insert(r)
		}
		return keyNone
	}

	switch b {
	case 27:
		e.esc = 1
	case '\r', '\n':
		_, _ = io.WriteString(e.out, "\r\n")
		e.hist.Add(e.String())
		return keyEnter
	case 3: // Ctrl+C
		_, _ = io.WriteString(e.out, "^C\r\n")
		return keyInterrupt
	case 4: // Ctrl+D
		if len(e.line) == 0 {
			_, _ = io.WriteString(e.out, "\r\n")
			return keyEOF
		}
		if e.cursor < len(e.line) {
			e.edit(func() { e.line = append(e.line[:e.cursor], e.line[e.cursor+1:]...) })
		}
	case 127, 8:
		if e.cursor > 0 {
			e.deleteRange(e.cursor-1, e.cursor)
		}
	case 1: // Ctrl+A
		e.moveTo(0)
	case 5: // Ctrl+E
		e.moveTo(len(e.line))
	case 11: // Ctrl+K
		if e.cursor < len(e.line) {
			e.edit(func() { e.line = e.line[:e.cursor] })
		}
	case 21: // Ctrl+U
		e.deleteRange(0, e.cursor)
	case 23: // Ctrl+W
		e.deleteRange(e.wordLeft(), e.cursor)
	default:
		if b >= 32 {
			e.insert(rune(b))
		}
	}
	return keyNone
}
