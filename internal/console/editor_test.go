package console

import (
	"io"
	"strings"
	"testing"
)

func feedAll(e *editor, input string) keyResult {
	res := keyNone
	for i := 0; i < len(input); i++ {
		if res = e.feed(input[i]); res != keyNone {
			return res
		}
	}
	return res
}

func TestEditorKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello\r", "hello"},
		{"backspace", "helx\x7flo\r", "hello"},
		{"double backspace", "helxy\x7f\x7flo\r", "hello"},
		{"left insert", "ac\x1b[Db\r", "abc"},
		{"home end", "bc\x01a\x05d\r", "abcd"},
		{"csi home end", "bc\x1b[Ha\x1b[Fd\r", "abcd"},
		{"delete forward", "abc\x01\x1b[3~\r", "bc"},
		{"ctrl w", "one two\x17three\r", "one three"},
		{"alt backspace", "one two\x1b\x7f\r", "one "},
		{"word left", "one two\x1b[1;5DX\r", "one Xtwo"},
		{"alt b alt f", "one two\x1bbX\x1bfY\r", "one XtwoY"},
		{"ctrl k", "abcdef\x1b[D\x1b[D\x0b\r", "abcd"},
		{"ctrl u", "abc\x1b[Ddef\x15\r", "c"},
		{"ctrl d deletes under cursor", "abc\x01\x04\r", "bc"},
		{"utf8", "h\xc3\xa9llo \xe4\xb8\x96\r", "héllo 世"},
		{"wide rune edit", "\xe4\xb8\x96\xe7\x95\x8c\x1b[Dx\r", "世x界"},
		{"ctrl word delete forward", "one two\x01\x1b[3;5~\r", " two"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEditor(io.Discard, nil)
			if res := feedAll(e, tt.input); res != keyEnter {
				t.Fatalf("result = %v, want enter", res)
			}
			if got := e.String(); got != tt.want {
				t.Fatalf("line = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEditorEOF(t *testing.T) {
	t.Parallel()

	if res := feedAll(newEditor(io.Discard, nil), "\x04"); res != keyEOF {
		t.Fatalf("ctrl+d on empty line = %v", res)
	}
	if res := feedAll(newEditor(io.Discard, nil), "ab\x03"); res != keyInterrupt {
		t.Fatalf("ctrl+c = %v", res)
	}
}

func TestEditorHistory(t *testing.T) {
	t.Parallel()

	h := &History{}
	for _, in := range []string{"first\r", "   \r", "second\r"} {
		if res := feedAll(newEditor(io.Discard, h), in); res != keyEnter {
			t.Fatalf("result = %v", res)
		}
	}
	if h.Len() != 2 {
		t.Fatalf("history has %d entries, want 2 (blank lines skipped)", h.Len())
	}

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"up", "\x1b[A\r", "second"},
		{"up up", "\x1b[A\x1b[A\r", "first"},
		{"up past start", "\x1b[A\x1b[A\x1b[A\r", "first"},
		{"up down", "\x1b[A\x1b[A\x1b[B\r", "second"},
		{"down restores draft", "dra\x1b[A\x1b[Bft\r", "draft"},
		{"edit recalled", "\x1b[A!\r", "second!"},
	}
	for _, tt := range tests {
		hist := &History{entries: append([]string(nil), h.entries...)}
		e := newEditor(io.Discard, hist)
		if res := feedAll(e, tt.input); res != keyEnter {
			t.Fatalf("%s: result = %v", tt.name, res)
		}
		if got := e.String(); got != tt.want {
			t.Fatalf("%s: line = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEditorRedrawIsRelative(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	e := newEditor(&out, nil)
	feedAll(e, "ab")
	out.Reset()
	feedAll(e, "\x1b[D")
	// Move back over "ab", rewrite it, clear the rest and step back over "b".
	if got, want := out.String(), "\x1b[2Dab\x1b[K\x1b[1D"; got != want {
		t.Fatalf("redraw = %q, want %q", got, want)
	}
	if strings.Contains(out.String(), "\r") {
		t.Fatal("redraw returned to column 0")
	}
}
