package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Reader reads operator input for an interactive session. A line ending in
// '\' toggles whether input continues on the next line and a line ending in
// '/' returns control immediately, without a trailing newline. Lines are
// otherwise returned with their newline.
type Reader struct {
	in        io.Reader
	out       io.Writer
	multiline bool
	raw       *os.File
	buf       *bufio.Reader
	hist      History

	pending chan readResult
}

type readResult struct {
	text string
	err  error
}

// NewReader reads from in, echoing edits to out when in is a terminal.
// With multiline set every line continues the input until a line ends in
// '\' or '/'.
func NewReader(in io.Reader, out io.Writer, multiline bool) *Reader {
	r := &Reader{in: in, out: out, multiline: multiline}
	if f, ok := in.(*os.File); ok && rawSupported() && isatty.IsTerminal(f.Fd()) {
		r.raw = f
	} else {
		r.buf = bufio.NewReader(in)
	}
	return r
}

// ReadInput blocks until a full input has been read or ctx ends. A read
// abandoned by ctx is picked up by the next call.
func (r *Reader) ReadInput(ctx context.Context) (string, error) {
	if r.pending == nil {
		r.pending = make(chan readResult, 1)
		go func(ch chan<- readResult) {
			text, err := r.readInput()
			ch <- readResult{text: text, err: err}
		}(r.pending)
	}
	select {
	case res := <-r.pending:
		r.pending = nil
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Reader) readInput() (string, error) {
	var b strings.Builder
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && b.Len() > 0 {
				return b.String(), nil
			}
			return "", err
		}
		more := r.multiline
		if strings.HasSuffix(line, "/") {
			b.WriteString(line[:len(line)-1])
			return b.String(), nil
		}
		if strings.HasSuffix(line, `\`) {
			line = line[:len(line)-1]
			more = !more
		}
		b.WriteString(line)
		b.WriteByte('\n')
		if !more {
			return b.String(), nil
		}
	}
}

func (r *Reader) readLine() (string, error) {
	if r.raw != nil {
		return readRawLine(r.raw, r.out, &r.hist)
	}
	s, err := r.buf.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || s == "") {
		return "", err
	}
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s, nil
}
