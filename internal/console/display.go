// Package console implements the terminal side of interactive sessions:
// coloured transcript output and line input with a raw-mode editor.
package console

import (
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/samcharles93/lmhost/internal/logger"
)

// Mode selects how subsequent output is coloured.
type Mode int

const (
	Reset Mode = iota
	Prompt
	UserInput
	Error
)

func (m Mode) String() string {
	switch m {
	case Prompt:
		return "prompt"
	case UserInput:
		return "user-input"
	case Error:
		return "error"
	default:
		return "reset"
	}
}

// Display writes the session transcript. Colours are applied only when the
// writer is a terminal.
type Display struct {
	mu     sync.Mutex
	w      io.Writer
	color  bool
	mode   Mode
	styles map[Mode]lipgloss.Style
}

// NewDisplay returns a display writing to w.
func NewDisplay(w io.Writer) *Display {
	r := lipgloss.NewRenderer(w)
	base := r.NewStyle().TabWidth(lipgloss.NoTabConversion)
	return &Display{
		w:     w,
		color: logger.IsTerminal(w),
		styles: map[Mode]lipgloss.Style{
			Prompt:    base.Foreground(lipgloss.Color("3")),
			UserInput: base.Foreground(lipgloss.Color("2")).Bold(true),
			Error:     base.Foreground(lipgloss.Color("1")).Bold(true),
		},
	}
}

// SetMode changes the colour of subsequent output.
func (d *Display) SetMode(m Mode) {
	d.mu.Lock()
	d.mode = m
	d.mu.Unlock()
}

func (d *Display) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Print writes s in the current mode.
func (d *Display) Print(s string) {
	if s == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.styles[d.mode]; ok && d.color {
		s = st.Render(s)
	}
	_, _ = io.WriteString(d.w, s)
}
