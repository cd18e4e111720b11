package chat

import (
	"fmt"
	"strings"
)

// Formatter keeps the conversation history and formats additions to it as
// the difference between the transcript before and after the addition.
type Formatter struct {
	tmpl    Template
	history []Message
}

// NewFormatter returns a formatter with an empty history.
func NewFormatter(tmpl Template) *Formatter {
	if tmpl == nil {
		tmpl = Default()
	}
	return &Formatter{tmpl: tmpl}
}

func (f *Formatter) Template() Template { return f.tmpl }

// History returns a copy of the messages added so far.
func (f *Formatter) History() []Message {
	out := make([]Message, len(f.history))
	copy(out, f.history)
	return out
}

// Add appends msgs to the history and returns only the newly formatted text.
// A generation prompt is appended when the last new message is a user turn.
func (f *Formatter) Add(msgs ...Message) (string, error) {
	if len(msgs) == 0 {
		return "", nil
	}
	var past string
	if len(f.history) > 0 {
		var err error
		past, err = f.tmpl.Apply(f.history, false)
		if err != nil {
			return "", err
		}
	}
	addAssistant := msgs[len(msgs)-1].Role == RoleUser

	all := make([]Message, 0, len(f.history)+len(msgs))
	all = append(all, f.history...)
	all = append(all, msgs...)
	next, err := f.tmpl.Apply(all, addAssistant)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	// The transcript ending in a newline must keep it once the new turn is
	// rendered after it.
	if addAssistant && strings.HasSuffix(past, "\n") {
		b.WriteString("\n")
	}
	if len(next) >= len(past) {
		b.WriteString(next[len(past):])
	}
	f.history = all
	return b.String(), nil
}

// Render formats the whole history.
func (f *Formatter) Render(addGenerationPrompt bool) (string, error) {
	return f.tmpl.Apply(f.history, addGenerationPrompt)
}

// Example renders a short sample conversation with the template.
func Example(tmpl Template) (string, error) {
	out, err := tmpl.Apply([]Message{
		{Role: RoleSystem, Content: "You are a helpful assistant"},
		{Role: RoleUser, Content: "Hello"},
		{Role: RoleAssistant, Content: "Hi there"},
		{Role: RoleUser, Content: "How are you?"},
	}, true)
	if err != nil {
		return "", fmt.Errorf("chat example: %w", err)
	}
	return out, nil
}
