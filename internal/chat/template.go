package chat

import (
	"fmt"
	"strings"
)

// Template renders a conversation into model input text.
type Template interface {
	Name() string
	Apply(msgs []Message, addGenerationPrompt bool) (string, error)
}

// Lookup resolves a template by name ("chatml", "gemma", "llama3") or, for
// template sources, by signature.
func Lookup(nameOrSource string) (Template, bool) {
	s := strings.TrimSpace(nameOrSource)
	switch strings.ToLower(s) {
	case "":
		return nil, false
	case "chatml":
		return chatML{}, true
	case "gemma", "gemma3":
		return gemma{}, true
	case "llama3":
		return llama3{}, true
	}
	switch {
	case strings.Contains(s, "<start_of_turn>"):
		return gemma{}, true
	case strings.Contains(s, "<|start_header_id|>"):
		return llama3{}, true
	case strings.Contains(s, "<|im_start|>"):
		return chatML{}, true
	}
	return nil, false
}

// Default is used when neither the model nor the caller names a template.
func Default() Template { return chatML{} }

type chatML struct{}

func (chatML) Name() string { return "chatml" }

func (chatML) Apply(msgs []Message, addGenerationPrompt bool) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		if !ValidRole(m.Role) {
			return "", fmt.Errorf("chatml: unsupported role %q", m.Role)
		}
		b.WriteString("<|im_start|>")
		b.WriteString(m.Role)
		b.WriteString("\n")
		b.WriteString(m.Content)
		b.WriteString("<|im_end|>\n")
	}
	if addGenerationPrompt {
		b.WriteString("<|im_start|>assistant\n")
	}
	return b.String(), nil
}

// gemma folds the system prompt into the first user turn; the assistant role
// is called "model".
type gemma struct{}

func (gemma) Name() string { return "gemma" }

func (gemma) Apply(msgs []Message, addGenerationPrompt bool) (string, error) {
	var b strings.Builder
	var system string
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		system = msgs[0].Content
		msgs = msgs[1:]
	}
	for i, m := range msgs {
		role := m.Role
		switch role {
		case RoleUser:
		case RoleAssistant:
			role = "model"
		default:
			return "", fmt.Errorf("gemma: unsupported role %q at position %d", m.Role, i)
		}
		b.WriteString("<start_of_turn>")
		b.WriteString(role)
		b.WriteString("\n")
		if i == 0 && system != "" {
			b.WriteString(system)
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("<end_of_turn>\n")
	}
	if addGenerationPrompt {
		b.WriteString("<start_of_turn>model\n")
	}
	return b.String(), nil
}

type llama3 struct{}

func (llama3) Name() string { return "llama3" }

func (llama3) Apply(msgs []Message, addGenerationPrompt bool) (string, error) {
	var b strings.Builder
	for _, m := range msgs {
		if !ValidRole(m.Role) {
			return "", fmt.Errorf("llama3: unsupported role %q", m.Role)
		}
		b.WriteString("<|start_header_id|>")
		b.WriteString(m.Role)
		b.WriteString("<|end_header_id|>\n\n")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("<|eot_id|>")
	}
	if addGenerationPrompt {
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	}
	return b.String(), nil
}
