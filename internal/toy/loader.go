package toy

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/lmhost/internal/llm"
)

// Loader loads toy models. The path "toy" (optionally "toy:<seed>") selects the
// built-in card; any other path is read as a YAML card.
type Loader struct{}

var _ llm.Loader = Loader{}

func (Loader) Load(ctx context.Context, opts llm.LoadOptions) (llm.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	card, err := ReadCard(opts.Path)
	if err != nil {
		return nil, err
	}
	if opts.ChatTemplate != "" {
		card.ChatTemplate = opts.ChatTemplate
	}
	return New(card, opts.ContextSize, opts.BatchSize), nil
}

// ReadCard resolves a model path to a card.
func ReadCard(path string) (Card, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Card{}, fmt.Errorf("load model: no model path given")
	}
	if path == "toy" || strings.HasPrefix(path, "toy:") {
		card := defaultCard()
		if s, ok := strings.CutPrefix(path, "toy:"); ok {
			seed, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return Card{}, fmt.Errorf("load model: invalid toy seed %q", s)
			}
			card.Seed = seed
		}
		return card, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Card{}, fmt.Errorf("load model: %w", err)
	}
	card := defaultCard()
	if err := yaml.Unmarshal(data, &card); err != nil {
		return Card{}, fmt.Errorf("load model %s: %w", path, err)
	}
	return card, nil
}
