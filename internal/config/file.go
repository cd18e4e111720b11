package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the YAML configuration file ($XDG_CONFIG_HOME/lmhost/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type File struct {
	Model        string   `yaml:"model"`
	ChatTemplate string   `yaml:"chat_template"`
	SystemPrompt string   `yaml:"system_prompt"`
	Antiprompt   []string `yaml:"reverse_prompt"`
	PromptCache  string   `yaml:"prompt_cache"`

	ContextSize *int  `yaml:"ctx_size"`
	BatchSize   *int  `yaml:"batch_size"`
	NPredict    *int  `yaml:"n_predict"`
	NKeep       *int  `yaml:"keep"`
	CtxShift    *bool `yaml:"context_shift"`

	Seed          *int64   `yaml:"seed"`
	Temperature   *float64 `yaml:"temperature"`
	TopK          *int     `yaml:"top_k"`
	TopP          *float64 `yaml:"top_p"`
	MinP          *float64 `yaml:"min_p"`
	RepeatPenalty *float64 `yaml:"repeat_penalty"`
	RepeatLastN   *int     `yaml:"repeat_last_n"`

	// CLI and server settings, not part of Params.
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	ServerAddress string `yaml:"server_address"`
	SentryDSN     string `yaml:"sentry_dsn"`
}

// Path returns the default location of the configuration file, or "" when
// no user config directory is known.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "lmhost", "config.yaml")
}

// LoadFile reads a configuration file. A missing file yields a zero File.
func LoadFile(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return File{}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// IsSetter reports whether a flag was given explicitly. *cli.Command
// satisfies it.
type IsSetter interface {
	IsSet(name string) bool
}

// Apply copies file values into p for every flag that was not set on the
// command line.
func (f File) Apply(set IsSetter, p *Params) {
	str := func(flag, v string, dst *string) {
		if v != "" && !set.IsSet(flag) {
			*dst = v
		}
	}
	str("model", f.Model, &p.Model)
	str("chat-template", f.ChatTemplate, &p.ChatTemplate)
	str("system-prompt", f.SystemPrompt, &p.SystemPrompt)
	str("prompt-cache", f.PromptCache, &p.PromptCache)

	if len(f.Antiprompt) > 0 && !set.IsSet("reverse-prompt") {
		p.Antiprompt = append([]string(nil), f.Antiprompt...)
	}
	applyPtr(set, "ctx-size", f.ContextSize, &p.ContextSize)
	applyPtr(set, "batch-size", f.BatchSize, &p.BatchSize)
	applyPtr(set, "n-predict", f.NPredict, &p.NPredict)
	applyPtr(set, "keep", f.NKeep, &p.NKeep)
	if f.CtxShift != nil && !set.IsSet("context-shift") && !set.IsSet("no-context-shift") {
		p.CtxShift = *f.CtxShift
	}
	applyPtr(set, "seed", f.Seed, &p.Seed)
	applyPtr(set, "temp", f.Temperature, &p.Temperature)
	applyPtr(set, "top-k", f.TopK, &p.TopK)
	applyPtr(set, "top-p", f.TopP, &p.TopP)
	applyPtr(set, "min-p", f.MinP, &p.MinP)
	applyPtr(set, "repeat-penalty", f.RepeatPenalty, &p.RepeatPenalty)
	applyPtr(set, "repeat-last-n", f.RepeatLastN, &p.RepeatLastN)
}

func applyPtr[T any](set IsSetter, flag string, v *T, dst *T) {
	if v != nil && !set.IsSet(flag) {
		*dst = *v
	}
}
