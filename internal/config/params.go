// Package config holds the runtime parameters of a generation session and
// the ways they are produced: command-line flags, an argument string and the
// YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/lmhost/internal/llm"
	"github.com/samcharles93/lmhost/internal/logger"
	"github.com/samcharles93/lmhost/internal/logits"
)

// MinContext is the smallest context size a session runs with.
const MinContext = 8

var ErrInvalidParams = errors.New("invalid parameters")

// Conversation selects whether chat templating is applied to user input.
type Conversation string

const (
	ConversationAuto Conversation = "auto"
	ConversationOn   Conversation = "on"
	ConversationOff  Conversation = "off"
)

func ParseConversation(s string) (Conversation, error) {
	switch c := Conversation(strings.ToLower(strings.TrimSpace(s))); c {
	case "", ConversationAuto:
		return ConversationAuto, nil
	case ConversationOn, "true", "1", "enabled":
		return ConversationOn, nil
	case ConversationOff, "false", "0", "disabled":
		return ConversationOff, nil
	default:
		return "", fmt.Errorf("%w: conversation mode %q (want auto, on or off)", ErrInvalidParams, s)
	}
}

// Params are the common runtime parameters of a session.
type Params struct {
	Model        string
	ChatTemplate string
	ContextSize  int
	BatchSize    int
	Prompt       string
	SystemPrompt string

	NPredict int
	NKeep    int
	NPrint   int
	CtxShift bool
	GrpAttnN int
	GrpAttnW int

	Interactive      bool
	InteractiveFirst bool
	Conversation     Conversation
	SingleTurn       bool
	Antiprompt       []string
	InputPrefix      string
	InputSuffix      string
	InputPrefixBOS   bool
	Escape           bool
	MultilineInput   bool

	PromptCache    string
	PromptCacheAll bool
	PromptCacheRO  bool

	DisplayPrompt bool
	Special       bool
	VerbosePrompt bool

	Seed          int64
	Temperature   float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int

	EndpointProps bool
	EndpointSlots bool

	// Forwarded to the model loader.
	GPULayers      int
	MainGPU        int
	RopeFreqBase   float64
	RopeFreqScale  float64
	YarnExtFactor  float64
	YarnAttnFactor float64
	YarnBetaFast   float64
	YarnBetaSlow   float64
	YarnOrigCtx    int
	DefragThold    float64
}

// Defaults returns the parameters used when nothing is configured.
func Defaults() Params {
	return Params{
		ContextSize:   4096,
		BatchSize:     512,
		NPredict:      -1,
		NPrint:        -1,
		CtxShift:      true,
		GrpAttnN:      1,
		GrpAttnW:      512,
		Conversation:  ConversationAuto,
		Escape:        true,
		DisplayPrompt: true,
		Seed:          -1,
		Temperature:   0.8,
		TopK:          40,
		TopP:          0.95,
		MinP:          0.05,
		RepeatPenalty: 1.0,
		RepeatLastN:   64,
		GPULayers:     -1,
		YarnExtFactor: -1,
		YarnBetaFast:  32,
		YarnBetaSlow:  1,
		DefragThold:   0.1,
	}
}

// Validate rejects parameter combinations no session can run with and
// normalises the ones it can fix, logging what it changed.
func (p *Params) Validate(log logger.Logger) error {
	if log == nil {
		log = logger.Discard()
	}
	var errs []error
	if strings.TrimSpace(p.Model) == "" {
		errs = append(errs, fmt.Errorf("%w: model path is required", ErrInvalidParams))
	}
	if p.ContextSize != 0 && p.ContextSize < MinContext {
		log.Warn("minimum context size is 8, using it", "requested", p.ContextSize)
		p.ContextSize = MinContext
	}
	if p.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: n_batch must be positive, got %d", ErrInvalidParams, p.BatchSize))
	}
	if p.GrpAttnN <= 0 {
		errs = append(errs, fmt.Errorf("%w: grp_attn_n must be positive, got %d", ErrInvalidParams, p.GrpAttnN))
	} else if p.GrpAttnN != 1 {
		if p.GrpAttnW <= 0 || p.GrpAttnW%p.GrpAttnN != 0 {
			errs = append(errs, fmt.Errorf("%w: grp_attn_w (%d) must be a multiple of grp_attn_n (%d)", ErrInvalidParams, p.GrpAttnW, p.GrpAttnN))
		}
	}
	if p.Conversation == "" {
		p.Conversation = ConversationAuto
	}
	if _, err := ParseConversation(string(p.Conversation)); err != nil {
		errs = append(errs, err)
	}
	if err := p.Sampler().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidParams, err))
	}
	if p.RopeFreqBase != 0 || p.RopeFreqScale != 0 {
		log.Debug("rope overrides are forwarded to the backend", "freq_base", p.RopeFreqBase, "freq_scale", p.RopeFreqScale)
	}
	return errors.Join(errs...)
}

// Sampler converts the sampling parameters.
func (p Params) Sampler() logits.SamplerConfig {
	return logits.SamplerConfig{
		Seed:          p.Seed,
		Temperature:   float32(p.Temperature),
		TopK:          p.TopK,
		TopP:          float32(p.TopP),
		MinP:          float32(p.MinP),
		RepeatPenalty: float32(p.RepeatPenalty),
		RepeatLastN:   p.RepeatLastN,
	}
}

// LoadOptions converts the loader-facing parameters.
func (p Params) LoadOptions() llm.LoadOptions {
	return llm.LoadOptions{
		Path:         p.Model,
		ContextSize:  p.ContextSize,
		BatchSize:    p.BatchSize,
		Seed:         p.Seed,
		GPULayers:    p.GPULayers,
		MainGPU:      p.MainGPU,
		ChatTemplate: p.ChatTemplate,
		Extra: map[string]float64{
			"rope_freq_base":   p.RopeFreqBase,
			"rope_freq_scale":  p.RopeFreqScale,
			"yarn_ext_factor":  p.YarnExtFactor,
			"yarn_attn_factor": p.YarnAttnFactor,
			"yarn_beta_fast":   p.YarnBetaFast,
			"yarn_beta_slow":   p.YarnBetaSlow,
			"yarn_orig_ctx":    float64(p.YarnOrigCtx),
			"defrag_thold":     p.DefragThold,
		},
	}
}

// Endpoints is the read-only view of the introspection flags.
type Endpoints struct {
	Props bool `json:"endpoint_props"`
	Slots bool `json:"endpoint_slots"`
}

func (p Params) Endpoints() Endpoints {
	return Endpoints{Props: p.EndpointProps, Slots: p.EndpointSlots}
}
