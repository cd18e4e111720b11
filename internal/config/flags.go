package config

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/urfave/cli/v3"
)

// Flags returns the session flag set bound to p. Parsing resets every bound
// field to its default before applying the given arguments.
func Flags(p *Params) []cli.Flag {
	d := Defaults()
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model path (\"toy\", \"toy:<seed>\" or a model card)",
			Destination: &p.Model,
		},
		&cli.StringFlag{
			Name:        "chat-template",
			Usage:       "chat template name (chatml, gemma, llama3)",
			Destination: &p.ChatTemplate,
		},
		&cli.IntFlag{
			Name:        "ctx-size",
			Aliases:     []string{"c"},
			Usage:       "size of the prompt context (0 = loaded from model)",
			Value:       d.ContextSize,
			Destination: &p.ContextSize,
		},
		&cli.IntFlag{
			Name:        "batch-size",
			Aliases:     []string{"b"},
			Usage:       "logical maximum batch size",
			Value:       d.BatchSize,
			Destination: &p.BatchSize,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt to start generation with",
			Destination: &p.Prompt,
		},
		&cli.StringFlag{
			Name:        "system-prompt",
			Aliases:     []string{"sys"},
			Usage:       "system prompt used in conversation mode",
			Destination: &p.SystemPrompt,
		},
		&cli.IntFlag{
			Name:        "n-predict",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to predict (-1 = infinity, -2 = until context filled)",
			Value:       d.NPredict,
			Destination: &p.NPredict,
		},
		&cli.IntFlag{
			Name:        "keep",
			Usage:       "number of tokens to keep from the initial prompt (-1 = all)",
			Value:       d.NKeep,
			Destination: &p.NKeep,
		},
		&cli.IntFlag{
			Name:        "n-print",
			Usage:       "print progress every N tokens (-1 = disabled)",
			Value:       d.NPrint,
			Destination: &p.NPrint,
		},
		&cli.BoolFlag{
			Name:        "context-shift",
			Usage:       "shift the context when it fills up",
			Value:       d.CtxShift,
			Destination: &p.CtxShift,
		},
		&cli.BoolFlag{
			Name:  "no-context-shift",
			Usage: "stop generation when the context fills up",
			Action: func(_ context.Context, _ *cli.Command, v bool) error {
				p.CtxShift = !v
				return nil
			},
		},
		&cli.IntFlag{
			Name:        "grp-attn-n",
			Aliases:     []string{"gan"},
			Usage:       "group-attention factor (1 = disabled)",
			Value:       d.GrpAttnN,
			Destination: &p.GrpAttnN,
		},
		&cli.IntFlag{
			Name:        "grp-attn-w",
			Aliases:     []string{"gaw"},
			Usage:       "group-attention width",
			Value:       d.GrpAttnW,
			Destination: &p.GrpAttnW,
		},
		&cli.BoolFlag{
			Name:        "interactive",
			Aliases:     []string{"i"},
			Usage:       "run in interactive mode",
			Destination: &p.Interactive,
		},
		&cli.BoolFlag{
			Name:        "interactive-first",
			Aliases:     []string{"if"},
			Usage:       "run in interactive mode and wait for input right away",
			Destination: &p.InteractiveFirst,
		},
		&cli.StringFlag{
			Name:    "conversation",
			Aliases: []string{"cnv"},
			Usage:   "conversation mode (auto, on, off)",
			Value:   string(d.Conversation),
			Action: func(_ context.Context, _ *cli.Command, v string) error {
				c, err := ParseConversation(v)
				if err != nil {
					return err
				}
				p.Conversation = c
				return nil
			},
		},
		&cli.BoolFlag{
			Name:        "single-turn",
			Aliases:     []string{"st"},
			Usage:       "run conversation for a single turn only",
			Destination: &p.SingleTurn,
		},
		&cli.StringSliceFlag{
			Name:        "reverse-prompt",
			Aliases:     []string{"r"},
			Usage:       "halt generation at `PROMPT` and return control in interactive mode",
			Destination: &p.Antiprompt,
		},
		&cli.StringFlag{
			Name:        "in-prefix",
			Usage:       "string to prefix user inputs with",
			Destination: &p.InputPrefix,
		},
		&cli.StringFlag{
			Name:        "in-suffix",
			Usage:       "string to suffix user inputs with",
			Destination: &p.InputSuffix,
		},
		&cli.BoolFlag{
			Name:        "in-prefix-bos",
			Usage:       "prefix BOS to user inputs, preceding the in-prefix string",
			Destination: &p.InputPrefixBOS,
		},
		&cli.BoolFlag{
			Name:        "escape",
			Aliases:     []string{"e"},
			Usage:       "process escape sequences (\\n, \\r, \\t, \\', \\\", \\\\)",
			Value:       d.Escape,
			Destination: &p.Escape,
		},
		&cli.BoolFlag{
			Name:  "no-escape",
			Usage: "do not process escape sequences",
			Action: func(_ context.Context, _ *cli.Command, v bool) error {
				p.Escape = !v
				return nil
			},
		},
		&cli.BoolFlag{
			Name:        "multiline-input",
			Aliases:     []string{"mli"},
			Usage:       "allow writing multiple lines without ending each in '\\'",
			Destination: &p.MultilineInput,
		},
		&cli.StringFlag{
			Name:        "prompt-cache",
			Usage:       "file to cache prompt state for faster startup",
			Destination: &p.PromptCache,
		},
		&cli.BoolFlag{
			Name:        "prompt-cache-all",
			Usage:       "also save user input and generations to the prompt cache",
			Destination: &p.PromptCacheAll,
		},
		&cli.BoolFlag{
			Name:        "prompt-cache-ro",
			Usage:       "use the prompt cache but do not update it",
			Destination: &p.PromptCacheRO,
		},
		&cli.BoolFlag{
			Name:        "display-prompt",
			Usage:       "echo the prompt before generation",
			Value:       d.DisplayPrompt,
			Destination: &p.DisplayPrompt,
		},
		&cli.BoolFlag{
			Name:  "no-display-prompt",
			Usage: "do not echo the prompt",
			Action: func(_ context.Context, _ *cli.Command, v bool) error {
				p.DisplayPrompt = !v
				return nil
			},
		},
		&cli.BoolFlag{
			Name:        "special",
			Aliases:     []string{"sp"},
			Usage:       "render special tokens in the output",
			Destination: &p.Special,
		},
		&cli.BoolFlag{
			Name:        "verbose-prompt",
			Usage:       "print the tokenized prompt before generation",
			Destination: &p.VerbosePrompt,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Aliases:     []string{"s"},
			Usage:       "RNG seed (-1 = random)",
			Value:       d.Seed,
			Destination: &p.Seed,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       d.Temperature,
			Destination: &p.Temperature,
		},
		&cli.IntFlag{
			Name:        "top-k",
			Usage:       "top-k sampling",
			Value:       d.TopK,
			Destination: &p.TopK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p sampling (1.0 = disabled)",
			Value:       d.TopP,
			Destination: &p.TopP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Usage:       "min-p sampling (0.0 = disabled)",
			Value:       d.MinP,
			Destination: &p.MinP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "penalize repeated sequences of tokens (1.0 = disabled)",
			Value:       d.RepeatPenalty,
			Destination: &p.RepeatPenalty,
		},
		&cli.IntFlag{
			Name:        "repeat-last-n",
			Usage:       "last n tokens considered for the penalty",
			Value:       d.RepeatLastN,
			Destination: &p.RepeatLastN,
		},
		&cli.BoolFlag{
			Name:        "props",
			Usage:       "enable the props report",
			Destination: &p.EndpointProps,
		},
		&cli.BoolFlag{
			Name:        "slots",
			Usage:       "enable the slots report",
			Destination: &p.EndpointSlots,
		},
		&cli.IntFlag{
			Name:        "n-gpu-layers",
			Aliases:     []string{"ngl"},
			Usage:       "number of layers to offload (forwarded to the backend)",
			Value:       d.GPULayers,
			Destination: &p.GPULayers,
		},
		&cli.IntFlag{
			Name:        "main-gpu",
			Aliases:     []string{"mg"},
			Usage:       "device index (forwarded to the backend)",
			Destination: &p.MainGPU,
		},
		&cli.Float64Flag{
			Name:        "rope-freq-base",
			Usage:       "RoPE base frequency (0 = from model)",
			Destination: &p.RopeFreqBase,
		},
		&cli.Float64Flag{
			Name:        "rope-freq-scale",
			Usage:       "RoPE frequency scaling factor (0 = from model)",
			Destination: &p.RopeFreqScale,
		},
		&cli.Float64Flag{
			Name:        "yarn-ext-factor",
			Usage:       "YaRN extrapolation mix factor (-1 = from model)",
			Value:       d.YarnExtFactor,
			Destination: &p.YarnExtFactor,
		},
		&cli.Float64Flag{
			Name:        "yarn-attn-factor",
			Usage:       "YaRN attention magnitude scale",
			Destination: &p.YarnAttnFactor,
		},
		&cli.Float64Flag{
			Name:        "yarn-beta-fast",
			Usage:       "YaRN low correction dim",
			Value:       d.YarnBetaFast,
			Destination: &p.YarnBetaFast,
		},
		&cli.Float64Flag{
			Name:        "yarn-beta-slow",
			Usage:       "YaRN high correction dim",
			Value:       d.YarnBetaSlow,
			Destination: &p.YarnBetaSlow,
		},
		&cli.IntFlag{
			Name:        "yarn-orig-ctx",
			Usage:       "YaRN original context size (0 = from model)",
			Destination: &p.YarnOrigCtx,
		},
		&cli.Float64Flag{
			Name:        "defrag-thold",
			Aliases:     []string{"dt"},
			Usage:       "KV cache defragmentation threshold",
			Value:       d.DefragThold,
			Destination: &p.DefragThold,
		},
	}
}

// ParseArgs parses an argument vector such as the one produced by
// SplitArgs. Positional arguments are rejected.
func ParseArgs(ctx context.Context, args []string) (Params, error) {
	p := Defaults()
	cmd := &cli.Command{
		Name:      "lmhost",
		HideHelp:  true,
		Writer:    io.Discard,
		ErrWriter: io.Discard,
		Flags:     Flags(&p),
		Action: func(context.Context, *cli.Command) error {
			return nil
		},
		OnUsageError: func(_ context.Context, _ *cli.Command, err error, _ bool) error {
			return err
		},
	}
	if err := cmd.Run(ctx, append([]string{"lmhost"}, args...)); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if rest := cmd.Args().Slice(); len(rest) > 0 {
		return Params{}, fmt.Errorf("%w: unexpected arguments %q", ErrInvalidParams, rest)
	}
	return p, nil
}

// SplitArgs splits an argument string on whitespace. Single or double quotes
// group words; a backslash escapes the next character outside single quotes.
func SplitArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote = r
			inWord = true
		case unicode.IsSpace(r):
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated %c quote", ErrInvalidParams, quote)
	}
	if escaped {
		return nil, fmt.Errorf("%w: trailing backslash", ErrInvalidParams)
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
