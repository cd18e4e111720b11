package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/lmhost/internal/chat"
	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/scheduler"
	"github.com/samcharles93/lmhost/internal/stream"
)

// startScheduler applies the config file to p and starts a scheduler with it.
// The caller stops it.
func (a *app) startScheduler(ctx context.Context, cmd *cli.Command, p *config.Params, opts ...scheduler.Option) (*scheduler.Scheduler, error) {
	a.file.Apply(cmd, p)
	sched := scheduler.New(a.loader, append([]scheduler.Option{scheduler.WithLogger(a.log)}, opts...)...)
	if err := sched.Start(ctx, *p); err != nil {
		return nil, err
	}
	return sched, nil
}

// printSink streams generated text to stdout as it arrives.
func (a *app) printSink() stream.Sink {
	return stream.SinkFuncs{
		WriteFunc: func(_ int, chunk string) bool {
			_, err := io.WriteString(a.stdout, chunk)
			return err == nil
		},
	}
}

func (a *app) generateCmd() *cli.Command {
	p := config.Defaults()
	return &cli.Command{
		Name:      "generate",
		Usage:     "Generate a completion for a prompt and exit",
		ArgsUsage: "<prompt>",
		Flags:     config.Flags(&p),
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			prompt := strings.Join(cmd.Args().Slice(), " ")
			if prompt == "" {
				return errors.New("generate: a prompt argument is required")
			}
			sched, err := a.startScheduler(ctx, cmd, &p)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, sched.Stop()) }()

			if _, err := sched.Generate(ctx, 1, prompt, a.printSink()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.stdout)
			return nil
		},
	}
}

func (a *app) chatCmd() *cli.Command {
	p := config.Defaults()
	var messagesPath string
	return &cli.Command{
		Name:      "chat",
		Usage:     "Answer a conversation and exit",
		ArgsUsage: "[user message]",
		Flags: append(config.Flags(&p),
			&cli.StringFlag{
				Name:        "messages",
				Usage:       "YAML file with a list of {role, content} messages",
				Destination: &messagesPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			msgs, err := loadMessages(messagesPath)
			if err != nil {
				return err
			}
			if text := strings.Join(cmd.Args().Slice(), " "); text != "" {
				msgs = append(msgs, chat.Message{Role: chat.RoleUser, Content: text})
			}
			if len(msgs) == 0 {
				return errors.New("chat: give a user message or --messages")
			}
			sched, err := a.startScheduler(ctx, cmd, &p)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, sched.Stop()) }()

			if _, err := sched.Chat(ctx, 1, msgs, a.printSink()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(a.stdout)
			return nil
		},
	}
}

func loadMessages(path string) ([]chat.Message, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	var msgs []chat.Message
	if err := yaml.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse messages %s: %w", path, err)
	}
	for i, m := range msgs {
		if !chat.ValidRole(m.Role) {
			return nil, fmt.Errorf("messages %s: entry %d has unsupported role %q", path, i, m.Role)
		}
	}
	return msgs, nil
}
