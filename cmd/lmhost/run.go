package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/console"
	"github.com/samcharles93/lmhost/internal/inference"
)

func (a *app) runCmd() *cli.Command {
	p := config.Defaults()
	return &cli.Command{
		Name:  "run",
		Usage: "Run a session in the terminal (one-shot, interactive or conversation)",
		Flags: config.Flags(&p),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a.file.Apply(cmd, &p)
			display := console.NewDisplay(a.stdout)
			reader := console.NewReader(a.stdin, a.stdout, p.MultilineInput)

			sess, err := inference.NewSession(ctx, 0, p, a.loader,
				inference.WithLogger(a.log),
				inference.WithDisplay(display),
				inference.WithPrompter(reader),
			)
			if err != nil {
				return err
			}
			runErr := sess.Run(ctx)
			display.SetMode(console.Reset)
			return errors.Join(runErr, sess.Close())
		},
	}
}
