package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/scheduler"
)

func (a *app) propsCmd() *cli.Command {
	return a.reportCmd("props", "Load the model and print its properties report", (*scheduler.Scheduler).Props)
}

func (a *app) slotsCmd() *cli.Command {
	return a.reportCmd("slots", "Load the model and print its slots report", (*scheduler.Scheduler).Slots)
}

func (a *app) reportCmd(name, usage string, report func(*scheduler.Scheduler) ([]byte, error)) *cli.Command {
	p := config.Defaults()
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: config.Flags(&p),
		Action: func(ctx context.Context, cmd *cli.Command) (err error) {
			sched, err := a.startScheduler(ctx, cmd, &p)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, sched.Stop()) }()

			b, err := report(sched)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(a.stdout, "%s\n", b)
			return err
		},
	}
}
