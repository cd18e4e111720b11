// lmhost hosts a language model behind a terminal session, one-shot
// generate/chat commands and an OpenAI-style HTTP server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/llm"
	"github.com/samcharles93/lmhost/internal/logger"
	"github.com/samcharles93/lmhost/internal/toy"
	"github.com/samcharles93/lmhost/internal/version"
)

func main() {
	os.Exit(run(os.Args, os.Stdin, os.Stdout, os.Stderr))
}

// app carries what the root command resolves before any subcommand runs.
type app struct {
	stdin          io.Reader
	stdout, stderr io.Writer
	loader         llm.Loader

	file   config.File
	log    logger.Logger
	sentry bool
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) (code int) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		loader: toy.Loader{},
		log:    logger.Discard(),
	}
	defer func() {
		if r := recover(); r != nil {
			if a.sentry {
				sentry.CurrentHub().Recover(r)
				sentry.Flush(2 * time.Second)
			}
			panic(r)
		}
	}()

	if err := a.root().Run(ctx, args); err != nil {
		if a.sentry {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		_, _ = fmt.Fprintf(stderr, "lmhost: %v\n", err)
		return 1
	}
	return 0
}

func (a *app) root() *cli.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
		debug      bool
		sentryDSN  string
	)
	return &cli.Command{
		Name:      "lmhost",
		Usage:     "Host a language model in the terminal or over HTTP",
		Reader:    a.stdin,
		Writer:    a.stdout,
		ErrWriter: a.stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Usage:       "configuration file",
				Value:       config.Path(),
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Value:       "info",
				Destination: &logLevel,
			},
			&cli.StringFlag{
				Name:        "log-format",
				Usage:       "log format (pretty, json, text, none)",
				Value:       "pretty",
				Destination: &logFormat,
			},
			&cli.BoolFlag{
				Name:        "debug",
				Usage:       "enable debug logging (shorthand for --log-level=debug)",
				Destination: &debug,
			},
			&cli.StringFlag{
				Name:        "sentry-dsn",
				Usage:       "report failures to this Sentry DSN",
				Sources:     cli.EnvVars("SENTRY_DSN"),
				Destination: &sentryDSN,
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			f, err := config.LoadFile(configPath)
			if err != nil {
				return ctx, err
			}
			a.file = f

			if f.LogLevel != "" && !cmd.IsSet("log-level") {
				logLevel = f.LogLevel
			}
			if f.LogFormat != "" && !cmd.IsSet("log-format") {
				logFormat = f.LogFormat
			}
			if debug {
				logLevel = "debug"
			}
			log, err := logger.Setup(logFormat, logLevel, a.stderr)
			if err != nil {
				return ctx, err
			}
			a.log = log

			if sentryDSN == "" {
				sentryDSN = f.SentryDSN
			}
			if sentryDSN != "" {
				if err := sentry.Init(sentry.ClientOptions{
					Dsn:              sentryDSN,
					Release:          "lmhost@" + version.Resolve().Version,
					AttachStacktrace: true,
				}); err != nil {
					return ctx, fmt.Errorf("sentry: %w", err)
				}
				a.sentry = true
			}
			return logger.WithContext(ctx, log), nil
		},
		Commands: []*cli.Command{
			a.runCmd(),
			a.generateCmd(),
			a.chatCmd(),
			a.serveCmd(),
			a.propsCmd(),
			a.slotsCmd(),
			a.versionCmd(),
		},
	}
}
