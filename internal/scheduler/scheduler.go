// Package scheduler owns the single generation session of the process. It
// serialises start and stop, routes requests to the running session and
// exposes read-only reports about it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/samcharles93/lmhost/internal/chat"
	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/inference"
	"github.com/samcharles93/lmhost/internal/llm"
	"github.com/samcharles93/lmhost/internal/logger"
	"github.com/samcharles93/lmhost/internal/stream"
)

var (
	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrNotRunning     = errors.New("scheduler: not running")
	ErrInvalidPayload = errors.New("scheduler: invalid payload")
	ErrRateLimited    = errors.New("scheduler: request rate exceeded")
	ErrEmptyResult    = inference.ErrEmptyResult
)

// Kind selects how a request payload is interpreted.
type Kind int

const (
	KindCompletion Kind = iota
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindCompletion:
		return "completion"
	case KindChat:
		return "chat"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts "completion" and "chat".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "completion", "generate":
		return KindCompletion, nil
	case "chat":
		return KindChat, nil
	}
	return 0, fmt.Errorf("%w: unknown request kind %q", ErrInvalidPayload, s)
}

// Request is one unit of work. Payload is a JSON document: {"prompt": "..."}
// for completions and {"messages": [...]} for chats.
type Request struct {
	ID      int
	Payload []byte
	Kind    Kind
}

type payload struct {
	Prompt   string         `json:"prompt"`
	Messages []chat.Message `json:"messages"`
}

// Messages decodes the payload into the messages handed to the session.
func (r Request) Messages() ([]chat.Message, error) {
	var p payload
	if err := json.Unmarshal(r.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	switch r.Kind {
	case KindCompletion:
		if p.Prompt == "" {
			return nil, fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
		}
		return []chat.Message{{Role: chat.RoleUser, Content: p.Prompt}}, nil
	case KindChat:
		if len(p.Messages) == 0 {
			return nil, fmt.Errorf("%w: messages are required", ErrInvalidPayload)
		}
		for i, m := range p.Messages {
			if !chat.ValidRole(m.Role) {
				return nil, fmt.Errorf("%w: message %d has unsupported role %q", ErrInvalidPayload, i, m.Role)
			}
		}
		return p.Messages, nil
	default:
		return nil, fmt.Errorf("%w: unknown request kind %v", ErrInvalidPayload, r.Kind)
	}
}

type Option func(*Scheduler)

func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithAdmissionLimit paces requests entering the session queue. A request
// waits for a token until its context ends.
func WithAdmissionLimit(l *rate.Limiter) Option {
	return func(s *Scheduler) { s.admit = l }
}

// WithSessionOptions adds options to every session the scheduler starts.
func WithSessionOptions(opts ...inference.Option) Option {
	return func(s *Scheduler) { s.sessOpts = append(s.sessOpts, opts...) }
}

// Scheduler runs at most one session at a time.
type Scheduler struct {
	loader   llm.Loader
	log      logger.Logger
	sessOpts []inference.Option
	admit    *rate.Limiter

	// mu serialises lifecycle transitions.
	mu     sync.Mutex
	sess   *inference.Session
	slot   string
	nextID int
	runErr error
}

func New(loader llm.Loader, opts ...Option) *Scheduler {
	s := &Scheduler{loader: loader, log: logger.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "scheduler")
	return s
}

// Start loads the model and starts the generation loop. It fails if a
// session is already running or the session cannot be built.
func (s *Scheduler) Start(ctx context.Context, p config.Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil {
		return ErrAlreadyRunning
	}

	s.nextID++
	opts := append([]inference.Option{inference.WithLogger(s.log)}, s.sessOpts...)
	sess, err := inference.NewSession(ctx, s.nextID, p, s.loader, opts...)
	if err != nil {
		s.log.Error("failed to start session", "error", err)
		return fmt.Errorf("start: %w", err)
	}
	s.sess = sess
	s.slot = uuid.NewString()
	s.runErr = nil

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if err := sess.Run(runCtx); err != nil {
			s.log.Error("session terminated", "id", sess.ID(), "error", err)
			s.mu.Lock()
			if s.sess == sess {
				s.runErr = err
			}
			s.mu.Unlock()
		}
	}()
	s.log.Info("session started", "id", sess.ID(), "slot", s.slot, "model", p.Model)
	return nil
}

// StartArgs starts a session from a command-line style argument string.
func (s *Scheduler) StartArgs(ctx context.Context, args string) error {
	argv, err := config.SplitArgs(args)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidParams, err)
	}
	p, err := config.ParseArgs(ctx, argv)
	if err != nil {
		return err
	}
	return s.Start(ctx, p)
}

// Stop terminates the generation loop, waits for it and releases the model.
// Pending requests fail with stream.ErrStopped.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return ErrNotRunning
	}
	sess := s.sess
	sess.Stop()
	<-sess.Done()
	err := sess.Close()
	s.sess = nil
	s.slot = ""
	s.log.Info("session stopped", "id", sess.ID())
	if err != nil {
		return fmt.Errorf("stop: release model: %w", err)
	}
	return nil
}

// Running reports whether a session is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess != nil
}

func (s *Scheduler) session() (*inference.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil, ErrNotRunning
	}
	if s.runErr != nil {
		return nil, fmt.Errorf("%w: session failed: %w", ErrNotRunning, s.runErr)
	}
	return s.sess, nil
}

// Dispatch decodes the request payload and runs it, streaming to sink. It
// returns once the result is known.
func (s *Scheduler) Dispatch(ctx context.Context, req Request, sink stream.Sink) error {
	msgs, err := req.Messages()
	if err != nil {
		return err
	}
	_, err = s.submit(ctx, req.ID, msgs, sink)
	return err
}

// Generate runs a single prompt and returns the generated text.
func (s *Scheduler) Generate(ctx context.Context, id int, prompt string, sink stream.Sink) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	}
	return s.submit(ctx, id, []chat.Message{{Role: chat.RoleUser, Content: prompt}}, sink)
}

// Chat runs a batch of messages and returns the assistant reply.
func (s *Scheduler) Chat(ctx context.Context, id int, msgs []chat.Message, sink stream.Sink) (string, error) {
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: messages are required", ErrInvalidPayload)
	}
	return s.submit(ctx, id, msgs, sink)
}

func (s *Scheduler) submit(ctx context.Context, id int, msgs []chat.Message, sink stream.Sink) (string, error) {
	sess, err := s.session()
	if err != nil {
		return "", err
	}
	if s.admit != nil {
		if err := s.admit.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}
	fut, err := sess.Submit(id, msgs, sink)
	if errors.Is(err, inference.ErrSessionClosed) {
		return "", ErrNotRunning
	}
	if err != nil {
		return "", err
	}
	s.log.Debug("request queued", "request", id, "messages", len(msgs))
	text, err := fut.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			fut.Cancel()
			s.log.Debug("request abandoned", "request", id, "error", ctx.Err())
			return "", err
		}
		if errors.Is(err, stream.ErrStopped) {
			return "", fmt.Errorf("request %d: %w", id, err)
		}
		return "", err
	}
	return text, nil
}
