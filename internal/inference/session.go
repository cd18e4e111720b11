// Package inference runs the generation loop of a single model instance:
// context-window management, session-cache reuse, stop-string detection and
// conversational turn-taking. Input arrives either from a terminal prompter
// or from a stream.Processor fed by library callers.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/lmhost/internal/chat"
	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/console"
	"github.com/samcharles93/lmhost/internal/llm"
	"github.com/samcharles93/lmhost/internal/logger"
	"github.com/samcharles93/lmhost/internal/logits"
	"github.com/samcharles93/lmhost/internal/stream"
	"github.com/samcharles93/lmhost/internal/window"
)

var (
	ErrPromptTooLong = errors.New("prompt is too long")
	ErrEmptyInput    = errors.New("input is empty")
	ErrDecode        = errors.New("failed to decode")
	ErrSessionClosed = errors.New("session closed")
	ErrEmptyResult   = errors.New("generation produced no output")
	ErrTerminalInput = errors.New("session reads input from the terminal")
)

// State is the lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateGenerating
	StateWaitingForInput
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateGenerating:
		return "generating"
	case StateWaitingForInput:
		return "waiting-for-input"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Display shows the terminal transcript.
type Display interface {
	SetMode(console.Mode)
	Print(s string)
}

// Prompter reads operator input for terminal sessions. It returns io.EOF when
// the operator ends the input stream.
type Prompter interface {
	ReadInput(ctx context.Context) (string, error)
}

type Option func(*Session)

func WithLogger(l logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithDisplay echoes the prompt and the generated text to d.
func WithDisplay(d Display) Option {
	return func(s *Session) { s.display = d }
}

// WithPrompter makes the session read input from p instead of the request
// queue.
func WithPrompter(p Prompter) Option {
	return func(s *Session) { s.prompter = p }
}

// Info describes a session. It does not change after construction.
type Info struct {
	ID           int                  `json:"id"`
	ModelPath    string               `json:"model_path"`
	Description  string               `json:"model"`
	NCtx         int                  `json:"n_ctx"`
	NCtxTrain    int                  `json:"n_ctx_train"`
	NBatch       int                  `json:"n_batch"`
	NKeep        int                  `json:"n_keep"`
	NPredict     int                  `json:"n_predict"`
	ChatTemplate string               `json:"chat_template"`
	Conversation bool                 `json:"conversation"`
	Interactive  bool                 `json:"interactive"`
	Policy       string               `json:"eviction_policy"`
	Sampler      logits.SamplerConfig `json:"sampler"`
	SamplerChain string               `json:"sampler_chain"`
	Antiprompt   []string             `json:"reverse_prompt"`
	Endpoints    config.Endpoints     `json:"endpoints"`
}

// Snapshot is a point-in-time view of a running session.
type Snapshot struct {
	ID           int    `json:"id"`
	State        string `json:"state"`
	IsProcessing bool   `json:"is_processing"`
	NCtx         int    `json:"n_ctx"`
	NPast        int    `json:"n_past"`
	NRemain      int    `json:"n_remain"`
	NConsumed    int    `json:"n_consumed"`
	NInput       int    `json:"n_input_tokens"`
	NCached      int    `json:"n_cache_tokens"`
	History      int    `json:"n_messages"`
	Stats        Stats  `json:"stats"`
}

// Session owns one model instance and runs the generation loop over it. The
// loop is single-threaded; other goroutines interact with it only through
// Submit, Stop and the read-only accessors.
type Session struct {
	id       int
	params   config.Params
	log      logger.Logger
	model    llm.Model
	info     Info
	display  Display
	prompter Prompter
	proc     *stream.Processor

	fmtr         *chat.Formatter
	async        bool
	conversation bool
	formatChat   bool
	interactive  bool
	win          *window.Controller
	smpl         *logits.Chain
	cache        *Cache
	anti         antiprompts
	nCtx         int

	// loop state, owned by Run
	cur           *stream.Event
	prompt        string
	embdInp       []int
	embd          []int
	embdSampled   bool
	nPast         int
	nRemain       int
	nConsumed     int
	isInteracting bool
	isAntiprompt  bool
	needInsertEOT bool
	waitingFirst  bool
	inputEcho     bool
	showing       bool
	output        strings.Builder
	assistant     strings.Builder
	stats         Stats

	state    atomic.Int32
	mu       sync.Mutex
	snap     Snapshot
	stopCtx  context.Context
	stopFn   context.CancelFunc
	started  atomic.Bool
	running  atomic.Bool
	done     chan struct{}
	closeErr error
	closed   sync.Once
}

// NewSession loads the model and prepares the prompt, the sampler and the
// eviction policy. Any failure here is fatal: no session is created and the
// model, if loaded, is released.
func NewSession(ctx context.Context, id int, params config.Params, loader llm.Loader, opts ...Option) (*Session, error) {
	s := &Session{
		id:     id,
		params: params,
		log:    logger.Default(),
		proc:   stream.NewProcessor(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "session", "id", id)
	s.async = s.prompter == nil
	s.stopCtx, s.stopFn = context.WithCancel(context.Background())
	s.setState(StateLoading)

	if err := s.params.Validate(s.log); err != nil {
		s.setState(StateStopped)
		return nil, err
	}

	s.log.Info("loading model", "path", s.params.Model)
	m, err := loader.Load(ctx, s.params.LoadOptions())
	if err != nil {
		s.setState(StateStopped)
		return nil, fmt.Errorf("unable to load model: %w", err)
	}
	s.model = m

	if err := s.prepare(); err != nil {
		_ = m.Close()
		s.setState(StateStopped)
		return nil, err
	}
	s.setState(StateReady)
	s.publish()
	return s, nil
}

func (s *Session) prepare() error {
	p := &s.params
	m := s.model
	s.nCtx = m.NCtx()
	if train := m.NCtxTrain(); s.nCtx > train {
		s.log.Warn("model was trained on fewer context tokens", "n_ctx_train", train, "n_ctx", s.nCtx)
	}

	tmpl, explicit := chat.Lookup(p.ChatTemplate)
	if !explicit {
		tmpl, explicit = chat.Lookup(m.ChatTemplate())
	}
	if tmpl == nil {
		tmpl = chat.Default()
	}
	s.fmtr = chat.NewFormatter(tmpl)

	switch p.Conversation {
	case config.ConversationOn:
		s.conversation = true
	case config.ConversationAuto:
		if explicit {
			s.log.Info("chat template is available, enabling conversation mode", "template", tmpl.Name())
			s.conversation = true
		}
	}
	if s.conversation && !explicit {
		s.log.Warn("chat template is not available or is not supported, output may be suboptimal")
	}
	enableTemplate := p.InputPrefix == "" && p.InputSuffix == ""
	s.formatChat = s.conversation && enableTemplate
	if s.conversation {
		if enableTemplate {
			if p.Prompt != "" && p.SystemPrompt == "" {
				s.log.Warn("user-specified prompt will pre-start conversation, did you mean to set the system prompt instead?")
			}
			if ex, err := chat.Example(tmpl); err == nil {
				s.log.Debug("chat template example", "template", tmpl.Name(), "example", ex)
			}
		} else {
			s.log.Info("in-suffix/prefix is specified, chat template will be disabled")
		}
	}

	s.cache = OpenCache(m, p.PromptCache, p.PromptCacheRO, p.PromptCacheAll, s.log)
	addBOS := m.AddBOS()

	var prompt string
	if s.formatChat {
		if p.SystemPrompt != "" {
			if _, err := s.fmtr.Add(chat.Message{Role: chat.RoleSystem, Content: p.SystemPrompt}); err != nil {
				return fmt.Errorf("format system prompt: %w", err)
			}
		}
		if p.Prompt != "" {
			if _, err := s.fmtr.Add(chat.Message{Role: chat.RoleUser, Content: p.Prompt}); err != nil {
				return fmt.Errorf("format prompt: %w", err)
			}
		} else {
			s.waitingFirst = true
		}
		if p.SystemPrompt != "" || p.Prompt != "" {
			var err error
			prompt, err = s.fmtr.Render(p.Prompt != "")
			if err != nil {
				return fmt.Errorf("format prompt: %w", err)
			}
		}
	} else {
		prompt = p.Prompt
		if s.async && prompt == "" {
			s.waitingFirst = true
		}
	}
	s.prompt = prompt

	if p.InteractiveFirst || prompt != "" || len(s.cache.Tokens()) == 0 {
		s.embdInp = m.Tokenize(prompt, true, true)
	} else {
		s.log.Debug("use session tokens")
		s.embdInp = append([]int(nil), s.cache.Tokens()...)
	}

	if !s.waitingFirst && len(s.embdInp) == 0 {
		if !addBOS {
			return ErrEmptyInput
		}
		s.embdInp = append(s.embdInp, m.BOS())
		s.log.Warn("input was considered empty and bos was added")
	}
	if limit := s.nCtx - window.SafetyMargin; len(s.embdInp) > limit {
		return fmt.Errorf("%w (%d tokens, max %d)", ErrPromptTooLong, len(s.embdInp), limit)
	}

	nMatching := s.cache.Match(s.embdInp, p.Prompt == "", m.KV())

	if p.NKeep < 0 || p.NKeep > len(s.embdInp) {
		p.NKeep = len(s.embdInp)
	} else if addBOS {
		p.NKeep++
	}

	if s.conversation {
		if p.SingleTurn && p.Prompt != "" {
			p.Interactive = false
			p.InteractiveFirst = false
		} else {
			p.InteractiveFirst = true
		}
	}
	if p.InteractiveFirst {
		p.Interactive = true
	}
	s.interactive = p.Interactive

	if p.VerbosePrompt {
		s.log.Info("prompt", "text", p.Prompt, "tokens", len(s.embdInp))
		for _, id := range s.embdInp {
			s.log.Info("prompt token", "id", id, "piece", m.TokenToPiece(id, true))
		}
		if p.NKeep > 0 && p.NKeep <= len(s.embdInp) {
			s.log.Info("static prompt based on n_keep", "text", llm.TokensToString(m, s.embdInp[:p.NKeep], true))
		}
	}

	if s.interactive {
		s.log.Info("interactive mode on", "reverse_prompt", p.Antiprompt, "in_prefix", p.InputPrefix, "in_suffix", p.InputSuffix, "in_prefix_bos", p.InputPrefixBOS)
	}

	smpl, err := logits.NewChain(p.Sampler())
	if err != nil {
		return fmt.Errorf("failed to initialize sampling subsystem: %w", err)
	}
	s.smpl = smpl
	s.log.Info("sampler", "seed", smpl.Seed(), "params", smpl.Config().String(), "chain", smpl.String())

	win, err := window.New(s.nCtx, p.NKeep, p.CtxShift, p.NPredict, p.GrpAttnN, p.GrpAttnW)
	if err != nil {
		return err
	}
	s.win = win
	if win.Policy() == window.SelfExtend {
		s.log.Info("self-extend", "n_ctx_train", m.NCtxTrain(), "grp_attn_n", p.GrpAttnN, "grp_attn_w", p.GrpAttnW)
	}
	s.log.Info("generate", "n_ctx", s.nCtx, "n_batch", p.BatchSize, "n_predict", p.NPredict, "n_keep", p.NKeep)

	s.anti = newAntiprompts(m, p.Antiprompt)
	if s.interactive {
		s.isInteracting = p.InteractiveFirst
	}
	if s.waitingFirst {
		s.isInteracting = true
	}
	s.inputEcho = true
	s.nRemain = p.NPredict
	s.log.Debug("session cache", "enabled", s.cache.Enabled(), "matching", nMatching)

	s.info = Info{
		ID:           s.id,
		ModelPath:    p.Model,
		Description:  m.Description(),
		NCtx:         s.nCtx,
		NCtxTrain:    m.NCtxTrain(),
		NBatch:       p.BatchSize,
		NKeep:        p.NKeep,
		NPredict:     p.NPredict,
		ChatTemplate: tmpl.Name(),
		Conversation: s.conversation,
		Interactive:  s.interactive,
		Policy:       win.Policy().String(),
		Sampler:      smpl.Config(),
		SamplerChain: smpl.String(),
		Antiprompt:   append([]string(nil), p.Antiprompt...),
		Endpoints:    p.Endpoints(),
	}
	return nil
}

// Submit queues a batch of messages and returns the future its result is
// delivered to. Terminal sessions do not accept submissions.
func (s *Session) Submit(id int, msgs []chat.Message, sink stream.Sink) (*stream.Future, error) {
	if s.prompter != nil {
		return nil, ErrTerminalInput
	}
	if s.State() == StateStopped {
		return nil, ErrSessionClosed
	}
	fut, err := s.proc.Enqueue(id, msgs, sink)
	if errors.Is(err, stream.ErrStopped) {
		return nil, ErrSessionClosed
	}
	return fut, err
}

// Stop asks the loop to terminate at its next safe point and rejects queued
// requests. It does not wait; see Wait.
func (s *Session) Stop() {
	s.stopFn()
	s.proc.Stop()
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until Run returns or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the model. It must not be called while Run is active.
func (s *Session) Close() error {
	if s.running.Load() {
		return errors.New("session: close while running")
	}
	s.closed.Do(func() {
		s.proc.Stop()
		if s.model != nil {
			s.closeErr = s.model.Close()
		}
		s.setState(StateStopped)
	})
	return s.closeErr
}

func (s *Session) ID() int { return s.id }

func (s *Session) Info() Info { return s.info }

// Params returns the effective parameters after construction adjusted them.
func (s *Session) Params() config.Params { return s.params }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Snapshot returns the state published at the last step of the loop.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snap
	snap.State = s.State().String()
	snap.IsProcessing = s.State() == StateGenerating
	return snap
}

func (s *Session) publish() {
	var nHist int
	if s.fmtr != nil {
		nHist = len(s.fmtr.History())
	}
	var nCached int
	if s.cache != nil {
		nCached = len(s.cache.Tokens())
	}
	s.mu.Lock()
	s.snap = Snapshot{
		ID:        s.id,
		NCtx:      s.nCtx,
		NPast:     s.nPast,
		NRemain:   s.nRemain,
		NConsumed: s.nConsumed,
		NInput:    len(s.embdInp),
		NCached:   nCached,
		History:   nHist,
		Stats:     s.stats,
	}
	s.mu.Unlock()
}
