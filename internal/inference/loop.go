package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samcharles93/lmhost/internal/chat"
	"github.com/samcharles93/lmhost/internal/console"
	"github.com/samcharles93/lmhost/internal/llm"
	"github.com/samcharles93/lmhost/internal/stream"
	"github.com/samcharles93/lmhost/internal/window"
)

// errEndOfInput ends the loop when the input source is exhausted.
var errEndOfInput = errors.New("end of input")

// Run drives the generation loop until the budget is spent, the input source
// ends, a decode fails or the session is stopped. Cancelling ctx or calling
// Stop is a clean termination. Run may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: already started")
	}
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		close(s.done)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.stopCtx, cancel)
	defer stop()

	start := time.Now()
	s.setState(StateGenerating)
	err := s.loop(ctx)

	switch {
	case ctx.Err() != nil:
		s.log.Info("generation stopped")
		s.finishEvent(stream.ErrStopped)
		err = nil
	case errors.Is(err, errEndOfInput):
		s.finishEvent(nil)
		err = nil
	case err != nil:
		s.log.Error("generation failed", "error", err)
		s.finishEvent(err)
	default:
		s.finishEvent(nil)
	}
	s.proc.Stop()

	s.cache.SaveFinal(s.model)
	s.print("\n\n")
	s.log.Info("session finished", "elapsed", time.Since(start).Round(time.Millisecond), "stats", s.stats.String())
	s.setState(StateStopped)
	s.publish()
	return err
}

func (s *Session) loop(ctx context.Context) error {
	p := &s.params
	m := s.model

	s.setDisplay(console.Prompt)
	s.showing = p.DisplayPrompt

	for (s.nRemain != 0 && !s.isAntiprompt) || s.interactive || s.async {
		if ctx.Err() != nil {
			return nil
		}

		if len(s.embd) > 0 {
			stop, err := s.evaluate(ctx)
			if err != nil || stop {
				return err
			}
		}
		s.embd = s.embd[:0]
		s.embdSampled = false

		if len(s.embdInp) <= s.nConsumed && !s.isInteracting {
			s.cache.SaveFirst(m)

			id := s.smpl.Sample(m.Logits())
			s.smpl.Accept(id)
			s.embd = append(s.embd, id)
			s.embdSampled = true
			s.inputEcho = true
			s.nRemain--
		} else {
			for len(s.embdInp) > s.nConsumed {
				tok := s.embdInp[s.nConsumed]
				s.embd = append(s.embd, tok)
				s.smpl.Accept(tok)
				s.nConsumed++
				if len(s.embd) >= p.BatchSize {
					break
				}
			}
		}

		s.show()

		if len(s.embdInp) <= s.nConsumed {
			if err := s.checkTurn(ctx); err != nil {
				return err
			}
		}

		if n := len(s.embd); n > 0 && m.IsEOG(s.embd[n-1]) && !s.interactive && !s.async {
			s.print(" [end of text]\n")
			break
		}

		// Drop back to input when the budget is spent. Unbounded budgets
		// (-1, -2) never reach this.
		if (s.interactive || s.async) && s.nRemain <= 0 && p.NPredict >= 0 {
			s.nRemain = p.NPredict
			s.isInteracting = true
		}
		s.publish()
	}
	return nil
}

// evaluate fits the pending batch into the window and decodes it. stop is
// set when the window cannot take more tokens.
func (s *Session) evaluate(ctx context.Context) (stop bool, err error) {
	p := &s.params

	embd, skipped := window.Truncate(s.embd, s.nCtx)
	if skipped > 0 {
		s.setDisplay(console.Error)
		s.log.Warn("input too long", "skipped_tokens", skipped)
		s.setDisplay(console.Reset)
	}

	res := s.win.Apply(s.model.KV(), s.nPast, len(embd))
	if res.Stop {
		s.log.Debug("stopping", "reason", res.StopReason, "n_past", s.nPast, "n_ctx", s.nCtx)
		return true, nil
	}
	if len(res.Remaps) > 0 {
		for _, r := range res.Remaps {
			s.log.Debug("window remap", "op", r.Op, "p0", r.P0, "p1", r.P1, "value", r.Value)
		}
		s.log.Debug("window reshaped", "policy", s.win.Policy().String(), "n_past_old", s.nPast, "n_past", res.NPast, "discarded", res.Discarded)
		if s.win.Policy() == window.LinearShift {
			s.cache.Disable()
		}
	}
	s.nPast = res.NPast

	embd, reused := s.cache.Reuse(embd)
	s.nPast += reused
	s.stats.ReusedTokens += reused

	start := time.Now()
	for i := 0; i < len(embd); i += p.BatchSize {
		if ctx.Err() != nil {
			return true, nil
		}
		n := min(len(embd)-i, p.BatchSize)
		if err := s.decode(ctx, embd[i:i+n]); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("%w: %w", ErrDecode, err)
		}
		s.nPast += n
		if p.NPrint > 0 && s.nPast%p.NPrint == 0 {
			s.log.Debug("tokens consumed so far", "n_past", s.nPast, "n_ctx", s.nCtx)
		}
	}
	if s.embdSampled {
		s.stats.addGenerated(len(embd), time.Since(start))
	} else {
		s.stats.addPrompt(len(embd), time.Since(start))
	}
	s.cache.Append(embd)
	return false, nil
}

func (s *Session) decode(ctx context.Context, batch []int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during decode: %v", r)
		}
	}()
	return s.model.Decode(ctx, batch)
}

// show echoes the step's tokens to the display and streams sampled ones to
// the current request.
func (s *Session) show() {
	for _, id := range s.embd {
		piece := s.model.TokenToPiece(id, s.params.Special)
		if s.inputEcho && s.showing {
			s.print(piece)
		}
		if !s.embdSampled {
			continue
		}
		s.output.WriteString(piece)
		if s.cur != nil && !s.cur.Emit(piece) {
			s.log.Info("request cancelled by consumer", "request", s.cur.ID)
			s.needInsertEOT = true
			s.isInteracting = true
		}
	}
	if s.inputEcho && len(s.embdInp) == s.nConsumed {
		s.setDisplay(console.Reset)
		s.showing = true
	}
}

// checkTurn runs once all pending input is consumed: it detects stop strings
// and end of generation and reads the next input when the turn is over.
func (s *Session) checkTurn(ctx context.Context) error {
	p := &s.params
	m := s.model
	last := s.smpl.Last()

	if !s.anti.empty() {
		tail := llm.TokensToString(m, s.smpl.Prev(antipromptWindow), true)
		s.isAntiprompt = false
		if stop, ok := s.anti.match(tail, last, s.interactive); ok {
			s.log.Debug("found antiprompt", "antiprompt", stop, "tail", tail)
			if s.interactive || s.async {
				s.isInteracting = true
			}
			s.isAntiprompt = true
		}
	}

	if !s.waitingFirst && last >= 0 && m.IsEOG(last) {
		s.log.Debug("found an end of generation token")
		if s.interactive || s.async {
			if s.interactive && !s.anti.empty() {
				s.embdInp = append(s.embdInp, m.Tokenize(p.Antiprompt[0], false, true)...)
				s.isAntiprompt = true
			}
			if s.formatChat {
				s.addAssistant()
			}
			s.isInteracting = true
			s.print("\n")
		}
	}

	if s.conversation && !s.waitingFirst {
		if s.embdSampled && last >= 0 {
			s.assistant.WriteString(m.TokenToPiece(last, false))
		}
		if s.prompt != "" {
			s.prompt = ""
			s.isInteracting = false
		}
	}

	if (s.nPast > 0 || s.waitingFirst) && s.isInteracting {
		if err := s.readInput(ctx); err != nil {
			return err
		}
	}

	if s.nPast > 0 || s.waitingFirst {
		if s.isInteracting {
			s.smpl.Reset()
		}
		s.isInteracting = false
		if s.waitingFirst && p.SingleTurn {
			s.interactive = false
		}
		s.waitingFirst = false
	}
	return nil
}

func (s *Session) addAssistant() {
	if _, err := s.fmtr.Add(chat.Message{Role: chat.RoleAssistant, Content: s.assistant.String()}); err != nil {
		s.log.Warn("failed to record assistant turn", "error", err)
	}
}

// readInput waits for the next batch of messages and appends its tokens to
// the pending input.
func (s *Session) readInput(ctx context.Context) error {
	p := &s.params
	m := s.model

	s.log.Debug("waiting for user input")
	if s.conversation {
		s.print("\n> ")
	}
	if p.InputPrefixBOS {
		s.embdInp = append(s.embdInp, m.BOS())
	}
	if p.InputPrefix != "" && !s.conversation {
		s.print(p.InputPrefix)
	}

	s.setDisplay(console.UserInput)
	s.showing = p.DisplayPrompt

	msgs, err := s.nextInput(ctx)
	if err != nil {
		return err
	}

	s.setDisplay(console.Reset)
	s.showing = true

	empty := true
	for i := range msgs {
		msgs[i].Content = strings.TrimSuffix(msgs[i].Content, "\n")
		if msgs[i].Content != "" {
			empty = false
		}
	}

	if empty {
		s.log.Debug("empty line, passing control back")
	} else {
		if p.InputSuffix != "" && !s.conversation {
			s.print(p.InputSuffix)
		}
		s.appendInput(msgs)
	}
	s.inputEcho = false
	return nil
}

func (s *Session) appendInput(msgs []chat.Message) {
	p := &s.params
	m := s.model

	parts := make([]string, 0, len(msgs))
	for i := range msgs {
		if p.Escape {
			msgs[i].Content = processEscapes(msgs[i].Content)
		}
		parts = append(parts, msgs[i].Content)
	}
	text := strings.Join(parts, "\n")

	userInp := text
	if s.formatChat {
		formatted, err := s.fmtr.Add(msgs...)
		if err != nil {
			s.log.Warn("failed to format chat input, using raw text", "error", err)
		} else {
			userInp = formatted
		}
	}

	pfx := m.Tokenize(p.InputPrefix, false, true)
	inp := m.Tokenize(userInp, false, s.formatChat)
	sfx := m.Tokenize(p.InputSuffix, false, true)
	s.log.Debug("input tokens", "n", len(inp))

	// A reply cut short by the consumer still needs its end of turn.
	if s.needInsertEOT && s.formatChat {
		eot := m.EOT()
		if eot == llm.NoToken {
			eot = m.EOS()
		}
		s.embdInp = append(s.embdInp, eot)
	}
	s.needInsertEOT = false

	s.embdInp = append(s.embdInp, pfx...)
	s.embdInp = append(s.embdInp, inp...)
	s.embdInp = append(s.embdInp, sfx...)

	s.assistant.Reset()
	if s.interactive {
		s.nRemain -= len(inp)
	}
}

// nextInput returns the next batch of messages from the prompter or the
// request queue. Queued requests with no content are rejected without
// handing control back to the model.
func (s *Session) nextInput(ctx context.Context) ([]chat.Message, error) {
	s.setState(StateWaitingForInput)
	s.publish()
	defer s.setState(StateGenerating)

	if !s.async {
		line, err := s.prompter.ReadInput(ctx)
		if errors.Is(err, io.EOF) {
			s.print("EOF by user\n")
			return nil, errEndOfInput
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, errEndOfInput
			}
			return nil, fmt.Errorf("read input: %w", err)
		}
		return []chat.Message{{Role: chat.RoleUser, Content: line}}, nil
	}

	s.finishEvent(nil)
	for {
		ev, ok := s.proc.Dequeue(ctx)
		if !ok {
			return nil, errEndOfInput
		}
		if !hasContent(ev.Messages) {
			if err := ev.Finish("", ErrEmptyInput); err != nil {
				s.log.Warn("failed to resolve request", "request", ev.ID, "error", err)
			}
			continue
		}
		s.cur = ev
		s.stats.Requests++
		s.output.Reset()
		if !s.interactive {
			s.nRemain = s.params.NPredict
		}
		s.log.Debug("request received", "request", ev.ID, "messages", len(ev.Messages))
		msgs := make([]chat.Message, len(ev.Messages))
		copy(msgs, ev.Messages)
		return msgs, nil
	}
}

func hasContent(msgs []chat.Message) bool {
	for _, msg := range msgs {
		if strings.TrimSuffix(msg.Content, "\n") != "" {
			return true
		}
	}
	return false
}

// finishEvent resolves the current request with the text generated for it.
func (s *Session) finishEvent(err error) {
	text := s.output.String()
	s.output.Reset()
	ev := s.cur
	if ev == nil {
		return
	}
	s.cur = nil
	if err == nil && text == "" && !ev.Cancelled() {
		err = ErrEmptyResult
	}
	if ferr := ev.Finish(text, err); ferr != nil {
		s.log.Warn("failed to resolve request", "request", ev.ID, "error", ferr)
	}
}

func (s *Session) print(str string) {
	if s.display != nil && str != "" {
		s.display.Print(str)
	}
}

func (s *Session) setDisplay(mode console.Mode) {
	if s.display != nil {
		s.display.SetMode(mode)
	}
}
