package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lmhost/internal/scheduler"
)

// CompletionRequest is an OpenAI-compatible text completion request. The
// prompt is a string or an array of strings joined by newlines.
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      any      `json:"prompt"`
	Stream      *bool    `json:"stream,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	N           *int     `json:"n,omitempty"`
	Stop        any      `json:"stop,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
}

type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

// CompletionResponse is used both for the whole response and for each
// streamed chunk.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

func (s *Server) handleCompletions(c *echo.Context) error {
	req, err := decodeJSON[CompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	prompt, err := promptText(req.Prompt)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "prompt", "")
	}
	if prompt == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "prompt is required", "prompt", "")
	}
	if req.N != nil && *req.N != 1 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "only n=1 is supported", "n", "")
	}

	info, err := s.d.Info()
	if err != nil {
		return s.writeDispatchError(c, err)
	}
	model := req.Model
	if model == "" {
		model = modelID(info)
	}
	resp := CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: s.clock().Unix(),
		Model:   model,
	}
	id := s.requestID()
	payload := map[string]string{"prompt": prompt}

	if req.Stream == nil || !*req.Stream {
		text, err := s.dispatch(c.Request().Context(), id, scheduler.KindCompletion, payload, nil)
		if err != nil {
			return s.writeDispatchError(c, err)
		}
		finishReason := "stop"
		resp.Choices = []CompletionChoice{{Index: 0, Text: text, FinishReason: &finishReason}}
		return c.JSON(http.StatusOK, resp)
	}

	chunk := func(text string, finish *string) CompletionResponse {
		out := resp
		out.Choices = []CompletionChoice{{Index: 0, Text: text, FinishReason: finish}}
		return out
	}
	sink, err := newSSESink(c, func(text string) any { return chunk(text, nil) })
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	defer sink.done()

	if _, err := s.dispatch(c.Request().Context(), id, scheduler.KindCompletion, payload, sink); err != nil {
		s.log.Debug("completion stream ended with error", "request", id, "error", err, "chunks", sink.chunks())
		_ = sink.send(map[string]any{"error": ResponseError{Message: err.Error(), Type: "server_error"}})
		return nil
	}
	finishReason := "stop"
	_ = sink.send(chunk("", &finishReason))
	return nil
}

func promptText(v any) (string, error) {
	switch p := v.(type) {
	case nil:
		return "", nil
	case string:
		return p, nil
	case []any:
		parts := make([]string, 0, len(p))
		for i, raw := range p {
			s, ok := asString(raw)
			if !ok {
				return "", fmt.Errorf("prompt[%d]: expected a string", i)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, "\n"), nil
	default:
		return "", fmt.Errorf("prompt: expected a string or an array of strings")
	}
}
