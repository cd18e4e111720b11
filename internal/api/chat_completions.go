package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lmhost/internal/chat"
	"github.com/samcharles93/lmhost/internal/reasoning"
	"github.com/samcharles93/lmhost/internal/scheduler"
)

type chatPayload struct {
	Messages []chat.Message `json:"messages"`
}

// ChatCompletionRequest represents an OpenAI-compatible chat completion request.
// Sampling fields are accepted for compatibility; the session samples with
// the parameters it was started with.
type ChatCompletionRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	Temperature         *float64      `json:"temperature,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	N                   *int          `json:"n,omitempty"`
	Stream              *bool         `json:"stream,omitempty"`
	Stop                any           `json:"stop,omitempty"`
	MaxTokens           *int          `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int          `json:"max_completion_tokens,omitempty"`
	Seed                *int64        `json:"seed,omitempty"`
	User                string        `json:"user,omitempty"`
	Tools               []any         `json:"tools,omitempty"`
}

// ChatMessage is a request message or a response message/delta. Text inside
// <think> blocks is returned in ReasoningContent.
type ChatMessage struct {
	Role             string `json:"role,omitempty"`
	Content          any    `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Name             string `json:"name,omitempty"`
}

// ChatCompletionResponse is the response for non-streaming chat completions.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatMessage `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatCompletionChunk is a streaming SSE chunk.
type ChatCompletionChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

func (s *Server) RegisterChatCompletions(e *echo.Echo) {
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleListModels)
	e.GET("/v1/models/:model", s.handleGetModel)
}

func (s *Server) handleListModels(c *echo.Context) error {
	data := make([]map[string]any, 0, 1)
	if info, err := s.d.Info(); err == nil {
		data = append(data, modelObject(modelID(info), s.clock()))
	}
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleGetModel(c *echo.Context) error {
	info, err := s.d.Info()
	if err != nil {
		return s.writeDispatchError(c, err)
	}
	id := modelID(info)
	if c.Param("model") != id {
		return writeNotFound(c, fmt.Sprintf("model %q not found", c.Param("model")))
	}
	return c.JSON(http.StatusOK, modelObject(id, s.clock()))
}

func modelObject(id string, created time.Time) map[string]any {
	return map[string]any{
		"id":       id,
		"object":   "model",
		"created":  created.Unix(),
		"owned_by": "local",
	}
}

func (s *Server) handleChatCompletions(c *echo.Context) error {
	req, err := decodeJSON[ChatCompletionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Messages) == 0 {
		return writeBadRequest(c, "messages is required and must not be empty")
	}
	if req.N != nil && *req.N != 1 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "only n=1 is supported", "n", "")
	}
	if len(req.Tools) > 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "tools are not supported", "tools", "")
	}

	msgs, err := chatMessagesToMessages(req.Messages)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	msgs = dropPastReasoning(msgs)

	completionID := "chatcmpl-" + uuid.NewString()
	created := s.clock().Unix()
	info, err := s.d.Info()
	if err != nil {
		return s.writeDispatchError(c, err)
	}
	model := req.Model
	if model == "" {
		model = modelID(info)
	}

	if req.Stream != nil && *req.Stream {
		return s.handleChatCompletionsStream(c, msgs, completionID, created, model)
	}
	return s.handleChatCompletionsSync(c, msgs, completionID, created, model)
}

func (s *Server) handleChatCompletionsSync(c *echo.Context, msgs []chat.Message, completionID string, created int64, model string) error {
	text, err := s.dispatch(c.Request().Context(), s.requestID(), scheduler.KindChat, chatPayload{msgs}, nil)
	if err != nil {
		return s.writeDispatchError(c, err)
	}

	content, thought := reasoning.Split(text)
	finishReason := "stop"
	return c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      completionID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      &ChatMessage{Role: chat.RoleAssistant, Content: content, ReasoningContent: thought},
				FinishReason: &finishReason,
			},
		},
	})
}

func (s *Server) handleChatCompletionsStream(c *echo.Context, msgs []chat.Message, completionID string, created int64, model string) error {
	chunk := func(delta ChatMessage, finish *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      completionID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []ChatChoice{{Index: 0, Delta: &delta, FinishReason: finish}},
		}
	}
	var split reasoning.Stream
	sink, err := newSSESink(c, func(text string) any {
		content, thought := split.Push(text)
		if content == "" && thought == "" {
			return nil
		}
		return chunk(ChatMessage{Content: content, ReasoningContent: thought}, nil)
	})
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	defer sink.done()

	if err := sink.send(chunk(ChatMessage{Role: chat.RoleAssistant}, nil)); err != nil {
		return nil
	}

	id := s.requestID()
	if _, err := s.dispatch(c.Request().Context(), id, scheduler.KindChat, chatPayload{msgs}, sink); err != nil {
		s.log.Debug("chat stream ended with error", "request", id, "error", err, "chunks", sink.chunks())
		_ = sink.send(map[string]any{"error": ResponseError{Message: err.Error(), Type: "server_error"}})
		return nil
	}

	if content, thought := split.Flush(); content != "" || thought != "" {
		_ = sink.send(chunk(ChatMessage{Content: content, ReasoningContent: thought}, nil))
	}
	finishReason := "stop"
	_ = sink.send(chunk(ChatMessage{}, &finishReason))
	return nil
}

// chatMessagesToMessages flattens OpenAI message content into plain text.
// Multi-part content keeps only its text parts, joined by newlines.
func chatMessagesToMessages(msgs []ChatMessage) ([]chat.Message, error) {
	out := make([]chat.Message, 0, len(msgs))
	for i, m := range msgs {
		if !chat.ValidRole(m.Role) {
			return nil, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
		msg := chat.Message{Role: m.Role}
		switch content := m.Content.(type) {
		case string:
			msg.Content = content
		case nil:
		case []any:
			var parts []string
			for _, part := range content {
				pm, ok := part.(map[string]any)
				if !ok {
					continue
				}
				if typ, _ := asString(pm["type"]); typ == "text" || typ == "input_text" || typ == "output_text" {
					if text, ok := asString(pm["text"]); ok {
						parts = append(parts, text)
					}
				}
			}
			msg.Content = strings.Join(parts, "\n")
		default:
			return nil, fmt.Errorf("messages[%d]: unsupported content type", i)
		}
		out = append(out, msg)
	}
	return out, nil
}

// dropPastReasoning removes think blocks from assistant turns that precede
// the last user message, so earlier reasoning is not fed back to the model.
func dropPastReasoning(msgs []chat.Message) []chat.Message {
	last := -1
	for i, m := range msgs {
		if m.Role == chat.RoleUser {
			last = i
		}
	}
	for i := 0; i < last; i++ {
		if msgs[i].Role == chat.RoleAssistant {
			msgs[i].Content = reasoning.Strip(msgs[i].Content)
		}
	}
	return msgs
}
