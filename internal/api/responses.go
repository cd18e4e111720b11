package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lmhost/internal/chat"
	"github.com/samcharles93/lmhost/internal/reasoning"
	"github.com/samcharles93/lmhost/internal/scheduler"
)

// ResponsesRequest is an OpenAI-compatible Responses API request. Input is a
// string or a list of message items. Sampling fields are accepted and
// ignored, as for chat completions.
type ResponsesRequest struct {
	Model              string            `json:"model"`
	Input              any               `json:"input"`
	Instructions       string            `json:"instructions,omitempty"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Store              *bool             `json:"store,omitempty"`
	Stream             *bool             `json:"stream,omitempty"`
	Temperature        *float64          `json:"temperature,omitempty"`
	TopP               *float64          `json:"top_p,omitempty"`
	MaxOutputTokens    *int              `json:"max_output_tokens,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Tools              []any             `json:"tools,omitempty"`
}

type ResponseContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ResponseItem struct {
	Type    string            `json:"type"`
	ID      string            `json:"id"`
	Status  string            `json:"status,omitempty"`
	Role    string            `json:"role,omitempty"`
	Content []ResponseContent `json:"content"`
}

type ResponsesResponse struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	CreatedAt          int64             `json:"created_at"`
	Status             string            `json:"status"`
	Model              string            `json:"model"`
	Instructions       string            `json:"instructions,omitempty"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	Output             []ResponseItem    `json:"output"`
	OutputText         string            `json:"output_text"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Store              bool              `json:"store"`
	Error              *ResponseError    `json:"error"`
}

type ResponseInputItemList struct {
	Object  string         `json:"object"`
	Data    []ResponseItem `json:"data"`
	FirstID string         `json:"first_id,omitempty"`
	LastID  string         `json:"last_id,omitempty"`
	HasMore bool           `json:"has_more"`
}

// ResponseStreamEvent is one SSE event of a streamed response.
type ResponseStreamEvent struct {
	Type           string             `json:"type"`
	SequenceNumber int64              `json:"sequence_number"`
	Response       *ResponsesResponse `json:"response,omitempty"`
	ItemID         string             `json:"item_id,omitempty"`
	Delta          string             `json:"delta,omitempty"`
}

func (s *Server) RegisterResponses(e *echo.Echo) {
	e.POST("/v1/responses", s.handleCreateResponse)
	e.GET("/v1/responses/:id", s.handleGetResponse)
	e.DELETE("/v1/responses/:id", s.handleDeleteResponse)
	e.GET("/v1/responses/:id/input_items", s.handleInputItems)
}

func (s *Server) handleCreateResponse(c *echo.Context) error {
	req, err := decodeJSON[ResponsesRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Tools) > 0 {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "tools are not supported", "tools", "")
	}
	input, err := responseInput(req.Input)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "input", "")
	}

	var msgs []chat.Message
	if req.Instructions != "" {
		msgs = append(msgs, chat.Message{Role: chat.RoleSystem, Content: req.Instructions})
	}
	if req.PreviousResponseID != "" {
		hist, err := s.store.History(req.PreviousResponseID)
		if err != nil {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "previous_response_id", "")
		}
		msgs = append(msgs, hist...)
	}
	msgs = dropPastReasoning(append(msgs, input...))

	info, err := s.d.Info()
	if err != nil {
		return s.writeDispatchError(c, err)
	}
	model := req.Model
	if model == "" {
		model = modelID(info)
	}
	store := req.Store == nil || *req.Store
	resp := ResponsesResponse{
		ID:                 newResponseID("resp_"),
		Object:             "response",
		CreatedAt:          s.clock().Unix(),
		Status:             "in_progress",
		Model:              model,
		Instructions:       req.Instructions,
		PreviousResponseID: req.PreviousResponseID,
		Output:             []ResponseItem{},
		Metadata:           req.Metadata,
		Store:              store,
	}

	if req.Stream != nil && *req.Stream {
		return s.streamResponse(c, resp, msgs, input)
	}

	text, err := s.dispatch(c.Request().Context(), s.requestID(), scheduler.KindChat, chatPayload{msgs}, nil)
	if err != nil {
		return s.writeDispatchError(c, err)
	}
	content, thought := reasoning.Split(text)
	completeResponse(&resp, newResponseID("msg_"), newResponseID("rs_"), content, thought)
	s.store.Save(resp, input, store)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) streamResponse(c *echo.Context, resp ResponsesResponse, msgs, input []chat.Message) error {
	var (
		seq     atomic.Int64
		split   reasoning.Stream
		msgID   = newResponseID("msg_")
		thinkID = newResponseID("rs_")
	)
	event := func(typ string) ResponseStreamEvent {
		return ResponseStreamEvent{Type: typ, SequenceNumber: seq.Add(1)}
	}
	deltas := func(content, thought string) []ResponseStreamEvent {
		var out []ResponseStreamEvent
		if thought != "" {
			ev := event("response.reasoning_text.delta")
			ev.ItemID, ev.Delta = thinkID, thought
			out = append(out, ev)
		}
		if content != "" {
			ev := event("response.output_text.delta")
			ev.ItemID, ev.Delta = msgID, content
			out = append(out, ev)
		}
		return out
	}
	var thoughtText, contentText string
	sink, err := newSSESink(c, func(text string) any {
		content, thought := split.Push(text)
		contentText += content
		thoughtText += thought
		evs := deltas(content, thought)
		if len(evs) == 0 {
			return nil
		}
		batch := make(sseBatch, len(evs))
		for i, ev := range evs {
			batch[i] = ev
		}
		return batch
	})
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	sink.sentinel = ""
	defer sink.done()

	created := event("response.created")
	created.Response = &resp
	if err := sink.send(created); err != nil {
		return nil
	}

	id := s.requestID()
	if _, err := s.dispatch(c.Request().Context(), id, scheduler.KindChat, chatPayload{msgs}, sink); err != nil {
		s.log.Debug("response stream ended with error", "request", id, "error", err, "chunks", sink.chunks())
		failed := resp
		failed.Status = "failed"
		failed.Error = &ResponseError{Message: err.Error(), Type: "server_error"}
		ev := event("response.failed")
		ev.Response = &failed
		_ = sink.send(ev)
		return nil
	}

	content, thought := split.Flush()
	for _, ev := range deltas(content, thought) {
		_ = sink.send(ev)
	}
	completeResponse(&resp, msgID, thinkID, contentText+content, thoughtText+thought)
	s.store.Save(resp, input, resp.Store)
	done := event("response.completed")
	done.Response = &resp
	_ = sink.send(done)
	return nil
}

func completeResponse(resp *ResponsesResponse, msgID, thinkID, content, thought string) {
	resp.Status = "completed"
	if thought != "" {
		resp.Output = append(resp.Output, ResponseItem{
			Type:    "reasoning",
			ID:      thinkID,
			Content: []ResponseContent{{Type: "reasoning_text", Text: thought}},
		})
	}
	resp.Output = append(resp.Output, ResponseItem{
		Type:    "message",
		ID:      msgID,
		Status:  "completed",
		Role:    chat.RoleAssistant,
		Content: []ResponseContent{{Type: "output_text", Text: content}},
	})
	resp.OutputText = content
}

func (s *Server) handleGetResponse(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, errResponseNotFound.Error())
	}
	return c.JSON(http.StatusOK, rec.Response)
}

func (s *Server) handleDeleteResponse(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, errResponseNotFound.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "response.deleted",
		"deleted": true,
	})
}

func (s *Server) handleInputItems(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, errResponseNotFound.Error())
	}
	out := ResponseInputItemList{Object: "list", Data: make([]ResponseItem, 0, len(rec.Input))}
	for i, m := range rec.Input {
		out.Data = append(out.Data, ResponseItem{
			Type:    "message",
			ID:      fmt.Sprintf("%s_in_%d", rec.Response.ID, i),
			Status:  "completed",
			Role:    m.Role,
			Content: []ResponseContent{{Type: "input_text", Text: m.Content}},
		})
	}
	if n := len(out.Data); n > 0 {
		out.FirstID = out.Data[0].ID
		out.LastID = out.Data[n-1].ID
	}
	return c.JSON(http.StatusOK, out)
}

// responseInput converts the input field to messages. A string is one user
// message; the developer role is treated as system.
func responseInput(v any) ([]chat.Message, error) {
	switch in := v.(type) {
	case nil:
		return nil, errors.New("input is required")
	case string:
		if in == "" {
			return nil, errors.New("input is required")
		}
		return []chat.Message{{Role: chat.RoleUser, Content: in}}, nil
	case []any:
		if len(in) == 0 {
			return nil, errors.New("input is required")
		}
		items := make([]ChatMessage, 0, len(in))
		for i, raw := range in {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("input[%d]: expected an object", i)
			}
			if typ, _ := asString(m["type"]); typ != "" && typ != "message" {
				return nil, fmt.Errorf("input[%d]: unsupported item type %q", i, typ)
			}
			role, _ := asString(m["role"])
			if role == "developer" {
				role = chat.RoleSystem
			}
			items = append(items, ChatMessage{Role: role, Content: m["content"]})
		}
		return chatMessagesToMessages(items)
	default:
		return nil, errors.New("input: expected a string or a list of items")
	}
}
