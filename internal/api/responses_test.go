package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lmhost/internal/chat"
)

func createResponse(t *testing.T, e *echo.Echo, body string) ResponsesResponse {
	t.Helper()
	rec := doJSON(t, e, http.MethodPost, "/v1/responses", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ResponsesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestResponsesCreateAndChain(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{chunks: []string{"<think>hmm</think>", "Paris"}}
	e := newTestEcho(d)

	first := createResponse(t, e, `{"instructions":"be brief","input":"capital of France?"}`)
	if !strings.HasPrefix(first.ID, "resp_") || first.Object != "response" || first.Status != "completed" {
		t.Fatalf("unexpected response %+v", first)
	}
	if first.OutputText != "Paris" {
		t.Fatalf("output_text = %q", first.OutputText)
	}
	if len(first.Output) != 2 || first.Output[0].Type != "reasoning" || first.Output[1].Type != "message" {
		t.Fatalf("output = %+v", first.Output)
	}
	if first.Output[0].Content[0].Text != "hmm" {
		t.Fatalf("reasoning = %+v", first.Output[0])
	}

	body := `{"previous_response_id":"` + first.ID + `","input":[{"role":"user","content":[{"type":"input_text","text":"and Spain?"}]}]}`
	second := createResponse(t, e, body)
	if second.PreviousResponseID != first.ID {
		t.Fatalf("previous_response_id = %q", second.PreviousResponseID)
	}

	want := []chat.Message{
		{Role: chat.RoleUser, Content: "capital of France?"},
		{Role: chat.RoleAssistant, Content: "Paris"},
		{Role: chat.RoleUser, Content: "and Spain?"},
	}
	got := d.chats[1]
	if len(got) != len(want) {
		t.Fatalf("chained conversation = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if d.chats[0][0] != (chat.Message{Role: chat.RoleSystem, Content: "be brief"}) {
		t.Fatalf("instructions not sent as system message: %+v", d.chats[0])
	}
}

func TestResponsesLookup(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{chunks: []string{"ok"}}
	e := newTestEcho(d)
	resp := createResponse(t, e, `{"input":[{"role":"developer","content":"rules"},{"role":"user","content":"hi"}]}`)

	rec := doJSON(t, e, http.MethodGet, "/v1/responses/"+resp.ID, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), resp.ID) {
		t.Fatalf("get: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodGet, "/v1/responses/"+resp.ID+"/input_items", "")
	var items ResponseInputItemList
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items.Data) != 2 || items.Data[0].Role != chat.RoleSystem || items.Data[1].Content[0].Text != "hi" {
		t.Fatalf("input items = %+v", items.Data)
	}

	rec = doJSON(t, e, http.MethodDelete, "/v1/responses/"+resp.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: %d", rec.Code)
	}
	rec = doJSON(t, e, http.MethodGet, "/v1/responses/"+resp.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
}

func TestResponsesUnstoredAreHidden(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{chunks: []string{"ok"}}
	e := newTestEcho(d)
	resp := createResponse(t, e, `{"input":"hi","store":false}`)
	if rec := doJSON(t, e, http.MethodGet, "/v1/responses/"+resp.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unstored response visible: %d", rec.Code)
	}
	createResponse(t, e, `{"input":"more","previous_response_id":"`+resp.ID+`"}`)
	if len(d.chats[1]) != 3 {
		t.Fatalf("chain through an unstored response = %+v", d.chats[1])
	}
}

func TestResponsesValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"no input", `{}`},
		{"empty input", `{"input":""}`},
		{"bad item", `{"input":[{"type":"function_call","name":"f"}]}`},
		{"bad role", `{"input":[{"role":"tool","content":"x"}]}`},
		{"tools", `{"input":"x","tools":[{"type":"function"}]}`},
		{"unknown previous", `{"input":"x","previous_response_id":"resp_missing"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := &fakeDispatcher{chunks: []string{"x"}}
			rec := doJSON(t, newTestEcho(d), http.MethodPost, "/v1/responses", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
			}
			if len(d.ids) != 0 {
				t.Fatal("invalid request reached the dispatcher")
			}
		})
	}
}

func TestResponsesStream(t *testing.T) {
	t.Parallel()

	d := &fakeDispatcher{chunks: []string{"<think>a</think>b", "c"}}
	e := newTestEcho(d)
	rec := doJSON(t, e, http.MethodPost, "/v1/responses", `{"input":"hi","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	events := sseData(t, rec.Body.String())
	var types []string
	var last ResponseStreamEvent
	for i, ev := range events {
		if ev == "[DONE]" {
			t.Fatalf("responses stream carries a [DONE] sentinel")
		}
		var se ResponseStreamEvent
		if err := json.Unmarshal([]byte(ev), &se); err != nil {
			t.Fatalf("decode event %q: %v", ev, err)
		}
		if se.SequenceNumber != int64(i+1) {
			t.Fatalf("event %d has sequence %d", i, se.SequenceNumber)
		}
		types = append(types, se.Type)
		last = se
	}
	want := []string{
		"response.created",
		"response.reasoning_text.delta",
		"response.output_text.delta",
		"response.output_text.delta",
		"response.completed",
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v", types)
	}
	if last.Response == nil || last.Response.OutputText != "bc" {
		t.Fatalf("final response = %+v", last.Response)
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/responses/"+last.Response.ID, ""); rec.Code != http.StatusOK {
		t.Fatalf("streamed response not stored: %d", rec.Code)
	}
}
