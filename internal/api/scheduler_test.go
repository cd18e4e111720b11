package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/logger"
	"github.com/samcharles93/lmhost/internal/scheduler"
	"github.com/samcharles93/lmhost/internal/toy"
)

func TestServeToyModel(t *testing.T) {
	t.Parallel()

	sched := scheduler.New(toy.Loader{}, scheduler.WithLogger(logger.Discard()))
	p := config.Defaults()
	p.Model = "toy"
	p.ContextSize = 256
	p.Temperature = 0
	p.NPredict = 8
	p.EndpointProps = true
	if err := sched.Start(t.Context(), p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sched.Stop() })

	e := newTestEcho(sched)

	rec := doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"Hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion: expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var resp CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Choices[0].Text == "" {
		t.Fatal("empty completion")
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/completions", `{"prompt":"Hello","stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream: expected 200, got %d", rec.Code)
	}
	if !strings.HasSuffix(rec.Body.String(), "data: [DONE]\n\n") {
		t.Fatalf("stream did not finish: %q", rec.Body.String())
	}

	rec = doJSON(t, e, http.MethodGet, "/props", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("props: expected 200, got %d", rec.Code)
	}
	var props scheduler.Props
	if err := json.Unmarshal(rec.Body.Bytes(), &props); err != nil {
		t.Fatalf("decode props: %v", err)
	}
	if props.TotalSlots != 1 || props.DefaultGenerationSettings.NCtx != 256 {
		t.Fatalf("props = %+v", props)
	}

	if rec := doJSON(t, e, http.MethodGet, "/slots", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("slots: expected 404, got %d", rec.Code)
	}
}
