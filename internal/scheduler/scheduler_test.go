package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/samcharles93/lmhost/internal/config"
	"github.com/samcharles93/lmhost/internal/llm"
	"github.com/samcharles93/lmhost/internal/logger"
	"github.com/samcharles93/lmhost/internal/stream"
	"github.com/samcharles93/lmhost/internal/toy"
)

func toyParams() config.Params {
	p := config.Defaults()
	p.Model = "toy"
	p.ContextSize = 256
	p.Temperature = 0
	p.NPredict = 8
	return p
}

func newScheduler(loader llm.Loader) *Scheduler {
	if loader == nil {
		loader = toy.Loader{}
	}
	return New(loader, WithLogger(logger.Discard()))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartOnce(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	ctx := testContext(t)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Start(ctx, toyParams())
			if err != nil && !errors.Is(err, ErrAlreadyRunning) {
				t.Errorf("Start: unexpected error %v", err)
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("successful starts: got %d want 1", successes)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop: got %v want ErrNotRunning", err)
	}
	if err := s.Start(ctx, toyParams()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartFailureLeavesSchedulerIdle(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	p := toyParams()
	p.Model = ""
	if err := s.Start(testContext(t), p); !errors.Is(err, config.ErrInvalidParams) {
		t.Fatalf("Start: got %v want ErrInvalidParams", err)
	}
	if s.Running() {
		t.Fatalf("failed start left a session running")
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	ctx := testContext(t)
	if err := s.Start(ctx, toyParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	col := stream.NewCollector()
	text, err := s.Generate(ctx, 1, "Hello", col)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	chunks := col.Chunks()
	if len(chunks) == 0 || len(chunks) > 8 {
		t.Fatalf("streamed %d chunks, want 1..8", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Fatalf("streamed %q, returned %q", strings.Join(chunks, ""), text)
	}
	if !col.Completed() {
		t.Fatalf("sink was not completed")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	ctx := testContext(t)

	req := Request{ID: 1, Kind: KindCompletion, Payload: []byte(`{"prompt":"Hello"}`)}
	if err := s.Dispatch(ctx, req, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Dispatch before start: got %v want ErrNotRunning", err)
	}

	if err := s.Start(ctx, toyParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop() }()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "completion", req: req},
		{name: "chat", req: Request{ID: 2, Kind: KindChat, Payload: []byte(`{"messages":[{"role":"user","content":"Hi"}]}`)}},
		{name: "malformed", req: Request{ID: 3, Kind: KindCompletion, Payload: []byte(`{"prompt":`)}, wantErr: ErrInvalidPayload},
		{name: "missing prompt", req: Request{ID: 4, Kind: KindCompletion, Payload: []byte(`{}`)}, wantErr: ErrInvalidPayload},
		{name: "bad role", req: Request{ID: 5, Kind: KindChat, Payload: []byte(`{"messages":[{"role":"tool","content":"x"}]}`)}, wantErr: ErrInvalidPayload},
	}
	for _, tt := range tests {
		col := stream.NewCollector()
		err := s.Dispatch(ctx, tt.req, col)
		if tt.wantErr == nil && err != nil {
			t.Fatalf("%s: Dispatch: %v", tt.name, err)
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Fatalf("%s: got %v want %v", tt.name, err, tt.wantErr)
		}
		if tt.wantErr == nil && len(col.Chunks()) == 0 {
			t.Fatalf("%s: nothing streamed", tt.name)
		}
	}
}

// blockingModel blocks every decode until the session is stopped.
type blockingModel struct {
	*toy.Model
	started chan struct{}
	once    sync.Once
}

func (m *blockingModel) Decode(ctx context.Context, _ []int) error {
	m.once.Do(func() { close(m.started) })
	<-ctx.Done()
	return ctx.Err()
}

func TestStopCancelsInFlight(t *testing.T) {
	t.Parallel()

	var models []*blockingModel
	loader := llm.LoaderFunc(func(_ context.Context, opts llm.LoadOptions) (llm.Model, error) {
		m := &blockingModel{Model: toy.New(toy.Card{Name: "toy"}, opts.ContextSize, opts.BatchSize), started: make(chan struct{})}
		models = append(models, m)
		return m, nil
	})
	s := newScheduler(loader)
	ctx := testContext(t)
	if err := s.Start(ctx, toyParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		_, err := s.Generate(ctx, 1, "first", nil)
		errs <- err
	}()
	select {
	case <-models[0].started:
	case <-ctx.Done():
		t.Fatalf("decode never started")
	}
	go func() {
		_, err := s.Generate(ctx, 2, "second", nil)
		errs <- err
	}()

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for range 2 {
		select {
		case err := <-errs:
			if !errors.Is(err, stream.ErrStopped) && !errors.Is(err, ErrNotRunning) {
				t.Fatalf("request after stop: got %v", err)
			}
		case <-ctx.Done():
			t.Fatalf("request was never resolved")
		}
	}

	if err := s.Start(ctx, toyParams()); err != nil {
		t.Fatalf("start after stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestReports(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	ctx := testContext(t)
	if _, err := s.Props(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Props before start: got %v", err)
	}
	if _, err := s.Slots(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Slots before start: got %v", err)
	}
	if _, err := s.CommonParams(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("CommonParams before start: got %v", err)
	}

	p := toyParams()
	p.EndpointProps = true
	p.Antiprompt = []string{"User:"}
	if err := s.Start(ctx, p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop() }()

	flags, err := s.CommonParams()
	if err != nil {
		t.Fatalf("CommonParams: %v", err)
	}
	if !flags.Props || flags.Slots {
		t.Fatalf("flags: got %+v", flags)
	}

	raw, err := s.Props()
	if err != nil {
		t.Fatalf("Props: %v", err)
	}
	var props Props
	if err := json.Unmarshal(raw, &props); err != nil {
		t.Fatalf("decode props: %v", err)
	}
	if props.TotalSlots != 1 || props.DefaultGenerationSettings.NCtx != 256 || props.DefaultGenerationSettings.NPredict != 8 {
		t.Fatalf("props: %+v", props)
	}
	if len(props.DefaultGenerationSettings.Stop) != 1 || props.Build.Version == "" {
		t.Fatalf("props: %+v", props)
	}

	raw, err = s.Slots()
	if err != nil {
		t.Fatalf("Slots: %v", err)
	}
	var slots []Slot
	if err := json.Unmarshal(raw, &slots); err != nil {
		t.Fatalf("decode slots: %v", err)
	}
	if len(slots) != 1 || slots[0].NCtx != 256 || slots[0].Slot == "" {
		t.Fatalf("slots: %+v", slots)
	}
}

func TestStartArgs(t *testing.T) {
	t.Parallel()

	s := newScheduler(nil)
	ctx := testContext(t)
	if err := s.StartArgs(ctx, "--bogus-flag"); !errors.Is(err, config.ErrInvalidParams) {
		t.Fatalf("StartArgs: got %v want ErrInvalidParams", err)
	}
	if err := s.StartArgs(ctx, `-m toy -c 128 -n 4 --temp 0 -r "User:"`); err != nil {
		t.Fatalf("StartArgs: %v", err)
	}
	defer func() { _ = s.Stop() }()

	info, err := s.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.NCtx != 128 || info.NPredict != 4 || len(info.Antiprompt) != 1 || info.Antiprompt[0] != "User:" {
		t.Fatalf("info: %+v", info)
	}
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Kind{"chat": KindChat, "completion": KindCompletion, " Chat ": KindChat} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseKind("embed"); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("ParseKind(embed): got %v", err)
	}
}

// endlessModel never reaches end of generation and decodes slowly.
type endlessModel struct {
	*toy.Model
}

func (m endlessModel) Decode(ctx context.Context, batch []int) error {
	time.Sleep(time.Millisecond)
	return m.Model.Decode(ctx, batch)
}

func (m endlessModel) IsEOG(int) bool { return false }

func TestAbandonedRequestFreesWorker(t *testing.T) {
	t.Parallel()

	loader := llm.LoaderFunc(func(_ context.Context, opts llm.LoadOptions) (llm.Model, error) {
		return endlessModel{toy.New(toy.Card{Name: "toy"}, opts.ContextSize, opts.BatchSize)}, nil
	})
	s := newScheduler(loader)
	ctx := testContext(t)
	p := toyParams()
	p.NPredict = -1
	if err := s.Start(ctx, p); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop() }()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := s.Generate(short, 1, "Hello", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Generate: got %v want DeadlineExceeded", err)
	}

	sess, err := s.session()
	if err != nil {
		t.Fatal(err)
	}
	for sess.Snapshot().IsProcessing {
		if ctx.Err() != nil {
			t.Fatalf("worker still generating for an abandoned request")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAdmissionLimit(t *testing.T) {
	t.Parallel()

	s := New(toy.Loader{}, WithLogger(logger.Discard()), WithAdmissionLimit(rate.NewLimiter(rate.Every(time.Hour), 1)))
	ctx := testContext(t)
	if err := s.Start(ctx, toyParams()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop() }()

	if _, err := s.Generate(ctx, 1, "Hello", nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := s.Generate(ctx, 2, "Hello", nil); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second request: got %v want ErrRateLimited", err)
	}
}
