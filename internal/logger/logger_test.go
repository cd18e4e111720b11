package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestSetup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"", "shown"},
		{"pretty", "shown"},
		{"json", `"msg":"shown"`},
		{"JSON", `"msg":"shown"`},
		{"text", "msg=shown"},
		{"none", ""},
		{"off", ""},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			log, err := Setup(tt.format, "warn", &buf)
			if err != nil {
				t.Fatalf("Setup: %v", err)
			}
			log.Info("hidden")
			log.Warn("shown")
			out := buf.String()
			if strings.Contains(out, "hidden") {
				t.Fatalf("logged below level: %s", out)
			}
			if tt.want == "" && out != "" {
				t.Fatalf("expected no output, got %s", out)
			}
			if !strings.Contains(out, tt.want) {
				t.Fatalf("output %q missing %q", out, tt.want)
			}
		})
	}

	if _, err := Setup("xml", "info", io.Discard); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTextCarriesWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	Text(&buf, slog.LevelDebug).With("request", 7).Debug("decode", "tokens", 3)
	out := buf.String()
	if !strings.Contains(out, "request=7") || !strings.Contains(out, "tokens=3") {
		t.Fatalf("text output = %q", out)
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("k", "v").WithGroup("g")
	log.Error("dropped")
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("from context")
	if !strings.Contains(buf.String(), "from context") {
		t.Fatalf("context logger not used: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}
}

func TestPrettyAttrs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		log  func(*slog.Logger)
		want string
	}{
		{"plain", func(l *slog.Logger) { l.Info("m", "slot", 0) }, "slot=0"},
		{"quoted", func(l *slog.Logger) { l.Info("m", "prompt", `say "hi"`) }, `prompt="say \"hi\""`},
		{"with", func(l *slog.Logger) { l.With("model", "toy").Info("m") }, "model=toy"},
		{"group", func(l *slog.Logger) { l.WithGroup("a").WithGroup("b").Info("m", "k", "v") }, "a.b.k=v"},
		{"with before group", func(l *slog.Logger) { l.With("id", 1).WithGroup("g").Info("m", "k", 2) }, "id=1 g.k=2"},
		{"group value", func(l *slog.Logger) { l.Info("m", slog.Group("req", "n", 4)) }, "req.n=4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tt.log(slog.New(NewPrettyHandler(&buf, nil)))
			if !strings.Contains(buf.String(), tt.want) {
				t.Fatalf("output %q missing %q", buf.String(), tt.want)
			}
		})
	}
}

func TestPrettyPlainWhenNotTerminal(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	Pretty(&buf, slog.LevelInfo).Warn("plain")
	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("unexpected escape sequences in non-terminal output: %q", out)
	}
	if !strings.Contains(out, "WARN  plain") {
		t.Fatalf("level not padded: %q", out)
	}
}
