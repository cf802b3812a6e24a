package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		" trace ": zerolog.TraceLevel,
		"loud":    zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWriterFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "queue"))
	log.Trace("hidden")
	log.Warn("send failed", String("comp", "override"), Int("attempts", 2), Err(errors.New("boom")), Err(nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatal(err)
	}
	if got["comp"] != "override" || got["attempts"] != float64(2) || got["err"] != "boom" || got["level"] != "warn" {
		t.Fatalf("line = %v", got)
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %v", got["caller"])
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
	zero.Info("dropped")
	zero.With(String("k", "v")).Error("dropped")
}

func TestServiceFileSinkFollowsApply(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "greetd.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	child := log.With(String("comp", "scheduler"))
	child.Debug("below level")
	child.Info("one")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	child.Debug("two")
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}
	child.Info("after close")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(a), "below level") || !strings.Contains(string(a), `"message":"one"`) {
		t.Fatalf("first = %s", a)
	}
	if !strings.Contains(string(b), `"message":"two"`) || !strings.Contains(string(b), `"comp":"scheduler"`) {
		t.Fatalf("second = %s", b)
	}
	if strings.Contains(string(b), "after close") {
		t.Fatal("closed service still writing")
	}
}
