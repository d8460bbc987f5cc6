package logx

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("component", "loop"))
	log.Debug("hidden")
	log.Info("tick", Int("due", 2), Err(nil))
	log.Warn("slow", Err(errors.New("late")))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug entry written at info: %s", out)
	}
	for _, want := range []string{`"component":"loop"`, `"due":2`, `"err":"late"`, `"caller":"logging_test.go:`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %s: %s", want, out)
		}
	}
	if strings.Count(out, `"err"`) != 1 {
		t.Fatalf("nil error logged: %s", out)
	}
}

func TestServiceApplySwapsFileSink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, second := filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	defer svc.Close()

	log.Info("one")
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: second}})
	log.Info("two")
	log.Error("three")

	a, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	b, err := os.ReadFile(second)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if !strings.Contains(string(a), `"one"`) || strings.Contains(string(a), "three") {
		t.Fatalf("first sink: %s", a)
	}
	if strings.Contains(string(b), `"two"`) || !strings.Contains(string(b), `"three"`) {
		t.Fatalf("second sink: %s", b)
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelWarn) {
		t.Fatalf("level not applied")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"trace", " DEBUG ", "Info", "warning", "error"} {
		if _, ok := ParseLevel(in); !ok {
			t.Errorf("ParseLevel(%q) rejected", in)
		}
	}
	if _, ok := ParseLevel("verbose"); ok {
		t.Errorf("unknown level accepted")
	}
	if !(Logger{}).IsZero() || Nop().IsZero() {
		t.Errorf("IsZero")
	}
}
