package observability

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestFields(t *testing.T) {
	if f := String("k", "v"); f.Key() != "k" || f.Value() != "v" {
		t.Fatalf("string field: got %q=%v", f.Key(), f.Value())
	}
	if f := Int("n", 7); f.Value() != 7 {
		t.Fatalf("int field: got %v", f.Value())
	}
	if f := Int64("n", int64(1<<40)); f.Value() != int64(1<<40) {
		t.Fatalf("int64 field: got %v", f.Value())
	}
	err := errors.New("boom")
	if f := Error("err", err); f.Value() != err {
		t.Fatalf("error field: got %v", f.Value())
	}
}

func TestNopLogger(t *testing.T) {
	var l Logger = NopLogger{}
	l.Debug("a")
	l.Info("b", String("k", "v"))
	l.Warn("c")
	l.Error("d")
	if _, ok := l.With(Int("n", 1)).(NopLogger); !ok {
		t.Fatalf("With should return NopLogger")
	}
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	backend := logrus.New()
	backend.SetOutput(&buf)
	backend.SetLevel(logrus.DebugLevel)

	l := NewLogrusLogger(backend)
	l.Info("opened", String("path", "in.pdf"), Int("pages", 3))

	out := buf.String()
	if !strings.Contains(out, "opened") || !strings.Contains(out, "in.pdf") {
		t.Fatalf("log output missing fields: %q", out)
	}

	buf.Reset()
	l.With(String("run", "x")).Warn("slow")
	if out := buf.String(); !strings.Contains(out, "run=x") && !strings.Contains(out, `run="x"`) {
		t.Fatalf("With fields not carried: %q", out)
	}
}
