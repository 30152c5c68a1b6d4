package recovery

import (
	"errors"
	"testing"
)

func TestStrictAlwaysFails(t *testing.T) {
	s := NewStrict()
	if got := s.OnError(errors.New("bad token"), Location{Component: "scanner"}); got != ActionFail {
		t.Fatalf("strict OnError = %v, want ActionFail", got)
	}
}

func TestLenientRecordsAndFixes(t *testing.T) {
	s := NewLenient(nil)
	err1 := errors.New("missing dict close")
	err2 := errors.New("bad stream length")

	if got := s.OnError(err1, Location{Component: "parser", ObjectNum: 4}); got != ActionFix {
		t.Fatalf("lenient OnError = %v, want ActionFix", got)
	}
	s.OnError(err2, Location{Component: "xref", ByteOffset: 120})

	if len(s.Errors) != 2 {
		t.Fatalf("recorded %d errors, want 2", len(s.Errors))
	}
	if !errors.Is(s.Errors[0], err1) || !errors.Is(s.Errors[1], err2) {
		t.Fatalf("errors recorded out of order: %v", s.Errors)
	}
}
