// Package recovery defines the policy consulted when structural damage is
// found in a document. Parsing code reports the error and the location; the
// strategy decides whether the run fails, skips the construct, or repairs it.
package recovery

import (
	"github.com/RichardSlater/bromcom-timetamble-formatter/observability"
)

type Strategy interface {
	OnError(err error, loc Location) Action
}

type Location struct {
	ByteOffset int64
	ObjectNum  int
	ObjectGen  int
	Component  string
}

type Action int

const (
	ActionFail Action = iota
	ActionSkip
	ActionFix
	ActionWarn
)

// Strict fails on the first structural error. Suitable when the input is
// expected to be pristine and silent repair would hide a real problem.
type Strict struct{}

func NewStrict() *Strict { return &Strict{} }

func (*Strict) OnError(error, Location) Action { return ActionFail }

// Lenient records every reported error, logs it, and directs the caller to
// repair and continue. Anonymization runs use this: slightly damaged
// real-world files should still produce a sanitized copy.
type Lenient struct {
	Log    observability.Logger
	Errors []error
}

// NewLenient returns a Lenient strategy logging through log. A nil log
// falls back to NopLogger.
func NewLenient(log observability.Logger) *Lenient {
	if log == nil {
		log = observability.NopLogger{}
	}
	return &Lenient{Log: log}
}

func (s *Lenient) OnError(err error, loc Location) Action {
	s.Errors = append(s.Errors, err)
	s.Log.Warn("recovering from structural error",
		observability.String("component", loc.Component),
		observability.Int64("offset", loc.ByteOffset),
		observability.Int("object", loc.ObjectNum),
		observability.Error("err", err),
	)
	return ActionFix
}
