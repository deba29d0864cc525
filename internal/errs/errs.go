// Package errs defines the error taxonomy shared across the collection
// pipeline. Every failure that crosses a component boundary is classified
// with a Kind so the integrator can report and route it without string
// matching.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a pipeline error.
type Kind int

const (
	// KindUnknown is the zero value; errors without explicit classification.
	KindUnknown Kind = iota
	// KindConfiguration means the process cannot start (missing/invalid config).
	KindConfiguration
	// KindDataCollection means an upstream source failed terminally.
	KindDataCollection
	// KindRateLimitTimeout means a rate-limit token was not granted in time.
	KindRateLimitTimeout
	// KindNoHealthyProxies means the proxy pool has no available entries.
	KindNoHealthyProxies
	// KindCaptchaUnsolved means the external solver failed or timed out.
	KindCaptchaUnsolved
	// KindLLMExtraction means the model could not produce usable output.
	KindLLMExtraction
	// KindNormalization means a required field was absent after coercion.
	KindNormalization
	// KindValidation means a canonical record failed business rules.
	KindValidation
	// KindRepository means the document store rejected an operation.
	KindRepository
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindDataCollection:
		return "data_collection"
	case KindRateLimitTimeout:
		return "rate_limit_timeout"
	case KindNoHealthyProxies:
		return "no_healthy_proxies"
	case KindCaptchaUnsolved:
		return "captcha_unsolved"
	case KindLLMExtraction:
		return "llm_extraction"
	case KindNormalization:
		return "normalization"
	case KindValidation:
		return "validation"
	case KindRepository:
		return "repository"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error carrying structured context and the
// original cause.
type Error struct {
	Kind    Kind
	Msg     string
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works on
// kind-only targets.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// New creates a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an existing error. Returns nil when cause is nil.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// With attaches a context key/value and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// KindOf returns the Kind of the first *Error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
