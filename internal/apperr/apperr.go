package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies core failures so callers can decide how to surface them.
type Kind int

const (
	KindUnknown Kind = iota
	KindExecutableMissing
	KindRunnerMissing
	KindPrefixCorrupt
	KindPrefixBusy
	KindDescriptorInvalid
	KindInsufficientSpace
	KindSubprocessFailed
	KindCancelled
	KindAlreadyRunning
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindExecutableMissing:
		return "ExecutableMissing"
	case KindRunnerMissing:
		return "RunnerMissing"
	case KindPrefixCorrupt:
		return "PrefixCorrupt"
	case KindPrefixBusy:
		return "PrefixBusy"
	case KindDescriptorInvalid:
		return "DescriptorInvalid"
	case KindInsufficientSpace:
		return "InsufficientSpace"
	case KindSubprocessFailed:
		return "SubprocessFailed"
	case KindCancelled:
		return "Cancelled"
	case KindAlreadyRunning:
		return "AlreadyRunning"
	case KindNotFound:
		return "NotFound"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is matching. An *Error matches the sentinel of its Kind.
var (
	ErrExecutableMissing = &Error{Kind: KindExecutableMissing}
	ErrRunnerMissing     = &Error{Kind: KindRunnerMissing}
	ErrPrefixCorrupt     = &Error{Kind: KindPrefixCorrupt}
	ErrPrefixBusy        = &Error{Kind: KindPrefixBusy}
	ErrDescriptorInvalid = &Error{Kind: KindDescriptorInvalid}
	ErrInsufficientSpace = &Error{Kind: KindInsufficientSpace}
	ErrSubprocessFailed  = &Error{Kind: KindSubprocessFailed}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrAlreadyRunning    = &Error{Kind: KindAlreadyRunning}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// Error carries the failing operation, its kind and the path it concerned.
type Error struct {
	Op   string
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "winecharm error"
	}
	var parts []string
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	parts = append(parts, e.Kind.String())
	if e.Path != "" {
		parts = append(parts, e.Path)
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	var t *Error
	if errors.As(target, &t) && t != nil {
		return e.Kind == t.Kind
	}
	return false
}

// New builds an *Error. err may be nil.
func New(op string, kind Kind, path string, err error) *Error {
	return &Error{Op: op, Kind: kind, Path: path, Err: err}
}

// Newf builds an *Error with a formatted cause.
func Newf(op string, kind Kind, path, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain. Context
// cancellation is reported as KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// IsCancelled reports whether err stems from a user cancellation.
// Cancelled operations are never shown to the user as failures.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled || errors.Is(err, context.Canceled)
}

// FromContext converts a done context into a Cancelled error, or returns nil.
func FromContext(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return New(op, KindCancelled, "", err)
	}
	return nil
}
