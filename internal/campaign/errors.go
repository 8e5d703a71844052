package campaign

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers of the engine.
type ErrorKind string

const (
	KindParse               ErrorKind = "parse"
	KindValidation          ErrorKind = "validation"
	KindNotFound            ErrorKind = "not_found"
	KindProvider            ErrorKind = "provider"
	KindPersistence         ErrorKind = "persistence"
	KindConcurrencyConflict ErrorKind = "concurrency_conflict"
)

// ErrConcurrencyConflict is returned when an optimistic claim or conditional
// transition lost to another writer. Callers treat it as a silent skip.
var ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict, Message: "state changed concurrently"}

// Error is the typed failure returned across package boundaries.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrConcurrencyConflict) match conflicts raised with an Op.
func (e *Error) Is(target error) bool {
	return target == error(ErrConcurrencyConflict) && e.Kind == KindConcurrencyConflict
}

// Conflict returns a concurrency conflict tagged with op.
func Conflict(op string) error {
	return &Error{Kind: KindConcurrencyConflict, Op: op, Message: ErrConcurrencyConflict.Message}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func ParseError(op string, err error) error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

func Parsef(op, format string, args ...any) error {
	return &Error{Kind: KindParse, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Validationf(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func NotFound(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s %q not found", what, id)}
}

func ProviderError(op string, err error) error {
	return &Error{Kind: KindProvider, Op: op, Err: err}
}

func PersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	// Keep typed errors from lower layers intact.
	if _, ok := KindOf(err); ok {
		return err
	}
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}
