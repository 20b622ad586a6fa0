package watch

import (
	"errors"
	"fmt"
)

// Kind classifies an execution failure. Kinds are rendered to text only at
// the persistence boundary (JobRun message, DraftJobLog entry).
type Kind string

// Failure kinds.
const (
	KindNotFound          Kind = "not_found"
	KindPageLoad          Kind = "page_load"
	KindSelectorNotFound  Kind = "selector_not_found"
	KindPriceNotParseable Kind = "price_not_parseable"
)

// Error carries a failure kind plus a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a kinded error.
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var we *Error
	for errors.As(err, &we) {
		if we.Kind == kind {
			return true
		}
		err = we.Err
	}
	return false
}

// ErrNotFound signals that a record vanished between listing and locking.
var ErrNotFound = E(KindNotFound, "record not found")
