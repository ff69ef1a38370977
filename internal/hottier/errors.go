package hottier

import (
	"errors"
	"fmt"
)

// Category classifies hot-tier failures for callers that need to distinguish
// recoverable conditions from hard errors.
type Category string

const (
	CategoryConnectivity       Category = "connectivity"
	CategoryNotFound           Category = "not-found"
	CategoryCommandUnsupported Category = "command-unsupported"
	CategoryIndexExists        Category = "index-exists"
	CategoryLockContention     Category = "lock-contention"
)

// Error is the typed error returned by hot-tier operations.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hottier: %s: %s: %v", e.Op, e.Category, e.Err)
	}
	return fmt.Sprintf("hottier: %s: %s", e.Op, e.Category)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is returned when a key or document is absent.
var ErrNotFound = &Error{Category: CategoryNotFound, Op: "get"}

// IsNotFound reports whether err represents a missing key or document.
func IsNotFound(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Category == CategoryNotFound
}

// IsUnsupported reports whether err means the backing store cannot serve the
// command (the in-process fallback for search/stream operations).
func IsUnsupported(err error) bool {
	var he *Error
	return errors.As(err, &he) && he.Category == CategoryCommandUnsupported
}

func wrap(op string, cat Category, err error) *Error {
	return &Error{Category: cat, Op: op, Err: err}
}
