package v1

import "fmt"

// Error is the tagged result type façade operations return for kinds 1-5
// of the error taxonomy (spec §7). It is a plain error value, never a
// panic — validation and disposed-object checks are control flow here,
// not exceptions.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a tagged Error.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrorInternal for
// anything that isn't one of our tagged errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ErrorInternal
}
