package parng

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ErrorKind categorises decoder failures. Every kind is fatal to the ImageLoader
// that reported it.
type ErrorKind int

const (
	ErrorKindIO ErrorKind = iota + 1
	ErrorKindInvalidMetadata
	ErrorKindInvalidScanlinePredictor
	ErrorKindEntropyDecoding
	ErrorKindNoDataProvider
	ErrorKindInvalidData
	ErrorKindDataProvider
	ErrorKindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindIO:
		return "IO"
	case ErrorKindInvalidMetadata:
		return "InvalidMetadata"
	case ErrorKindInvalidScanlinePredictor:
		return "InvalidScanlinePredictor"
	case ErrorKindEntropyDecoding:
		return "EntropyDecoding"
	case ErrorKindNoDataProvider:
		return "NoDataProvider"
	case ErrorKindInvalidData:
		return "InvalidData"
	case ErrorKindDataProvider:
		return "DataProvider"
	case ErrorKindClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error type returned by the decoder. Err holds the underlying cause,
// e.g. the reader's own error for ErrorKindIO.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return "parng: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("parng: %s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("parng: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("parng: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Cause lets errors.Cause from github.com/pkg/errors reach the original error.
func (e *Error) Cause() error {
	return e.Err
}

// Format prints the stack recorded when the cause was attached for %+v.
func (e *Error) Format(s fmt.State, verb rune) {
	switch {
	case verb == 'v' && s.Flag('+') && e.Err != nil:
		fmt.Fprintf(s, "%s\n%+v", e.Error(), e.Err)
	case verb == 'q':
		fmt.Fprintf(s, "%q", e.Error())
	default:
		io.WriteString(s, e.Error())
	}
}

// Is reports whether target is an *Error of the same kind, so the sentinels below
// can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrIO                       = &Error{Kind: ErrorKindIO}
	ErrInvalidMetadata          = &Error{Kind: ErrorKindInvalidMetadata}
	ErrInvalidScanlinePredictor = &Error{Kind: ErrorKindInvalidScanlinePredictor}
	ErrEntropyDecoding          = &Error{Kind: ErrorKindEntropyDecoding}
	ErrNoDataProvider           = &Error{Kind: ErrorKindNoDataProvider}
	ErrInvalidData              = &Error{Kind: ErrorKindInvalidData}
	ErrDataProvider             = &Error{Kind: ErrorKindDataProvider}
	ErrClosed                   = &Error{Kind: ErrorKindClosed}
)

func newError(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrapError attaches err as the cause, recording the stack at this point.
func wrapError(kind ErrorKind, err error, msg string) error {
	return &Error{Kind: kind, Msg: msg, Err: errors.WithStack(err)}
}

// KindOf returns the ErrorKind carried by err, or 0 if err did not come from the decoder.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
