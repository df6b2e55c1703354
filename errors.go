package rackfwupdate

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error so that callers can decide whether it is worth
// retrying and how to report it.
type Kind int

// Error kinds.
const (
	KindUnknown Kind = iota
	// KindFileFormat is a malformed firmware file. Never retried.
	KindFileFormat
	// KindTimeout is a transport timeout. Retryable.
	KindTimeout
	// KindChecksum is a transport CRC mismatch. Retryable.
	KindChecksum
	// KindInvalidArguments is a request the transport rejected.
	KindInvalidArguments
	// KindIO is any other transport failure.
	KindIO
	// KindProtocol is an unexpected response frame.
	KindProtocol
	// KindStatusMismatch is a device status register in the wrong state.
	KindStatusMismatch
	// KindVerification means the device rejected the image.
	KindVerification
	// KindConfiguration is a bad vendor name or tool setting.
	KindConfiguration
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindFileFormat:       "file format",
	KindTimeout:          "timeout",
	KindChecksum:         "checksum mismatch",
	KindInvalidArguments: "invalid arguments",
	KindIO:               "i/o failure",
	KindProtocol:         "protocol framing",
	KindStatusMismatch:   "status mismatch",
	KindVerification:     "verification failure",
	KindConfiguration:    "configuration",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is an error tagged with a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// newError returns an *Error with a formatted message.
func newError(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// withKind tags err with kind. A nil err stays nil.
func withKind(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindChecksum:
		return true
	}
	return false
}

// FormatError describes a malformed firmware file.
type FormatError struct {
	// Line is the 1-based line number, 0 when not line oriented.
	Line int
	Msg  string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

func formatErrorf(line int, format string, args ...interface{}) error {
	return &Error{
		Kind: KindFileFormat,
		Op:   "parse",
		Err:  &FormatError{Line: line, Msg: fmt.Sprintf(format, args...)},
	}
}

// StatusMismatchError is returned when a device status register does not hold
// the expected value.
type StatusMismatchError struct {
	Actual   uint32
	Expected uint32
	// Names are optional descriptions of the two codes.
	ActualName, ExpectedName string
}

func (e *StatusMismatchError) Error() string {
	if e.ActualName != "" || e.ExpectedName != "" {
		return fmt.Sprintf("status 0x%04X (%s), expected 0x%04X (%s)",
			e.Actual, e.ActualName, e.Expected, e.ExpectedName)
	}
	return fmt.Sprintf("status 0x%04X, expected 0x%04X", e.Actual, e.Expected)
}

func statusMismatch(op string, actual, expected MailboxStatus) error {
	return &Error{
		Kind: KindStatusMismatch,
		Op:   op,
		Err: &StatusMismatchError{
			Actual:       uint32(actual),
			Expected:     uint32(expected),
			ActualName:   actual.String(),
			ExpectedName: expected.String(),
		},
	}
}
