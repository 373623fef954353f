package sim

import (
	"context"
	"errors"
	"fmt"
)

// Code is the status reported by every mutating operation.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidState
	CodeNotFound
	CodeDuplicateName
	CodeInvalidArgument
	CodeConnectionFailure
	CodeOperationNotInitiated
	CodeOperationPending
	CodeTimeout
	CodeFatal
	CodeNotReadyYet
)

var codeNames = map[Code]string{
	CodeOK:                    "ok",
	CodeInvalidState:          "invalid state",
	CodeNotFound:              "not found",
	CodeDuplicateName:         "duplicate name",
	CodeInvalidArgument:       "invalid argument",
	CodeConnectionFailure:     "connection failure",
	CodeOperationNotInitiated: "operation not initiated",
	CodeOperationPending:      "operation pending",
	CodeTimeout:               "timeout",
	CodeFatal:                 "fatal",
	CodeNotReadyYet:           "not ready yet",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error is the single error type crossing package boundaries.
// Op names the failed operation, Name the object it was applied to.
type Error struct {
	Code Code
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Name != "":
		return fmt.Sprintf("%s %q: %s", e.Op, e.Name, msg)
	case e.Op != "":
		return e.Op + ": " + msg
	case e.Name != "":
		return fmt.Sprintf("%q: %s", e.Name, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.Name != "" || t.Err != nil {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidState          = &Error{Code: CodeInvalidState}
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrDuplicateName         = &Error{Code: CodeDuplicateName}
	ErrInvalidArgument       = &Error{Code: CodeInvalidArgument}
	ErrConnectionFailure     = &Error{Code: CodeConnectionFailure}
	ErrOperationNotInitiated = &Error{Code: CodeOperationNotInitiated}
	ErrOperationPending      = &Error{Code: CodeOperationPending}
	ErrTimeout               = &Error{Code: CodeTimeout}
	ErrFatal                 = &Error{Code: CodeFatal}
	ErrNotReadyYet           = &Error{Code: CodeNotReadyYet}
)

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// NewError builds an *Error naming the object the operation was applied to.
func NewError(code Code, op, name string, err error) error {
	return &Error{Code: code, Op: op, Name: name, Err: err}
}

// CodeOf maps any error to a status code. Context deadlines count as
// timeouts; foreign errors are fatal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeFatal
}

// IsTimeout reports whether err is a coordination timeout.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}
