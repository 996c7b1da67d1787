package message

import "fmt"

// Error codes shared by every tier.
const (
	CodeParse            = "PARSE_ERROR"
	CodeUnknownOperation = "UNKNOWN_OPERATION"
	CodeTimeout          = "TIMEOUT"
	CodeReconnection     = "RECONNECTION"
	CodeJSExecution      = "JS_EXECUTION"
)

// Error is a typed relay error. Two errors match under errors.Is when their
// codes are equal, so the sentinels below can be used for classification.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrParse            = &Error{Code: CodeParse}
	ErrUnknownOperation = &Error{Code: CodeUnknownOperation}
	ErrTimeout          = &Error{Code: CodeTimeout}
	ErrReconnection     = &Error{Code: CodeReconnection}
	ErrJSExecution      = &Error{Code: CodeJSExecution}
)

// NewParseError reports a malformed bus payload.
func NewParseError(msg string) *Error { return &Error{Code: CodeParse, Message: msg} }

// NewUnknownOperation reports an operation with no matching plugin method.
func NewUnknownOperation(op string) *Error {
	return &Error{Code: CodeUnknownOperation, Message: fmt.Sprintf("Unknown operation: %s", op)}
}

// NewTimeoutError reports a missing response within the deadline.
func NewTimeoutError(msg string) *Error { return &Error{Code: CodeTimeout, Message: msg} }

// NewReconnectionError reports an implant session reset mid-call.
func NewReconnectionError(msg string) *Error { return &Error{Code: CodeReconnection, Message: msg} }

// NewJSExecutionError reports a script failure raised inside the implant.
func NewJSExecutionError(msg string) *Error { return &Error{Code: CodeJSExecution, Message: msg} }
