// Package apperrors defines the framework's typed error taxonomy: every
// error that crosses a transport boundary carries a Type that deterministically
// maps to an HTTP status code.
package apperrors

import (
	"errors"
	"fmt"
)

// Type identifies the kind of a typed Error. The zero value is not a valid type.
type Type string

const (
	ServerInitialization      Type = "SERVER_INITIALIZATION"
	ServerStart               Type = "SERVER_START"
	ServerStop                Type = "SERVER_STOP"
	ConfigError               Type = "CONFIG_ERROR"
	InitializerValidation     Type = "INITIALIZER_VALIDATION"
	ActionValidation          Type = "ACTION_VALIDATION"
	TaskValidation            Type = "TASK_VALIDATION"
	ServerValidation          Type = "SERVER_VALIDATION"
	ConnectionServerError     Type = "CONNECTION_SERVER_ERROR"
	ConnectionActionRun       Type = "CONNECTION_ACTION_RUN"
	ConnectionTaskDefinition  Type = "CONNECTION_TASK_DEFINITION"
	ConnectionActionNotFound  Type = "CONNECTION_ACTION_NOT_FOUND"
	ConnectionParamRequired   Type = "CONNECTION_ACTION_PARAM_REQUIRED"
	ConnectionParamDefault    Type = "CONNECTION_ACTION_PARAM_DEFAULT"
	ConnectionParamValidation Type = "CONNECTION_ACTION_PARAM_VALIDATION"
	ConnectionParamFormatting Type = "CONNECTION_ACTION_PARAM_FORMATTING"
	ConnectionTypeNotFound    Type = "CONNECTION_TYPE_NOT_FOUND"
	ConnectionNotSubscribed   Type = "CONNECTION_NOT_SUBSCRIBED"
	ConnectionChannelValid    Type = "CONNECTION_CHANNEL_VALIDATION"
	ConnectionChannelAuth     Type = "CONNECTION_CHANNEL_AUTHORIZATION"
	ConnectionSessionNotFound Type = "CONNECTION_SESSION_NOT_FOUND"
	ConnectionActionTimeout   Type = "CONNECTION_ACTION_TIMEOUT"
	ConnectionRateLimited     Type = "CONNECTION_RATE_LIMITED"
)

// StatusCodes is the public HTTP mapping for every Type (spec §7).
var StatusCodes = map[Type]int{
	ServerInitialization:      500,
	ServerStart:               500,
	ServerStop:                500,
	ConfigError:               500,
	InitializerValidation:     500,
	ActionValidation:          500,
	TaskValidation:            500,
	ServerValidation:          500,
	ConnectionServerError:     500,
	ConnectionActionRun:       500,
	ConnectionTaskDefinition:  500,
	ConnectionActionNotFound:  404,
	ConnectionParamRequired:   406,
	ConnectionParamDefault:    406,
	ConnectionParamValidation: 406,
	ConnectionParamFormatting: 406,
	ConnectionTypeNotFound:    406,
	ConnectionNotSubscribed:   406,
	ConnectionChannelValid:    400,
	ConnectionChannelAuth:     403,
	ConnectionSessionNotFound: 401,
	ConnectionActionTimeout:   408,
	ConnectionRateLimited:     429,
}

// Error is the framework's typed error. It satisfies the standard error
// interface and unwraps to its underlying cause, if any.
type Error struct {
	TypeOf        Type
	Message       string
	Key           string
	Value         any
	OriginalStack string
	cause         error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.TypeOf, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.TypeOf, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status this error maps to, defaulting to 500
// for any unregistered type.
func (e *Error) StatusCode() int {
	if code, ok := StatusCodes[e.TypeOf]; ok {
		return code
	}
	return 500
}

// New constructs a typed error of the given kind.
func New(t Type, message string) *Error {
	return &Error{TypeOf: t, Message: message}
}

// Wrap constructs a typed error of the given kind, preserving cause for
// errors.Unwrap/errors.Is.
func Wrap(t Type, message string, cause error) *Error {
	return &Error{TypeOf: t, Message: message, cause: cause}
}

// WithKeyValue attaches the offending field name/value, used by the
// parameter-validation kinds.
func (e *Error) WithKeyValue(key string, value any) *Error {
	e.Key = key
	e.Value = value
	return e
}

// As reports whether err (or something it wraps) is a *Error, returning it.
func As(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// Is reports whether err is a typed error of kind t.
func Is(err error, t Type) bool {
	typed, ok := As(err)
	return ok && typed.TypeOf == t
}
