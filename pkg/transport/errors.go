package transport

import (
	"errors"
	"fmt"
)

// ResultCode classifies the outcome of a facade operation.
type ResultCode string

const (
	NotInitialized ResultCode = "not_initialized"
	InvalidHandle  ResultCode = "invalid_handle"
	AdapterExists  ResultCode = "adapter_exists"
	AdaptersFail   ResultCode = "adapters_fail"
	InternalError  ResultCode = "internal_error"
)

// ManagerError is returned by the transport manager facade.
type ManagerError struct {
	Code ResultCode
	Msg  string
}

func (e *ManagerError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// Is allows errors.Is to compare ManagerError values by Code
func (e *ManagerError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ManagerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Facade result sentinels. A nil error means success.
var (
	ErrNotInitialized = &ManagerError{Code: NotInitialized}
	ErrInvalidHandle  = &ManagerError{Code: InvalidHandle}
	ErrAdapterExists  = &ManagerError{Code: AdapterExists}
	ErrAdaptersFail   = &ManagerError{Code: AdaptersFail}
	ErrInternalError  = &ManagerError{Code: InternalError}
)

// NewManagerError returns an error that matches the sentinel for code and carries msg.
func NewManagerError(code ResultCode, format string, args ...any) error {
	return &ManagerError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsResult reports whether err is a ManagerError with the given code
func IsResult(err error, code ResultCode) bool {
	var merr *ManagerError
	if errors.As(err, &merr) {
		return merr.Code == code
	}
	return false
}

// Errors carried by listener notifications. The adapter-reported cause is wrapped.
var (
	ErrSearch        = errors.New("search error")
	ErrConnect       = errors.New("connect error")
	ErrDisconnect    = errors.New("disconnect error")
	ErrDataSend      = errors.New("data send error")
	ErrDataReceive   = errors.New("data receive error")
	ErrCommunication = errors.New("communication error")
)

// WrapCause attaches an adapter cause to a notification error kind.
func WrapCause(kind, cause error) error {
	switch {
	case cause == nil:
		return kind
	case errors.Is(cause, kind):
		return cause
	default:
		return fmt.Errorf("%w: %w", kind, cause)
	}
}
