// Package apierr defines the JSON-RPC error kinds the
// verifying provider returns. Both implement go-ethereum's
// rpc.Error interface, so registering the provider on an
// rpc.Server maps them to the correct JSON-RPC error codes
// automatically.
package apierr

import "fmt"

const (
	codeInvalidParams = -32602
	codeInternal      = -32603
)

// InvalidParamsError is returned for malformed or
// out-of-policy request parameters, e.g. a block tag the
// provider refuses to resolve.
type InvalidParamsError struct {
	msg string
}

// InvalidParams builds an InvalidParamsError.
func InvalidParams(format string, args ...any) *InvalidParamsError {
	return &InvalidParamsError{msg: fmt.Sprintf(format, args...)}
}

func (e *InvalidParamsError) Error() string  { return e.msg }
func (e *InvalidParamsError) ErrorCode() int { return codeInvalidParams }

// InternalError is returned when verification fails, the
// upstream misbehaves, or execution escapes the materialized
// state.
type InternalError struct {
	msg string
}

// Internal builds an InternalError.
func Internal(format string, args ...any) *InternalError {
	return &InternalError{msg: fmt.Sprintf(format, args...)}
}

func (e *InternalError) Error() string  { return e.msg }
func (e *InternalError) ErrorCode() int { return codeInternal }
