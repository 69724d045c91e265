package vgirpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

// ErrRpc is a sentinel for use with errors.Is to check whether any error in a
// chain is an *RpcError.
var ErrRpc = &RpcError{}

// ErrTransport marks failures of the underlying byte stream: dial errors,
// broken pipes, truncated or undecodable response streams. A connection that
// produced one must not be reused.
var ErrTransport = errors.New("vgirpc: transport failure")

// Exception types with a fixed meaning on the wire.
const (
	TypeInvalidArgument = "InvalidArgument"
	TypeProtocolError   = "ProtocolError"
	TypeVersionError    = "VersionError"
	TypeAttributeError  = "AttributeError"
	TypeTypeError       = "TypeError"
	TypeRuntimeError    = "RuntimeError"
)

// RpcError represents an error in the vgi_rpc protocol.
type RpcError struct {
	Type      string // e.g. "InvalidArgument", "RuntimeError"
	Message   string
	Traceback string
	RequestID string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is by matching any *RpcError target.
func (e *RpcError) Is(target error) bool {
	_, ok := target.(*RpcError)
	return ok
}

// InvalidArgument returns the error a handler uses to reject bad input.
// Clients observe it as an *RpcError with Type "InvalidArgument" and the
// message unchanged.
func InvalidArgument(msg string) *RpcError {
	return &RpcError{Type: TypeInvalidArgument, Message: msg}
}

// IsInvalidArgument reports whether err carries an InvalidArgument status.
func IsInvalidArgument(err error) bool {
	var rpcErr *RpcError
	return errors.As(err, &rpcErr) && rpcErr.Type == TypeInvalidArgument
}

// stackFrame represents a single frame in a Go stack trace,
// matching the Python wire format for error batch log_extra.
type stackFrame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

// errorExtra is the JSON structure written to vgi_rpc.log_extra
// for EXCEPTION-level log batches.
type errorExtra struct {
	ExceptionType    string       `json:"exception_type"`
	ExceptionMessage string       `json:"exception_message"`
	Traceback        string       `json:"traceback,omitempty"`
	Frames           []stackFrame `json:"frames,omitempty"`
}

// errorTypeAndMessage splits err into the exception type and the message
// sent on the wire. An *RpcError anywhere in the chain wins so that its
// message is not prefixed twice.
func errorTypeAndMessage(err error) (string, string) {
	var rpcErr *RpcError
	if errors.As(err, &rpcErr) {
		return rpcErr.Type, rpcErr.Message
	}
	return fmt.Sprintf("%T", err), err.Error()
}

// buildErrorExtra creates the JSON string for vgi_rpc.log_extra from an error.
// Stack information is only included when debug is set.
func buildErrorExtra(err error, debug bool) string {
	errType, msg := errorTypeAndMessage(err)
	extra := errorExtra{
		ExceptionType:    errType,
		ExceptionMessage: msg,
	}

	if debug {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		extra.Traceback = string(buf[:n])

		pcs := make([]uintptr, 10)
		n = runtime.Callers(2, pcs)
		if n > 0 {
			callersFrames := runtime.CallersFrames(pcs[:n])
			for len(extra.Frames) < 5 {
				frame, more := callersFrames.Next()
				extra.Frames = append(extra.Frames, stackFrame{
					File:     frame.File,
					Line:     frame.Line,
					Function: frame.Function,
				})
				if !more {
					break
				}
			}
		}
	}

	data, _ := json.Marshal(extra)
	return string(data)
}

// parseErrorExtra rebuilds an *RpcError from the metadata of an
// EXCEPTION-level batch. A missing or malformed log_extra falls back to a
// RuntimeError carrying the plain log message.
func parseErrorExtra(message, extraJSON, requestID string) *RpcError {
	rpcErr := &RpcError{Type: TypeRuntimeError, Message: message, RequestID: requestID}
	if extraJSON == "" {
		return rpcErr
	}
	var extra errorExtra
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		return rpcErr
	}
	if extra.ExceptionType != "" {
		rpcErr.Type = extra.ExceptionType
	}
	rpcErr.Traceback = extra.Traceback
	return rpcErr
}
