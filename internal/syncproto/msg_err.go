package syncproto

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidRequest   ErrorCode = "E_INVALID_REQUEST"
	CodeProtocolMismatch ErrorCode = "E_PROTOCOL_MISMATCH"
	CodeVersionConflict  ErrorCode = "E_VERSION_CONFLICT"
	CodeEndpointNotFound ErrorCode = "E_ENDPOINT_NOT_FOUND"
	CodeEndpointHalted   ErrorCode = "E_ENDPOINT_HALTED"
	CodeRateLimited      ErrorCode = "E_RATE_LIMITED"
	CodeInternal         ErrorCode = "E_INTERNAL_ERROR"
)

// Error is a server-side failure reported in place of a SyncResponse.
type Error struct {
	Code    ErrorCode `json:"code" msgpack:"cod"`
	Message string    `json:"message" msgpack:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(id string, code ErrorCode, msg string) *Message {
	if id == "" {
		id = generateID()
	}
	return &Message{ID: id, Type: MsgError, Data: &Error{Code: code, Message: msg}}
}

var ErrFrameTooLarge = errors.New("syncproto: frame too large")

// ProtocolError is a message that cannot be understood by this build.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol mismatch: " + e.Reason
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is or wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
