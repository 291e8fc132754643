package transport

import (
	"errors"
	"fmt"

	"github.com/arcsync/arcsync/internal/syncproto"
)

var (
	// ErrTransport marks failures that happened before a reply was read.
	// Only these are worth retrying.
	ErrTransport        = errors.New("transport: unavailable")
	ErrVersionConflict  = errors.New("transport: version conflict")
	ErrEndpointHalted   = errors.New("transport: endpoint halted")
	ErrEndpointNotFound = errors.New("transport: endpoint not found")
	ErrInvalidRequest   = errors.New("transport: invalid request")
	ErrRateLimited      = errors.New("transport: rate limited")
	ErrUnauthorized     = errors.New("transport: unauthorized")
	ErrServer           = errors.New("transport: server error")
	ErrUnsupportedURL   = errors.New("transport: unsupported url")
)

// IsRetryable reports whether a round trip failing with err may be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrRateLimited)
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// remoteErr maps an Error reply to a typed error.
func remoteErr(e *syncproto.Error) error {
	var sentinel error
	switch e.Code {
	case syncproto.CodeProtocolMismatch:
		return &syncproto.ProtocolError{Reason: e.Message}
	case syncproto.CodeVersionConflict:
		sentinel = ErrVersionConflict
	case syncproto.CodeEndpointHalted:
		sentinel = ErrEndpointHalted
	case syncproto.CodeEndpointNotFound:
		sentinel = ErrEndpointNotFound
	case syncproto.CodeInvalidRequest:
		sentinel = ErrInvalidRequest
	case syncproto.CodeRateLimited:
		sentinel = ErrRateLimited
	default:
		sentinel = ErrServer
	}
	return fmt.Errorf("%w: %w", sentinel, e)
}

// decodeReply turns a reply message into a response or a typed error.
func decodeReply(reqID string, reply *syncproto.Message) (*syncproto.SyncResponse, error) {
	switch reply.Type {
	case syncproto.MsgError:
		e, ok := reply.ErrorPayload()
		if !ok {
			return nil, &syncproto.ProtocolError{Reason: "malformed error reply"}
		}
		return nil, remoteErr(e)
	case syncproto.MsgSyncResponse:
		if reply.ID != reqID {
			return nil, &syncproto.ProtocolError{Reason: fmt.Sprintf("reply %s does not answer %s", reply.ID, reqID)}
		}
		resp, ok := reply.SyncResponse()
		if !ok {
			return nil, &syncproto.ProtocolError{Reason: "malformed sync response"}
		}
		return resp, nil
	default:
		return nil, &syncproto.ProtocolError{Reason: "unexpected reply " + reply.Type.String()}
	}
}
