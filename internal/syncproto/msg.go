package syncproto

import (
	"context"

	"github.com/google/uuid"
)

// Message is the unit exchanged on every transport.
type Message struct {
	ID   string      `json:"id"`
	Type MessageType `json:"typ"`
	Data any         `json:"dat"`
}

func newMessage(typ MessageType, data any) *Message {
	return &Message{ID: generateID(), Type: typ, Data: data}
}

func NewSyncRequest(req *SyncRequest) *Message {
	return newMessage(MsgSyncRequest, req)
}

// NewSyncResponse answers the request with the given message id.
func NewSyncResponse(id string, resp *SyncResponse) *Message {
	return &Message{ID: id, Type: MsgSyncResponse, Data: resp}
}

func generateID() string {
	return uuid.NewString()[:8]
}

// SyncRequest returns the payload when m carries a sync request.
func (m *Message) SyncRequest() (*SyncRequest, bool) {
	switch v := m.Data.(type) {
	case *SyncRequest:
		return v, true
	case SyncRequest:
		return &v, true
	}
	return nil, false
}

func (m *Message) SyncResponse() (*SyncResponse, bool) {
	switch v := m.Data.(type) {
	case *SyncResponse:
		return v, true
	case SyncResponse:
		return &v, true
	}
	return nil, false
}

func (m *Message) ErrorPayload() (*Error, bool) {
	switch v := m.Data.(type) {
	case *Error:
		return v, true
	case Error:
		return &v, true
	}
	return nil, false
}

// Handler answers one request message with one reply message.
type Handler func(ctx context.Context, msg *Message) *Message
