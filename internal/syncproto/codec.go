package syncproto

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects the payload encoding inside the envelope.
type Encoding uint8

const (
	EncodingMsgPack Encoding = iota
	EncodingJSON
)

func (e Encoding) String() string {
	switch e {
	case EncodingJSON:
		return "json"
	default:
		return "msgpack"
	}
}

const (
	magic0 = byte('A')
	magic1 = byte('S')
	// Version is the protocol version spoken by this build.
	Version = byte(1)

	headerSize = 4
)

// ContentType is the media type of an enveloped message.
const ContentType = "application/x-arcsync"

// ParseEncoding parses a comma-separated preference list (e.g. "json,msgpack").
// Returns EncodingMsgPack if the list is empty or unknown.
func ParseEncoding(list string) Encoding {
	for _, p := range strings.Split(list, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "msgpack":
			return EncodingMsgPack
		case "json":
			return EncodingJSON
		}
	}
	return EncodingMsgPack
}

// Marshal encodes msg with the envelope [magic][version][encoding][payload].
func Marshal(msg *Message, enc Encoding) ([]byte, error) {
	var payload []byte
	var err error
	switch enc {
	case EncodingMsgPack:
		payload, err = marshalMsgpack(msg)
	case EncodingJSON:
		payload, err = jsonMarshal(msg)
	default:
		return nil, fmt.Errorf("unknown encoding: %d", enc)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	buf := make([]byte, headerSize+len(payload))
	buf[0], buf[1], buf[2], buf[3] = magic0, magic1, Version, byte(enc)
	copy(buf[headerSize:], payload)
	return buf, nil
}

// Unmarshal decodes an enveloped message. Foreign or newer envelopes fail
// with a *ProtocolError.
func Unmarshal(data []byte) (*Message, Encoding, error) {
	if len(data) < headerSize || data[0] != magic0 || data[1] != magic1 {
		return nil, EncodingMsgPack, protocolErrorf("missing AS envelope")
	}
	if data[2] != Version {
		return nil, EncodingMsgPack, protocolErrorf("unsupported envelope version %d, want %d", data[2], Version)
	}

	enc := Encoding(data[3])
	payload := data[headerSize:]
	switch enc {
	case EncodingMsgPack:
		msg, err := unmarshalMsgpack(payload)
		return msg, enc, err
	case EncodingJSON:
		var msg Message
		if err := jsonUnmarshal(payload, &msg); err != nil {
			return nil, enc, err
		}
		return &msg, enc, nil
	default:
		return nil, enc, protocolErrorf("unknown encoding %d", enc)
	}
}

// UnmarshalJSON decodes Data according to Type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var temp struct {
		ID   string      `json:"id"`
		Type MessageType `json:"typ"`
		Data rawData     `json:"dat"`
	}
	if err := jsonUnmarshal(data, &temp); err != nil {
		return err
	}
	m.ID = temp.ID
	m.Type = temp.Type

	v, err := newPayload(temp.Type)
	if err != nil {
		return err
	}
	if err := jsonUnmarshal(temp.Data, v); err != nil {
		return err
	}
	m.Data = v
	return nil
}

type rawData []byte

func (r *rawData) UnmarshalJSON(b []byte) error {
	*r = append((*r)[:0], b...)
	return nil
}

// newPayload allocates the payload type carried by typ.
func newPayload(typ MessageType) (any, error) {
	switch typ {
	case MsgSyncRequest:
		return &SyncRequest{}, nil
	case MsgSyncResponse:
		return &SyncResponse{}, nil
	case MsgError:
		return &Error{}, nil
	default:
		return nil, protocolErrorf("unknown message type %s", typ)
	}
}

type wireMessage struct {
	ID   string      `msgpack:"id"`
	Type MessageType `msgpack:"typ"`
	Data []byte      `msgpack:"dat"`
}

func marshalMsgpack(msg *Message) ([]byte, error) {
	var data any
	switch msg.Type {
	case MsgSyncRequest:
		v, ok := msg.SyncRequest()
		if !ok {
			return nil, fmt.Errorf("invalid sync request payload type: %T", msg.Data)
		}
		data = v
	case MsgSyncResponse:
		v, ok := msg.SyncResponse()
		if !ok {
			return nil, fmt.Errorf("invalid sync response payload type: %T", msg.Data)
		}
		data = v
	case MsgError:
		v, ok := msg.ErrorPayload()
		if !ok {
			return nil, fmt.Errorf("invalid error payload type: %T", msg.Data)
		}
		data = v
	default:
		return nil, fmt.Errorf("unknown message type: %d", msg.Type)
	}

	dat, err := msgpack.Marshal(data)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(&wireMessage{ID: msg.ID, Type: msg.Type, Data: dat})
}

func unmarshalMsgpack(payload []byte) (*Message, error) {
	var w wireMessage
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	dec.SetCustomStructTag("msgpack")
	if err := dec.Decode(&w); err != nil {
		return nil, err
	}

	v, err := newPayload(w.Type)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(w.Data, v); err != nil {
		return nil, err
	}
	return &Message{ID: w.ID, Type: w.Type, Data: v}, nil
}
