package syncproto

import "fmt"

type MessageType uint16

const (
	MsgSyncRequest MessageType = iota + 1
	MsgSyncResponse
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgSyncRequest:
		return "SYNC_REQUEST"
	case MsgSyncResponse:
		return "SYNC_RESPONSE"
	case MsgError:
		return "ERROR"
	default:
		return fmt.Sprintf("???(%d)", t)
	}
}
