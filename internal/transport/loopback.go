package transport

import (
	"context"

	"github.com/arcsync/arcsync/internal/syncproto"
)

// Loopback hands requests to an in-process handler, round-tripping both
// directions through the codec.
type Loopback struct {
	Handler  syncproto.Handler
	Encoding syncproto.Encoding
	// Intercept, when set, runs before each request and can fail it.
	Intercept func(req *syncproto.SyncRequest) error
}

func (l *Loopback) RoundTrip(ctx context.Context, r *syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	if l.Intercept != nil {
		if err := l.Intercept(r); err != nil {
			return nil, err
		}
	}
	msg := syncproto.NewSyncRequest(r)
	in, err := roundTripCodec(msg, l.Encoding)
	if err != nil {
		return nil, err
	}
	out, err := roundTripCodec(l.Handler(ctx, in), l.Encoding)
	if err != nil {
		return nil, err
	}
	return decodeReply(msg.ID, out)
}

func (l *Loopback) Close() error { return nil }

func roundTripCodec(msg *syncproto.Message, enc syncproto.Encoding) (*syncproto.Message, error) {
	data, err := syncproto.Marshal(msg, enc)
	if err != nil {
		return nil, err
	}
	out, _, err := syncproto.Unmarshal(data)
	return out, err
}
