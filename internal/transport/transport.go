package transport

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/arcsync/arcsync/internal/syncproto"
)

const (
	SyncPath   = "/api/v1/sync"
	SyncWSPath = "/api/v1/sync/ws"

	HeaderDeviceID = "X-Arcsync-Device-Id"
	HeaderSourceID = "X-Arcsync-Source"
	HeaderVersion  = "X-Arcsync-Version"

	defaultTimeout    = 5 * time.Minute
	defaultMaxMessage = 1 << 30
)

// Transport carries one sync request to the archive and returns its reply.
type Transport interface {
	RoundTrip(ctx context.Context, req *syncproto.SyncRequest) (*syncproto.SyncResponse, error)
	Close() error
}

type Options struct {
	Encoding syncproto.Encoding
	Timeout  time.Duration
	// MaxMessage bounds a single received message.
	MaxMessage int
	SourceID   string
	// Token is sent as a bearer token by the HTTP and websocket transports.
	Token string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxMessage <= 0 {
		o.MaxMessage = defaultMaxMessage
	}
	return o
}

// New picks a transport by URL scheme: http(s) posts each request, ws(s)
// keeps a websocket open, tcp speaks length-framed envelopes.
func New(rawURL string, opts Options) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTP(rawURL, opts), nil
	case "ws", "wss":
		return NewWS(rawURL, opts), nil
	case "tcp":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: %q has no host", ErrUnsupportedURL, rawURL)
		}
		return NewTCP(u.Host, opts), nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, u.Scheme)
	}
}
