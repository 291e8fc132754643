package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/arcsync/arcsync/internal/syncproto"
	"github.com/arcsync/arcsync/internal/utils"
	"github.com/arcsync/arcsync/internal/version"
)

// WSTransport keeps one websocket open and sends one binary message per
// request. A broken connection is redialed on the next round trip.
type WSTransport struct {
	url    string
	opts   Options
	header http.Header

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWS(baseURL string, opts Options) *WSTransport {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	header.Set(HeaderVersion, version.Version)
	header.Set(HeaderDeviceID, utils.HWID)
	if opts.SourceID != "" {
		header.Set(HeaderSourceID, opts.SourceID)
	}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	u := strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(u, SyncWSPath) {
		u += SyncWSPath
	}
	return &WSTransport{url: u, opts: opts.withDefaults(), header: header}
}

func (t *WSTransport) RoundTrip(ctx context.Context, r *syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	conn, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	msg := syncproto.NewSyncRequest(r)
	data, err := syncproto.Marshal(msg, t.opts.Encoding)
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		t.drop(websocket.StatusGoingAway, "write failed")
		return nil, transportErr("ws write", err)
	}

	typ, raw, err := conn.Read(ctx)
	if err != nil {
		t.drop(websocket.StatusGoingAway, "read failed")
		return nil, transportErr("ws read", err)
	}
	if typ != websocket.MessageBinary {
		t.drop(websocket.StatusUnsupportedData, "binary only")
		return nil, &syncproto.ProtocolError{Reason: fmt.Sprintf("unexpected websocket message type %v", typ)}
	}

	reply, _, err := syncproto.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	return decodeReply(msg.ID, reply)
}

func (t *WSTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	conn, resp, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{HTTPHeader: t.header})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusTooManyRequests:
				return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
			}
		}
		return nil, transportErr("ws dial", err)
	}
	conn.SetReadLimit(int64(t.opts.MaxMessage))
	slog.Debug("ws connected", "url", t.url)
	t.conn = conn
	return conn, nil
}

func (t *WSTransport) drop(code websocket.StatusCode, reason string) {
	if t.conn != nil {
		t.conn.Close(code, reason)
		t.conn = nil
	}
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close(websocket.StatusNormalClosure, "shutdown")
	t.conn = nil
	if err != nil && !isExpectedCloseError(err) {
		return err
	}
	return nil
}

func isExpectedCloseError(err error) bool {
	return errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
