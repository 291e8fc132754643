package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/arcsync/arcsync/internal/syncproto"
)

// Dialer opens a reliable byte channel to the archive: a TCP connection,
// an SSH tunnel or a pipe. ctx bounds the dial of a single round trip, so
// the channel must not be tied to it.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// StreamTransport exchanges length-framed envelopes over a dialed channel.
type StreamTransport struct {
	dial Dialer
	opts Options

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

func NewStream(dial Dialer, opts Options) *StreamTransport {
	return &StreamTransport{dial: dial, opts: opts.withDefaults()}
}

func NewTCP(addr string, opts Options) *StreamTransport {
	return NewStream(func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}, opts)
}

func (t *StreamTransport) RoundTrip(ctx context.Context, r *syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout)
	defer cancel()

	if t.conn == nil {
		conn, err := t.dial(ctx)
		if err != nil {
			return nil, transportErr("dial", err)
		}
		t.conn = conn
	}
	conn := t.conn
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	msg := syncproto.NewSyncRequest(r)
	if err := syncproto.WriteMessage(conn, msg, t.opts.Encoding); err != nil {
		t.drop()
		return nil, transportErr("write frame", err)
	}
	reply, _, err := syncproto.ReadMessage(conn, t.opts.MaxMessage)
	if err != nil {
		t.drop()
		if syncproto.IsProtocolError(err) || errors.Is(err, syncproto.ErrFrameTooLarge) {
			return nil, err
		}
		return nil, transportErr("read frame", err)
	}
	return decodeReply(msg.ID, reply)
}

func (t *StreamTransport) drop() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// ServeStream answers framed requests on rw until the peer hangs up or ctx
// ends. Replies use the encoding of the request.
func ServeStream(ctx context.Context, rw io.ReadWriter, handler syncproto.Handler, maxFrame int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, enc, err := syncproto.ReadMessage(rw, maxFrame)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case syncproto.IsProtocolError(err), errors.Is(err, syncproto.ErrFrameTooLarge):
			slog.Warn("stream request rejected", "error", err)
			reply := syncproto.NewError("", syncproto.CodeProtocolMismatch, err.Error())
			if werr := syncproto.WriteMessage(rw, reply, syncproto.EncodingMsgPack); werr != nil {
				return werr
			}
			return err
		case err != nil:
			return fmt.Errorf("read request: %w", err)
		}

		if err := syncproto.WriteMessage(rw, handler(ctx, msg), enc); err != nil {
			return fmt.Errorf("write reply: %w", err)
		}
	}
}
