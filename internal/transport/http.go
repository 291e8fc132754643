package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"

	"github.com/arcsync/arcsync/internal/syncproto"
	"github.com/arcsync/arcsync/internal/utils"
	"github.com/arcsync/arcsync/internal/version"
)

// HTTPTransport posts every request to the sync route.
type HTTPTransport struct {
	client *req.Client
	enc    syncproto.Encoding
}

func NewHTTP(baseURL string, opts Options) *HTTPTransport {
	opts = opts.withDefaults()
	client := req.C().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(opts.Timeout).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderVersion, version.Version).
		SetCommonHeader(HeaderDeviceID, utils.HWID)
	if opts.Token != "" {
		client.SetCommonBearerAuthToken(opts.Token)
	}
	if opts.SourceID != "" {
		client.SetCommonHeader(HeaderSourceID, opts.SourceID)
	}
	return &HTTPTransport{client: client, enc: opts.Encoding}
}

func (t *HTTPTransport) RoundTrip(ctx context.Context, r *syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	msg := syncproto.NewSyncRequest(r)
	body, err := syncproto.Marshal(msg, t.enc)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", syncproto.ContentType).
		SetBody(body).
		Post(SyncPath)
	if err != nil {
		return nil, transportErr("post "+SyncPath, err)
	}

	reply, _, uerr := syncproto.Unmarshal(resp.Bytes())
	if uerr != nil {
		return nil, httpStatusErr(resp, uerr)
	}
	return decodeReply(msg.ID, reply)
}

// httpStatusErr classifies a reply that carried no envelope.
func httpStatusErr(resp *req.Response, decodeErr error) error {
	code := resp.GetStatusCode()
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return fmt.Errorf("%w: http %d", ErrUnauthorized, code)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: http %d", ErrRateLimited, code)
	case code >= 500:
		return transportErr("post "+SyncPath, fmt.Errorf("http %d", code))
	case resp.IsErrorState():
		return fmt.Errorf("%w: http %d: %w", ErrServer, code, decodeErr)
	default:
		return decodeErr
	}
}

func (t *HTTPTransport) Close() error {
	t.client.GetClient().CloseIdleConnections()
	return nil
}
