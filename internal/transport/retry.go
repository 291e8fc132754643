package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/arcsync/arcsync/internal/syncproto"
)

type RetryOptions struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

var DefaultRetry = RetryOptions{Attempts: 4, Delay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}

// Retrying retries round trips that failed in transit. Server replies,
// errors included, are returned as they are.
type Retrying struct {
	Transport
	opts RetryOptions
}

func WithRetry(t Transport, opts RetryOptions) *Retrying {
	if opts.Attempts == 0 {
		opts.Attempts = 1
	}
	return &Retrying{Transport: t, opts: opts}
}

func (t *Retrying) RoundTrip(ctx context.Context, r *syncproto.SyncRequest) (*syncproto.SyncResponse, error) {
	return retry.DoWithData(
		func() (*syncproto.SyncResponse, error) {
			return t.Transport.RoundTrip(ctx, r)
		},
		retry.Context(ctx),
		retry.Attempts(t.opts.Attempts),
		retry.Delay(t.opts.Delay),
		retry.MaxDelay(t.opts.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("sync round trip failed", "attempt", n+1, "error", err)
		}),
	)
}
