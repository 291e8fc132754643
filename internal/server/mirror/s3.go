package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("mirror: closed")

// objectAPI is the part of the S3 client the mirror needs.
type objectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type job struct {
	hash string
	path string
}

type Stats struct {
	Uploaded uint64 `json:"uploaded"`
	Skipped  uint64 `json:"skipped"`
	Failed   uint64 `json:"failed"`
}

// S3Mirror copies archive objects to a bucket in the background. Objects are
// content addressed, so an object already in the bucket is never uploaded
// again.
type S3Mirror struct {
	client objectAPI
	config *S3Config
	queue  chan job

	mu     sync.RWMutex
	closed bool
	group  *errgroup.Group

	uploaded atomic.Uint64
	skipped  atomic.Uint64
	failed   atomic.Uint64
}

func NewS3Mirror(cfg *S3Config) (*S3Mirror, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mirror config: %w", err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   50,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 5 * time.Minute,
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})
	return newS3Mirror(client, cfg), nil
}

func newS3Mirror(client objectAPI, cfg *S3Config) *S3Mirror {
	return &S3Mirror{
		client: client,
		config: cfg,
		queue:  make(chan job, defaultQueueSize),
	}
}

// Start runs the upload workers until Stop.
func (m *S3Mirror) Start(ctx context.Context) {
	workers := m.config.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	g, ctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			m.work(ctx)
			return nil
		})
	}
	m.mu.Lock()
	m.group = g
	m.mu.Unlock()
	slog.Info("mirror started", "bucket", m.config.BucketName, "prefix", m.config.Prefix, "workers", workers)
}

// Stop drains the queue and waits for the workers.
func (m *S3Mirror) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.queue)
	g := m.group
	m.mu.Unlock()

	if g != nil {
		g.Wait()
	}
	stats := m.Stats()
	slog.Info("mirror stopped", "uploaded", stats.Uploaded, "skipped", stats.Skipped, "failed", stats.Failed)
	return nil
}

// Enqueue schedules the object at path for upload. It blocks while the
// queue is full.
func (m *S3Mirror) Enqueue(hash, path string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		slog.Warn("mirror enqueue after stop", "hash", hash)
		return
	}
	m.queue <- job{hash: hash, path: path}
}

func (m *S3Mirror) Stats() Stats {
	return Stats{
		Uploaded: m.uploaded.Load(),
		Skipped:  m.skipped.Load(),
		Failed:   m.failed.Load(),
	}
}

func (m *S3Mirror) work(ctx context.Context) {
	for j := range m.queue {
		if err := m.upload(ctx, j); err != nil {
			m.failed.Add(1)
			slog.Error("mirror upload", "hash", j.hash, "error", err)
		}
	}
}

func (m *S3Mirror) key(hash string) string {
	return path.Join(m.config.Prefix, "objects", hash[:2], hash)
}

func (m *S3Mirror) upload(ctx context.Context, j job) error {
	key := m.key(j.hash)

	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &m.config.BucketName,
		Key:    &key,
	})
	if err == nil {
		m.skipped.Add(1)
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("head %s: %w", key, err)
	}

	err = retry.Do(
		func() error {
			f, err := os.Open(j.path)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        &m.config.BucketName,
				Key:           &key,
				Body:          f,
				ContentLength: aws.Int64(info.Size()),
				Metadata:      map[string]string{"sha256": j.hash},
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	m.uploaded.Add(1)
	slog.Debug("mirror uploaded", "key", key)
	return nil
}
