package server

import (
	"context"
	"fmt"

	"github.com/arcsync/arcsync/internal/server/archive"
	"github.com/arcsync/arcsync/internal/server/auth"
	"github.com/arcsync/arcsync/internal/server/mirror"
)

type Services struct {
	Archive *archive.Manager
	Mirror  *mirror.S3Mirror
	Auth    *auth.AuthService
}

func NewServices(ctx context.Context, config *Config) (*Services, error) {
	svc := &Services{Auth: auth.NewAuthService(&config.Auth)}

	archiveCfg := archive.Config{
		Root:      config.Archive.Root,
		CacheSize: config.Archive.CacheSize,
	}
	if config.Mirror.Enabled() {
		m, err := mirror.NewS3Mirror(&config.Mirror)
		if err != nil {
			return nil, err
		}
		svc.Mirror = m
		archiveCfg.Mirror = m
	}

	m, err := archive.Open(ctx, archiveCfg)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	svc.Archive = m
	return svc, nil
}

func (s *Services) Start(ctx context.Context) error {
	if s.Mirror != nil {
		s.Mirror.Start(ctx)
	}
	return nil
}

func (s *Services) Shutdown(ctx context.Context) error {
	// drain uploads before the object store goes away
	if s.Mirror != nil {
		if err := s.Mirror.Stop(); err != nil {
			return fmt.Errorf("stop mirror: %w", err)
		}
	}
	if err := s.Archive.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}
