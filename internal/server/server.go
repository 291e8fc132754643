package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arcsync/arcsync/internal/server/handlers/syncapi"
	"github.com/arcsync/arcsync/internal/transport"
	"github.com/arcsync/arcsync/internal/version"
)

const shutdownTimeout = 15 * time.Second

type Server struct {
	config   *Config
	services *Services
	syncH    *syncapi.SyncHandler
	server   *http.Server

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

func New(ctx context.Context, config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	services, err := NewServices(ctx, config)
	if err != nil {
		return nil, err
	}

	syncH := syncapi.New(services.Archive, config.HTTP.MaxMessage)
	handler, err := SetupRoutes(config, services, syncH)
	if err != nil {
		services.Shutdown(ctx)
		return nil, err
	}

	return &Server{
		config:   config,
		services: services,
		syncH:    syncH,
		conns:    map[net.Conn]struct{}{},
		server: &http.Server{
			Addr:              config.HTTP.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 30 * time.Second,
		},
	}, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	slog.Info("arcsync server start", "version", version.Get().Short(), "archive", s.services.Archive.Root())
	defer slog.Info("arcsync server stop")

	if err := s.services.Start(ctx); err != nil {
		return err
	}

	var streamLn net.Listener
	if s.config.Stream.Addr != "" {
		ln, err := net.Listen("tcp", s.config.Stream.Addr)
		if err != nil {
			s.services.Shutdown(ctx)
			return fmt.Errorf("stream listen: %w", err)
		}
		streamLn = ln
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.runHttpServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if streamLn != nil {
		g.Go(func() error {
			return s.serveStream(gctx, streamLn)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("arcsync shutdown signal")
		if streamLn != nil {
			streamLn.Close()
		}
		return s.Stop(context.WithoutCancel(ctx))
	})
	return g.Wait()
}

func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	s.closeStreams()
	if err := s.services.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) runHttpServer() error {
	if s.config.TLS() {
		slog.Info("server start tls", "addr", s.config.HTTP.Addr, "cert", s.config.HTTP.CertFile, "key", s.config.HTTP.KeyFile)
		return s.server.ListenAndServeTLS(s.config.HTTP.CertFile, s.config.HTTP.KeyFile)
	}
	slog.Info("server start http", "addr", s.config.HTTP.Addr)
	return s.server.ListenAndServe()
}

// serveStream accepts framed connections, as carried by an SSH tunnel, and
// answers each one until the peer hangs up.
func (s *Server) serveStream(ctx context.Context, ln net.Listener) error {
	slog.Info("server start stream", "addr", ln.Addr().String())
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stream accept: %w", err)
		}
		s.track(conn, true)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.track(conn, false)
			defer conn.Close()

			remote := conn.RemoteAddr().String()
			slog.Debug("stream open", "remote", remote)
			if err := transport.ServeStream(ctx, conn, s.syncH.HandleMessage, s.syncH.MaxMessage()); err != nil && ctx.Err() == nil {
				slog.Warn("stream closed", "remote", remote, "error", err)
			}
		}()
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
