// Package server implements the PowerUDP registration server: it admits
// clients that present the shared secret, tracks them in a bounded registry
// and applies and distributes config changes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// Defaults applied to zero Options fields.
const (
	DefaultMaxClients  = 10
	DefaultReadTimeout = 5 * time.Second
)

// Publisher distributes an accepted config to clients.
type Publisher interface {
	Publish(ctx context.Context, cfg protocol.Config) error
}

// Options configures a Server.
type Options struct {
	Secret     string
	MaxClients int
	// InactivityTimeout marks a client inactive when it has not
	// re-registered for this long. Zero disables expiry.
	InactivityTimeout time.Duration
	// ReadTimeout bounds reading one request from a connection.
	ReadTimeout time.Duration
	// Validate checks a presented secret; defaults to protocol.ValidSecret.
	Validate protocol.SecretValidator
	// Spawner runs client workers; defaults to a GoroutineSpawner.
	Spawner Spawner
	// InitialConfig is the master config before any change request.
	InitialConfig *protocol.Config
	Publishers    []Publisher
}

// Server accepts control-channel connections.
type Server struct {
	opts     Options
	registry *Registry
	spawner  Spawner

	conns sync.WaitGroup
}

// New creates a server. Zero option fields take their defaults.
func New(opts Options) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Validate == nil {
		opts.Validate = protocol.ValidSecret
	}
	if opts.Spawner == nil {
		opts.Spawner = &GoroutineSpawner{}
	}
	cfg := protocol.DefaultConfig()
	if opts.InitialConfig != nil {
		cfg = *opts.InitialConfig
	}

	return &Server{
		opts:     opts,
		registry: NewRegistry(opts.MaxClients, cfg),
		spawner:  opts.Spawner,
	}
}

// Registry exposes the client registry for status reporting.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Config returns the master config.
func (s *Server) Config() protocol.Config {
	return s.registry.Config()
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, handling each on
// its own goroutine. On return the listener is closed and every connection
// handler and worker has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	util.LogInfo("server listening on %s (capacity %d)", ln.Addr(), s.opts.MaxClients)

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}

	cancel()
	ln.Close()
	s.conns.Wait()
	s.spawner.Wait()
	util.LogInfo("server stopped")
	return acceptErr
}

// publish sends cfg through every publisher concurrently. Failures are
// logged; distribution is best-effort.
func (s *Server) publish(ctx context.Context, cfg protocol.Config) {
	var g errgroup.Group
	for _, p := range s.opts.Publishers {
		g.Go(func() error {
			if err := p.Publish(ctx, cfg); err != nil {
				util.LogWarning("failed to publish config: %v", err)
			}
			return nil
		})
	}
	g.Wait()
}
