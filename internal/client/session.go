// Package client provides the PowerUDP endpoint: a registered session that
// exchanges reliable datagrams with peers and follows config changes
// distributed by the server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/1ureka/powerudp/internal/arq"
	"github.com/1ureka/powerudp/internal/control"
	"github.com/1ureka/powerudp/internal/feed"
	"github.com/1ureka/powerudp/internal/multicast"
	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// feedRetryInterval is the pause between feed reconnection attempts.
const feedRetryInterval = 2 * time.Second

// Options configures a Session.
type Options struct {
	// Server is the control-channel address, host:port.
	Server string
	Secret string
	// BindAddr is the local UDP address; defaults to ":<LocalPort>".
	BindAddr  string
	LocalPort int
	// MulticastGroup is joined for config updates; empty disables it.
	MulticastGroup string
	// FeedURL subscribes to a WebSocket config feed; empty disables it.
	FeedURL string
	// KeepAlive re-registers periodically so the server does not expire the
	// session; zero disables it.
	KeepAlive time.Duration
	// InitialConfig defaults to protocol.DefaultConfig.
	InitialConfig *protocol.Config
	EngineOptions []arq.Option
}

// Session is an open PowerUDP endpoint. Send and Receive may be used from
// different goroutines, but each should not be called concurrently with
// itself.
type Session struct {
	opts   Options
	store  *protocol.ConfigStore
	engine *arq.Engine

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open registers with the server, binds the UDP socket and starts the
// background config followers. ctx bounds the registration only.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if err := control.Register(ctx, opts.Server, opts.Secret); err != nil {
		return nil, err
	}

	bind := opts.BindAddr
	if bind == "" {
		bind = ":" + strconv.Itoa(opts.LocalPort)
	}
	conn, err := net.ListenPacket("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", bind, err)
	}

	cfg := protocol.DefaultConfig()
	if opts.InitialConfig != nil {
		cfg = opts.InitialConfig.WithFallbacks()
	}

	bg, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:   opts,
		store:  protocol.NewConfigStore(cfg),
		cancel: cancel,
	}
	s.engine = arq.New(conn, s.store, opts.EngineOptions...)

	if opts.MulticastGroup != "" {
		mc, err := multicast.Listen(opts.MulticastGroup)
		if err != nil {
			util.LogWarning("multicast config updates unavailable: %v", err)
		} else {
			s.goBackground(func() {
				if err := multicast.NewListener(mc, s.store).Run(bg); err != nil {
					util.LogWarning("multicast listener stopped: %v", err)
				}
			})
		}
	}
	if opts.FeedURL != "" {
		s.goBackground(func() { s.followFeed(bg) })
	}
	if opts.KeepAlive > 0 {
		s.goBackground(func() { s.keepAlive(bg) })
	}

	util.LogSuccess("session open on %s (server %s)", conn.LocalAddr(), opts.Server)
	return s, nil
}

func (s *Session) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// followFeed keeps a feed subscription open until ctx is cancelled.
func (s *Session) followFeed(ctx context.Context) {
	for {
		err := feed.Subscribe(ctx, s.opts.FeedURL, s.store, nil)
		if ctx.Err() != nil {
			return
		}
		util.LogWarning("config feed: %v; retrying in %s", err, feedRetryInterval)

		select {
		case <-ctx.Done():
			return
		case <-time.After(feedRetryInterval):
		}
	}
}

func (s *Session) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := control.Register(ctx, s.opts.Server, s.opts.Secret); err != nil && ctx.Err() == nil {
				util.LogWarning("keep-alive registration failed: %v", err)
			}
		}
	}
}

// Close stops the background followers and closes the socket, unblocking a
// pending Receive. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		err := s.engine.Close()
		s.wg.Wait()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// Send delivers payload to dest, which is either ip:port or a bare IP
// addressed on this session's own port.
func (s *Session) Send(ctx context.Context, dest string, payload []byte) (arq.SendResult, error) {
	addr, err := s.resolve(dest)
	if err != nil {
		return arq.SendResult{}, err
	}
	return s.engine.Send(ctx, addr, payload)
}

func (s *Session) resolve(dest string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(dest); err != nil {
		port := s.engine.LocalAddr().(*net.UDPAddr).Port
		dest = net.JoinHostPort(dest, strconv.Itoa(port))
	}
	addr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", dest, err)
	}
	return addr, nil
}

// Receive blocks for the next in-order DATA packet and copies its payload
// into buf.
func (s *Session) Receive(ctx context.Context, buf []byte) (int, net.Addr, error) {
	return s.engine.Receive(ctx, buf)
}

// RequestConfig asks the server to adopt and distribute cfg. The local config
// changes only when the distributed value arrives.
func (s *Session) RequestConfig(ctx context.Context, cfg protocol.Config) error {
	return control.RequestConfig(ctx, s.opts.Server, cfg)
}

// InjectLoss sets the percentage of outbound transmissions to drop, clamped
// to 0..100, and returns the value applied.
func (s *Session) InjectLoss(percent int) int {
	return s.engine.SetLoss(percent)
}

// LastStats returns the result of the most recent Send.
func (s *Session) LastStats() arq.SendResult {
	return s.engine.LastStats()
}

// Config returns the session's current protocol config.
func (s *Session) Config() protocol.Config {
	return s.store.Load()
}

// LocalAddr returns the UDP address of the session.
func (s *Session) LocalAddr() net.Addr {
	return s.engine.LocalAddr()
}
