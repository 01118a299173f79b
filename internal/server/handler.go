package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// maxRequestSize is one byte more than the largest valid request, so an
// oversized request is still seen as unknown.
const maxRequestSize = protocol.SecretSize + 1

// followUpTimeout bounds waiting for the rest of a request after its first
// bytes, for clients that do not half-close.
const followUpTimeout = 100 * time.Millisecond

const writeTimeout = 5 * time.Second

// handle serves one control-channel connection: one request, one response.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	peer := peerIP(conn.RemoteAddr())

	req, err := readRequest(conn, s.opts.ReadTimeout)
	if err != nil {
		util.LogDebug("no request from %s: %v", peer, err)
		return
	}

	switch kind := protocol.ClassifyRequest(req); kind {
	case protocol.RequestRegister:
		s.handleRegister(ctx, conn, peer, req)
	case protocol.RequestConfig:
		s.handleConfig(ctx, conn, peer, req)
	default:
		util.LogDebug("unknown %d-byte request from %s", len(req), peer)
		reply(conn, protocol.RespError)
	}
}

func (s *Server) handleRegister(ctx context.Context, conn net.Conn, peer string, req []byte) {
	secret, err := protocol.DecodeRegister(req)
	if err != nil {
		reply(conn, protocol.RespError)
		return
	}
	if !s.opts.Validate(secret, s.opts.Secret) {
		util.LogWarning("registration from %s rejected: bad secret", peer)
		util.Stats.AddRefused()
		reply(conn, protocol.RespNo)
		return
	}

	rec, spawn, err := s.registry.Register(peer, time.Now())
	if err != nil {
		util.LogWarning("registration from %s rejected: %v", peer, err)
		util.Stats.AddRefused()
		reply(conn, protocol.RespNo)
		return
	}
	if spawn {
		s.spawner.Spawn(ctx, s.worker(rec))
	}

	util.Stats.AddRegistered()
	util.LogSuccess("client %s registered (%s)", peer, rec.ID)
	reply(conn, protocol.RespOK)
}

func (s *Server) handleConfig(ctx context.Context, conn net.Conn, peer string, req []byte) {
	cfg, err := protocol.DecodeConfigRequest(req)
	if err != nil {
		reply(conn, protocol.RespError)
		return
	}

	stored := s.registry.SetConfig(cfg)
	util.Stats.AddConfigChange()
	util.LogInfo("config changed by %s: %s", peer, stored)
	reply(conn, protocol.RespOK)
	conn.Close()

	s.publish(ctx, stored)
}

// readRequest reads a single request. The first read waits up to timeout;
// further bytes are collected until the peer half-closes, the largest
// request size is exceeded or followUpTimeout passes without data.
func readRequest(conn net.Conn, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, maxRequestSize)
	n := 0
	wait := timeout
	for n < len(buf) {
		if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return nil, err
		}
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			var netErr net.Error
			if n > 0 && (errors.Is(err, io.EOF) || errors.As(err, &netErr) && netErr.Timeout()) {
				break
			}
			if n == 0 && errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("connection closed before request")
			}
			return nil, err
		}
		wait = followUpTimeout
	}
	return buf[:n], nil
}

func reply(conn net.Conn, resp []byte) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(resp); err != nil {
		util.LogDebug("failed to reply to %s: %v", conn.RemoteAddr(), err)
	}
}

// peerIP returns the IP of a peer address without its port.
func peerIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
