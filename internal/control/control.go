// Package control implements the client side of the TCP control channel:
// registration with the shared secret and config-change requests.
package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// Timeout bounds connecting to the server and waiting for its response.
const Timeout = 5 * time.Second

var (
	// ErrRejected is returned when the server answers "NO": the secret was
	// wrong or the registry is full.
	ErrRejected = errors.New("rejected by server")
	// ErrServerError is returned when the server answers "ER".
	ErrServerError = errors.New("server reported an error")
	// ErrBadResponse is returned for a missing, short or unknown response.
	ErrBadResponse = errors.New("bad response from server")
)

// Register announces this client to the server at addr.
func Register(ctx context.Context, addr, secret string) error {
	if err := exchange(ctx, addr, protocol.EncodeRegister(secret)); err != nil {
		return fmt.Errorf("register with %s: %w", addr, err)
	}
	util.LogDebug("registered with %s", addr)
	return nil
}

// RequestConfig asks the server at addr to adopt cfg and broadcast it. The
// server clamps values below its minimums; the adopted config reaches this
// client through the distribution channel, not through this call.
func RequestConfig(ctx context.Context, addr string, cfg protocol.Config) error {
	if err := exchange(ctx, addr, protocol.EncodeConfigRequest(cfg)); err != nil {
		return fmt.Errorf("request config from %s: %w", addr, err)
	}
	util.LogDebug("config request accepted by %s: %s", addr, cfg)
	return nil
}

// exchange sends req in a single write on a fresh connection and reads the
// two-byte response.
func exchange(ctx context.Context, addr string, req []byte) error {
	dialer := net.Dialer{Timeout: Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	// Half-close so the server sees the end of the request without waiting.
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	resp := make([]byte, protocol.ResponseSize)
	if _, err := io.ReadFull(conn, resp); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	switch {
	case bytes.Equal(resp, protocol.RespOK):
		return nil
	case bytes.Equal(resp, protocol.RespNo):
		return ErrRejected
	case bytes.Equal(resp, protocol.RespError):
		return ErrServerError
	default:
		return fmt.Errorf("%w: %q", ErrBadResponse, resp)
	}
}
