// Package arq implements the PowerUDP stop-and-wait reliable-delivery engine:
// sequencing, retransmission with exponential backoff, ACK/NACK handling and
// test-only loss injection over a datagram socket.
package arq

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/powerudp/internal/protocol"
)

// Errors returned by Send and Receive. Receive-side protocol errors have
// already been answered (NACK) or dropped by the time they are returned.
var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrDeliveryFailed  = errors.New("delivery failed")
	ErrUnexpectedType  = errors.New("unexpected packet type")
	ErrOutOfSequence   = errors.New("out-of-sequence packet")
)

// SendResult reports the outcome of one Send call.
type SendResult struct {
	Bytes           int           // payload bytes delivered; 0 on failure
	Retransmissions int           // attempts beyond the first
	Elapsed         time.Duration // wall-clock duration of the call
}

// Engine runs stop-and-wait ARQ over a single datagram socket.
//
// Sequence counters are per engine, not per peer: concurrent sends to
// several destinations race on the same counter. Send and Receive also share
// the socket, so a DATA packet arriving while Send waits for its ACK is
// consumed and discarded. Both follow from the single-destination,
// one-call-at-a-time usage the protocol is designed for.
type Engine struct {
	conn net.PacketConn
	cfg  *protocol.ConfigStore

	sendSeq atomic.Uint32
	recvSeq atomic.Uint32

	loss  atomic.Int32 // injected loss percentage, 0..100
	rngMu sync.Mutex
	rng   *rand.Rand

	statsMu sync.Mutex
	last    SendResult
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRand sets the random source used for loss injection.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// New creates an engine bound to conn. The engine reads cfg once per call.
func New(conn net.PacketConn, cfg *protocol.ConfigStore, opts ...Option) *Engine {
	e := &Engine{
		conn: conn,
		cfg:  cfg,
		rng:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// unblockOnCancel pulls the read deadline into the past once ctx is
// cancelled, so a pending read returns. The returned release func must be
// called before the caller returns; it waits for a callback already in
// flight so its deadline cannot land on a later call.
func (e *Engine) unblockOnCancel(ctx context.Context) (release func()) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(done)
		e.conn.SetReadDeadline(time.Unix(1, 0))
	})
	return func() {
		if !stop() {
			<-done
		}
	}
}

// LocalAddr returns the address of the underlying socket.
func (e *Engine) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Close closes the underlying socket, unblocking any pending Receive.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// SetLoss sets the percentage of transmissions to drop, clamped to 0..100.
// It is meant for testing the retransmission path.
func (e *Engine) SetLoss(percent int) int {
	percent = min(max(percent, 0), 100)
	e.loss.Store(int32(percent))
	return percent
}

// Loss returns the injected loss percentage.
func (e *Engine) Loss() int {
	return int(e.loss.Load())
}

// shouldDrop decides whether the next transmission is suppressed.
func (e *Engine) shouldDrop() bool {
	p := e.loss.Load()
	if p <= 0 {
		return false
	}
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Int32N(100) < p
}

// LastStats returns the result of the most recent Send call.
func (e *Engine) LastStats() SendResult {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.last
}

func (e *Engine) recordStats(r SendResult) {
	e.statsMu.Lock()
	e.last = r
	e.statsMu.Unlock()
}

// SendSequence returns the sequence number the next DATA packet will carry.
func (e *Engine) SendSequence() uint32 {
	return e.sendSeq.Load()
}

// ExpectedSequence returns the sequence number Receive expects next.
func (e *Engine) ExpectedSequence() uint32 {
	return e.recvSeq.Load()
}
