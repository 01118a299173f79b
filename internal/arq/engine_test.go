package arq

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func listenLoopback(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newEngine(t *testing.T, cfg protocol.Config, opts ...Option) *Engine {
	t.Helper()
	return New(listenLoopback(t), protocol.NewConfigStore(cfg), opts...)
}

// readPacket reads and decodes one datagram from a raw peer socket.
func readPacket(t *testing.T, conn net.PacketConn, timeout time.Duration) (*protocol.Packet, net.Addr) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, protocol.MaxPacketSize)
	n, from, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	pkt, err := protocol.Decode(buf[:n])
	require.NoError(t, err)
	return pkt, from
}

// respond runs a raw peer that answers every DATA packet with whatever
// answer returns (nil means stay silent). It stops when the socket closes.
func respond(conn net.PacketConn, answer func(*protocol.Packet) []*protocol.Packet) <-chan int {
	count := make(chan int, 1)
	go func() {
		seen := 0
		defer func() { count <- seen }()
		buf := make([]byte, protocol.MaxPacketSize)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			pkt, err := protocol.Decode(buf[:n])
			if err != nil || pkt.Type != protocol.TypeData {
				continue
			}
			seen++
			for _, reply := range answer(pkt) {
				conn.WriteTo(protocol.Encode(reply), from)
			}
		}
	}()
	return count
}

func fastConfig() protocol.Config {
	return protocol.Config{Retransmission: true, Backoff: false, Sequence: true, BaseTimeoutMs: 30, MaxRetries: 2}
}

// ---------------------------------------------------------------------------
// Send / Receive
// ---------------------------------------------------------------------------

func TestSendReceivePing(t *testing.T) {
	cfg := protocol.Config{Retransmission: true, Backoff: true, Sequence: true, BaseTimeoutMs: 200, MaxRetries: 3}
	a := newEngine(t, cfg)
	b := newEngine(t, cfg)

	type received struct {
		data string
		err  error
	}
	got := make(chan received, 1)
	go func() {
		buf := make([]byte, protocol.MaxPayloadSize)
		n, _, err := b.Receive(context.Background(), buf)
		got <- received{string(buf[:n]), err}
	}()

	res, err := a.Send(context.Background(), b.LocalAddr(), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Bytes)
	assert.Equal(t, 0, res.Retransmissions)
	assert.Equal(t, res, a.LastStats())

	r := <-got
	require.NoError(t, r.err)
	assert.Equal(t, "ping", r.data)
	assert.Equal(t, uint32(1), a.SendSequence())
	assert.Equal(t, uint32(1), b.ExpectedSequence())
}

func TestSendReceiveSequenceOfMessages(t *testing.T) {
	a := newEngine(t, fastConfig())
	b := newEngine(t, fastConfig())

	messages := []string{"one", "two", "three", ""}
	done := make(chan []string, 1)
	go func() {
		var out []string
		buf := make([]byte, protocol.MaxPayloadSize)
		for range messages {
			n, _, err := b.Receive(context.Background(), buf)
			if err != nil {
				break
			}
			out = append(out, string(buf[:n]))
		}
		done <- out
	}()

	for _, m := range messages {
		_, err := a.Send(context.Background(), b.LocalAddr(), []byte(m))
		require.NoError(t, err)
	}

	assert.Equal(t, messages, <-done)
	assert.Equal(t, uint32(len(messages)), a.SendSequence())
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	a := newEngine(t, fastConfig())
	peer := listenLoopback(t)

	_, err := a.Send(context.Background(), peer.LocalAddr(), make([]byte, protocol.MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSendRetransmitsAfterNack(t *testing.T) {
	a := newEngine(t, fastConfig())
	peer := listenLoopback(t)

	first := true
	respond(peer, func(p *protocol.Packet) []*protocol.Packet {
		if first {
			first = false
			return []*protocol.Packet{protocol.NewNack(p.Seq)}
		}
		return []*protocol.Packet{protocol.NewAck(p.Seq)}
	})

	res, err := a.Send(context.Background(), peer.LocalAddr(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retransmissions)
	assert.Equal(t, uint32(1), a.SendSequence())
}

func TestSendIgnoresResponseForOtherSequence(t *testing.T) {
	a := newEngine(t, fastConfig())
	peer := listenLoopback(t)

	respond(peer, func(p *protocol.Packet) []*protocol.Packet {
		return []*protocol.Packet{protocol.NewAck(p.Seq + 99), protocol.NewData(p.Seq, []byte("noise")), protocol.NewAck(p.Seq)}
	})

	res, err := a.Send(context.Background(), peer.LocalAddr(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Retransmissions)
}

func TestSendGivesUpWithoutRetransmission(t *testing.T) {
	cfg := fastConfig()
	cfg.Retransmission = false
	a := newEngine(t, cfg)
	peer := listenLoopback(t)
	count := respond(peer, func(*protocol.Packet) []*protocol.Packet { return nil })

	res, err := a.Send(context.Background(), peer.LocalAddr(), []byte("x"))
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 0, res.Bytes)
	assert.Equal(t, 0, res.Retransmissions)

	peer.Close()
	assert.Equal(t, 1, <-count)
}

func TestSendExhaustsRetries(t *testing.T) {
	a := newEngine(t, fastConfig())
	peer := listenLoopback(t)
	count := respond(peer, func(*protocol.Packet) []*protocol.Packet { return nil })

	res, err := a.Send(context.Background(), peer.LocalAddr(), []byte("x"))
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 2, res.Retransmissions)
	assert.GreaterOrEqual(t, res.Elapsed, 3*30*time.Millisecond)
	assert.Equal(t, uint32(0), a.SendSequence(), "sequence must not advance without an ACK")

	peer.Close()
	assert.Equal(t, 3, <-count)
}

func TestSendWithoutSequencingKeepsCounter(t *testing.T) {
	cfg := fastConfig()
	cfg.Sequence = false
	a := newEngine(t, cfg)
	peer := listenLoopback(t)
	respond(peer, func(p *protocol.Packet) []*protocol.Packet { return []*protocol.Packet{protocol.NewAck(p.Seq)} })

	for i := 0; i < 3; i++ {
		_, err := a.Send(context.Background(), peer.LocalAddr(), []byte("x"))
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(0), a.SendSequence())
}

func TestSendCancelled(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseTimeoutMs = 5000
	a := newEngine(t, cfg)
	peer := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := a.Send(ctx, peer.LocalAddr(), []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReceiveOutOfSequenceSendsNack(t *testing.T) {
	b := newEngine(t, fastConfig())
	peer := listenLoopback(t)

	_, err := peer.WriteTo(protocol.Encode(protocol.NewData(5, []byte("late"))), b.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	_, _, err = b.Receive(context.Background(), buf)
	assert.ErrorIs(t, err, ErrOutOfSequence)
	assert.Equal(t, uint32(0), b.ExpectedSequence())

	reply, _ := readPacket(t, peer, time.Second)
	assert.Equal(t, protocol.TypeNack, reply.Type)
	assert.Equal(t, uint32(5), reply.Seq)

	// The expected packet is still accepted afterwards.
	_, err = peer.WriteTo(protocol.Encode(protocol.NewData(0, []byte("ok"))), b.LocalAddr())
	require.NoError(t, err)
	n, _, err := b.Receive(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
	assert.Equal(t, uint32(1), b.ExpectedSequence())

	reply, _ = readPacket(t, peer, time.Second)
	assert.Equal(t, protocol.TypeAck, reply.Type)
	assert.Equal(t, uint32(0), reply.Seq)
}

func TestReceiveAcceptsAnySequenceWhenDisabled(t *testing.T) {
	cfg := fastConfig()
	cfg.Sequence = false
	b := newEngine(t, cfg)
	peer := listenLoopback(t)

	_, err := peer.WriteTo(protocol.Encode(protocol.NewData(42, []byte("hi"))), b.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, _, err := b.Receive(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
	assert.Equal(t, uint32(0), b.ExpectedSequence())

	reply, _ := readPacket(t, peer, time.Second)
	assert.Equal(t, protocol.TypeAck, reply.Type)
	assert.Equal(t, uint32(42), reply.Seq)
}

func TestReceiveRejectsOversizedPayload(t *testing.T) {
	b := newEngine(t, fastConfig())
	peer := listenLoopback(t)

	_, err := peer.WriteTo(protocol.Encode(protocol.NewData(0, []byte("hello"))), b.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 2)
	_, _, err = b.Receive(context.Background(), buf)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, []byte{0, 0}, buf, "payload must not be truncated into the buffer")
	assert.Equal(t, uint32(0), b.ExpectedSequence())

	reply, _ := readPacket(t, peer, time.Second)
	assert.Equal(t, protocol.TypeNack, reply.Type)
}

func TestReceiveRejectsMalformedAndNonData(t *testing.T) {
	b := newEngine(t, fastConfig())
	peer := listenLoopback(t)
	buf := make([]byte, 64)

	_, err := peer.WriteTo([]byte{1, 2, 3}, b.LocalAddr())
	require.NoError(t, err)
	_, _, err = b.Receive(context.Background(), buf)
	assert.ErrorIs(t, err, protocol.ErrMalformed)

	_, err = peer.WriteTo(protocol.Encode(protocol.NewAck(0)), b.LocalAddr())
	require.NoError(t, err)
	_, _, err = b.Receive(context.Background(), buf)
	assert.ErrorIs(t, err, ErrUnexpectedType)

	assert.Equal(t, uint32(0), b.ExpectedSequence())
}

func TestReceiveRejectsDeclaredLengthAboveMax(t *testing.T) {
	b := newEngine(t, fastConfig())
	peer := listenLoopback(t)

	data := make([]byte, protocol.HeaderSize+2000)
	data[0] = protocol.TypeData
	binary.BigEndian.PutUint16(data[5:7], 2000)
	_, err := peer.WriteTo(data, b.LocalAddr())
	require.NoError(t, err)

	_, _, err = b.Receive(context.Background(), make([]byte, 4096))
	assert.ErrorIs(t, err, protocol.ErrMalformed)
	assert.Equal(t, uint32(0), b.ExpectedSequence())

	// Dropped without an ACK.
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = peer.ReadFrom(make([]byte, 64))
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestReceiveAfterCancelledSend(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseTimeoutMs = 5000
	a := newEngine(t, cfg)
	peer := listenLoopback(t)

	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(time.Millisecond, cancel)
		_, err := a.Send(ctx, peer.LocalAddr(), []byte("x"))
		require.ErrorIs(t, err, context.Canceled)

		go func() {
			time.Sleep(20 * time.Millisecond)
			peer.WriteTo(protocol.Encode(protocol.NewData(uint32(i), []byte("ok"))), a.LocalAddr())
		}()

		buf := make([]byte, 16)
		n, _, err := a.Receive(context.Background(), buf)
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, "ok", string(buf[:n]))
	}
}

func TestExchangeUpdatesStats(t *testing.T) {
	a := newEngine(t, fastConfig())
	b := newEngine(t, fastConfig())

	before := struct{ delivered, accepted, sent, recv int64 }{
		util.Stats.Delivered.Load(), util.Stats.Accepted.Load(),
		util.Stats.BytesSent.Load(), util.Stats.BytesRecv.Load(),
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := b.Receive(context.Background(), make([]byte, 16))
		done <- err
	}()
	_, err := a.Send(context.Background(), b.LocalAddr(), []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.GreaterOrEqual(t, util.Stats.Delivered.Load()-before.delivered, int64(1))
	assert.GreaterOrEqual(t, util.Stats.Accepted.Load()-before.accepted, int64(1))
	// DATA plus ACK in each direction.
	assert.GreaterOrEqual(t, util.Stats.BytesSent.Load()-before.sent, int64(2*protocol.HeaderSize+4))
	assert.GreaterOrEqual(t, util.Stats.BytesRecv.Load()-before.recv, int64(2*protocol.HeaderSize+4))
}

func TestReceiveUnblocksOnCancel(t *testing.T) {
	b := newEngine(t, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, _, err := b.Receive(ctx, make([]byte, 16))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiveUnblocksOnClose(t *testing.T) {
	b := newEngine(t, fastConfig())
	time.AfterFunc(50*time.Millisecond, func() { b.Close() })

	_, _, err := b.Receive(context.Background(), make([]byte, 16))
	assert.ErrorIs(t, err, net.ErrClosed)
}

// ---------------------------------------------------------------------------
// Loss injection
// ---------------------------------------------------------------------------

func TestSetLossClamps(t *testing.T) {
	a := newEngine(t, fastConfig())
	assert.Equal(t, 0, a.SetLoss(-5))
	assert.Equal(t, 100, a.SetLoss(150))
	assert.Equal(t, 100, a.Loss())
	assert.Equal(t, 30, a.SetLoss(30))
}

func TestFullLossNeverTransmits(t *testing.T) {
	a := newEngine(t, fastConfig())
	a.SetLoss(100)
	peer := listenLoopback(t)
	count := respond(peer, func(p *protocol.Packet) []*protocol.Packet { return []*protocol.Packet{protocol.NewAck(p.Seq)} })

	res, err := a.Send(context.Background(), peer.LocalAddr(), []byte("x"))
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, 2, res.Retransmissions)

	peer.Close()
	assert.Equal(t, 0, <-count)
}

// A send fails only when all MaxRetries+1 transmissions are dropped, so with
// loss p the failure rate is p^(N+1).
func TestLossFailureRate(t *testing.T) {
	if testing.Short() {
		t.Skip("statistical test")
	}

	cfg := protocol.Config{Retransmission: true, Backoff: false, Sequence: false, BaseTimeoutMs: 15, MaxRetries: 2}
	a := newEngine(t, cfg, WithRand(rand.New(rand.NewPCG(7, 11))))
	a.SetLoss(50)
	peer := listenLoopback(t)
	respond(peer, func(p *protocol.Packet) []*protocol.Packet { return []*protocol.Packet{protocol.NewAck(p.Seq)} })

	const trials = 400
	failures := 0
	for i := 0; i < trials; i++ {
		_, err := a.Send(context.Background(), peer.LocalAddr(), []byte("x"))
		if err != nil {
			require.True(t, errors.Is(err, ErrDeliveryFailed), "unexpected error: %v", err)
			failures++
		}
	}

	// Expected 400 × 0.125 = 50; the bounds are roughly ±4 standard deviations.
	assert.InDelta(t, 50, failures, 27, "failures=%d", failures)
}

// ---------------------------------------------------------------------------
// Backoff
// ---------------------------------------------------------------------------

func TestAttemptTimeout(t *testing.T) {
	cfg := protocol.Config{Backoff: true, BaseTimeoutMs: 1000}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for attempt, w := range want {
		assert.Equal(t, w, AttemptTimeout(cfg, attempt), "attempt %d", attempt)
	}

	cfg.Backoff = false
	for attempt := 0; attempt < 5; attempt++ {
		assert.Equal(t, time.Second, AttemptTimeout(cfg, attempt))
	}
}

func TestAttemptTimeoutMonotonicAndCapped(t *testing.T) {
	for _, base := range []uint16{1, 100, 200, 1500, 3000, 9000, 65535} {
		cfg := protocol.Config{Backoff: true, BaseTimeoutMs: base}
		prev := time.Duration(0)
		for attempt := 0; attempt <= 255; attempt++ {
			d := AttemptTimeout(cfg, attempt)
			assert.GreaterOrEqual(t, d, prev, "base %d attempt %d", base, attempt)
			if attempt > 0 && cfg.BaseTimeout() <= MaxBackoff {
				assert.LessOrEqual(t, d, MaxBackoff, "base %d attempt %d", base, attempt)
			}
			prev = d
		}
	}
}
