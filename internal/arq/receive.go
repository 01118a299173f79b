package arq

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// maxDatagramSize bounds a single read. It is larger than any valid packet so
// that oversized payloads are detected instead of silently truncated.
const maxDatagramSize = 64 * 1024

// Receive blocks until one datagram arrives and processes it:
//   - anything that is not a well-formed DATA packet is rejected;
//   - with sequencing enabled, a sequence other than the expected one is
//     answered with a NACK and leaves the state untouched;
//   - a payload longer than buf is answered with a NACK and rejected;
//   - otherwise the payload is copied into buf, the expected sequence
//     advances and an ACK is sent.
//
// It returns the payload length and the sender's address. Cancelling ctx or
// closing the engine unblocks the read.
func (e *Engine) Receive(ctx context.Context, buf []byte) (int, net.Addr, error) {
	if err := e.conn.SetReadDeadline(time.Time{}); err != nil {
		return 0, nil, fmt.Errorf("clear read deadline: %w", err)
	}
	release := e.unblockOnCancel(ctx)
	defer release()

	raw := make([]byte, maxDatagramSize)
	n, from, err := e.conn.ReadFrom(raw)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, fmt.Errorf("read datagram: %w", err)
	}
	util.Stats.AddRecv(n)

	pkt, err := protocol.Decode(raw[:n])
	if err != nil {
		return 0, from, err
	}
	if pkt.Type != protocol.TypeData {
		return 0, from, fmt.Errorf("%w: %s from %s", ErrUnexpectedType, protocol.TypeName(pkt.Type), from)
	}

	cfg := e.cfg.Load()
	if cfg.Sequence {
		if expected := e.recvSeq.Load(); pkt.Seq != expected {
			util.LogDebug("wrong sequence from %s: got %d, expected %d", from, pkt.Seq, expected)
			e.reply(protocol.NewNack(pkt.Seq), from)
			util.Stats.AddRejected()
			return 0, from, fmt.Errorf("%w: got %d, expected %d", ErrOutOfSequence, pkt.Seq, expected)
		}
	}

	if len(pkt.Payload) > len(buf) {
		e.reply(protocol.NewNack(pkt.Seq), from)
		util.Stats.AddRejected()
		return 0, from, fmt.Errorf("%w: %d bytes into %d-byte buffer", ErrPayloadTooLarge, len(pkt.Payload), len(buf))
	}

	if cfg.Sequence {
		e.recvSeq.Add(1)
	}
	n = copy(buf, pkt.Payload)
	e.reply(protocol.NewAck(pkt.Seq), from)
	util.Stats.AddAccepted()
	util.LogDebug("received seq=%d from %s (%d bytes), sent ACK", pkt.Seq, from, n)

	return n, from, nil
}

// reply sends an ACK or NACK. Failures are logged; the sender will time out
// and retransmit.
func (e *Engine) reply(pkt *protocol.Packet, to net.Addr) {
	data := protocol.Encode(pkt)
	n, err := e.conn.WriteTo(data, to)
	if err != nil {
		util.LogWarning("failed to send %s for seq=%d to %s: %v", protocol.TypeName(pkt.Type), pkt.Seq, to, err)
		return
	}
	util.Stats.AddSent(n)
}
