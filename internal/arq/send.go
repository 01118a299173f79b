package arq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// outcome classifies how one attempt ended.
type outcome int

const (
	outcomeTimeout outcome = iota
	outcomeAck
	outcomeNack
)

// Send delivers payload to dest with stop-and-wait ARQ. It transmits a DATA
// packet carrying the current send sequence and waits for a matching ACK,
// retransmitting on timeout or NACK up to MaxRetries times. The config is
// read once at the start of the call.
//
// The returned SendResult is valid on failure too; it is also retained and
// available through LastStats.
func (e *Engine) Send(ctx context.Context, dest net.Addr, payload []byte) (SendResult, error) {
	if len(payload) > protocol.MaxPayloadSize {
		return SendResult{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), protocol.MaxPayloadSize)
	}

	cfg := e.cfg.Load()
	seq := e.sendSeq.Load()
	data := protocol.Encode(protocol.NewData(seq, payload))

	release := e.unblockOnCancel(ctx)
	defer release()

	start := time.Now()
	attempts := 0
	finish := func(delivered bool, err error) (SendResult, error) {
		res := SendResult{
			Retransmissions: max(attempts-1, 0),
			Elapsed:         time.Since(start),
		}
		if delivered {
			res.Bytes = len(payload)
			util.Stats.AddDelivered()
		} else {
			util.Stats.AddFailed()
		}
		util.Stats.AddRetransmissions(res.Retransmissions)
		e.recordStats(res)
		return res, err
	}

	for attempt := 0; attempt <= int(cfg.MaxRetries); attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(false, err)
		}
		attempts++

		if e.shouldDrop() {
			util.Stats.AddDropped()
			util.LogDebug("simulating loss of seq=%d to %s (attempt %d)", seq, dest, attempt+1)
		} else {
			n, err := e.conn.WriteTo(data, dest)
			if err != nil {
				return finish(false, fmt.Errorf("send seq=%d to %s: %w", seq, dest, err))
			}
			util.Stats.AddSent(n)
			util.LogDebug("sent seq=%d to %s (attempt %d)", seq, dest, attempt+1)
		}

		result, err := e.awaitResponse(ctx, seq, AttemptTimeout(cfg, attempt))
		if err != nil {
			return finish(false, err)
		}

		switch result {
		case outcomeAck:
			if cfg.Sequence {
				e.sendSeq.Add(1)
			}
			util.LogDebug("received ACK for seq=%d", seq)
			return finish(true, nil)
		case outcomeNack:
			util.LogDebug("received NACK for seq=%d", seq)
		case outcomeTimeout:
			util.LogDebug("timed out waiting for seq=%d (attempt %d)", seq, attempt+1)
		}

		if !cfg.Retransmission {
			util.LogDebug("retransmission disabled, giving up on seq=%d", seq)
			break
		}
	}

	return finish(false, fmt.Errorf("%w: seq=%d to %s after %d attempts", ErrDeliveryFailed, seq, dest, attempts))
}

// awaitResponse waits up to timeout for an ACK or NACK echoing seq.
// Datagrams that do not decode, carry another sequence number or are not a
// response are discarded and the wait continues until the same deadline.
func (e *Engine) awaitResponse(ctx context.Context, seq uint32, timeout time.Duration) (outcome, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, protocol.MaxPacketSize)

	for {
		if err := ctx.Err(); err != nil {
			return outcomeTimeout, err
		}
		if err := e.conn.SetReadDeadline(deadline); err != nil {
			return outcomeTimeout, fmt.Errorf("set read deadline: %w", err)
		}

		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcomeTimeout, ctxErr
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return outcomeTimeout, nil
			}
			return outcomeTimeout, fmt.Errorf("read response: %w", err)
		}
		util.Stats.AddRecv(n)

		pkt, err := protocol.Decode(buf[:n])
		if err != nil {
			util.LogDebug("discarding datagram from %s: %v", from, err)
			continue
		}
		if pkt.Seq != seq {
			util.LogDebug("received %s for seq=%d from %s, ignoring", protocol.TypeName(pkt.Type), pkt.Seq, from)
			continue
		}

		switch pkt.Type {
		case protocol.TypeAck:
			return outcomeAck, nil
		case protocol.TypeNack:
			return outcomeNack, nil
		default:
			util.LogDebug("received %s while waiting for ACK, ignoring", protocol.TypeName(pkt.Type))
		}
	}
}
