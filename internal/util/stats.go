package util

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	Delivered       atomic.Int64 // send calls confirmed by an ACK
	Failed          atomic.Int64 // send calls that gave up
	Retransmissions atomic.Int64 // attempts beyond the first, across all sends
	Dropped         atomic.Int64 // transmissions suppressed by loss injection
	Accepted        atomic.Int64 // DATA packets accepted by receive
	Rejected        atomic.Int64 // DATA packets answered with NACK
	BytesSent       atomic.Int64 // datagram bytes written to the socket
	BytesRecv       atomic.Int64 // datagram bytes read from the socket

	Registered    atomic.Int64 // registrations admitted by the server
	Refused       atomic.Int64 // registrations answered with NO
	ConfigChanges atomic.Int64 // config requests applied by the server
}

func (s *stats) AddDelivered()            { s.Delivered.Add(1) }
func (s *stats) AddFailed()               { s.Failed.Add(1) }
func (s *stats) AddRetransmissions(n int) { s.Retransmissions.Add(int64(n)) }
func (s *stats) AddDropped()              { s.Dropped.Add(1) }
func (s *stats) AddAccepted()             { s.Accepted.Add(1) }
func (s *stats) AddRejected()             { s.Rejected.Add(1) }
func (s *stats) AddSent(n int)            { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)            { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddRegistered()           { s.Registered.Add(1) }
func (s *stats) AddRefused()              { s.Refused.Add(1) }
func (s *stats) AddConfigChange()         { s.ConfigChanges.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs statistics every
// interval when anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(cur.sub(prev), interval.Seconds()))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	delivered, failed, retrans, dropped, accepted, rejected, sent, recv int64
	registered, refused, configs                                        int64
}

func takeSnapshot() snapshot {
	return snapshot{
		delivered: Stats.Delivered.Load(),
		failed:    Stats.Failed.Load(),
		retrans:   Stats.Retransmissions.Load(),
		dropped:   Stats.Dropped.Load(),
		accepted:  Stats.Accepted.Load(),
		rejected:  Stats.Rejected.Load(),
		sent:      Stats.BytesSent.Load(),
		recv:      Stats.BytesRecv.Load(),

		registered: Stats.Registered.Load(),
		refused:    Stats.Refused.Load(),
		configs:    Stats.ConfigChanges.Load(),
	}
}

func (s snapshot) sub(o snapshot) snapshot {
	return snapshot{
		delivered: s.delivered - o.delivered,
		failed:    s.failed - o.failed,
		retrans:   s.retrans - o.retrans,
		dropped:   s.dropped - o.dropped,
		accepted:  s.accepted - o.accepted,
		rejected:  s.rejected - o.rejected,
		sent:      s.sent - o.sent,
		recv:      s.recv - o.recv,

		registered: s.registered - o.registered,
		refused:    s.refused - o.refused,
		configs:    s.configs - o.configs,
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporting window of counters. Sections whose
// counters did not move are left out.
func formatStats(d snapshot, seconds float64) string {
	var parts []string
	if d.delivered|d.failed|d.retrans|d.dropped|d.accepted|d.rejected|d.sent|d.recv != 0 {
		parts = append(parts, fmt.Sprintf("Out: %s/s | In: %s/s | Sent: %d ok %d failed (%d retrans, %d dropped) | Recv: %d ok %d nack",
			formatBytes(float64(d.sent)/seconds),
			formatBytes(float64(d.recv)/seconds),
			d.delivered, d.failed, d.retrans, d.dropped,
			d.accepted, d.rejected,
		))
	}
	if d.registered|d.refused|d.configs != 0 {
		parts = append(parts, fmt.Sprintf("Control: %d registered %d refused %d config changes",
			d.registered, d.refused, d.configs))
	}
	return strings.Join(parts, " | ")
}
