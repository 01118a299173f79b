// Package multicast distributes protocol configs to every client over an
// IPv4 multicast group and keeps a client's config store in sync with it.
package multicast

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/1ureka/powerudp/internal/config"
	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// Publisher defaults.
const (
	DefaultTTL      = 32
	DefaultRepeats  = 3
	DefaultInterval = 100 * time.Millisecond
)

// Publisher sends config messages to a group. Each datagram is repeated a
// few times since multicast delivery is unreliable.
type Publisher struct {
	Group    *net.UDPAddr
	TTL      int
	Repeats  int
	Interval time.Duration
}

// NewPublisher builds a publisher from the multicast settings. Zero values
// fall back to the package defaults.
func NewPublisher(c config.MulticastConfig) (*Publisher, error) {
	group, err := net.ResolveUDPAddr("udp4", c.Group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", c.Group, err)
	}
	p := &Publisher{Group: group, TTL: c.TTL, Repeats: c.Repeats, Interval: c.Interval}
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if p.Repeats <= 0 {
		p.Repeats = DefaultRepeats
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	return p, nil
}

// Publish sends cfg to the group from an ephemeral socket. It returns early
// with ctx.Err() if ctx is cancelled between repeats.
func (p *Publisher) Publish(ctx context.Context, cfg protocol.Config) error {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("open multicast socket: %w", err)
	}
	defer conn.Close()

	if p.Group.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(p.TTL); err != nil {
			return fmt.Errorf("set multicast TTL: %w", err)
		}
		// Clients on the server's own host must hear the broadcast too.
		if err := pc.SetMulticastLoopback(true); err != nil {
			util.LogDebug("enable multicast loopback: %v", err)
		}
	}

	data, _ := cfg.MarshalBinary()
	for i := 0; i < p.Repeats; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Interval):
			}
		}
		if _, err := conn.WriteTo(data, p.Group); err != nil {
			return fmt.Errorf("send config to %s: %w", p.Group, err)
		}
	}

	util.LogDebug("published config to %s (%s)", p.Group, cfg)
	return nil
}
