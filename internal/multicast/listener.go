package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// Listen opens a socket bound to the group port and joins the group on every
// up, multicast-capable interface.
func Listen(group string) (net.PacketConn, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", group, err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", addr.IP)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", addr, err)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		util.LogDebug("list interfaces: %v", err)
		return conn, nil
	}
	pc := ipv4.NewPacketConn(conn)
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		// Fails harmlessly on the interface the group was joined on above.
		if err := pc.JoinGroup(&ifi, &net.UDPAddr{IP: addr.IP}); err != nil {
			util.LogDebug("join %s on %s: %v", addr.IP, ifi.Name, err)
		}
	}
	return conn, nil
}

// Listener applies every config message received on conn to a store.
type Listener struct {
	conn  net.PacketConn
	store *protocol.ConfigStore

	// OnUpdate, if set, is called after each config replacement.
	OnUpdate func(old, cur protocol.Config)
}

// NewListener wraps conn. The listener owns conn and closes it when Run
// returns.
func NewListener(conn net.PacketConn, store *protocol.ConfigStore) *Listener {
	return &Listener{conn: conn, store: store}
}

// Run reads config messages until ctx is cancelled or the socket fails.
// Datagrams that are not exactly one config message are ignored. Received
// zero timeout or retry values are replaced by the client fallbacks before
// the store is swapped.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()
	defer l.conn.Close()

	buf := make([]byte, 512)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read config message: %w", err)
		}

		cfg, err := protocol.UnmarshalConfig(buf[:n])
		if err != nil {
			util.LogDebug("ignoring %d-byte datagram from %s", n, from)
			continue
		}
		cfg = cfg.WithFallbacks()

		old := l.store.Swap(cfg)
		util.LogInfo("config updated by %s: %s", from, cfg)
		if l.OnUpdate != nil {
			l.OnUpdate(old, cfg)
		}
	}
}
