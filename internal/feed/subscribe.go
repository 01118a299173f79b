package feed

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// Subscribe connects to a hub and applies every received config to store
// until ctx is cancelled (nil is returned) or the connection drops. The URL
// carries the secret as a query parameter, e.g.:
//
//	ws://10.0.0.1:8080/config?secret=s3cr3t
func Subscribe(ctx context.Context, url string, store *protocol.ConfigStore, onUpdate func(old, cur protocol.Config)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to config feed: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read config feed: %w", err)
		}
		if msg.Type != MsgTypeConfig || msg.Config == nil {
			util.LogDebug("ignoring feed message of type %q", msg.Type)
			continue
		}

		cfg := msg.Config.config().WithFallbacks()
		old := store.Swap(cfg)
		util.LogInfo("config updated by feed: %s", cfg)
		if onUpdate != nil {
			onUpdate(old, cfg)
		}
	}
}
