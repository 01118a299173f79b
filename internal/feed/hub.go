package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/powerudp/internal/protocol"
	"github.com/1ureka/powerudp/internal/util"
)

// Path is the HTTP path subscribers connect to.
const Path = "/config"

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscriber is one connected client; writes are serialized by mu.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(msg)
}

// write requires s.mu.
func (s *subscriber) write(msg Message) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(msg)
}

// Hub is the server side of the feed. It authenticates subscribers with the
// shared secret and pushes every published config to all of them.
type Hub struct {
	secret   string
	validate protocol.SecretValidator
	current  func() protocol.Config

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates a hub. current supplies the config sent to each new
// subscriber on connect.
func NewHub(secret string, validate protocol.SecretValidator, current func() protocol.Config) *Hub {
	if validate == nil {
		validate = protocol.ValidSecret
	}
	return &Hub{
		secret:   secret,
		validate: validate,
		current:  current,
		subs:     make(map[*subscriber]struct{}),
	}
}

// Handler returns the HTTP handler serving Path.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, h.handleWS)
	return mux
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if !h.validate(r.URL.Query().Get("secret"), h.secret) {
		http.Error(w, "Invalid secret", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The initial config is read and written under sub.mu, so a concurrent
	// Publish reaches this subscriber only after it.
	sub := &subscriber{conn: conn}
	sub.mu.Lock()
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	util.LogDebug("feed subscriber connected from %s", r.RemoteAddr)

	defer h.remove(sub)

	err = sub.write(newConfigMessage(h.current()))
	sub.mu.Unlock()
	if err != nil {
		return
	}

	// Subscribers never send anything; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		sub.conn.Close()
		util.LogDebug("feed subscriber disconnected")
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish sends cfg to every subscriber. Subscribers that cannot be written
// to are dropped; their errors are joined into the result.
func (h *Hub) Publish(ctx context.Context, cfg protocol.Config) error {
	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	msg := newConfigMessage(cfg)
	var errs []error
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.send(msg); err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", s.conn.RemoteAddr(), err))
			h.remove(s)
		}
	}
	return errors.Join(errs...)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.mu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		s.mu.Unlock()
		s.conn.Close()
	}
}

// Serve serves the hub on ln until ctx is cancelled, then shuts the HTTP
// server down and disconnects all subscribers.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	err := srv.Serve(ln)
	// Hijacked WebSocket connections are not tracked by the HTTP server.
	h.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("feed server: %w", err)
	}
	return nil
}
