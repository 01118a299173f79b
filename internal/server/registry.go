package server

import (
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/powerudp/internal/protocol"
)

// ErrRegistryFull is returned when a new peer arrives and every slot is held
// by an active client.
var ErrRegistryFull = errors.New("registry full")

// ClientRecord is the server's view of one registered peer.
type ClientRecord struct {
	ID           uuid.UUID
	Addr         string // peer IP
	RegisteredAt time.Time
	LastSeen     time.Time
	Active       bool

	hasWorker bool
}

// Registry tracks registered peers, keyed by IP, and the master config. Both
// are guarded by the same mutex; callers never do I/O while holding it.
type Registry struct {
	mu       sync.Mutex
	capacity int
	records  map[string]*ClientRecord
	config   protocol.Config
}

// NewRegistry creates a registry holding at most capacity peers.
func NewRegistry(capacity int, cfg protocol.Config) *Registry {
	return &Registry{
		capacity: capacity,
		records:  make(map[string]*ClientRecord),
		config:   cfg.Sanitize(),
	}
}

// Register creates or reactivates the record for addr. spawn reports whether
// the caller must start a worker for it; it is false while a previous worker
// for the same record is still running.
func (r *Registry) Register(addr string, now time.Time) (rec ClientRecord, spawn bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.records[addr]
	if !ok {
		if len(r.records) >= r.capacity && !r.reclaimLocked() {
			return ClientRecord{}, false, ErrRegistryFull
		}
		c = &ClientRecord{ID: uuid.New(), Addr: addr, RegisteredAt: now}
		r.records[addr] = c
	}

	c.Active = true
	c.LastSeen = now
	spawn = !c.hasWorker
	c.hasWorker = true
	return *c, spawn, nil
}

// reclaimLocked frees the slot of the longest-idle inactive record.
func (r *Registry) reclaimLocked() bool {
	var victim *ClientRecord
	for _, c := range r.records {
		if c.Active || c.hasWorker {
			continue
		}
		if victim == nil || c.LastSeen.Before(victim.LastSeen) {
			victim = c
		}
	}
	if victim == nil {
		return false
	}
	delete(r.records, victim.Addr)
	return true
}

// expire marks the record inactive if it has not been seen for idle. It
// returns how long until it would expire otherwise. A missing record counts
// as expired.
func (r *Registry) expire(addr string, idle time.Duration, now time.Time) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.records[addr]
	if !ok {
		return 0, true
	}
	remaining := c.LastSeen.Add(idle).Sub(now)
	if remaining > 0 {
		return remaining, false
	}
	c.Active = false
	c.hasWorker = false
	return 0, true
}

// release marks the record inactive after its worker stopped.
func (r *Registry) release(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.records[addr]; ok {
		c.Active = false
		c.hasWorker = false
	}
}

// Len returns the number of records, active or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Active returns the number of active records.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.records {
		if c.Active {
			n++
		}
	}
	return n
}

// Lookup returns a copy of the record for addr.
func (r *Registry) Lookup(addr string) (ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.records[addr]
	if !ok {
		return ClientRecord{}, false
	}
	return *c, true
}

// Snapshot returns copies of all records ordered by address.
func (r *Registry) Snapshot() []ClientRecord {
	r.mu.Lock()
	out := make([]ClientRecord, 0, len(r.records))
	for _, c := range r.records {
		out = append(out, *c)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b ClientRecord) int { return strings.Compare(a.Addr, b.Addr) })
	return out
}

// Config returns the master config.
func (r *Registry) Config() protocol.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// SetConfig clamps cfg to the server minimums, stores it as the master config
// and returns the stored value.
func (r *Registry) SetConfig(cfg protocol.Config) protocol.Config {
	cfg = cfg.Sanitize()
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	return cfg
}
