package protocol

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// ConfigSize is the encoded size of a Config: three flag bytes, a two-byte
// base timeout and a one-byte retry limit.
const ConfigSize = 6

// Minimums enforced by the server before a config is stored or published.
const (
	MinBaseTimeoutMs = 100
	MinMaxRetries    = 1
)

// Fallbacks applied by clients to degenerate values received from the network.
const (
	FallbackBaseTimeoutMs = 1000
	FallbackMaxRetries    = 5
)

// Config is the protocol configuration shared by every participant. It is
// always handled as a whole value.
type Config struct {
	Retransmission bool
	Backoff        bool
	Sequence       bool
	BaseTimeoutMs  uint16
	MaxRetries     uint8
}

// DefaultConfig is the configuration every process starts with.
func DefaultConfig() Config {
	return Config{
		Retransmission: true,
		Backoff:        true,
		Sequence:       true,
		BaseTimeoutMs:  1000,
		MaxRetries:     5,
	}
}

// BaseTimeout returns the base timeout as a duration.
func (c Config) BaseTimeout() time.Duration {
	return time.Duration(c.BaseTimeoutMs) * time.Millisecond
}

// Sanitize raises out-of-range values to the server minimums. Values are
// never rejected.
func (c Config) Sanitize() Config {
	if c.BaseTimeoutMs < MinBaseTimeoutMs {
		c.BaseTimeoutMs = MinBaseTimeoutMs
	}
	if c.MaxRetries < MinMaxRetries {
		c.MaxRetries = MinMaxRetries
	}
	return c
}

// WithFallbacks replaces zero timeout and retry values with the client
// defaults.
func (c Config) WithFallbacks() Config {
	if c.BaseTimeoutMs == 0 {
		c.BaseTimeoutMs = FallbackBaseTimeoutMs
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = FallbackMaxRetries
	}
	return c
}

func (c Config) String() string {
	return fmt.Sprintf("retransmission=%s backoff=%s sequence=%s timeout=%dms retries=%d",
		onOff(c.Retransmission), onOff(c.Backoff), onOff(c.Sequence), c.BaseTimeoutMs, c.MaxRetries)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// MarshalBinary encodes the config in its 6-byte wire form.
func (c Config) MarshalBinary() ([]byte, error) {
	return c.encode(), nil
}

func (c Config) encode() []byte {
	buf := make([]byte, ConfigSize)
	buf[0] = boolByte(c.Retransmission)
	buf[1] = boolByte(c.Backoff)
	buf[2] = boolByte(c.Sequence)
	binary.BigEndian.PutUint16(buf[3:5], c.BaseTimeoutMs)
	buf[5] = c.MaxRetries
	return buf
}

// UnmarshalConfig decodes a 6-byte config message. Any non-zero flag byte
// reads as enabled.
func UnmarshalConfig(data []byte) (Config, error) {
	if len(data) != ConfigSize {
		return Config{}, fmt.Errorf("%w: config is %d bytes (want %d)", ErrMalformed, len(data), ConfigSize)
	}
	return Config{
		Retransmission: data[0] != 0,
		Backoff:        data[1] != 0,
		Sequence:       data[2] != 0,
		BaseTimeoutMs:  binary.BigEndian.Uint16(data[3:5]),
		MaxRetries:     data[5],
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// ConfigStore holds the process-wide configuration. Loads and stores swap the
// whole value, so a reader never observes fields from two different configs.
type ConfigStore struct {
	v atomic.Pointer[Config]
}

// NewConfigStore creates a store initialized to cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	s := &ConfigStore{}
	s.Store(cfg)
	return s
}

// Load returns a copy of the current configuration.
func (s *ConfigStore) Load() Config {
	return *s.v.Load()
}

// Store replaces the current configuration.
func (s *ConfigStore) Store(cfg Config) {
	s.v.Store(&cfg)
}

// Swap replaces the current configuration and returns the previous one.
func (s *ConfigStore) Swap(cfg Config) Config {
	return *s.v.Swap(&cfg)
}
