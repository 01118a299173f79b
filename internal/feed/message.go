// Package feed fans config changes out to clients over WebSocket, for
// networks where multicast does not reach every client.
package feed

import "github.com/1ureka/powerudp/internal/protocol"

// MessageType identifies the kind of feed message.
type MessageType string

const (
	MsgTypeConfig MessageType = "config"
)

// Message is the JSON structure pushed to subscribers.
type Message struct {
	Type   MessageType    `json:"type"`
	Config *ConfigPayload `json:"config,omitempty"`
}

// ConfigPayload is the JSON form of protocol.Config.
type ConfigPayload struct {
	Retransmission bool   `json:"retransmission"`
	Backoff        bool   `json:"backoff"`
	Sequence       bool   `json:"sequence"`
	BaseTimeoutMs  uint16 `json:"base_timeout_ms"`
	MaxRetries     uint8  `json:"max_retries"`
}

func newConfigMessage(cfg protocol.Config) Message {
	return Message{Type: MsgTypeConfig, Config: &ConfigPayload{
		Retransmission: cfg.Retransmission,
		Backoff:        cfg.Backoff,
		Sequence:       cfg.Sequence,
		BaseTimeoutMs:  cfg.BaseTimeoutMs,
		MaxRetries:     cfg.MaxRetries,
	}}
}

func (p ConfigPayload) config() protocol.Config {
	return protocol.Config{
		Retransmission: p.Retransmission,
		Backoff:        p.Backoff,
		Sequence:       p.Sequence,
		BaseTimeoutMs:  p.BaseTimeoutMs,
		MaxRetries:     p.MaxRetries,
	}
}
