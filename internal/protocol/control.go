package protocol

import (
	"bytes"
	"crypto/subtle"
	"fmt"
)

// SecretSize is the fixed size of the shared-secret field in a register request.
const SecretSize = 64

// ConfigCommand tags a config-change request on the control channel.
const ConfigCommand byte = 'C'

// ConfigRequestSize is the size of a config-change request: tag + config.
const ConfigRequestSize = 1 + ConfigSize

// Control-channel responses. Every response is exactly two ASCII bytes.
var (
	RespOK    = []byte("OK")
	RespNo    = []byte("NO")
	RespError = []byte("ER")
)

// ResponseSize is the length of every control-channel response.
const ResponseSize = 2

// RequestKind identifies a control-channel request by its shape.
type RequestKind int

const (
	RequestUnknown RequestKind = iota
	RequestRegister
	RequestConfig
)

func (k RequestKind) String() string {
	switch k {
	case RequestRegister:
		return "register"
	case RequestConfig:
		return "config"
	default:
		return "unknown"
	}
}

// ClassifyRequest disambiguates a control-channel request by byte count: a
// payload of exactly SecretSize bytes is a registration, ConfigCommand
// followed by a config body is a config change, anything else is unknown.
func ClassifyRequest(data []byte) RequestKind {
	switch {
	case len(data) == SecretSize:
		return RequestRegister
	case len(data) == ConfigRequestSize && data[0] == ConfigCommand:
		return RequestConfig
	default:
		return RequestUnknown
	}
}

// EncodeRegister builds a register request. The secret is NUL-padded and
// truncated to SecretSize bytes.
func EncodeRegister(secret string) []byte {
	buf := make([]byte, SecretSize)
	copy(buf, secret)
	return buf
}

// DecodeRegister extracts the secret from a register request, stopping at the
// first NUL byte.
func DecodeRegister(data []byte) (string, error) {
	if len(data) != SecretSize {
		return "", fmt.Errorf("%w: register request is %d bytes (want %d)", ErrMalformed, len(data), SecretSize)
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data), nil
}

// EncodeConfigRequest builds a config-change request.
func EncodeConfigRequest(cfg Config) []byte {
	return append([]byte{ConfigCommand}, cfg.encode()...)
}

// DecodeConfigRequest parses a config-change request.
func DecodeConfigRequest(data []byte) (Config, error) {
	if ClassifyRequest(data) != RequestConfig {
		return Config{}, fmt.Errorf("%w: not a config request", ErrMalformed)
	}
	return UnmarshalConfig(data[1:])
}

// SecretValidator decides whether a presented secret admits a peer.
type SecretValidator func(presented, expected string) bool

// ValidSecret compares the presented secret with the expected one in
// constant time.
func ValidSecret(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
