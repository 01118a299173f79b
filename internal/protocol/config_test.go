package protocol_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/powerudp/internal/protocol"
)

func TestConfigWireLayout(t *testing.T) {
	cfg := protocol.Config{Retransmission: true, Backoff: false, Sequence: true, BaseTimeoutMs: 0x0102, MaxRetries: 9}

	data, err := cfg.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 1, 0x01, 0x02, 9}, data)

	got, err := protocol.UnmarshalConfig(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestUnmarshalConfigRejectsWrongSize(t *testing.T) {
	for _, n := range []int{0, 5, 7, 8} {
		_, err := protocol.UnmarshalConfig(make([]byte, n))
		assert.ErrorIs(t, err, protocol.ErrMalformed, "size %d", n)
	}
}

func TestUnmarshalConfigNonZeroFlags(t *testing.T) {
	got, err := protocol.UnmarshalConfig([]byte{2, 0xFF, 0, 0, 10, 1})
	require.NoError(t, err)
	assert.True(t, got.Retransmission)
	assert.True(t, got.Backoff)
	assert.False(t, got.Sequence)
}

func TestSanitize(t *testing.T) {
	got := protocol.Config{BaseTimeoutMs: 0, MaxRetries: 0}.Sanitize()
	assert.Equal(t, uint16(100), got.BaseTimeoutMs)
	assert.Equal(t, uint8(1), got.MaxRetries)

	ok := protocol.Config{Sequence: true, BaseTimeoutMs: 150, MaxRetries: 2}
	assert.Equal(t, ok, ok.Sanitize())
}

func TestWithFallbacks(t *testing.T) {
	got := protocol.Config{Backoff: true}.WithFallbacks()
	assert.Equal(t, protocol.Config{Backoff: true, BaseTimeoutMs: 1000, MaxRetries: 5}, got)

	ok := protocol.Config{BaseTimeoutMs: 1, MaxRetries: 1}
	assert.Equal(t, ok, ok.WithFallbacks())
}

// Readers racing a writer that alternates between two configs must only
// ever observe one of the two values.
func TestConfigStoreNoTornReads(t *testing.T) {
	a := protocol.Config{Retransmission: true, Backoff: true, Sequence: true, BaseTimeoutMs: 1000, MaxRetries: 5}
	b := protocol.Config{Retransmission: false, Backoff: false, Sequence: false, BaseTimeoutMs: 50, MaxRetries: 2}
	store := protocol.NewConfigStore(a)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				store.Store(b)
			} else {
				store.Store(a)
			}
		}
	}()

	var torn atomic.Int64
	var rwg sync.WaitGroup
	for r := 0; r < 4; r++ {
		rwg.Add(1)
		go func() {
			defer rwg.Done()
			for i := 0; i < 20000; i++ {
				if got := store.Load(); got != a && got != b {
					torn.Add(1)
				}
			}
		}()
	}
	rwg.Wait()
	close(stop)
	wg.Wait()

	assert.Zero(t, torn.Load())
}

func TestConfigStoreSwap(t *testing.T) {
	store := protocol.NewConfigStore(protocol.DefaultConfig())
	prev := store.Swap(protocol.Config{BaseTimeoutMs: 200, MaxRetries: 3})
	assert.Equal(t, protocol.DefaultConfig(), prev)
	assert.Equal(t, uint16(200), store.Load().BaseTimeoutMs)
}
