package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb-locator/internal/config"
	"github.com/banshee-data/uwb-locator/internal/monitoring"
	"github.com/banshee-data/uwb-locator/internal/timeutil"
)

type mockStats struct {
	mu          sync.Mutex
	packets     int
	bytes       int
	parseErrors int
	dropped     int
}

func (m *mockStats) AddPacket(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets++
	m.bytes += n
}

func (m *mockStats) AddParseError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parseErrors++
}

func (m *mockStats) AddDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func (m *mockStats) LogStats() {}

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func TestNewUDPListener_Defaults(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{})
	assert.Equal(t, ":3333", l.address)
	assert.Equal(t, time.Minute, l.logInterval)
	assert.IsType(t, RealUDPSocketFactory{}, l.factory)
	assert.IsType(t, noopStats{}, l.stats)
}

func TestHandlePacket(t *testing.T) {
	stats := &mockStats{}
	q := NewQueue(1, config.QueueDropOldest)
	var parseErrs []error
	l := NewUDPListener(UDPListenerConfig{
		Stats:        stats,
		Sink:         q,
		OnParseError: func(err error) { parseErrs = append(parseErrs, err) },
	})
	ctx := context.Background()

	require.NoError(t, l.HandlePacket(ctx, []byte(`{"device_address":"A1","role":"ANCHOR"}`), t0))
	require.NoError(t, l.HandlePacket(ctx, []byte(`{"role":"ANCHOR"}`), t0))
	require.NoError(t, l.HandlePacket(ctx, []byte(`{"device_address":"A2"}`), t0))

	assert.Equal(t, 3, stats.packets)
	assert.Equal(t, 1, stats.parseErrors)
	assert.Equal(t, 1, stats.dropped, "second valid report evicts the first")
	require.Len(t, parseErrs, 1)

	r := <-q.Reports()
	assert.Equal(t, "A2", r.DeviceAddress)
	assert.Equal(t, t0, r.ReceivedAt)
}

func TestUDPListenerStart(t *testing.T) {
	sock := NewMockUDPSocket()
	sock.Push([]byte(`{"device_address":"A1","role":"ANCHOR","range_data":[{"address":"A2","range":2}]}`))
	sock.Push([]byte(`garbage`))
	sock.Push([]byte(`{"device_address":"T1","role":"TAG"}`))
	factory := &MockUDPSocketFactory{Socket: sock}
	stats := &mockStats{}
	q := NewQueue(16, config.QueueDropOldest)

	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:3333",
		RcvBuf:        4096,
		SocketFactory: factory,
		Stats:         stats,
		Sink:          q,
		Clock:         timeutil.NewMockClock(t0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	first := <-q.Reports()
	second := <-q.Reports()
	cancel()
	err := <-done

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "A1", first.DeviceAddress)
	assert.Equal(t, "T1", second.DeviceAddress)
	assert.Equal(t, t0, first.ReceivedAt)
	assert.True(t, sock.Closed())
	assert.Equal(t, 4096, sock.ReadBufferSize())
	require.Len(t, factory.Addrs, 1)
	assert.Equal(t, 3333, factory.Addrs[0].Port)

	stats.mu.Lock()
	defer stats.mu.Unlock()
	assert.Equal(t, 3, stats.packets)
	assert.Equal(t, 1, stats.parseErrors)
}

func TestUDPListenerStartErrors(t *testing.T) {
	t.Run("bad address", func(t *testing.T) {
		l := NewUDPListener(UDPListenerConfig{Address: "not an address"})
		assert.Error(t, l.Start(context.Background()))
	})

	t.Run("listen failure", func(t *testing.T) {
		l := NewUDPListener(UDPListenerConfig{
			SocketFactory: &MockUDPSocketFactory{Error: errors.New("address in use")},
		})
		err := l.Start(context.Background())
		assert.ErrorContains(t, err, "address in use")
	})

	t.Run("read error then cancel", func(t *testing.T) {
		sock := NewMockUDPSocket()
		sock.ReadError = errors.New("connection reset")
		l := NewUDPListener(UDPListenerConfig{SocketFactory: &MockUDPSocketFactory{Socket: sock}})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, l.Start(ctx), context.DeadlineExceeded)
	})
}
