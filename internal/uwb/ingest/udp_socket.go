package ingest

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn the listener uses, so tests can run
// without a real network.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket implements UDPSocket for testing. Queued packets are returned
// in order; once exhausted, reads time out.
type MockUDPSocket struct {
	mu             sync.Mutex
	packets        []MockUDPPacket
	closed         bool
	readBufferSize int
	// ReadError is returned by the next ReadFromUDP call if set.
	ReadError error
}

// MockUDPPacket is one datagram delivered by a MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a socket that will deliver packets.
func NewMockUDPSocket(packets ...MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{packets: packets}
}

// Push queues another packet.
func (m *MockUDPSocket) Push(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, MockUDPPacket{Data: data, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}})
}

// ReadFromUDP returns the next queued packet.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.ReadError != nil {
		err := m.ReadError
		m.ReadError = nil
		m.mu.Unlock()
		return 0, nil, err
	}
	if len(m.packets) == 0 {
		m.mu.Unlock()
		// Behave like a socket whose read deadline expired.
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.packets[0]
	m.packets = m.packets[1:]
	m.mu.Unlock()
	return copy(b, pkt.Data), pkt.Addr, nil
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBufferSize = bytes
	return nil
}

// ReadBufferSize returns the value last passed to SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Pending returns the number of undelivered packets.
func (m *MockUDPSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets)
}

func (m *MockUDPSocket) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 3333}
}

// MockUDPSocketFactory hands out a fixed socket.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Error  error
	// Addrs records the addresses passed to ListenUDP.
	Addrs []*net.UDPAddr
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.Addrs = append(f.Addrs, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
