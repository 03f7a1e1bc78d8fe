package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/uwb-locator/internal/monitoring"
	"github.com/banshee-data/uwb-locator/internal/timeutil"
	"github.com/banshee-data/uwb-locator/internal/uwb"
)

var logger = monitoring.NewLogger("ingest")

// DefaultPort is the UDP port the ranging firmware sends to.
const DefaultPort = 3333

// maxDatagram covers the largest report the firmware builds (a 1 KiB JSON
// document) with margin.
const maxDatagram = 2048

// PacketStats receives listener counters.
type PacketStats interface {
	AddPacket(bytes int)
	AddParseError()
	AddDropped()
	LogStats()
}

// Submitter accepts decoded reports. *Queue implements it.
type Submitter interface {
	Submit(ctx context.Context, r uwb.Report) (evicted bool, err error)
}

// PacketHandler consumes one captured datagram payload. *UDPListener
// implements it.
type PacketHandler interface {
	HandlePacket(ctx context.Context, payload []byte, at time.Time) error
}

// UDPListener reads ranging datagrams, decodes them and submits the reports.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	factory     UDPSocketFactory
	stats       PacketStats
	sink        Submitter
	clock       timeutil.Clock
	onParseErr  func(error)
}

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	SocketFactory UDPSocketFactory
	Stats         PacketStats
	Sink          Submitter
	Clock         timeutil.Clock
	// OnParseError is called for every datagram that fails to decode.
	OnParseError func(error)
}

// NewUDPListener creates a listener from config, filling in defaults.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	l := &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: config.LogInterval,
		factory:     config.SocketFactory,
		stats:       config.Stats,
		sink:        config.Sink,
		clock:       config.Clock,
		onParseErr:  config.OnParseError,
	}
	if l.address == "" {
		l.address = fmt.Sprintf(":%d", DefaultPort)
	}
	if l.logInterval == 0 {
		l.logInterval = time.Minute
	}
	if l.factory == nil {
		l.factory = RealUDPSocketFactory{}
	}
	if l.stats == nil {
		l.stats = noopStats{}
	}
	if l.clock == nil {
		l.clock = timeutil.RealClock{}
	}
	return l
}

type noopStats struct{}

func (noopStats) AddPacket(int)  {}
func (noopStats) AddParseError() {}
func (noopStats) AddDropped()    {}
func (noopStats) LogStats()      {}

// Start listens until ctx is cancelled. It returns ctx.Err() on shutdown.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.factory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			logger.Printf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	logger.Printf("UDP listener started on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			logger.Printf("UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
		}

		// Short deadline so cancellation is noticed promptly.
		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			logger.Printf("Warning: Failed to set UDP read deadline: %v", err)
		}
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logger.Printf("UDP read error: %v", err)
			continue
		}
		if err := l.HandlePacket(ctx, buffer[:n], l.clock.Now()); err != nil {
			logger.Printf("Error handling packet from %v: %v", from, err)
		}
	}
}

// HandlePacket decodes one datagram and submits it. Parse failures are
// counted and reported through OnParseError but do not return an error.
func (l *UDPListener) HandlePacket(ctx context.Context, payload []byte, at time.Time) error {
	l.stats.AddPacket(len(payload))

	r, err := Decode(payload, at)
	if err != nil {
		l.stats.AddParseError()
		if l.onParseErr != nil {
			l.onParseErr(err)
		} else {
			logger.Printf("Dropping datagram: %v", err)
		}
		return nil
	}
	if l.sink == nil {
		return nil
	}
	evicted, err := l.sink.Submit(ctx, r)
	if evicted {
		l.stats.AddDropped()
	}
	return err
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := l.clock.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.stats.LogStats()
		}
	}
}
