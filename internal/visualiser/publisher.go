package visualiser

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/banshee-data/uwb-locator/internal/monitoring"
	"github.com/banshee-data/uwb-locator/internal/uwb/engine"
)

var logger = monitoring.NewLogger("visualiser")

// ErrTooManyClients is returned when MaxClients streams are already open.
var ErrTooManyClients = errors.New("visualiser: too many clients")

// Config configures a Publisher.
type Config struct {
	// ListenAddr is the gRPC listen address; port 0 picks a free port.
	ListenAddr string
	// MaxClients bounds concurrent streams.
	MaxClients int
	// ClientBuffer is the per-client snapshot queue. A slow client loses its
	// oldest queued snapshot rather than stalling the engine.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   8,
		ClientBuffer: 16,
	}
}

// Publisher fans snapshots out to streaming clients and owns the gRPC server.
// It implements engine.SnapshotPublisher.
type Publisher struct {
	config Config

	latest    atomic.Pointer[engine.Snapshot]
	clients   map[uint64]*client
	clientsMu sync.Mutex
	nextID    uint64

	published atomic.Uint64
	dropped   atomic.Uint64

	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

type client struct {
	id uint64
	ch chan *engine.Snapshot
}

var _ engine.SnapshotPublisher = (*Publisher)(nil)

// NewPublisher creates a Publisher. Zero config fields take their defaults.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	return &Publisher{
		config:  cfg,
		clients: make(map[uint64]*client),
		done:    make(chan struct{}),
	}
}

// PublishSnapshot records s as the latest snapshot and queues it for every
// client without blocking.
func (p *Publisher) PublishSnapshot(s *engine.Snapshot) {
	if s == nil {
		return
	}
	p.latest.Store(s)
	p.published.Add(1)

	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	for _, c := range p.clients {
		select {
		case c.ch <- s:
			continue
		default:
		}
		// Full: drop the oldest queued snapshot to make room.
		select {
		case <-c.ch:
			p.dropped.Add(1)
		default:
		}
		select {
		case c.ch <- s:
		default:
			p.dropped.Add(1)
		}
	}
}

// Latest returns the most recently published snapshot, or nil.
func (p *Publisher) Latest() *engine.Snapshot { return p.latest.Load() }

// Clients returns the number of open streams.
func (p *Publisher) Clients() int {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	return len(p.clients)
}

// Published returns the number of snapshots received from the engine.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Dropped returns the number of snapshots discarded for slow clients.
func (p *Publisher) Dropped() uint64 { return p.dropped.Load() }

func (p *Publisher) subscribe() (*client, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("%w: limit is %d", ErrTooManyClients, p.config.MaxClients)
	}
	p.nextID++
	c := &client{id: p.nextID, ch: make(chan *engine.Snapshot, p.config.ClientBuffer)}
	p.clients[c.id] = c
	logger.Printf("client %d connected (total: %d)", c.id, len(p.clients))
	return c, nil
}

func (p *Publisher) unsubscribe(c *client) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[c.id]; ok {
		delete(p.clients, c.id)
		logger.Printf("client %d disconnected (remaining: %d)", c.id, len(p.clients))
	}
}

// Start listens on ListenAddr and serves SnapshotService in the background.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterSnapshotServiceServer(p.server, NewServer(p))
	p.running.Store(true)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		logger.Printf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			logger.Printf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address once started.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends open streams and gracefully stops the gRPC server.
func (p *Publisher) Stop() {
	if !p.running.Swap(false) {
		return
	}
	close(p.done)
	p.server.GracefulStop()
	p.wg.Wait()
	logger.Printf("gRPC server stopped")
}
