package seriallog

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrPortClosed is returned by MockPort reads after Close.
var ErrPortClosed = errors.New("serial port closed")

// MockPort is an in-memory Port. Reads block until data is fed, the device
// is unplugged (io.EOF once drained) or the port is closed.
type MockPort struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     bytes.Buffer
	unplug  bool
	closed  bool
	readErr error
}

func NewMockPort() *MockPort {
	p := &MockPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Feed makes data available to Read.
func (p *MockPort) Feed(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf.WriteString(data)
	p.cond.Broadcast()
}

// Unplug simulates the device going away after the buffered data is read.
func (p *MockPort) Unplug() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unplug = true
	p.cond.Broadcast()
}

// FailRead makes the next Read return err.
func (p *MockPort) FailRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
	p.cond.Broadcast()
}

func (p *MockPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		switch {
		case p.closed:
			return 0, ErrPortClosed
		case p.readErr != nil:
			err := p.readErr
			p.readErr = nil
			return 0, err
		case p.buf.Len() > 0:
			return p.buf.Read(b)
		case p.unplug:
			return 0, io.EOF
		}
		p.cond.Wait()
	}
}

func (p *MockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// Closed reports whether Close has been called.
func (p *MockPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// MockOpener hands out ports in order, failing with Err while it is set.
type MockOpener struct {
	mu    sync.Mutex
	Ports []*MockPort
	Err   error
	calls int
	next  int
}

// Open satisfies Opener.
func (o *MockOpener) Open(path string, opts PortOptions) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.Err != nil {
		return nil, o.Err
	}
	if o.next >= len(o.Ports) {
		return nil, errors.New("no such device")
	}
	p := o.Ports[o.next]
	o.next++
	return p, nil
}

// SetErr changes the open error under the lock.
func (o *MockOpener) SetErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Err = err
}

// Calls returns the number of Open attempts.
func (o *MockOpener) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}
