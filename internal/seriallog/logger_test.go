package seriallog

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/uwb-locator/internal/monitoring"
	"github.com/banshee-data/uwb-locator/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFormatEntry(t *testing.T) {
	at := time.Date(2024, 7, 9, 14, 3, 5, 42_700_000, time.UTC)
	assert.Equal(t, "2024-07-09 14:03:05.042 - Device: 1A2B, Range: 1.52 m\n", FormatEntry(at, "Device: 1A2B, Range: 1.52 m"))
}

func TestRunReconnectsAfterUnplug(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2024, 7, 9, 14, 3, 5, 0, time.UTC))
	first, second := NewMockPort(), NewMockPort()
	opener := &MockOpener{Ports: []*MockPort{first, second}}
	out, echo := &syncBuffer{}, &syncBuffer{}

	l, err := New(Config{
		Path:          "/dev/ttyUSB0",
		Out:           out,
		Echo:          echo,
		Open:          opener.Open,
		Clock:         clock,
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	first.Feed("Setup started\r\nUWB initialized\n")
	waitFor(t, func() bool { return l.Lines() == 2 })
	first.Unplug()

	waitFor(t, func() bool { return opener.Calls() == 2 })
	clock.Advance(1500 * time.Millisecond)
	second.Feed("Role set successfully\n")
	waitFor(t, func() bool { return l.Lines() == 3 })

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	want := "2024-07-09 14:03:05.000 - Setup started\n" +
		"2024-07-09 14:03:05.000 - UWB initialized\n" +
		"2024-07-09 14:03:06.500 - Role set successfully\n"
	assert.Equal(t, want, out.String())
	assert.Equal(t, want, echo.String())
	assert.True(t, first.Closed())
	assert.True(t, second.Closed())
}

func TestRunRetriesOpen(t *testing.T) {
	port := NewMockPort()
	opener := &MockOpener{Ports: []*MockPort{port}, Err: errors.New("no such file or directory")}
	out := &syncBuffer{}
	l, err := New(Config{Path: "/dev/ttyUSB0", Out: out, Open: opener.Open, RetryInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { return opener.Calls() >= 3 })
	opener.SetErr(nil)
	port.Feed("Setup completed\n")
	waitFor(t, func() bool { return l.Lines() == 1 })
	assert.True(t, strings.HasSuffix(out.String(), " - Setup completed\n"))

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunReadErrorReconnects(t *testing.T) {
	first, second := NewMockPort(), NewMockPort()
	opener := &MockOpener{Ports: []*MockPort{first, second}}
	l, err := New(Config{Out: &syncBuffer{}, Open: opener.Open, RetryInterval: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	waitFor(t, func() bool { return opener.Calls() == 1 })
	first.FailRead(errors.New("input/output error"))
	waitFor(t, func() bool { return opener.Calls() == 2 })
	cancel()
	<-done
}

func TestRunStopsOnWriteError(t *testing.T) {
	port := NewMockPort()
	opener := &MockOpener{Ports: []*MockPort{port}}
	l, err := New(Config{Out: failingWriter{}, Open: opener.Open})
	require.NoError(t, err)

	port.Feed("WiFi connected successfully\n")
	err = l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, port.Closed())
}

func TestInvalidUTF8Replaced(t *testing.T) {
	out := &syncBuffer{}
	l, err := New(Config{Out: out, Clock: timeutil.NewMockClock(time.Unix(0, 0).UTC())})
	require.NoError(t, err)
	require.NoError(t, l.write("rx \xff power"))
	assert.Equal(t, "1970-01-01 00:00:00.000 - rx � power\n", out.String())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "missing output")

	_, err = New(Config{Out: &syncBuffer{}, Options: PortOptions{DataBits: 9}})
	assert.Error(t, err, "bad data bits")
}

func TestPortOptions(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		mode    serial.Mode
		wantErr bool
	}{
		{
			name: "defaults",
			want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "N"},
			mode: serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity},
		},
		{
			name: "even two stop",
			in:   PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"},
			want: PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"},
			mode: serial.Mode{BaudRate: 9600, DataBits: 7, StopBits: serial.TwoStopBits, Parity: serial.EvenParity},
		},
		{
			name: "odd",
			in:   PortOptions{Parity: " o "},
			want: PortOptions{BaudRate: 115200, DataBits: 8, StopBits: 1, Parity: "O"},
			mode: serial.Mode{BaudRate: 115200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.OddParity},
		},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				_, err = tt.in.SerialMode()
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			mode, err := tt.in.SerialMode()
			require.NoError(t, err)
			assert.Equal(t, tt.mode, *mode)
		})
	}
}
