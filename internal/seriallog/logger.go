// Package seriallog records the text a ranging device prints on its serial
// console, one timestamped line per entry, reconnecting whenever the device
// goes away.
package seriallog

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/banshee-data/uwb-locator/internal/monitoring"
	"github.com/banshee-data/uwb-locator/internal/timeutil"
)

var diag = monitoring.NewLogger("seriallog")

// TimestampLayout renders local time to the millisecond.
const TimestampLayout = "2006-01-02 15:04:05.000"

// DefaultRetryInterval is how long to wait between attempts to open the port.
const DefaultRetryInterval = 100 * time.Millisecond

// Config configures a Logger.
type Config struct {
	Path    string
	Options PortOptions
	// Out receives every entry. Required.
	Out io.Writer
	// Echo, when set, receives a copy of every entry (typically stdout).
	Echo          io.Writer
	Open          Opener
	Clock         timeutil.Clock
	RetryInterval time.Duration
}

// Logger copies lines from a serial port to a log file.
type Logger struct {
	cfg   Config
	lines atomic.Uint64
}

func New(cfg Config) (*Logger, error) {
	if cfg.Out == nil {
		return nil, errors.New("seriallog: output writer is required")
	}
	if _, err := cfg.Options.Normalize(); err != nil {
		return nil, err
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Logger{cfg: cfg}, nil
}

// Lines returns the number of entries written.
func (l *Logger) Lines() uint64 { return l.lines.Load() }

// Run logs until ctx is cancelled. A port that fails to open, or that
// reaches EOF or a read error, is retried after RetryInterval. It returns
// ctx.Err(), or the first error writing to Out.
func (l *Logger) Run(ctx context.Context) error {
	for {
		port, err := l.connect(ctx)
		if err != nil {
			return err
		}
		diag.Printf("connected to %s, waiting for data", l.cfg.Path)

		err = l.stream(ctx, port)
		port.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var we *writeError
		if errors.As(err, &we) {
			return we.err
		}
		diag.Printf("%s disconnected: %v", l.cfg.Path, err)
		if !l.sleep(ctx) {
			return ctx.Err()
		}
	}
}

func (l *Logger) connect(ctx context.Context) (Port, error) {
	warned := false
	for {
		port, err := l.cfg.Open(l.cfg.Path, l.cfg.Options)
		if err == nil {
			return port, nil
		}
		if !warned {
			diag.Printf("cannot open %s (%v), retrying", l.cfg.Path, err)
			warned = true
		}
		if !l.sleep(ctx) {
			return nil, ctx.Err()
		}
	}
}

func (l *Logger) sleep(ctx context.Context) bool {
	t := time.NewTimer(l.cfg.RetryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type writeError struct{ err error }

func (e *writeError) Error() string { return "write log entry: " + e.err.Error() }

// stream copies lines until the port fails or ctx ends. Scanning happens on a
// separate goroutine so cancellation does not wait on a blocked Read; the
// caller closes the port to release it.
func (l *Logger) stream(ctx context.Context, port Port) error {
	scan := bufio.NewScanner(port)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-stop:
				return
			}
		}
		err := scan.Err()
		if err == nil {
			err = io.EOF
		}
		scanErrChan <- err
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return ctx.Err()
				}
			}
			if err := l.write(line); err != nil {
				return &writeError{err: err}
			}
		}
	}
}

func (l *Logger) write(line string) error {
	line = strings.ToValidUTF8(strings.TrimRight(line, "\r\n"), "\uFFFD")
	entry := FormatEntry(l.cfg.Clock.Now(), line)
	if _, err := io.WriteString(l.cfg.Out, entry); err != nil {
		return err
	}
	if l.cfg.Echo != nil {
		_, _ = io.WriteString(l.cfg.Echo, entry)
	}
	l.lines.Add(1)
	return nil
}

// FormatEntry renders one log entry, newline included.
func FormatEntry(at time.Time, line string) string {
	return at.Format(TimestampLayout) + " - " + line + "\n"
}
