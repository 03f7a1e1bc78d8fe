// Command uwb-sim streams synthetic ranging reports to a uwb-server over UDP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/uwb-locator/internal/httputil"
	"github.com/banshee-data/uwb-locator/internal/timeutil"
	"github.com/banshee-data/uwb-locator/internal/uwb/engine"
	"github.com/banshee-data/uwb-locator/internal/uwb/ingest"
	"github.com/banshee-data/uwb-locator/internal/uwb/sim"
	"github.com/banshee-data/uwb-locator/internal/version"
)

var (
	addr        = flag.String("addr", "127.0.0.1:3333", "UDP address of the server")
	rate        = flag.Float64("rate", 2, "Rounds per second")
	noise       = flag.Float64("noise", 0.02, "Range noise standard deviation in metres")
	shortPeers  = flag.Bool("short-peers", false, "Send peers as 16-bit short addresses")
	seed        = flag.Uint64("seed", 1, "Noise seed")
	rounds      = flag.Int("rounds", 0, "Stop after this many rounds (0 runs until interrupted)")
	server      = flag.String("server", "", "Server HTTP base URL; when set, resolved devices are printed on exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *rate <= 0 {
		log.Fatalf("-rate must be positive, got %v", *rate)
	}

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := timeutil.RealClock{}
	gen := sim.NewGenerator(sim.DefaultLayout(), clock.Now(), *seed)
	gen.Noise = *noise
	gen.ShortPeers = *shortPeers

	interval := time.Duration(float64(time.Second) / *rate)
	log.Printf("sending %d devices to %s every %v", len(gen.Devices), *addr, interval)
	sent, err := run(ctx, clock, interval, *rounds, gen, conn)
	if err != nil && err != context.Canceled {
		log.Printf("simulation stopped: %v", err)
	}
	log.Printf("sent %d reports", sent)

	if *server != "" {
		if err := printDevices(context.Background(), http.DefaultClient, *server); err != nil {
			log.Printf("failed to query server: %v", err)
		}
	}
}

// run sends one round per tick until ctx ends or limit rounds (when positive)
// have been sent. It returns the number of reports written.
func run(ctx context.Context, clock timeutil.Clock, interval time.Duration, limit int, gen *sim.Generator, w io.Writer) (int, error) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for n := 0; limit <= 0 || n < limit; n++ {
		for _, r := range gen.Round(clock.Now()) {
			payload, err := ingest.Encode(r)
			if err != nil {
				return sent, err
			}
			if _, err := w.Write(payload); err != nil {
				return sent, fmt.Errorf("send %s: %w", r.DeviceAddress, err)
			}
			sent++
		}
		if limit > 0 && n+1 == limit {
			break
		}
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-ticker.C():
		}
	}
	return sent, nil
}

func printDevices(ctx context.Context, c httputil.HTTPClient, base string) error {
	var snap engine.Snapshot
	if err := httputil.GetJSON(ctx, c, base+"/api/devices", &snap); err != nil {
		return err
	}
	for _, d := range snap.Devices {
		if !d.Resolved {
			log.Printf("%s %-6s unresolved", d.Address, d.Role)
			continue
		}
		log.Printf("%s %-6s (%.2f, %.2f, %.2f)", d.Address, d.Role, d.Position.X, d.Position.Y, d.Position.Z)
	}
	return nil
}
