// Command uwb-serial-logger appends a ranging device's serial console output
// to a file, one timestamped line per entry.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/uwb-locator/internal/seriallog"
	"github.com/banshee-data/uwb-locator/internal/version"
)

var (
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port path")
	baud        = flag.Int("baud", 115200, "Baud rate")
	outPath     = flag.String("out", "arduino_log.txt", "File to append entries to")
	quiet       = flag.Bool("quiet", false, "Do not echo entries to stdout")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	f, err := os.OpenFile(*outPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *outPath, err)
	}
	defer f.Close()

	cfg := seriallog.Config{
		Path:    *port,
		Options: seriallog.PortOptions{BaudRate: *baud},
		Out:     f,
	}
	if !*quiet {
		cfg.Echo = os.Stdout
	}
	logger, err := seriallog.New(cfg)
	if err != nil {
		log.Fatalf("invalid serial options: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("logging %s at %d baud to %s", *port, *baud, *outPath)
	if err := logger.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("serial logger stopped: %v", err)
	}
	log.Printf("wrote %d lines to %s", logger.Lines(), *outPath)
}
