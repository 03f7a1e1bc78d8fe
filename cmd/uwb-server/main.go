package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/uwb-locator/internal/api"
	"github.com/banshee-data/uwb-locator/internal/config"
	"github.com/banshee-data/uwb-locator/internal/db"
	"github.com/banshee-data/uwb-locator/internal/monitoring"
	"github.com/banshee-data/uwb-locator/internal/observability"
	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/engine"
	"github.com/banshee-data/uwb-locator/internal/uwb/ingest"
	"github.com/banshee-data/uwb-locator/internal/version"
	"github.com/banshee-data/uwb-locator/internal/visualiser"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	udpAddr     = flag.String("udp", ":3333", "UDP address to receive ranging reports on")
	configPath  = flag.String("config", "", "Engine config JSON (defaults built in when empty)")
	dbPath      = flag.String("db", "", "SQLite file for position and frame history (disabled when empty)")
	pcapFile    = flag.String("pcap", "", "Replay ranging datagrams from a capture instead of listening (requires -tags=pcap)")
	grpcAddr    = flag.String("grpc", "", "gRPC snapshot stream listen address, e.g. localhost:50051 (disabled when empty)")
	queueSize   = flag.Int("queue", 0, "Ingestion queue size (overrides config when > 0)")
	verbose     = flag.Bool("verbose", false, "Log every position update")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath, *queueSize)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		log.Fatalf("invalid engine config: %v", err)
	}

	metrics, err := observability.NewEngineCollector(nil)
	if err != nil {
		log.Fatalf("failed to register metrics: %v", err)
	}
	events := monitoring.EventLogger{Verbose: *verbose}
	opts.Sinks = append(opts.Sinks, events, metrics)

	var publisher *visualiser.Publisher
	if *grpcAddr != "" {
		vcfg := visualiser.DefaultConfig()
		vcfg.ListenAddr = *grpcAddr
		publisher = visualiser.NewPublisher(vcfg)
		opts.Publishers = append(opts.Publishers, publisher)
	}

	eng, err := engine.New(opts)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}
	if f := eng.Frame(); f.Initialized {
		log.Printf("installed surveyed frame %s with %d anchors", f.ID, f.Len())
	}

	var store *db.DB
	var rec *db.Recorder
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		rec = db.NewRecorder(store)
	}

	queue := ingest.NewQueue(cfg.GetQueueSize(), cfg.GetQueuePolicy())
	listener := ingest.NewUDPListener(ingest.UDPListenerConfig{
		Address: *udpAddr,
		RcvBuf:  cfg.GetUDPReadBuffer(),
		Stats:   metrics,
		Sink:    queue,
		OnParseError: func(err error) {
			ev := uwb.Event{Kind: uwb.EventParseError, Err: err, Message: "datagram dropped", At: time.Now()}
			events.HandleEvent(ev)
			metrics.HandleEvent(ev)
		},
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if publisher != nil {
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start snapshot stream: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			publisher.Stop()
		}()
	}

	// single engine worker: reports are processed strictly in arrival order
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := &worker{eng: eng, metrics: metrics, rec: rec}
		if err := queue.Run(ctx, w.handle); err != nil && err != context.Canceled {
			log.Printf("engine worker stopped: %v", err)
		}
		log.Print("engine worker terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if *pcapFile != "" {
			port, err := udpPort(*udpAddr)
			if err != nil {
				log.Printf("invalid -udp address: %v", err)
				return
			}
			if err := ingest.ReplayPCAP(ctx, *pcapFile, port, listener); err != nil && err != context.Canceled {
				log.Printf("pcap replay failed: %v", err)
			}
			log.Printf("pcap replay finished")
			return
		}
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("UDP listener failed: %v", err)
		}
		log.Print("UDP listener terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		apiOpts := []api.Option{api.WithMetrics(metrics.Handler())}
		if store != nil {
			apiOpts = append(apiOpts, api.WithStore(store))
		}
		mux := api.NewServer(eng, apiOpts...).ServeMux()
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("admin routes disabled: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	log.Printf("uwb-server %s: udp %s, http %s", version.String(), *udpAddr, *listen)
	wg.Wait()
	queue.Close()
	log.Printf("processed %d reports (%d dropped)", eng.Processed(), queue.Dropped())
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads path, or the built-in defaults when path is empty, and
// applies the -queue override.
func loadConfig(path string, queue int) (*config.EngineConfig, error) {
	cfg := config.DefaultEngineConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadEngineConfig(path); err != nil {
			return nil, err
		}
	}
	if queue > 0 {
		cfg.QueueSize = &queue
	}
	return cfg, cfg.Validate()
}

func udpPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// worker runs reports through the engine and fans the outcome out to the
// metrics and the optional history store.
type worker struct {
	eng     *engine.Engine
	metrics *observability.EngineCollector
	rec     *db.Recorder
}

func (w *worker) handle(ctx context.Context, r uwb.Report) {
	start := time.Now()
	out := w.eng.ProcessReport(ctx, r)
	snap := w.eng.Snapshot()
	w.metrics.ObserveReport(time.Since(start), snap)
	if w.rec != nil {
		if err := w.rec.Record(out, snap, w.eng.Frame()); err != nil {
			log.Printf("failed to record history: %v", err)
		}
	}
}
