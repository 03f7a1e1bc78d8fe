// Package api serves the engine's published state over HTTP: device
// snapshots, the anchor frame, the snapshot history and rendered maps.
package api

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/uwb-locator/internal/db"
	"github.com/banshee-data/uwb-locator/internal/httputil"
	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/anchorframe"
	"github.com/banshee-data/uwb-locator/internal/uwb/engine"
	"github.com/banshee-data/uwb-locator/internal/version"
)

const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Source is the read side of the engine. *engine.Engine satisfies it.
type Source interface {
	Snapshot() *engine.Snapshot
	Frame() *anchorframe.Frame
	History() *engine.History
}

// Store is the persisted history. *db.DB satisfies it.
type Store interface {
	Track(address string, limit int) ([]db.PositionRow, error)
	Frames(limit int) ([]db.FrameRow, error)
}

// Server exposes a Source over HTTP. Handlers only read published values and
// never block report processing.
type Server struct {
	src     Source
	store   Store
	metrics http.Handler
	started time.Time
}

// Option configures optional Server routes.
type Option func(*Server)

// WithStore adds the persisted /api/tracks and /api/frames routes.
func WithStore(st Store) Option {
	return func(s *Server) { s.store = st }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func NewServer(src Source, opts ...Option) *Server {
	s := &Server{src: src, started: time.Now()}
	for _, o := range opts {
		o(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", s.listDevices)
	mux.HandleFunc("/api/devices/{address}", s.showDevice)
	mux.HandleFunc("/api/frame", s.showFrame)
	mux.HandleFunc("/api/history", s.showHistory)
	mux.HandleFunc("/api/map.png", s.mapPNG)
	mux.HandleFunc("/api/map.html", s.mapHTML)
	mux.HandleFunc("/api/healthz", s.healthz)
	if s.store != nil {
		mux.HandleFunc("/api/tracks/{address}", s.showTrack)
		mux.HandleFunc("/api/frames", s.listFrames)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// snapshot never returns nil so handlers can range over Devices freely.
func (s *Server) snapshot() *engine.Snapshot {
	if snap := s.src.Snapshot(); snap != nil {
		return snap
	}
	return &engine.Snapshot{Devices: []engine.DeviceState{}}
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	snap := s.snapshot()

	role := r.URL.Query().Get("role")
	if role == "" {
		httputil.WriteJSONOK(w, snap)
		return
	}
	want, err := uwb.ParseRole(role)
	if err != nil {
		httputil.BadRequest(w, "invalid 'role' parameter")
		return
	}
	filtered := *snap
	filtered.Devices = make([]engine.DeviceState, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		if d.Role == want {
			filtered.Devices = append(filtered.Devices, d)
		}
	}
	httputil.WriteJSONOK(w, &filtered)
}

func (s *Server) showDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	addr := r.PathValue("address")
	d, ok := s.snapshot().Device(addr)
	if !ok {
		httputil.NotFound(w, "unknown device "+addr)
		return
	}
	httputil.WriteJSONOK(w, d)
}

// FrameAnchor is one member of the frame in the /api/frame response.
type FrameAnchor struct {
	Address  string       `json:"address"`
	Position engine.Point `json:"position"`
}

// FrameResponse is the /api/frame body.
type FrameResponse struct {
	ID          string        `json:"id"`
	Initialized bool          `json:"initialized"`
	CreatedAt   time.Time     `json:"created_at"`
	Anchors     []FrameAnchor `json:"anchors"`
}

func (s *Server) showFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	f := s.src.Frame()
	if f == nil || !f.Initialized {
		httputil.ServiceUnavailable(w, "anchor frame not initialized")
		return
	}
	resp := FrameResponse{
		ID:          f.ID.String(),
		Initialized: true,
		CreatedAt:   f.CreatedAt,
		Anchors:     make([]FrameAnchor, 0, f.Len()),
	}
	for _, addr := range f.Anchors() {
		p, _ := f.Position(addr)
		resp.Anchors = append(resp.Anchors, FrameAnchor{Address: addr, Position: engine.PointOf(p)})
	}
	httputil.WriteJSONOK(w, resp)
}

// showHistory returns the retained snapshots, oldest first. With ?address=
// it returns that device's resolved track instead; ?limit= keeps the newest n.
func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	h := s.src.History()
	if h == nil || h.Cap() == 0 {
		httputil.NotFound(w, "history disabled")
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if addr := r.URL.Query().Get("address"); addr != "" {
		httputil.WriteJSONOK(w, newest(h.Track(addr), limit))
		return
	}
	httputil.WriteJSONOK(w, newest(h.Snapshots(), limit))
}

// parseLimit reads the optional positive ?limit= parameter. It writes the
// error response itself when the value is invalid.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return 0, true
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		httputil.BadRequest(w, "invalid 'limit' parameter")
		return 0, false
	}
	return n, true
}

func (s *Server) showTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	rows, err := s.store.Track(r.PathValue("address"), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read track: %v", err))
		return
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) listFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	frames, err := s.store.Frames(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to read frames: %v", err))
		return
	}
	if frames == nil {
		frames = []db.FrameRow{}
	}
	httputil.WriteJSONOK(w, frames)
}

func newest[T any](items []T, limit int) []T {
	if items == nil {
		items = []T{}
	}
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	httputil.WriteJSONOK(w, map[string]any{
		"status":            "ok",
		"version":           version.Version,
		"uptime_seconds":    int64(time.Since(s.started).Seconds()),
		"reports":           snap.Seq,
		"frame_initialized": snap.FrameInitialized,
	})
}
