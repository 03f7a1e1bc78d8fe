// Package engine owns the positioning state and processes ranging reports one
// at a time. The live anchor frame and the latest snapshot are published
// through atomic pointers, so readers never take the engine lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb-locator/internal/config"
	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/anchorframe"
	"github.com/banshee-data/uwb-locator/internal/uwb/kalman"
	"github.com/banshee-data/uwb-locator/internal/uwb/multilat"
	"github.com/banshee-data/uwb-locator/internal/uwb/registry"
)

// Outcome lists what happened while processing one report.
type Outcome struct {
	Device string
	Events []uwb.Event
	// Updated is set when a new position was recorded for Device.
	Updated bool
}

// Has reports whether the outcome contains an event of kind.
func (o Outcome) Has(kind uwb.EventKind) bool {
	for _, ev := range o.Events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (o *Outcome) add(kind uwb.EventKind, device string, at time.Time, err error, format string, args ...interface{}) {
	o.Events = append(o.Events, uwb.Event{
		Kind:    kind,
		Device:  device,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		At:      at,
	})
}

// Engine is the report processing context. All mutation happens inside
// ProcessReport, InstallFrame and Recalibrate, serialized by mu.
type Engine struct {
	mu        sync.Mutex
	opts      Options
	reg       *registry.Registry
	smoother  *kalman.Smoother
	raw       map[string]r3.Vec
	sinks     []uwb.EventSink
	pinned    bool
	lastBoot  string
	processed atomic.Uint64

	// unplaced holds the inputs of each anchor's last failed placement so
	// extend only retries once they change.
	unplaced map[string]placement

	frame    atomic.Pointer[anchorframe.Frame]
	snapshot atomic.Pointer[Snapshot]
	history  *History
}

// New builds an engine. When opts.FixedAnchors is set the surveyed frame is
// installed immediately.
func New(opts Options) (*Engine, error) {
	opts = opts.withDefaults()
	e := &Engine{
		opts:     opts,
		reg:      registry.New(),
		smoother: kalman.NewSmoother(opts.Kalman),
		raw:      make(map[string]r3.Vec),
		unplaced: make(map[string]placement),
		sinks:    append([]uwb.EventSink(nil), opts.Sinks...),
		history:  NewHistory(opts.HistorySize),
	}
	e.frame.Store(anchorframe.Empty())
	e.snapshot.Store(&Snapshot{Devices: []DeviceState{}})

	if len(opts.FixedAnchors) > 0 {
		if err := e.InstallFrame(opts.FixedAnchors); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// AddSink registers an additional event sink.
func (e *Engine) AddSink(s uwb.EventSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, s)
}

// Frame returns the live anchor frame. The value is immutable.
func (e *Engine) Frame() *anchorframe.Frame { return e.frame.Load() }

// Snapshot returns the most recently published snapshot.
func (e *Engine) Snapshot() *Snapshot { return e.snapshot.Load() }

// History returns the snapshot history ring.
func (e *Engine) History() *History { return e.history }

// Processed returns the number of reports processed so far.
func (e *Engine) Processed() uint64 { return e.processed.Load() }

// ProcessReport runs one report to completion: sample validation, registry
// update, frame bootstrap or extension, tag solve and smoothing, the
// recalibration check and snapshot publication. Failures never escape; they
// are returned as events and forwarded to the sinks.
func (e *Engine) ProcessReport(ctx context.Context, r uwb.Report) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	at := r.ReceivedAt
	if at.IsZero() {
		at = e.opts.Clock.Now()
	}
	out := Outcome{Device: r.DeviceAddress}
	defer func() { e.dispatch(out.Events) }()

	addr := strings.TrimSpace(r.DeviceAddress)
	if addr == "" {
		out.add(uwb.EventParseError, "", at, fmt.Errorf("%w: missing device_address", uwb.ErrParse), "report dropped")
		return out
	}
	out.Device = addr
	if r.Role != nil && !r.Role.Valid() {
		out.add(uwb.EventParseError, addr, at, fmt.Errorf("%w: unknown role %q", uwb.ErrParse, string(*r.Role)), "report dropped")
		return out
	}

	valid := make([]uwb.RangingSample, 0, len(r.Samples))
	for _, s := range r.Samples {
		if err := s.Validate(e.opts.MaxRange); err != nil {
			out.add(uwb.EventInvalidSample, addr, at, err, "sample dropped")
			continue
		}
		if e.reg.Resolve(s.Peer) == addr {
			continue
		}
		valid = append(valid, s)
	}

	dev, change := e.reg.Upsert(addr, r.Role, valid, at)
	e.applyRoleChange(&out, dev, change, at)
	e.ensureFrame(ctx, &out, at)

	switch dev.Role {
	case uwb.RoleAnchor:
		if p, ok := e.frame.Load().Position(addr); ok {
			_ = e.reg.SetPosition(addr, p)
		}
	case uwb.RoleTag:
		// Heartbeats carry no ranges and only refresh the timestamp.
		if len(valid) > 0 {
			e.locateTag(ctx, &out, addr, valid, at)
		}
	}

	n := e.processed.Add(1)
	if e.recalibrationDue(n) {
		_ = e.recalibrate(ctx, &out, at)
	}
	e.publish(at)
	return out
}

// InstallFrame replaces the live frame with surveyed anchor positions. The
// anchors are registered with the Anchor role and the frame is pinned, so it
// is not recalibrated until a member leaves the anchor role.
func (e *Engine) InstallFrame(positions map[string]r3.Vec) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(positions) < uwb.MinAnchors {
		return fmt.Errorf("%w: surveyed frame needs %d anchors, have %d", uwb.ErrInsufficientAnchors, uwb.MinAnchors, len(positions))
	}
	order := make([]string, 0, len(positions))
	for addr := range positions {
		order = append(order, addr)
	}
	sort.Strings(order)

	at := e.opts.Clock.Now()
	anchor := uwb.RoleAnchor
	var out Outcome
	for _, addr := range order {
		dev, change := e.reg.Upsert(addr, &anchor, nil, at)
		e.applyRoleChange(&out, dev, change, at)
	}
	e.install(&out, anchorframe.New(order, positions, at), uwb.EventFrameInitialized, at)
	e.pinned = true
	e.publish(at)
	e.dispatch(out.Events)
	return nil
}

// Recalibrate rebuilds the live frame immediately, outside the report cadence.
func (e *Engine) Recalibrate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	at := e.opts.Clock.Now()
	var out Outcome
	err := e.recalibrate(ctx, &out, at)
	if err == nil {
		e.publish(at)
	}
	e.dispatch(out.Events)
	return err
}

func (e *Engine) applyRoleChange(out *Outcome, dev registry.Device, change registry.RoleChange, at time.Time) {
	if change.Added {
		out.add(uwb.EventDeviceAdded, dev.Address, at, nil, "role %s", dev.Role)
		return
	}
	if !change.Changed {
		return
	}
	out.add(uwb.EventRoleChanged, dev.Address, at, nil, "%s -> %s", change.From, change.To)

	if change.From == uwb.RoleTag {
		e.smoother.Reset(dev.Address)
		delete(e.raw, dev.Address)
	}
	if change.From == uwb.RoleAnchor {
		f := e.frame.Load()
		if !f.Contains(dev.Address) {
			return
		}
		next := f.Without(dev.Address, at)
		if next.Len() < uwb.MinAnchors {
			// Too few members left to locate anything; bootstrap again.
			next = anchorframe.Empty()
			e.pinned = false
		}
		e.frame.Store(next)
		out.add(uwb.EventFrameMemberLeft, dev.Address, at, nil, "frame now has %d anchors", next.Len())
	}
}

// ensureFrame bootstraps the frame when none is live and places any anchors
// that joined after it was built.
func (e *Engine) ensureFrame(ctx context.Context, out *Outcome, at time.Time) {
	if !e.frame.Load().Initialized {
		e.bootstrap(ctx, out, at)
		if !e.frame.Load().Initialized {
			return
		}
	}
	e.extend(ctx, out, at)
}

func (e *Engine) bootstrap(ctx context.Context, out *Outcome, at time.Time) {
	order := addresses(e.reg.Anchors())
	if len(order) < uwb.MinAnchors {
		return
	}
	f, err := anchorframe.Initialize(order, e.measuredDistances(order), at)
	if err != nil {
		// Only report a failure once until its cause changes.
		if msg := err.Error(); msg != e.lastBoot {
			e.lastBoot = msg
			kind := uwb.EventFrameInitFailed
			if errors.Is(err, uwb.ErrInsufficientAnchors) {
				kind = uwb.EventInsufficient
			}
			out.add(kind, "", at, err, "anchor frame not built")
		}
		return
	}
	e.lastBoot = ""
	e.install(out, f, uwb.EventFrameInitialized, at)
}

func (e *Engine) extend(ctx context.Context, out *Outcome, at time.Time) {
	f := e.frame.Load()
	var added []string
	for _, a := range e.reg.Anchors() {
		if f.Contains(a.Address) {
			continue
		}
		addr := a.Address
		attempt := placement{frame: f.ID, refs: anchorRefs(f, func(member string) (float64, bool) {
			return e.reg.PairDistance(addr, member)
		})}
		if last, ok := e.unplaced[addr]; ok && last.equal(attempt) {
			continue
		}
		pos, ok := e.solveAnchor(ctx, attempt.refs)
		if !ok {
			e.unplaced[addr] = attempt
			continue
		}
		delete(e.unplaced, addr)
		f = f.With(addr, pos, at)
		added = append(added, addr)
	}
	if len(added) == 0 {
		return
	}
	e.frame.Store(f)
	for _, addr := range added {
		p, _ := f.Position(addr)
		_ = e.reg.SetPosition(addr, p)
	}
	out.add(uwb.EventFrameExtended, "", at, nil, "placed %s, frame now has %d anchors", strings.Join(added, ","), f.Len())
}

// placement is one attempt to place an anchor into a frame generation.
type placement struct {
	frame uuid.UUID
	refs  []multilat.Reference
}

func (p placement) equal(o placement) bool {
	return p.frame == o.frame && slices.Equal(p.refs, o.refs)
}

// anchorRefs pairs each member of f with its distance from dist.
func anchorRefs(f *anchorframe.Frame, dist func(member string) (float64, bool)) []multilat.Reference {
	var refs []multilat.Reference
	for _, m := range f.Anchors() {
		d, ok := dist(m)
		if !ok {
			continue
		}
		p, _ := f.Position(m)
		refs = append(refs, multilat.Reference{Anchor: m, Position: p, Range: d})
	}
	return refs
}

// solveAnchor multilaterates an anchor from refs. Fewer than four refs never
// reach the solver.
func (e *Engine) solveAnchor(ctx context.Context, refs []multilat.Reference) (r3.Vec, bool) {
	if len(refs) < uwb.MinAnchors {
		return r3.Vec{}, false
	}
	res, err := e.opts.Solver.Solve(ctx, refs)
	if err != nil {
		return r3.Vec{}, false
	}
	return res.Position, true
}

// locateTag solves addr from the valid samples of the current report only.
// Ranges kept from earlier reports never stand in for missing ones.
func (e *Engine) locateTag(ctx context.Context, out *Outcome, addr string, samples []uwb.RangingSample, at time.Time) {
	f := e.frame.Load()
	if !f.Initialized {
		out.add(uwb.EventInsufficient, addr, at, fmt.Errorf("%w: no anchor frame yet", uwb.ErrInsufficientAnchors), "position not updated")
		return
	}

	ranges := make(map[string]float64, len(samples))
	for _, s := range samples {
		ranges[e.reg.Resolve(s.Peer)] = s.Range
	}
	refs := make([]multilat.Reference, 0, f.Len())
	for _, m := range f.Anchors() {
		d, ok := ranges[m]
		if !ok || !e.reg.IsAnchor(m) {
			continue
		}
		p, _ := f.Position(m)
		refs = append(refs, multilat.Reference{Anchor: m, Position: p, Range: d})
	}
	if len(refs) < uwb.MinAnchors {
		err := fmt.Errorf("%w: %d usable anchor ranges", uwb.ErrInsufficientAnchors, len(refs))
		out.add(uwb.EventInsufficient, addr, at, err, "position not updated")
		return
	}

	res, err := e.opts.Solver.Solve(ctx, refs)
	if err != nil {
		kind := uwb.EventSolverBudget
		if errors.Is(err, uwb.ErrInsufficientAnchors) {
			kind = uwb.EventInsufficient
		}
		out.add(kind, addr, at, err, "position not updated")
		return
	}
	if !res.Converged {
		out.add(uwb.EventSolverBudget, addr, at, nil, "best effort after %d iterations (%s)", res.Iterations, res.Status)
	}

	smoothed, err := e.smoother.Update(addr, res.Position)
	if err != nil {
		out.add(uwb.EventSmootherFailed, addr, at, err, "position not updated")
		return
	}
	e.raw[addr] = res.Position
	_ = e.reg.SetPosition(addr, smoothed)
	out.Updated = true
	out.add(uwb.EventPositionUpdated, addr, at, nil, "(%.3f, %.3f, %.3f) rmse=%.3f anchors=%d",
		smoothed.X, smoothed.Y, smoothed.Z, res.RMSE(len(refs)), len(refs))
}

func (e *Engine) recalibrationDue(n uint64) bool {
	interval := e.opts.RecalibrationInterval
	return interval > 0 && !e.pinned && n%uint64(interval) == 0 && e.frame.Load().Initialized
}

// recalibrate derives a fresh frame and swaps it in whole. On failure the live
// frame is left untouched.
func (e *Engine) recalibrate(ctx context.Context, out *Outcome, at time.Time) error {
	cur := e.frame.Load()
	if !cur.Initialized {
		err := fmt.Errorf("%w: no live frame to recalibrate", uwb.ErrInsufficientAnchors)
		out.add(uwb.EventRecalibrateFailed, "", at, err, "frame retained")
		return err
	}

	var (
		order []string
		d     anchorframe.Distances
	)
	measured := e.opts.RecalibrationSource == config.RecalibrateFromMeasured
	if measured {
		order = addresses(e.reg.Anchors())
		d = e.measuredDistances(order)
	} else {
		for _, m := range cur.Anchors() {
			if e.reg.IsAnchor(m) {
				order = append(order, m)
			}
		}
		d = cur.ImpliedDistances()
	}

	next, err := anchorframe.Initialize(order, d, at)
	if err != nil {
		out.add(uwb.EventRecalibrateFailed, "", at, err, "frame %s retained", cur.ID)
		return err
	}
	for _, m := range order {
		if next.Contains(m) {
			continue
		}
		member := m
		pos, ok := e.solveAnchor(ctx, anchorRefs(next, func(other string) (float64, bool) {
			return d.Get(member, other)
		}))
		if ok {
			next = next.With(member, pos, at)
		}
	}

	if measured {
		// Tag estimates belong to the old coordinate system.
		for _, t := range e.reg.Tags() {
			e.smoother.Reset(t.Address)
			delete(e.raw, t.Address)
		}
	}
	e.install(out, next, uwb.EventRecalibrated, at)
	return nil
}

// install validates f, publishes it as the live frame and records member
// positions in the registry.
func (e *Engine) install(out *Outcome, f *anchorframe.Frame, kind uwb.EventKind, at time.Time) {
	if report := anchorframe.ValidatePlacement(f, e.opts.VarianceThreshold); report.Poor() {
		out.add(uwb.EventPoorGeometry, "", at, report.Err(), "frame accepted")
	}
	e.frame.Store(f)
	clear(e.unplaced)
	for _, addr := range f.Anchors() {
		p, _ := f.Position(addr)
		_ = e.reg.SetPosition(addr, p)
	}
	out.add(kind, "", at, nil, "frame %s with %d anchors", f.ID, f.Len())
}

func (e *Engine) measuredDistances(order []string) anchorframe.Distances {
	d := anchorframe.Distances{}
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			if v, ok := e.reg.PairDistance(order[i], order[j]); ok {
				d.Set(order[i], order[j], v)
			}
		}
	}
	return d
}

func (e *Engine) publish(at time.Time) {
	f := e.frame.Load()
	devices := e.reg.All()
	s := &Snapshot{
		Seq:              e.processed.Load(),
		TakenAt:          at,
		FrameInitialized: f.Initialized,
		Devices:          make([]DeviceState, 0, len(devices)),
	}
	if f.Initialized {
		s.FrameID = f.ID.String()
	}
	for _, d := range devices {
		ds := DeviceState{
			Address:     d.Address,
			Role:        d.Role,
			Position:    PointOf(d.Position),
			Resolved:    d.Resolved,
			LastUpdated: d.LastUpdated,
		}
		switch d.Role {
		case uwb.RoleAnchor:
			ds.InFrame = f.Contains(d.Address)
			ds.Resolved = ds.InFrame
		case uwb.RoleTag:
			if raw, ok := e.raw[d.Address]; ok {
				p := PointOf(raw)
				ds.Raw = &p
			}
			if st, ok := e.smoother.State(d.Address); ok {
				v := PointOf(st.Variance())
				ds.Variance = &v
			}
		}
		s.Devices = append(s.Devices, ds)
	}
	e.snapshot.Store(s)
	e.history.Add(s)
	for _, p := range e.opts.Publishers {
		p.PublishSnapshot(s)
	}
}

func (e *Engine) dispatch(events []uwb.Event) {
	for _, ev := range events {
		for _, s := range e.sinks {
			s.HandleEvent(ev)
		}
	}
}

func addresses(devs []registry.Device) []string {
	out := make([]string, len(devs))
	for i, d := range devs {
		out[i] = d.Address
	}
	return out
}
