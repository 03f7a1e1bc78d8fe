package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb-locator/internal/config"
	"github.com/banshee-data/uwb-locator/internal/timeutil"
	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/multilat"
)

var t0 = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)

// The first four anchors already sit in the canonical frame orientation, so
// frame coordinates equal these survey coordinates.
var layout = map[string]r3.Vec{
	"A0": {X: 0, Y: 0, Z: 0},
	"A1": {X: 6, Y: 0, Z: 0},
	"A2": {X: 1, Y: 5, Z: 0},
	"A3": {X: 2, Y: 2, Z: 3},
	"A4": {X: 5, Y: 5, Z: 2.5},
}

var anchorOrder = []string{"A0", "A1", "A2", "A3", "A4"}

func dist(a, b r3.Vec) float64 { return r3.Norm(r3.Sub(a, b)) }

func rolePtr(r uwb.Role) *uwb.Role { return &r }

func anchorReport(addr string, at time.Time) uwb.Report {
	var samples []uwb.RangingSample
	for _, peer := range anchorOrder {
		if peer == addr {
			continue
		}
		samples = append(samples, uwb.RangingSample{Peer: peer, Range: dist(layout[addr], layout[peer])})
	}
	return uwb.Report{DeviceAddress: addr, Role: rolePtr(uwb.RoleAnchor), Samples: samples, ReceivedAt: at}
}

func tagReport(addr string, pos r3.Vec, anchors []string, at time.Time) uwb.Report {
	var samples []uwb.RangingSample
	for _, a := range anchors {
		samples = append(samples, uwb.RangingSample{Peer: a, Range: dist(pos, layout[a])})
	}
	return uwb.Report{DeviceAddress: addr, Role: rolePtr(uwb.RoleTag), Samples: samples, ReceivedAt: at}
}

func testSolver() multilat.Solver {
	return &multilat.LBFGSSolver{Budget: multilat.Budget{
		MaxIterations:     1000,
		MaxEvaluations:    10000,
		MaxRuntime:        2 * time.Second,
		GradientThreshold: 1e-12,
	}}
}

func newTestEngine(t *testing.T, mutate func(*Options)) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.Solver = testSolver()
	opts.RecalibrationInterval = 0
	opts.Clock = timeutil.NewMockClock(t0)
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	return e
}

// bootstrapped returns an engine with all five anchors placed.
func bootstrapped(t *testing.T, mutate func(*Options)) *Engine {
	t.Helper()
	e := newTestEngine(t, mutate)
	ctx := context.Background()
	for i, a := range anchorOrder {
		e.ProcessReport(ctx, anchorReport(a, t0.Add(time.Duration(i)*time.Millisecond)))
	}
	require.True(t, e.Frame().Initialized)
	require.Equal(t, 5, e.Frame().Len())
	return e
}

func assertVecNear(t *testing.T, want, got r3.Vec, tol float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol, "x: want %v got %v", want, got)
	assert.InDelta(t, want.Y, got.Y, tol, "y: want %v got %v", want, got)
	assert.InDelta(t, want.Z, got.Z, tol, "z: want %v got %v", want, got)
}

func TestBootstrapFromAnchorReports(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	for i, a := range anchorOrder[:3] {
		out := e.ProcessReport(ctx, anchorReport(a, t0.Add(time.Duration(i)*time.Second)))
		assert.True(t, out.Has(uwb.EventDeviceAdded))
		assert.False(t, e.Frame().Initialized, "frame built with %d anchors", i+1)
	}

	out := e.ProcessReport(ctx, anchorReport("A3", t0.Add(3*time.Second)))
	require.True(t, out.Has(uwb.EventFrameInitialized), "events: %v", out.Events)
	f := e.Frame()
	require.True(t, f.Initialized)
	assert.Equal(t, []string{"A0", "A1", "A2", "A3"}, f.Anchors())
	for _, a := range f.Anchors() {
		p, _ := f.Position(a)
		assertVecNear(t, layout[a], p, 1e-6)
	}

	snap := e.Snapshot()
	assert.True(t, snap.FrameInitialized)
	assert.Equal(t, f.ID.String(), snap.FrameID)
	for _, a := range f.Anchors() {
		d, ok := snap.Device(a)
		require.True(t, ok)
		assert.True(t, d.Resolved)
		assert.True(t, d.InFrame)
	}
}

func TestLateAnchorExtendsFrame(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	for _, a := range anchorOrder[:4] {
		e.ProcessReport(ctx, anchorReport(a, t0))
	}
	before := e.Frame()

	out := e.ProcessReport(ctx, anchorReport("A4", t0.Add(time.Second)))
	assert.True(t, out.Has(uwb.EventFrameExtended), "events: %v", out.Events)

	after := e.Frame()
	assert.NotEqual(t, before.ID, after.ID)
	assert.Equal(t, 4, before.Len(), "published frames are immutable")
	p, ok := after.Position("A4")
	require.True(t, ok)
	assertVecNear(t, layout["A4"], p, 1e-4)
}

func TestTagLocatedAndSmoothed(t *testing.T) {
	e := bootstrapped(t, nil)
	ctx := context.Background()
	target := r3.Vec{X: 3, Y: 2, Z: 1.2}

	out := e.ProcessReport(ctx, tagReport("T0", target, anchorOrder, t0.Add(time.Minute)))
	require.True(t, out.Updated, "events: %v", out.Events)
	assert.True(t, out.Has(uwb.EventPositionUpdated))

	d, ok := e.Snapshot().Device("T0")
	require.True(t, ok)
	assert.True(t, d.Resolved)
	assertVecNear(t, target, d.Position.Vec(), 1e-4)
	require.NotNil(t, d.Raw)
	require.NotNil(t, d.Variance)
	firstVar := d.Variance.X

	e.ProcessReport(ctx, tagReport("T0", target, anchorOrder, t0.Add(2*time.Minute)))
	d, _ = e.Snapshot().Device("T0")
	assertVecNear(t, target, d.Position.Vec(), 1e-4)
	assert.Less(t, d.Variance.X, firstVar)
}

func TestTagWithThreeAnchorsIsNotLocated(t *testing.T) {
	e := bootstrapped(t, nil)

	out := e.ProcessReport(context.Background(), tagReport("T0", r3.Vec{X: 1, Y: 1, Z: 1}, anchorOrder[:3], t0))
	assert.False(t, out.Updated)
	require.True(t, out.Has(uwb.EventInsufficient))
	for _, ev := range out.Events {
		if ev.Kind == uwb.EventInsufficient {
			assert.ErrorIs(t, ev.Err, uwb.ErrInsufficientAnchors)
		}
	}
	d, ok := e.Snapshot().Device("T0")
	require.True(t, ok)
	assert.False(t, d.Resolved)
}

func TestTagBeforeFrameIsNotLocated(t *testing.T) {
	e := newTestEngine(t, nil)
	out := e.ProcessReport(context.Background(), tagReport("T0", r3.Vec{X: 1, Y: 1, Z: 1}, anchorOrder, t0))
	assert.False(t, out.Updated)
	assert.True(t, out.Has(uwb.EventInsufficient))
}

func TestInvalidSamplesDoNotMovePosition(t *testing.T) {
	e := bootstrapped(t, nil)
	ctx := context.Background()
	target := r3.Vec{X: 2, Y: 3, Z: 1}
	e.ProcessReport(ctx, tagReport("T0", target, anchorOrder, t0))
	before, _ := e.Snapshot().Device("T0")

	bad := uwb.Report{
		DeviceAddress: "T0",
		Role:          rolePtr(uwb.RoleTag),
		Samples: []uwb.RangingSample{
			{Peer: "A0", Range: -5},
			{Peer: "A1", Range: 500},
		},
		ReceivedAt: t0.Add(time.Second),
	}
	out := e.ProcessReport(ctx, bad)

	invalid := 0
	for _, ev := range out.Events {
		if ev.Kind == uwb.EventInvalidSample {
			invalid++
			assert.ErrorIs(t, ev.Err, uwb.ErrInvalidRangingSample)
		}
	}
	assert.Equal(t, 2, invalid)
	assert.False(t, out.Updated)

	after, _ := e.Snapshot().Device("T0")
	assert.Equal(t, before.Position, after.Position)

	// One bad range among four leaves three usable anchors, which is not
	// enough; the range stored from the first report must not fill the gap.
	moved := r3.Vec{X: 4, Y: 1, Z: 2}
	partial := tagReport("T0", moved, anchorOrder[:4], t0.Add(2*time.Second))
	partial.Samples[3].Range = 500
	out = e.ProcessReport(ctx, partial)
	assert.False(t, out.Updated)
	assert.True(t, out.Has(uwb.EventInvalidSample))
	assert.True(t, out.Has(uwb.EventInsufficient), "events: %v", out.Events)
	again, _ := e.Snapshot().Device("T0")
	assert.Equal(t, before.Position, again.Position)
}

func TestLocatedTagWithThreeRangesKeepsPosition(t *testing.T) {
	e := bootstrapped(t, nil)
	ctx := context.Background()
	start := r3.Vec{X: 2, Y: 2, Z: 1}
	require.True(t, e.ProcessReport(ctx, tagReport("T0", start, anchorOrder, t0)).Updated)
	before, _ := e.Snapshot().Device("T0")

	out := e.ProcessReport(ctx, tagReport("T0", r3.Vec{X: 4, Y: 1, Z: 2}, anchorOrder[:3], t0.Add(time.Second)))
	assert.False(t, out.Updated)
	assert.True(t, out.Has(uwb.EventInsufficient), "events: %v", out.Events)
	assert.False(t, out.Has(uwb.EventPositionUpdated))

	after, _ := e.Snapshot().Device("T0")
	assert.Equal(t, before.Position, after.Position)
	assert.Equal(t, before.Raw, after.Raw)
	assertVecNear(t, start, after.Position.Vec(), 1e-4)
}

// countingSolver counts solves and can be switched to fail.
type countingSolver struct {
	multilat.Solver
	calls int
	fail  bool
}

func (s *countingSolver) Solve(ctx context.Context, refs []multilat.Reference) (multilat.Result, error) {
	s.calls++
	if s.fail {
		return multilat.Result{}, errors.New("solver unavailable")
	}
	return s.Solver.Solve(ctx, refs)
}

func TestUnplacedAnchorRetriedOnlyWhenRangesChange(t *testing.T) {
	solver := &countingSolver{Solver: testSolver(), fail: true}
	e := newTestEngine(t, func(o *Options) { o.Solver = solver })
	ctx := context.Background()
	for _, a := range anchorOrder[:4] {
		e.ProcessReport(ctx, anchorReport(a, t0))
	}
	require.True(t, e.Frame().Initialized)
	assert.Zero(t, solver.calls, "bootstrap is closed form")

	out := e.ProcessReport(ctx, anchorReport("A4", t0.Add(time.Second)))
	assert.False(t, out.Has(uwb.EventFrameExtended))
	assert.Equal(t, 1, solver.calls)

	// Same ranges, same frame: no second attempt.
	e.ProcessReport(ctx, anchorReport("A0", t0.Add(2*time.Second)))
	e.ProcessReport(ctx, anchorReport("A4", t0.Add(3*time.Second)))
	assert.Equal(t, 1, solver.calls)

	solver.fail = false
	changed := anchorReport("A4", t0.Add(4*time.Second))
	changed.Samples[0].Range += 0.01
	out = e.ProcessReport(ctx, changed)
	assert.Equal(t, 2, solver.calls)
	assert.True(t, out.Has(uwb.EventFrameExtended), "events: %v", out.Events)
	assert.True(t, e.Frame().Contains("A4"))
}

func TestAnchorWithFewRangesNeverSolves(t *testing.T) {
	solver := &countingSolver{Solver: testSolver()}
	e := newTestEngine(t, func(o *Options) { o.Solver = solver })
	ctx := context.Background()
	for _, a := range anchorOrder[:4] {
		r := anchorReport(a, t0)
		r.Samples = r.Samples[:3] // drop the range to A4
		e.ProcessReport(ctx, r)
	}
	require.True(t, e.Frame().Initialized)

	// A4 only ranges to three frame members and nobody else ranges to it.
	late := anchorReport("A4", t0.Add(time.Second))
	late.Samples = late.Samples[:3]
	for i := 0; i < 5; i++ {
		e.ProcessReport(ctx, late)
	}
	assert.Zero(t, solver.calls)
	assert.False(t, e.Frame().Contains("A4"))
}

type recordingPublisher struct{ seqs []uint64 }

func (p *recordingPublisher) PublishSnapshot(s *Snapshot) { p.seqs = append(p.seqs, s.Seq) }

func TestPublishersReceiveEverySnapshot(t *testing.T) {
	pub := &recordingPublisher{}
	e := newTestEngine(t, func(o *Options) { o.Publishers = []SnapshotPublisher{pub} })
	ctx := context.Background()
	for _, a := range anchorOrder {
		e.ProcessReport(ctx, anchorReport(a, t0))
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, pub.seqs)
	assert.Equal(t, e.Snapshot().Seq, pub.seqs[len(pub.seqs)-1])
}

func TestRoleReportIsIdempotent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	r := uwb.Report{DeviceAddress: "X1", Role: rolePtr(uwb.RoleAnchor), ReceivedAt: t0}

	first := e.ProcessReport(ctx, r)
	assert.True(t, first.Has(uwb.EventDeviceAdded))
	snap1 := e.Snapshot()

	second := e.ProcessReport(ctx, r)
	assert.Empty(t, second.Events)
	snap2 := e.Snapshot()

	if diff := cmp.Diff(snap1.Devices, snap2.Devices); diff != "" {
		t.Errorf("registry changed on repeated report (-first +second):\n%s", diff)
	}

	third := e.ProcessReport(ctx, uwb.Report{DeviceAddress: "X1", Role: rolePtr(uwb.RoleTag), ReceivedAt: t0})
	assert.True(t, third.Has(uwb.EventRoleChanged))
	fourth := e.ProcessReport(ctx, uwb.Report{DeviceAddress: "X1", Role: rolePtr(uwb.RoleTag), ReceivedAt: t0})
	assert.False(t, fourth.Has(uwb.EventRoleChanged))
}

func TestParseErrorsLeaveStateUntouched(t *testing.T) {
	var seen []uwb.Event
	e := newTestEngine(t, func(o *Options) {
		o.Sinks = []uwb.EventSink{uwb.EventSinkFunc(func(ev uwb.Event) { seen = append(seen, ev) })}
	})

	out := e.ProcessReport(context.Background(), uwb.Report{Samples: []uwb.RangingSample{{Peer: "A0", Range: 1}}})
	require.True(t, out.Has(uwb.EventParseError))
	assert.ErrorIs(t, out.Events[0].Err, uwb.ErrParse)

	bogus := uwb.Role("BEACON")
	out = e.ProcessReport(context.Background(), uwb.Report{DeviceAddress: "Z", Role: &bogus})
	assert.True(t, out.Has(uwb.EventParseError))

	assert.Zero(t, e.Processed())
	assert.Empty(t, e.Snapshot().Devices)
	assert.Len(t, seen, 2)
}

func TestSinksReceiveEventsInOrder(t *testing.T) {
	var kinds []uwb.EventKind
	e := newTestEngine(t, nil)
	e.AddSink(uwb.EventSinkFunc(func(ev uwb.Event) { kinds = append(kinds, ev.Kind) }))

	ctx := context.Background()
	for _, a := range anchorOrder[:4] {
		e.ProcessReport(ctx, anchorReport(a, t0))
	}
	want := []uwb.EventKind{
		uwb.EventDeviceAdded,
		uwb.EventDeviceAdded,
		uwb.EventDeviceAdded,
		uwb.EventDeviceAdded,
		uwb.EventFrameInitialized,
	}
	if diff := cmp.Diff(want, kinds, cmpopts.IgnoreSliceElements(func(k uwb.EventKind) bool {
		return k == uwb.EventPoorGeometry
	})); diff != "" {
		t.Errorf("event order mismatch (-want +got):\n%s", diff)
	}
}

func TestRecalibrationReplacesFrame(t *testing.T) {
	e := bootstrapped(t, func(o *Options) { o.RecalibrationInterval = 10 })
	ctx := context.Background()
	start := e.Frame()

	var recalibrated int
	for i := int(e.Processed()); i < 20; i++ {
		out := e.ProcessReport(ctx, tagReport("T0", r3.Vec{X: 2, Y: 2, Z: 1}, anchorOrder, t0.Add(time.Duration(i)*time.Second)))
		if out.Has(uwb.EventRecalibrated) {
			recalibrated++
			assert.Zero(t, e.Processed()%10)
		}
	}
	assert.Equal(t, 2, recalibrated)

	f := e.Frame()
	assert.NotEqual(t, start.ID, f.ID)
	assert.Equal(t, start.Len(), f.Len())
	for _, a := range anchorOrder {
		p, ok := f.Position(a)
		require.True(t, ok)
		assertVecNear(t, layout[a], p, 1e-4)
	}
}

func TestDegenerateRecalibrationRetainsFrame(t *testing.T) {
	e := bootstrapped(t, func(o *Options) {
		o.RecalibrationSource = config.RecalibrateFromMeasured
	})
	ctx := context.Background()
	live := e.Frame()

	// Re-measure the reference triangle as collinear: d01=5, d02=10, d12=5.
	collinear := map[[2]string]float64{
		{"A0", "A1"}: 5, {"A0", "A2"}: 10, {"A1", "A2"}: 5,
	}
	for _, a := range anchorOrder[:3] {
		r := anchorReport(a, t0.Add(time.Minute))
		for i, s := range r.Samples {
			if v, ok := collinear[[2]string{a, s.Peer}]; ok {
				r.Samples[i].Range = v
			}
			if v, ok := collinear[[2]string{s.Peer, a}]; ok {
				r.Samples[i].Range = v
			}
		}
		e.ProcessReport(ctx, r)
	}

	err := e.Recalibrate(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, uwb.ErrSingularGeometry), "got %v", err)
	assert.Same(t, live, e.Frame())

	// The report-driven path recovers the failure as an event.
	e.opts.RecalibrationInterval = 1
	out := e.ProcessReport(ctx, anchorReport("A3", t0.Add(2*time.Minute)))
	assert.True(t, out.Has(uwb.EventRecalibrateFailed), "events: %v", out.Events)
	assert.Same(t, live, e.Frame())
}

func TestConcurrentReadersSeeWholeFrames(t *testing.T) {
	e := bootstrapped(t, func(o *Options) { o.RecalibrationInterval = 1 })

	var stop atomic.Bool
	var wg sync.WaitGroup
	var checked atomic.Int64
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				f := e.Frame()
				anchors := f.Anchors()
				for i := 0; i < len(anchors); i++ {
					for j := i + 1; j < len(anchors); j++ {
						pi, _ := f.Position(anchors[i])
						pj, _ := f.Position(anchors[j])
						want := dist(layout[anchors[i]], layout[anchors[j]])
						if got := dist(pi, pj); got-want > 1e-3 || want-got > 1e-3 {
							t.Errorf("frame %s mixes generations: |%s-%s| = %f, want %f", f.ID, anchors[i], anchors[j], got, want)
							return
						}
					}
				}
				_ = e.Snapshot()
				checked.Add(1)
			}
		}()
	}

	ctx := context.Background()
	ids := map[string]bool{}
	for i := 0; i < 100; i++ {
		e.ProcessReport(ctx, tagReport("T0", r3.Vec{X: 2, Y: 1, Z: 1}, anchorOrder, t0.Add(time.Duration(i)*time.Second)))
		ids[e.Frame().ID.String()] = true
	}
	stop.Store(true)
	wg.Wait()

	assert.Greater(t, len(ids), 50, "recalibration should swap the frame on every report")
	assert.Positive(t, checked.Load())
}

func TestAnchorLeavingRoleShrinksFrame(t *testing.T) {
	e := bootstrapped(t, nil)
	ctx := context.Background()

	out := e.ProcessReport(ctx, uwb.Report{DeviceAddress: "A4", Role: rolePtr(uwb.RoleTag), ReceivedAt: t0.Add(time.Minute)})
	assert.True(t, out.Has(uwb.EventRoleChanged))
	assert.True(t, out.Has(uwb.EventFrameMemberLeft))
	assert.False(t, e.Frame().Contains("A4"))
	assert.Equal(t, 4, e.Frame().Len())

	out = e.ProcessReport(ctx, uwb.Report{DeviceAddress: "A3", Role: rolePtr(uwb.RoleTag), ReceivedAt: t0.Add(2 * time.Minute)})
	assert.True(t, out.Has(uwb.EventFrameMemberLeft))
	assert.False(t, e.Frame().Initialized)

	for _, d := range e.Snapshot().Devices {
		if d.Role != uwb.RoleAnchor {
			continue
		}
		assert.False(t, d.InFrame, "%s still marked in frame", d.Address)
	}
}

func TestFixedAnchorsArePinned(t *testing.T) {
	fixed := map[string]r3.Vec{}
	for _, a := range anchorOrder {
		fixed[a] = layout[a]
	}
	e := newTestEngine(t, func(o *Options) {
		o.FixedAnchors = fixed
		o.RecalibrationInterval = 1
	})
	f := e.Frame()
	require.True(t, f.Initialized)
	assert.Equal(t, 5, f.Len())

	target := r3.Vec{X: 4, Y: 1, Z: 0.5}
	out := e.ProcessReport(context.Background(), tagReport("T1", target, anchorOrder, t0))
	require.True(t, out.Updated)
	assert.False(t, out.Has(uwb.EventRecalibrated))
	assert.Same(t, f, e.Frame())

	d, _ := e.Snapshot().Device("T1")
	assertVecNear(t, target, d.Position.Vec(), 1e-4)
}

func TestFixedAnchorsNeedFour(t *testing.T) {
	opts := DefaultOptions()
	opts.FixedAnchors = map[string]r3.Vec{"A0": {}, "A1": {X: 1}}
	_, err := New(opts)
	assert.ErrorIs(t, err, uwb.ErrInsufficientAnchors)
}

func TestShortAddressPeersResolve(t *testing.T) {
	eui := map[string]string{
		"A0": "0A:00:00:00:00:00:00:01",
		"A1": "0B:00:00:00:00:00:00:02",
		"A2": "0C:00:00:00:00:00:00:03",
		"A3": "0D:00:00:00:00:00:00:04",
	}
	short := map[string]string{"A0": "000A", "A1": "000B", "A2": "000C", "A3": "000D"}
	names := []string{"A0", "A1", "A2", "A3"}

	e := newTestEngine(t, nil)
	ctx := context.Background()
	for _, a := range names {
		var samples []uwb.RangingSample
		for _, p := range names {
			if p != a {
				samples = append(samples, uwb.RangingSample{Peer: short[p], Range: dist(layout[a], layout[p])})
			}
		}
		e.ProcessReport(ctx, uwb.Report{DeviceAddress: eui[a], Role: rolePtr(uwb.RoleAnchor), Samples: samples, ReceivedAt: t0})
	}
	require.True(t, e.Frame().Initialized)

	target := r3.Vec{X: 2, Y: 1.5, Z: 1}
	var samples []uwb.RangingSample
	for _, a := range names {
		samples = append(samples, uwb.RangingSample{Peer: short[a], Range: dist(target, layout[a])})
	}
	out := e.ProcessReport(ctx, uwb.Report{DeviceAddress: "T0", Role: rolePtr(uwb.RoleTag), Samples: samples, ReceivedAt: t0})
	require.True(t, out.Updated, "events: %v", out.Events)

	d, _ := e.Snapshot().Device("T0")
	assertVecNear(t, target, d.Position.Vec(), 1e-4)
}

func TestHeartbeatRefreshesTimestampOnly(t *testing.T) {
	e := bootstrapped(t, nil)
	ctx := context.Background()
	target := r3.Vec{X: 1, Y: 1, Z: 1}
	e.ProcessReport(ctx, tagReport("T0", target, anchorOrder, t0))
	before, _ := e.Snapshot().Device("T0")

	out := e.ProcessReport(ctx, uwb.Report{DeviceAddress: "T0", ReceivedAt: t0.Add(time.Hour)})
	assert.Empty(t, out.Events)
	after, _ := e.Snapshot().Device("T0")
	assert.Equal(t, before.Position, after.Position)
	assert.Equal(t, t0.Add(time.Hour), after.LastUpdated)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultEngineConfig()
	method := multilat.MethodNelderMead
	cfg.SolverMethod = &method
	zero := 0
	cfg.HistorySize = &zero
	cfg.FixedAnchors = map[string][3]float64{
		"A0": {0, 0, 0}, "A1": {1, 0, 0}, "A2": {0, 1, 0}, "A3": {0, 0, 1},
	}

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.IsType(t, &multilat.NelderMeadSolver{}, opts.Solver)
	assert.Equal(t, -1, opts.HistorySize)
	assert.Equal(t, r3.Vec{Z: 1}, opts.FixedAnchors["A3"])
	assert.Equal(t, 5.0, opts.Kalman.MeasurementNoise)

	bad := config.EmptyEngineConfig()
	policy := "sideways"
	bad.QueuePolicy = &policy
	_, err = OptionsFromConfig(bad)
	assert.Error(t, err)
}
