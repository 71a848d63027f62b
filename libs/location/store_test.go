package location

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedGeolocator struct {
	p   Point
	err error
}

func (g fixedGeolocator) CurrentPosition(context.Context) (Point, error) {
	return g.p, g.err
}

type geocodeResult struct {
	address string
	err     error
}

// gatedGeocoder blocks each lookup until the test releases the result for
// that point, so callers can control completion order.
type gatedGeocoder struct {
	mu    sync.Mutex
	gates map[Point]chan geocodeResult
}

func newGatedGeocoder() *gatedGeocoder {
	return &gatedGeocoder{gates: map[Point]chan geocodeResult{}}
}

func (g *gatedGeocoder) gate(p Point) chan geocodeResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[p]
	if !ok {
		ch = make(chan geocodeResult, 1)
		g.gates[p] = ch
	}
	return ch
}

func (g *gatedGeocoder) ReverseGeocode(ctx context.Context, p Point) (string, error) {
	select {
	case res := <-g.gate(p):
		return res.address, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *gatedGeocoder) release(p Point, address string, err error) {
	g.gate(p) <- geocodeResult{address: address, err: err}
}

type staticGeocoder map[Point]string

func (g staticGeocoder) ReverseGeocode(_ context.Context, p Point) (string, error) {
	if a, ok := g[p]; ok {
		return a, nil
	}
	return "", errors.New("no result")
}

type fakeFinder struct {
	mu      sync.Mutex
	calls   []Point
	radius  float64
	reports []Report
	err     error
}

func (f *fakeFinder) NearbyReports(_ context.Context, center Point, radiusKm float64) ([]Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, center)
	f.radius = radiusKm
	return f.reports, f.err
}

// sequencedGeolocator answers each call only when the test releases that
// call's index. It ignores cancellation, like a slow upstream would.
type sequencedGeolocator struct {
	mu      sync.Mutex
	replies []chan Point
	started chan int
}

func newSequencedGeolocator() *sequencedGeolocator {
	return &sequencedGeolocator{started: make(chan int, 8)}
}

func (g *sequencedGeolocator) reply(i int) chan Point {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.replies[i]
}

func (g *sequencedGeolocator) CurrentPosition(context.Context) (Point, error) {
	g.mu.Lock()
	i := len(g.replies)
	g.replies = append(g.replies, make(chan Point, 1))
	ch := g.replies[i]
	g.mu.Unlock()
	g.started <- i
	return <-ch, nil
}

// sequencedFinder is the nearby-reports counterpart of sequencedGeolocator.
type sequencedFinder struct {
	mu      sync.Mutex
	replies []chan []Report
	started chan int
}

func newSequencedFinder() *sequencedFinder {
	return &sequencedFinder{started: make(chan int, 8)}
}

func (f *sequencedFinder) reply(i int) chan []Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies[i]
}

func (f *sequencedFinder) NearbyReports(context.Context, Point, float64) ([]Report, error) {
	f.mu.Lock()
	i := len(f.replies)
	f.replies = append(f.replies, make(chan []Report, 1))
	ch := f.replies[i]
	f.mu.Unlock()
	f.started <- i
	return <-ch, nil
}

type viewCall struct {
	kind   string
	center Point
	zoom   int
}

type fakeHandle struct {
	mu    sync.Mutex
	calls []viewCall
}

func (h *fakeHandle) SetView(center Point, zoom int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, viewCall{kind: "set", center: center, zoom: zoom})
}

func (h *fakeHandle) FlyTo(center Point, zoom int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, viewCall{kind: "fly", center: center, zoom: zoom})
}

func TestNewAppliesDefaults(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	st := s.Snapshot()
	assert.Equal(t, DefaultCenter, st.Center)
	assert.Equal(t, DefaultZoom, st.Zoom)
	assert.Nil(t, st.UserLocation)
	assert.Nil(t, st.SelectedLocation)
	assert.Empty(t, st.SelectedAddress)
	assert.False(t, st.MapReady)
	assert.Empty(t, st.NearbyReports)
}

func TestInitializeRecentresAndFetchesNearby(t *testing.T) {
	user := Point{Lat: 51.5, Lng: -0.12}
	finder := &fakeFinder{reports: []Report{
		NewReport("r1", "Pothole", "pothole", "Pending", Point{Lat: 51.501, Lng: -0.121}, ""),
	}}
	s := New(Options{Geolocator: fixedGeolocator{p: user}, Finder: finder})
	defer s.Close()

	s.Initialize()
	s.Wait()
	s.Initialize()
	s.Wait()

	st := s.Snapshot()
	require.NotNil(t, st.UserLocation)
	assert.Equal(t, user, *st.UserLocation)
	assert.Equal(t, user, st.Center)
	assert.Len(t, st.NearbyReports, 1)

	finder.mu.Lock()
	defer finder.mu.Unlock()
	assert.Equal(t, []Point{user}, finder.calls, "initialize must geolocate only once")
	assert.Equal(t, DefaultNearbyRadiusKm, finder.radius)
}

func TestInitializeGeolocationFailureKeepsDefaults(t *testing.T) {
	for name, g := range map[string]Geolocator{
		"denied":      fixedGeolocator{err: errors.New("permission denied")},
		"unsupported": nil,
		"bad fix":     fixedGeolocator{p: Point{Lat: 120, Lng: 0}},
	} {
		t.Run(name, func(t *testing.T) {
			finder := &fakeFinder{}
			s := New(Options{Geolocator: g, Finder: finder})
			defer s.Close()

			var failures []EventKind
			var mu sync.Mutex
			s.Subscribe(func(ev Event) {
				mu.Lock()
				defer mu.Unlock()
				failures = append(failures, ev.Kind)
			})

			s.Initialize()
			s.Wait()

			st := s.Snapshot()
			assert.Nil(t, st.UserLocation)
			assert.Equal(t, DefaultCenter, st.Center)
			assert.Empty(t, finder.calls)

			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, []EventKind{EventGeolocationFailed}, failures)
		})
	}
}

func TestHandleMapClickSetsSelectionSynchronously(t *testing.T) {
	geo := newGatedGeocoder()
	s := New(Options{Geocoder: geo})
	defer s.Close()

	p := Point{Lat: 40.0, Lng: -74.0}
	require.NoError(t, s.HandleMapClick(p))

	st := s.Snapshot()
	require.NotNil(t, st.SelectedLocation)
	assert.Equal(t, p, *st.SelectedLocation)
	assert.Empty(t, st.SelectedAddress)

	geo.release(p, "123 Main St", nil)
	s.Wait()

	loc, addr := s.Selection()
	require.NotNil(t, loc)
	assert.Equal(t, p, *loc)
	assert.Equal(t, "123 Main St", addr)
}

func TestHandleMapClickRejectsInvalidPoint(t *testing.T) {
	s := New(Options{Geocoder: staticGeocoder{}})
	defer s.Close()

	err := s.HandleMapClick(Point{Lat: 91, Lng: 0})
	assert.ErrorIs(t, err, ErrInvalidPoint)
	assert.Nil(t, s.Snapshot().SelectedLocation)
}

func TestLatestClickWinsRegardlessOfCompletionOrder(t *testing.T) {
	a := Point{Lat: 1, Lng: 1}
	b := Point{Lat: 2, Lng: 2}

	for name, order := range map[string][]Point{
		"older finishes last":  {b, a},
		"older finishes first": {a, b},
	} {
		t.Run(name, func(t *testing.T) {
			geo := newGatedGeocoder()
			s := New(Options{Geocoder: geo})
			defer s.Close()

			require.NoError(t, s.HandleMapClick(a))
			require.NoError(t, s.HandleMapClick(b))

			addresses := map[Point]string{a: "Address A", b: "Address B"}
			for _, p := range order {
				geo.release(p, addresses[p], nil)
			}
			s.Wait()

			st := s.Snapshot()
			require.NotNil(t, st.SelectedLocation)
			assert.Equal(t, b, *st.SelectedLocation)
			assert.Equal(t, "Address B", st.SelectedAddress)
		})
	}
}

func TestReverseGeocodeFailureLeavesAddressUnchanged(t *testing.T) {
	geo := newGatedGeocoder()
	s := New(Options{Geocoder: geo})
	defer s.Close()

	s.SetSelectedAddress("typed by hand")
	p := Point{Lat: 10, Lng: 10}
	require.NoError(t, s.HandleMapClick(p))
	geo.release(p, "", errors.New("upstream 503"))
	s.Wait()

	st := s.Snapshot()
	assert.Equal(t, "typed by hand", st.SelectedAddress)
	require.NotNil(t, st.SelectedLocation)
	assert.Equal(t, p, *st.SelectedLocation)
}

func TestManualAddressBeatsPendingGeocode(t *testing.T) {
	geo := newGatedGeocoder()
	s := New(Options{Geocoder: geo})
	defer s.Close()

	p := Point{Lat: 10, Lng: 10}
	require.NoError(t, s.HandleMapClick(p))
	s.SetSelectedAddress("Gate 4, loading dock")
	geo.release(p, "10 Somewhere Rd", nil)
	s.Wait()

	assert.Equal(t, "Gate 4, loading dock", s.Snapshot().SelectedAddress)
}

func TestViewportCommandsAreNoOpsWithoutHandle(t *testing.T) {
	s := New(Options{Geolocator: fixedGeolocator{p: Point{Lat: 5, Lng: 5}}})
	defer s.Close()
	s.Initialize()
	s.Wait()

	before := s.Snapshot()
	assert.False(t, s.CenterOnUserLocation())
	assert.False(t, s.FlyTo(Point{Lat: 1, Lng: 1}, 10))
	assert.Equal(t, before, s.Snapshot())
}

func TestCenterOnUserLocationRequiresUserLocation(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	h := &fakeHandle{}
	s.SetMapReady(h)
	assert.False(t, s.CenterOnUserLocation())
	assert.Empty(t, h.calls)
}

func TestCenterOnUserLocationUsesCloseZoom(t *testing.T) {
	user := Point{Lat: 5, Lng: 6}
	s := New(Options{Geolocator: fixedGeolocator{p: user}, CloseZoom: 17})
	defer s.Close()
	s.Initialize()
	s.Wait()

	h := &fakeHandle{}
	s.SetMapReady(h)
	before := s.Snapshot()

	assert.True(t, s.CenterOnUserLocation())
	assert.Equal(t, []viewCall{{kind: "set", center: user, zoom: 17}}, h.calls)
	assert.Equal(t, before, s.Snapshot(), "centering must not mutate state")
}

func TestFlyToKeepsZoomWhenUnset(t *testing.T) {
	s := New(Options{Zoom: 11})
	defer s.Close()

	h := &fakeHandle{}
	s.SetMapReady(h)

	target := Point{Lat: 48.85, Lng: 2.35}
	assert.True(t, s.FlyTo(target, 0))
	assert.True(t, s.FlyTo(target, 15))
	assert.False(t, s.FlyTo(Point{Lat: 0, Lng: 200}, 15))
	assert.Equal(t, []viewCall{
		{kind: "fly", center: target, zoom: 11},
		{kind: "fly", center: target, zoom: 15},
	}, h.calls)
}

func TestSetMapReadyIsIdempotent(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	changes := 0
	s.Subscribe(func(Event) { changes++ })

	h := &fakeHandle{}
	s.SetMapReady(h)
	s.SetMapReady(h)
	assert.True(t, s.Snapshot().MapReady)
	assert.Equal(t, 1, changes)

	s.ReleaseMap(&fakeHandle{})
	assert.True(t, s.Snapshot().MapReady, "releasing a foreign handle is ignored")

	s.ReleaseMap(h)
	assert.False(t, s.Snapshot().MapReady)
}

func TestSettersAndClearSelection(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	p := Point{Lat: -33.86, Lng: 151.2}
	require.NoError(t, s.SetSelectedLocation(&p))
	s.SetSelectedAddress("Harbour")
	p.Lat = 0

	loc, addr := s.Selection()
	require.NotNil(t, loc)
	assert.Equal(t, -33.86, loc.Lat, "store keeps its own copy")
	assert.Equal(t, "Harbour", addr)

	assert.ErrorIs(t, s.SetSelectedLocation(&Point{Lat: -91}), ErrInvalidPoint)

	s.ClearSelection()
	loc, addr = s.Selection()
	assert.Nil(t, loc)
	assert.Empty(t, addr)
}

func TestRefreshNearbyFailureKeepsPreviousReports(t *testing.T) {
	user := Point{Lat: 1, Lng: 2}
	finder := &fakeFinder{reports: []Report{NewReport("r1", "Leak", "water_leak", "Assigned", user, "")}}
	s := New(Options{Geolocator: fixedGeolocator{p: user}, Finder: finder})
	defer s.Close()
	s.Initialize()
	s.Wait()
	require.Len(t, s.Snapshot().NearbyReports, 1)

	finder.mu.Lock()
	finder.reports = nil
	finder.err = errors.New("db down")
	finder.mu.Unlock()

	s.RefreshNearby()
	s.Wait()
	assert.Len(t, s.Snapshot().NearbyReports, 1)
}

func TestRecenterNotifiesSubscribers(t *testing.T) {
	s := New(Options{})
	defer s.Close()

	var got State
	unsubscribe := s.Subscribe(func(ev Event) { got = ev.State })

	require.NoError(t, s.Recenter(Point{Lat: 3, Lng: 4}, 9))
	assert.Equal(t, Point{Lat: 3, Lng: 4}, got.Center)
	assert.Equal(t, 9, got.Zoom)

	unsubscribe()
	require.NoError(t, s.Recenter(Point{Lat: 5, Lng: 6}, 0))
	assert.Equal(t, Point{Lat: 3, Lng: 4}, got.Center)
	assert.Equal(t, 9, s.Snapshot().Zoom)
}

func TestCloseDiscardsInFlightResults(t *testing.T) {
	geo := newGatedGeocoder()
	s := New(Options{Geocoder: geo})

	p := Point{Lat: 7, Lng: 7}
	require.NoError(t, s.HandleMapClick(p))

	s.Close()
	geo.release(p, "too late", nil)
	s.Wait()

	assert.Empty(t, s.Snapshot().SelectedAddress)
	assert.ErrorIs(t, s.HandleMapClick(p), ErrClosed)
}

func TestLatestNearbyRefreshWinsOverSlowerEarlierOne(t *testing.T) {
	finder := newSequencedFinder()
	s := New(Options{Geolocator: fixedGeolocator{p: Point{Lat: 1, Lng: 1}}, Finder: finder})
	defer s.Close()

	s.Initialize()
	require.Equal(t, 0, <-finder.started)
	s.RefreshNearby()
	require.Equal(t, 1, <-finder.started)

	second := NewReport("second", "Second", "other", "Pending", Point{Lat: 1, Lng: 1}, "")
	first := NewReport("first", "First", "other", "Pending", Point{Lat: 1, Lng: 1}, "")
	finder.reply(1) <- []Report{second}
	finder.reply(0) <- []Report{first}
	s.Wait()

	st := s.Snapshot()
	require.Len(t, st.NearbyReports, 1)
	assert.Equal(t, "second", st.NearbyReports[0].ID)
}

func TestLatestLocateWinsOverSlowerEarlierOne(t *testing.T) {
	geo := newSequencedGeolocator()
	s := New(Options{Geolocator: geo})
	defer s.Close()

	s.Initialize()
	require.Equal(t, 0, <-geo.started)
	s.Locate()
	require.Equal(t, 1, <-geo.started)

	older := Point{Lat: 10, Lng: 10}
	newer := Point{Lat: 20, Lng: 20}
	geo.reply(1) <- newer
	geo.reply(0) <- older
	s.Wait()

	st := s.Snapshot()
	require.NotNil(t, st.UserLocation)
	assert.Equal(t, newer, *st.UserLocation)
	assert.Equal(t, newer, st.Center)
}
