// Package location holds the map viewport and location-selection state shared
// by every page that embeds a map.
//
// A Store is constructed per application session with its collaborators
// injected. Asynchronous work (geolocation, reverse geocoding, nearby report
// lookups) runs on goroutines bound to the Store's lifetime. Every kind of
// request carries a generation number; a result whose generation is no longer
// current is dropped, and starting a new request cancels the previous one.
package location

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrUnsupported is returned by a Geolocator that cannot produce a position.
var ErrUnsupported = errors.New("location: geolocation unsupported")

// ErrClosed is returned by mutators called after Close.
var ErrClosed = errors.New("location: store closed")

const (
	DefaultZoom           = 13
	DefaultCloseZoom      = 16
	DefaultNearbyRadiusKm = 5.0
)

// DefaultCenter is the fallback viewport center used until a position is known.
var DefaultCenter = Point{Lat: 40.7128, Lng: -74.0060}

// Geolocator performs a single best-effort position read.
type Geolocator interface {
	CurrentPosition(ctx context.Context) (Point, error)
}

// ReverseGeocoder turns coordinates into a display address.
type ReverseGeocoder interface {
	ReverseGeocode(ctx context.Context, p Point) (string, error)
}

// ReportFinder returns reports around a point.
type ReportFinder interface {
	NearbyReports(ctx context.Context, center Point, radiusKm float64) ([]Report, error)
}

// MapHandle is the live map instance. Implementations must be comparable
// (pointer types) so the Store can tell handles apart.
type MapHandle interface {
	SetView(center Point, zoom int)
	FlyTo(center Point, zoom int)
}

type Options struct {
	Geolocator     Geolocator
	Geocoder       ReverseGeocoder
	Finder         ReportFinder
	Logger         *slog.Logger
	Center         *Point
	Zoom           int
	CloseZoom      int
	NearbyRadiusKm float64
}

// State is a point-in-time copy of a Store.
type State struct {
	Center           Point    `json:"center"`
	Zoom             int      `json:"zoom"`
	UserLocation     *Point   `json:"userLocation"`
	SelectedLocation *Point   `json:"selectedLocation"`
	SelectedAddress  string   `json:"selectedAddress"`
	MapReady         bool     `json:"mapReady"`
	NearbyReports    []Report `json:"nearbyReports"`
}

type EventKind string

const (
	EventChanged            EventKind = "changed"
	EventGeolocationFailed  EventKind = "geolocation_failed"
	EventReverseGeocodeFail EventKind = "reverse_geocode_failed"
	EventNearbyFailed       EventKind = "nearby_failed"
)

// Event is delivered to subscribers after every state change or swallowed
// collaborator failure.
type Event struct {
	Kind  EventKind
	State State
	Err   error
}

type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

type listener struct {
	id int
	fn func(Event)
}

type Store struct {
	geolocator Geolocator
	geocoder   ReverseGeocoder
	finder     ReportFinder
	log        *slog.Logger
	closeZoom  int
	radiusKm   float64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	initOnce sync.Once

	mu               sync.Mutex
	closed           bool
	center           Point
	zoom             int
	userLocation     *Point
	selectedLocation *Point
	selectedAddress  string
	handle           MapHandle
	nearby           []Report

	locate  flight
	geocode flight
	reports flight

	listeners    []listener
	nextListener int
}

// New creates a Store. Collaborators left nil degrade the same way their
// failures do: no position, no address, no nearby reports.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	center := DefaultCenter
	if opts.Center != nil {
		center = *opts.Center
	}
	zoom := opts.Zoom
	if zoom <= 0 {
		zoom = DefaultZoom
	}
	closeZoom := opts.CloseZoom
	if closeZoom <= 0 {
		closeZoom = DefaultCloseZoom
	}
	radius := opts.NearbyRadiusKm
	if radius <= 0 {
		radius = DefaultNearbyRadiusKm
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		geolocator: opts.Geolocator,
		geocoder:   opts.Geocoder,
		finder:     opts.Finder,
		log:        logger,
		closeZoom:  closeZoom,
		radiusKm:   radius,
		ctx:        ctx,
		cancel:     cancel,
		center:     center,
		zoom:       zoom,
	}
}

// Initialize requests the user's position once per Store.
func (s *Store) Initialize() {
	s.initOnce.Do(s.Locate)
}

// Locate performs a fresh one-shot geolocation read. On success the user
// location is recorded, the viewport recentred and nearby reports fetched.
func (s *Store) Locate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.geolocator == nil {
		s.mu.Unlock()
		s.log.Debug("geolocation unavailable", "err", ErrUnsupported)
		s.emit(EventGeolocationFailed, ErrUnsupported)
		return
	}
	gen, ctx := s.startLocked(&s.locate)
	geolocator := s.geolocator
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		p, err := geolocator.CurrentPosition(ctx)
		if err == nil {
			err = p.Validate()
		}

		s.mu.Lock()
		if s.closed || gen != s.locate.gen {
			s.mu.Unlock()
			return
		}
		s.finishLocked(&s.locate)
		if err != nil {
			s.mu.Unlock()
			s.log.Info("geolocation failed, keeping default center", "err", err)
			s.emit(EventGeolocationFailed, err)
			return
		}
		s.userLocation = &p
		s.center = p
		s.mu.Unlock()

		s.emit(EventChanged, nil)
		s.RefreshNearby()
	}()
}

// RefreshNearby re-fetches reports around the user location. It is a no-op
// until a user location is known.
func (s *Store) RefreshNearby() {
	s.mu.Lock()
	if s.closed || s.finder == nil || s.userLocation == nil {
		s.mu.Unlock()
		return
	}
	center := *s.userLocation
	gen, ctx := s.startLocked(&s.reports)
	finder := s.finder
	radius := s.radiusKm
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		found, err := finder.NearbyReports(ctx, center, radius)

		s.mu.Lock()
		if s.closed || gen != s.reports.gen {
			s.mu.Unlock()
			return
		}
		s.finishLocked(&s.reports)
		if err != nil {
			s.mu.Unlock()
			s.log.Warn("nearby reports fetch failed", "lat", center.Lat, "lng", center.Lng, "err", err)
			s.emit(EventNearbyFailed, err)
			return
		}
		s.nearby = append([]Report(nil), found...)
		s.mu.Unlock()

		s.emit(EventChanged, nil)
	}()
}

// SetMapReady records the live map handle. Setting the same handle again is
// a no-op.
func (s *Store) SetMapReady(h MapHandle) {
	s.mu.Lock()
	if s.closed || h == nil || s.handle == h {
		s.mu.Unlock()
		return
	}
	s.handle = h
	s.mu.Unlock()
	s.emit(EventChanged, nil)
}

// ReleaseMap clears the handle if h is still the registered one.
func (s *Store) ReleaseMap(h MapHandle) {
	s.mu.Lock()
	if s.handle == nil || s.handle != h {
		s.mu.Unlock()
		return
	}
	s.handle = nil
	s.mu.Unlock()
	s.emit(EventChanged, nil)
}

// HandleMapClick selects p and starts reverse geocoding it. The selection is
// visible as soon as HandleMapClick returns; the address follows later, and
// only if no newer click or manual edit happened in between.
func (s *Store) HandleMapClick(p Point) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.selectedLocation = &p
	gen, ctx := s.startLocked(&s.geocode)
	geocoder := s.geocoder
	if geocoder != nil {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	s.emit(EventChanged, nil)
	if geocoder == nil {
		return nil
	}

	go func() {
		defer s.wg.Done()
		address, err := geocoder.ReverseGeocode(ctx, p)

		s.mu.Lock()
		if s.closed || gen != s.geocode.gen {
			s.mu.Unlock()
			return
		}
		s.finishLocked(&s.geocode)
		if err != nil || address == "" {
			s.mu.Unlock()
			if err == nil {
				err = errors.New("empty address")
			}
			s.log.Warn("reverse geocode failed", "lat", p.Lat, "lng", p.Lng, "err", err)
			s.emit(EventReverseGeocodeFail, err)
			return
		}
		s.selectedAddress = address
		s.mu.Unlock()

		s.emit(EventChanged, nil)
	}()
	return nil
}

// CenterOnUserLocation moves the map to the user location at close zoom.
// It reports whether a command was issued.
func (s *Store) CenterOnUserLocation() bool {
	s.mu.Lock()
	h := s.handle
	user := clonePoint(s.userLocation)
	zoom := s.closeZoom
	s.mu.Unlock()

	if h == nil || user == nil {
		return false
	}
	h.SetView(*user, zoom)
	return true
}

// FlyTo animates the map to p. zoom <= 0 keeps the current zoom.
func (s *Store) FlyTo(p Point, zoom int) bool {
	if p.Validate() != nil {
		return false
	}
	s.mu.Lock()
	h := s.handle
	if zoom <= 0 {
		zoom = s.zoom
	}
	s.mu.Unlock()

	if h == nil {
		return false
	}
	h.FlyTo(p, zoom)
	return true
}

// Recenter moves the shared viewport. Mounted views follow.
func (s *Store) Recenter(p Point, zoom int) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.center = p
	if zoom > 0 {
		s.zoom = zoom
	}
	s.mu.Unlock()
	s.emit(EventChanged, nil)
	return nil
}

// SetSelectedLocation seeds or clears the selection without geocoding.
// Any in-flight reverse geocode is abandoned.
func (s *Store) SetSelectedLocation(p *Point) error {
	if p != nil {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.abandonLocked(&s.geocode)
	s.selectedLocation = clonePoint(p)
	s.mu.Unlock()
	s.emit(EventChanged, nil)
	return nil
}

// SetSelectedAddress overwrites the address with user text. A pending
// reverse geocode will not replace it.
func (s *Store) SetSelectedAddress(address string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.abandonLocked(&s.geocode)
	s.selectedAddress = address
	s.mu.Unlock()
	s.emit(EventChanged, nil)
}

// ClearSelection drops the selected point and address.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.abandonLocked(&s.geocode)
	s.selectedLocation = nil
	s.selectedAddress = ""
	s.mu.Unlock()
	s.emit(EventChanged, nil)
}

// Selection returns the values a consuming form copies into its payload.
func (s *Store) Selection() (*Point, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePoint(s.selectedLocation), s.selectedAddress
}

func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	return State{
		Center:           s.center,
		Zoom:             s.zoom,
		UserLocation:     clonePoint(s.userLocation),
		SelectedLocation: clonePoint(s.selectedLocation),
		SelectedAddress:  s.selectedAddress,
		MapReady:         s.handle != nil,
		NearbyReports:    append([]Report(nil), s.nearby...),
	}
}

// Subscribe registers fn for every subsequent event. Callbacks run on the
// goroutine that caused the change and must not block.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners = append(s.listeners, listener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

// Wait blocks until all in-flight collaborator calls have settled.
func (s *Store) Wait() {
	s.wg.Wait()
}

// Close cancels in-flight requests and waits for them. Results arriving
// after Close are discarded.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.handle = nil
	s.listeners = nil
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Store) emit(kind EventKind, err error) {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	fns := make([]func(Event), 0, len(s.listeners))
	for _, l := range s.listeners {
		fns = append(fns, l.fn)
	}
	ev := Event{Kind: kind, State: s.snapshotLocked(), Err: err}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) startLocked(f *flight) (uint64, context.Context) {
	if f.cancel != nil {
		f.cancel()
	}
	f.gen++
	ctx, cancel := context.WithCancel(s.ctx)
	f.cancel = cancel
	return f.gen, ctx
}

func (s *Store) finishLocked(f *flight) {
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

func (s *Store) abandonLocked(f *flight) {
	s.finishLocked(f)
	f.gen++
}
