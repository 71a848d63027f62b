package mapview

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb/geojson"

	"civicpulse/libs/location"
)

// Surface is the rendering side of a map: a browser tab, a test recorder, a
// static image renderer.
type Surface interface {
	SetView(center location.Point, zoom int, animate bool)
	Render(markers []Marker)
}

// Notifier is implemented by surfaces that want to show non-fatal failures
// (denied geolocation, failed address lookup) to the user.
type Notifier interface {
	Notice(kind location.EventKind, err error)
}

type Options struct {
	Height           string
	ShowReports      bool
	AllowSelection   bool
	ShowUserLocation bool
	// ReportData overrides the store's nearby reports when non-nil, even if
	// empty.
	ReportData []location.Report
	// DetailPath builds the popup link for a report. Defaults to /reports/{id}.
	DetailPath func(id string) string
}

type MarkerKind string

const (
	MarkerUser     MarkerKind = "user"
	MarkerSelected MarkerKind = "selected"
	MarkerReport   MarkerKind = "report"
)

type Popup struct {
	Title       string `json:"title,omitempty"`
	Category    string `json:"category,omitempty"`
	Status      string `json:"status,omitempty"`
	Coordinates string `json:"coordinates,omitempty"`
	DetailURL   string `json:"detailUrl,omitempty"`
}

type Marker struct {
	Kind     MarkerKind     `json:"kind"`
	ID       string         `json:"id,omitempty"`
	Position location.Point `json:"position"`
	Style    MarkerStyle    `json:"style"`
	Pulse    bool           `json:"pulse,omitempty"`
	Popup    Popup          `json:"popup"`
}

var (
	userStyle     = MarkerStyle{Color: ColorBlue, Icon: "user"}
	selectedStyle = MarkerStyle{Color: ColorDefault, Icon: "pin"}
)

// View binds one Surface to a Store. It implements location.MapHandle so the
// store's viewport commands reach the surface.
type View struct {
	store   *location.Store
	surface Surface
	opts    Options

	mu          sync.Mutex
	mounted     bool
	unsubscribe func()
	synced      bool
	syncedTo    location.Point
	syncedZoom  int
	viewCenter  location.Point
	viewZoom    int
}

func New(store *location.Store, surface Surface, opts Options) *View {
	if opts.DetailPath == nil {
		opts.DetailPath = func(id string) string { return "/reports/" + id }
	}
	return &View{store: store, surface: surface, opts: opts}
}

// Mount registers the view as the store's map handle and pushes the current
// viewport and markers to the surface. Mounting twice is a no-op.
func (v *View) Mount() {
	v.mu.Lock()
	if v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = true
	v.mu.Unlock()

	unsubscribe := v.store.Subscribe(v.onEvent)
	v.mu.Lock()
	v.unsubscribe = unsubscribe
	v.mu.Unlock()

	v.store.SetMapReady(v)
	v.sync(v.store.Snapshot())
}

// Unmount releases the store handle and stops following store changes.
func (v *View) Unmount() {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.mounted = false
	unsubscribe := v.unsubscribe
	v.unsubscribe = nil
	v.synced = false
	v.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	v.store.ReleaseMap(v)
}

func (v *View) SetView(center location.Point, zoom int) {
	v.moveSurface(center, zoom, false)
}

func (v *View) FlyTo(center location.Point, zoom int) {
	v.moveSurface(center, zoom, true)
}

// Click forwards a surface click to the store when selection is enabled.
// It reports whether the click was forwarded.
func (v *View) Click(p location.Point) (bool, error) {
	if !v.opts.AllowSelection {
		return false, nil
	}
	if err := v.store.HandleMapClick(p); err != nil {
		return false, err
	}
	return true, nil
}

// Pan records a viewport change made on the surface itself (drag, scroll
// zoom). The store is not updated.
func (v *View) Pan(center location.Point, zoom int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.viewCenter = center
	v.viewZoom = zoom
}

// Viewport returns what the surface is currently showing.
func (v *View) Viewport() (location.Point, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewCenter, v.viewZoom
}

func (v *View) Options() Options {
	return v.opts
}

// Markers returns the markers for the store's current state.
func (v *View) Markers() []Marker {
	return v.markersFor(v.store.Snapshot())
}

func (v *View) markersFor(st location.State) []Marker {
	var markers []Marker

	if v.opts.ShowUserLocation && st.UserLocation != nil {
		markers = append(markers, Marker{
			Kind:     MarkerUser,
			Position: *st.UserLocation,
			Style:    userStyle,
			Pulse:    true,
			Popup:    Popup{Title: "Your location"},
		})
	}

	if v.opts.AllowSelection && st.SelectedLocation != nil {
		p := *st.SelectedLocation
		markers = append(markers, Marker{
			Kind:     MarkerSelected,
			Position: p,
			Style:    selectedStyle,
			Popup: Popup{
				Title:       "Selected location",
				Coordinates: fmt.Sprintf("%.6f, %.6f", p.Lat, p.Lng),
			},
		})
	}

	if v.opts.ShowReports {
		reports := st.NearbyReports
		if v.opts.ReportData != nil {
			reports = v.opts.ReportData
		}
		for _, r := range reports {
			p, ok := r.Point()
			if !ok {
				continue
			}
			markers = append(markers, Marker{
				Kind:     MarkerReport,
				ID:       r.ID,
				Position: p,
				Style:    StyleForLabel(r.Status),
				Popup: Popup{
					Title:     r.Title,
					Category:  r.Category,
					Status:    r.Status,
					DetailURL: v.opts.DetailPath(r.ID),
				},
			})
		}
	}

	return markers
}

// FeatureCollection renders the current markers as GeoJSON points.
func (v *View) FeatureCollection() *geojson.FeatureCollection {
	return MarkersToGeoJSON(v.Markers())
}

func MarkersToGeoJSON(markers []Marker) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, m := range markers {
		f := geojson.NewFeature(m.Position.Orb())
		if m.ID != "" {
			f.ID = m.ID
		}
		f.Properties["kind"] = string(m.Kind)
		f.Properties["color"] = m.Style.Color
		f.Properties["icon"] = m.Style.Icon
		if m.Style.Default {
			f.Properties["defaultStyle"] = true
		}
		if m.Pulse {
			f.Properties["pulse"] = true
		}
		setIfPresent(f.Properties, "title", m.Popup.Title)
		setIfPresent(f.Properties, "category", m.Popup.Category)
		setIfPresent(f.Properties, "status", m.Popup.Status)
		setIfPresent(f.Properties, "coordinates", m.Popup.Coordinates)
		setIfPresent(f.Properties, "detailUrl", m.Popup.DetailURL)
		fc.Append(f)
	}
	return fc
}

func setIfPresent(props geojson.Properties, key, value string) {
	if value != "" {
		props[key] = value
	}
}

func (v *View) onEvent(ev location.Event) {
	if ev.Kind != location.EventChanged {
		if n, ok := v.surface.(Notifier); ok {
			n.Notice(ev.Kind, ev.Err)
		}
		return
	}
	v.sync(ev.State)
}

// sync pushes store state to the surface. The viewport is only re-applied
// when the store's center or zoom moved since the last push, so a user pan is
// not undone by unrelated changes such as a new selection.
func (v *View) sync(st location.State) {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	moveView := !v.synced || st.Center != v.syncedTo || st.Zoom != v.syncedZoom
	if moveView {
		v.synced = true
		v.syncedTo = st.Center
		v.syncedZoom = st.Zoom
		v.viewCenter = st.Center
		v.viewZoom = st.Zoom
	}
	v.mu.Unlock()

	if moveView {
		v.surface.SetView(st.Center, st.Zoom, false)
	}
	v.surface.Render(v.markersFor(st))
}

func (v *View) moveSurface(center location.Point, zoom int, animate bool) {
	v.mu.Lock()
	if !v.mounted {
		v.mu.Unlock()
		return
	}
	v.viewCenter = center
	v.viewZoom = zoom
	v.mu.Unlock()

	v.surface.SetView(center, zoom, animate)
}
