package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"civicpulse/libs/location"
	"civicpulse/libs/mapview"
)

const (
	mapSessionCookieName = "civicpulse_map_session"
	mapSessionHeader     = "X-Map-Session"
	mapSessionContextKey = "mapSession"
)

// surfaceSink receives frames for a connected map client.
type surfaceSink interface {
	send(frame mapFrame) bool
}

// sessionSurface is the mapview.Surface of a session. It remembers the last
// viewport and forwards everything to the attached socket, if any.
type sessionSurface struct {
	mu      sync.Mutex
	sink    surfaceSink
	center  location.Point
	zoom    int
	animate bool
}

func (s *sessionSurface) SetView(center location.Point, zoom int, animate bool) {
	s.mu.Lock()
	s.center, s.zoom, s.animate = center, zoom, animate
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.send(mapFrame{Type: frameView, Center: &center, Zoom: zoom, Animate: animate})
	}
}

func (s *sessionSurface) Render(markers []mapview.Marker) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.send(mapFrame{Type: frameMarkers, Markers: markers})
	}
}

func (s *sessionSurface) Notice(kind location.EventKind, err error) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	frame := mapFrame{Type: frameNotice, Notice: string(kind)}
	if err != nil {
		frame.Message = err.Error()
	}
	sink.send(frame)
}

type mapSession struct {
	ID      string
	store   *location.Store
	view    *mapview.View
	surface *sessionSurface
	geo     *sessionGeolocator

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *mapSession) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *mapSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// attach mounts the view onto a live client. A newer client replaces the
// previous one.
func (s *mapSession) attach(sink surfaceSink) {
	s.surface.mu.Lock()
	previous := s.surface.sink
	s.surface.sink = sink
	s.surface.mu.Unlock()

	if previous != nil {
		s.view.Unmount()
	}
	s.view.Mount()
}

func (s *mapSession) detach(sink surfaceSink) {
	s.surface.mu.Lock()
	if s.surface.sink != sink {
		s.surface.mu.Unlock()
		return
	}
	s.surface.sink = nil
	s.surface.mu.Unlock()
	s.view.Unmount()
}

func (s *mapSession) close() {
	s.view.Unmount()
	s.store.Close()
}

type mapSessionView struct {
	ID       string           `json:"id"`
	State    location.State   `json:"state"`
	Options  mapSessionOpts   `json:"options"`
	Viewport mapViewportState `json:"viewport"`
}

type mapViewportState struct {
	Center location.Point `json:"center"`
	Zoom   int            `json:"zoom"`
}

type mapSessionOpts struct {
	ShowReports      bool `json:"showReports"`
	AllowSelection   bool `json:"allowSelection"`
	ShowUserLocation bool `json:"showUserLocation"`
}

func (s *mapSession) snapshot() mapSessionView {
	opts := s.view.Options()
	center, zoom := s.view.Viewport()
	st := s.store.Snapshot()
	if !st.MapReady {
		center, zoom = st.Center, st.Zoom
	}
	return mapSessionView{
		ID:    s.ID,
		State: st,
		Options: mapSessionOpts{
			ShowReports:      opts.ShowReports,
			AllowSelection:   opts.AllowSelection,
			ShowUserLocation: opts.ShowUserLocation,
		},
		Viewport: mapViewportState{Center: center, Zoom: zoom},
	}
}

type mapSessionRegistry struct {
	log *slog.Logger
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*mapSession
}

func newMapSessionRegistry(logger *slog.Logger, ttl time.Duration) *mapSessionRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &mapSessionRegistry{
		log:      logger,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*mapSession),
	}
}

func (r *mapSessionRegistry) add(s *mapSession) {
	s.touch(r.now())
	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	activeMapSessions.Set(float64(n))
}

func (r *mapSessionRegistry) get(id string) (*mapSession, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.touch(r.now())
	}
	return s, ok
}

func (r *mapSessionRegistry) remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}
	activeMapSessions.Set(float64(n))
	s.close()
	return true
}

func (r *mapSessionRegistry) evictExpired(now time.Time) int {
	var expired []*mapSession
	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.idleSince()) >= r.ttl {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	activeMapSessions.Set(float64(n))
	for _, s := range expired {
		s.close()
	}
	if len(expired) > 0 && r.log != nil {
		r.log.Info("evicted idle map sessions", "count", len(expired), "remaining", n)
	}
	return len(expired)
}

func (r *mapSessionRegistry) startEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.evictExpired(now)
			}
		}
	}()
}

func (r *mapSessionRegistry) closeAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*mapSession)
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
	activeMapSessions.Set(0)
}

// reportFinder serves nearby reports to map stores.
type reportFinder struct {
	find func(ctx context.Context, center location.Point, radiusKm float64) ([]location.Report, error)
}

func (f reportFinder) NearbyReports(ctx context.Context, center location.Point, radiusKm float64) ([]location.Report, error) {
	return f.find(ctx, center, radiusKm)
}

func (a *App) newMapStore(geo *sessionGeolocator) *location.Store {
	center := a.cfg.MapDefaultCenter
	opts := location.Options{
		Geolocator:     geo,
		Logger:         a.log.With("component", "map"),
		Center:         &center,
		Zoom:           a.cfg.MapDefaultZoom,
		CloseZoom:      a.cfg.MapCloseZoom,
		NearbyRadiusKm: a.cfg.NearbyRadiusKm,
	}
	if a.geocoder != nil {
		opts.Geocoder = addressGeocoder{geocoder: a.geocoder}
	}
	if a.findNearbyReports != nil {
		opts.Finder = reportFinder{find: a.findNearbyReports}
	}
	return location.New(opts)
}

func (a *App) newMapSession(opts mapview.Options, clientIP string, fix *location.Point) *mapSession {
	geo := &sessionGeolocator{ips: a.ipLocator}
	geo.Update(clientIP, fix)
	store := a.newMapStore(geo)
	surface := &sessionSurface{}
	opts.DetailPath = func(id string) string {
		return buildPublicURL(a.cfg.PublicBaseURL, "/reports/"+id)
	}
	return &mapSession{
		ID:      uuid.NewString(),
		store:   store,
		view:    mapview.New(store, surface, opts),
		surface: surface,
		geo:     geo,
	}
}

type pointPayload struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (p pointPayload) point() (location.Point, error) {
	if p.Lat == nil || p.Lng == nil {
		return location.Point{}, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "lat and lng are required"}
	}
	pt := location.Point{Lat: *p.Lat, Lng: *p.Lng}
	if err := pt.Validate(); err != nil {
		return location.Point{}, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: err.Error()}
	}
	return pt, nil
}

type mapSessionCreateRequest struct {
	ShowReports      *bool         `json:"showReports"`
	AllowSelection   *bool         `json:"allowSelection"`
	ShowUserLocation *bool         `json:"showUserLocation"`
	Position         *pointPayload `json:"position"`
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func (a *App) mapSessionCreateHandler(c *gin.Context) {
	var req mapSessionCreateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid map session payload"})
			return
		}
	}

	var fix *location.Point
	if req.Position != nil {
		p, err := req.Position.point()
		if err != nil {
			writeAPIError(c, err)
			return
		}
		fix = &p
	}

	if !a.checkRateLimit("mapsession:"+c.ClientIP(), mapSessionCreateLimit, mapSessionCreateWindow, time.Now()) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many map sessions, try again later"})
		return
	}
	// one store per browser: a new session replaces the caller's current one
	if previous := mapSessionIDFromRequest(c); previous != "" {
		a.maps.remove(previous)
	}

	session := a.newMapSession(mapview.Options{
		ShowReports:      boolOr(req.ShowReports, true),
		AllowSelection:   boolOr(req.AllowSelection, true),
		ShowUserLocation: boolOr(req.ShowUserLocation, true),
	}, c.ClientIP(), fix)
	a.maps.add(session)
	session.store.Initialize()

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(mapSessionCookieName, session.ID, int(a.cfg.MapSessionTTL.Seconds()), "/", "", a.isProduction(), true)
	c.JSON(http.StatusCreated, session.snapshot())
}

func mapSessionIDFromRequest(c *gin.Context) string {
	if id := c.GetHeader(mapSessionHeader); id != "" {
		return id
	}
	if id := c.Query("session"); id != "" {
		return id
	}
	id, _ := c.Cookie(mapSessionCookieName)
	return id
}

func (a *App) requireMapSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := mapSessionIDFromRequest(c)
		session, ok := a.maps.get(id)
		if id == "" || !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "map_session_not_found", "message": "Map session not found or expired"})
			c.Abort()
			return
		}
		c.Set(mapSessionContextKey, session)
		c.Next()
	}
}

func getMapSession(c *gin.Context) *mapSession {
	value, ok := c.Get(mapSessionContextKey)
	if !ok {
		return nil
	}
	session, _ := value.(*mapSession)
	return session
}

// waitRequested lets HTTP clients block until background lookups settle.
func waitRequested(c *gin.Context) bool {
	wait, _ := strconv.ParseBool(c.Query("wait"))
	return wait
}

func (a *App) mapSessionStateHandler(c *gin.Context) {
	c.JSON(http.StatusOK, getMapSession(c).snapshot())
}

func (a *App) mapSessionDeleteHandler(c *gin.Context) {
	session := getMapSession(c)
	a.maps.remove(session.ID)
	c.SetCookie(mapSessionCookieName, "", -1, "/", "", a.isProduction(), true)
	c.Status(http.StatusNoContent)
}

func (a *App) mapSessionLocateHandler(c *gin.Context) {
	session := getMapSession(c)

	var fix *location.Point
	if c.Request.ContentLength > 0 {
		var payload pointPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid position payload"})
			return
		}
		p, err := payload.point()
		if err != nil {
			writeAPIError(c, err)
			return
		}
		fix = &p
	}

	session.geo.Update(c.ClientIP(), fix)
	session.store.Locate()
	if waitRequested(c) {
		session.store.Wait()
	}
	c.JSON(http.StatusAccepted, session.snapshot())
}

func (a *App) mapSessionClickHandler(c *gin.Context) {
	session := getMapSession(c)

	var payload pointPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid click payload"})
		return
	}
	if payload.Lat == nil || payload.Lng == nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "lat and lng are required"})
		return
	}

	forwarded, err := session.view.Click(location.Point{Lat: *payload.Lat, Lng: *payload.Lng})
	if err != nil {
		writeAPIError(c, mapStoreError(err))
		return
	}
	if !forwarded {
		writeAPIError(c, &apiError{Status: http.StatusConflict, Code: "selection_disabled", Message: "This map does not allow selecting a location"})
		return
	}
	mapClicksTotal.Inc()

	if waitRequested(c) {
		session.store.Wait()
	}
	c.JSON(http.StatusAccepted, session.snapshot())
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, location.ErrInvalidPoint):
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: err.Error()}
	case errors.Is(err, location.ErrClosed):
		return &apiError{Status: http.StatusGone, Code: "map_session_closed", Message: "Map session is closed"}
	default:
		return err
	}
}

// mapSessionSelectionHandler sets or clears (body "null") the selection
// without an address lookup.
func (a *App) mapSessionSelectionHandler(c *gin.Context) {
	session := getMapSession(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 4096))
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid selection payload"})
		return
	}

	var selected *location.Point
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var payload pointPayload
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid selection payload"})
			return
		}
		p, err := payload.point()
		if err != nil {
			writeAPIError(c, err)
			return
		}
		selected = &p
	}

	if err := session.store.SetSelectedLocation(selected); err != nil {
		writeAPIError(c, mapStoreError(err))
		return
	}
	c.JSON(http.StatusOK, session.snapshot())
}

func (a *App) mapSessionAddressHandler(c *gin.Context) {
	session := getMapSession(c)

	var payload struct {
		Address *string `json:"address"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Address == nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "address is required"})
		return
	}
	session.store.SetSelectedAddress(*payload.Address)
	c.JSON(http.StatusOK, session.snapshot())
}

func (a *App) mapSessionCenterOnUserHandler(c *gin.Context) {
	session := getMapSession(c)
	// false when no map is mounted or the user location is unknown
	applied := session.store.CenterOnUserLocation()
	c.JSON(http.StatusOK, gin.H{"applied": applied, "session": session.snapshot()})
}

func (a *App) mapSessionFlyToHandler(c *gin.Context) {
	session := getMapSession(c)

	var payload struct {
		pointPayload
		Zoom int `json:"zoom"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid fly-to payload"})
		return
	}
	p, err := payload.point()
	if err != nil {
		writeAPIError(c, err)
		return
	}
	applied := session.store.FlyTo(p, payload.Zoom)
	c.JSON(http.StatusOK, gin.H{"applied": applied, "session": session.snapshot()})
}

func (a *App) mapSessionRefreshNearbyHandler(c *gin.Context) {
	session := getMapSession(c)
	session.store.RefreshNearby()
	if waitRequested(c) {
		session.store.Wait()
	}
	c.JSON(http.StatusAccepted, session.snapshot())
}

// mapSessionMarkersHandler renders the session's markers as GeoJSON. Query
// flags override the session's layer options for this response only.
func (a *App) mapSessionMarkersHandler(c *gin.Context) {
	session := getMapSession(c)
	opts := session.view.Options()
	if v, err := strconv.ParseBool(c.Query("show_reports")); err == nil {
		opts.ShowReports = v
	}
	if v, err := strconv.ParseBool(c.Query("allow_selection")); err == nil {
		opts.AllowSelection = v
	}
	if v, err := strconv.ParseBool(c.Query("show_user_location")); err == nil {
		opts.ShowUserLocation = v
	}
	view := mapview.New(session.store, session.surface, opts)
	c.JSON(http.StatusOK, view.FeatureCollection())
}

// sessionSelection returns the selection of the caller's map session, if it
// has one.
func (a *App) sessionSelection(c *gin.Context) (*mapSession, *location.Point, string) {
	if a.maps == nil {
		return nil, nil, ""
	}
	id := mapSessionIDFromRequest(c)
	if id == "" {
		return nil, nil, ""
	}
	session, ok := a.maps.get(id)
	if !ok {
		return nil, nil, ""
	}
	selected, address := session.store.Selection()
	return session, selected, address
}
