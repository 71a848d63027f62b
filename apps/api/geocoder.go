package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"civicpulse/libs/location"
)

const (
	defaultMapboxBaseURL    = "https://api.mapbox.com"
	defaultNominatimBaseURL = "https://nominatim.openstreetmap.org"
	geocoderUserAgent       = "CivicPulse/1.0 (+https://civicpulse.local)"
)

// GeocodeResult represents an address found for coordinates
type GeocodeResult struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
}

// Label is the single-line form shown to citizens.
func (r GeocodeResult) Label() string {
	label := strings.TrimSpace(r.Address)
	for _, part := range []string{r.PostalCode, r.City} {
		part = strings.TrimSpace(part)
		if part == "" || strings.Contains(label, part) {
			continue
		}
		if label != "" {
			label += ", "
		}
		label += part
	}
	return label
}

// Geocoder abstraction for address lookup. A nil result with a nil error
// means nothing was found.
type Geocoder interface {
	Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error)
}

// MapboxGeocoder implements Geocoder using Mapbox API v6
type MapboxGeocoder struct {
	AccessToken string
	BaseURL     string
	Client      *http.Client
}

func (g *MapboxGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if g.AccessToken == "" {
		return nil, errors.New("mapbox access token missing")
	}

	base := g.BaseURL
	if base == "" {
		base = defaultMapboxBaseURL
	}
	u := fmt.Sprintf("%s/search/geocode/v6/reverse?longitude=%f&latitude=%f&access_token=%s&types=address&limit=1",
		strings.TrimRight(base, "/"), lng, lat, url.QueryEscape(g.AccessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.Client.Do(req)
	if err != nil {
		geocodeRequestsTotal.WithLabelValues("mapbox", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		geocodeRequestsTotal.WithLabelValues("mapbox", "error").Inc()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mapbox error (%d): %s", resp.StatusCode, string(body))
	}

	var data struct {
		Features []struct {
			Properties struct {
				FullAddress string `json:"full_address"`
				Context     struct {
					Place struct {
						Name string `json:"name"`
					} `json:"place"`
					Postcode struct {
						Name string `json:"name"`
					} `json:"postcode"`
				} `json:"context"`
			} `json:"properties"`
		} `json:"features"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		geocodeRequestsTotal.WithLabelValues("mapbox", "error").Inc()
		return nil, err
	}

	if len(data.Features) == 0 {
		geocodeRequestsTotal.WithLabelValues("mapbox", "empty").Inc()
		return nil, nil
	}

	geocodeRequestsTotal.WithLabelValues("mapbox", "ok").Inc()
	feat := data.Features[0]
	return &GeocodeResult{
		Address:    feat.Properties.FullAddress,
		City:       feat.Properties.Context.Place.Name,
		PostalCode: feat.Properties.Context.Postcode.Name,
	}, nil
}

// NominatimGeocoder implements Geocoder using OSM Nominatim.
// The public instance requires a User-Agent and allows 1 req/sec.
type NominatimGeocoder struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
	Interval  time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

func (g *NominatimGeocoder) throttle(ctx context.Context) error {
	interval := g.Interval
	if interval == 0 {
		interval = time.Second
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := interval - time.Since(g.lastCall); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	g.lastCall = time.Now()
	return nil
}

func (g *NominatimGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if err := g.throttle(ctx); err != nil {
		return nil, err
	}

	base := g.BaseURL
	if base == "" {
		base = defaultNominatimBaseURL
	}
	u := fmt.Sprintf("%s/reverse?format=jsonv2&lat=%f&lon=%f&addressdetails=1", strings.TrimRight(base, "/"), lat, lng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", valueOrDefaultString(g.UserAgent, geocoderUserAgent))

	resp, err := g.Client.Do(req)
	if err != nil {
		geocodeRequestsTotal.WithLabelValues("nominatim", "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		geocodeRequestsTotal.WithLabelValues("nominatim", "error").Inc()
		return nil, fmt.Errorf("nominatim error: %d", resp.StatusCode)
	}

	var data struct {
		DisplayName string `json:"display_name"`
		Address     struct {
			Road        string `json:"road"`
			HouseNumber string `json:"house_number"`
			City        string `json:"city"`
			Town        string `json:"town"`
			Village     string `json:"village"`
			Postcode    string `json:"postcode"`
		} `json:"address"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		geocodeRequestsTotal.WithLabelValues("nominatim", "error").Inc()
		return nil, err
	}

	city := data.Address.City
	if city == "" {
		city = data.Address.Town
	}
	if city == "" {
		city = data.Address.Village
	}

	addr := data.Address.Road
	if data.Address.HouseNumber != "" {
		addr = fmt.Sprintf("%s %s", data.Address.HouseNumber, addr)
	}
	if addr == "" {
		addr = data.DisplayName
	}

	if addr == "" && city == "" {
		geocodeRequestsTotal.WithLabelValues("nominatim", "empty").Inc()
		return nil, nil
	}

	geocodeRequestsTotal.WithLabelValues("nominatim", "ok").Inc()
	return &GeocodeResult{
		Address:    addr,
		City:       city,
		PostalCode: data.Address.Postcode,
	}, nil
}

// FallbackGeocoder prioritizes first, falls back to second
type FallbackGeocoder struct {
	Primary   Geocoder
	Secondary Geocoder
}

func (g *FallbackGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	res, err := g.Primary.Geocode(ctx, lat, lng)
	if err != nil || res == nil {
		return g.Secondary.Geocode(ctx, lat, lng)
	}
	return res, nil
}

// newGeocoder picks the provider chain from config. Without a Mapbox token
// only Nominatim is used.
func newGeocoder(cfg *Config, client *http.Client) Geocoder {
	nominatim := &NominatimGeocoder{BaseURL: cfg.NominatimBaseURL, UserAgent: geocoderUserAgent, Client: client}
	if cfg.MapboxAccessToken == "" || cfg.GeocoderProvider == "nominatim" {
		return nominatim
	}
	mapbox := &MapboxGeocoder{AccessToken: cfg.MapboxAccessToken, Client: client}
	if cfg.GeocoderProvider == "mapbox" {
		return mapbox
	}
	return &FallbackGeocoder{Primary: mapbox, Secondary: nominatim}
}

var errAddressNotFound = errors.New("no address found")

// addressGeocoder adapts a Geocoder to the map store's reverse geocoding
// hook.
type addressGeocoder struct {
	geocoder Geocoder
}

func (g addressGeocoder) ReverseGeocode(ctx context.Context, p location.Point) (string, error) {
	res, err := g.geocoder.Geocode(ctx, p.Lat, p.Lng)
	if err != nil {
		return "", err
	}
	if res == nil {
		return "", errAddressNotFound
	}
	label := res.Label()
	if label == "" {
		return "", errAddressNotFound
	}
	return label, nil
}
