package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicpulse/libs/location"
)

type stubGeocoder struct {
	result *GeocodeResult
	err    error
	calls  int
}

func (s *stubGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	s.calls++
	return s.result, s.err
}

func TestGeocodeResultLabel(t *testing.T) {
	assert.Equal(t, "12 Main St, 10001, New York", GeocodeResult{Address: "12 Main St", City: "New York", PostalCode: "10001"}.Label())
	assert.Equal(t, "12 Main St, 10001 New York", GeocodeResult{Address: "12 Main St, 10001 New York", City: "New York", PostalCode: "10001"}.Label())
	assert.Equal(t, "Springfield", GeocodeResult{City: " Springfield "}.Label())
	assert.Equal(t, "", GeocodeResult{}.Label())
}

func TestNominatimGeocoder(t *testing.T) {
	var gotPath, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		assert.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"display_name":"ignored","address":{"road":"Main St","house_number":"123","town":"Smallville","postcode":"12345"}}`)
	}))
	defer srv.Close()

	g := &NominatimGeocoder{BaseURL: srv.URL + "/", Client: srv.Client(), Interval: time.Millisecond}
	res, err := g.Geocode(context.Background(), 40.0, -74.0)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "/reverse", gotPath)
	assert.Equal(t, geocoderUserAgent, gotAgent)
	assert.Equal(t, "123 Main St", res.Address)
	assert.Equal(t, "Smallville", res.City)
	assert.Equal(t, "12345", res.PostalCode)
}

func TestNominatimGeocoderEmptyAndErrors(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	g := &NominatimGeocoder{BaseURL: srv.URL, Client: srv.Client(), Interval: time.Millisecond}
	res, err := g.Geocode(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Nil(t, res)

	status = http.StatusTooManyRequests
	_, err = g.Geocode(context.Background(), 0, 0)
	assert.Error(t, err)
}

func TestNominatimThrottleHonoursContext(t *testing.T) {
	g := &NominatimGeocoder{Interval: time.Hour, lastCall: time.Now()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.throttle(ctx), context.Canceled)
}

func TestMapboxGeocoder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search/geocode/v6/reverse", r.URL.Path)
		assert.Equal(t, "tok", r.URL.Query().Get("access_token"))
		_, _ = io.WriteString(w, `{"features":[{"properties":{"full_address":"5 Elm St, Gotham 54321","context":{"place":{"name":"Gotham"},"postcode":{"name":"54321"}}}}]}`)
	}))
	defer srv.Close()

	g := &MapboxGeocoder{AccessToken: "tok", BaseURL: srv.URL, Client: srv.Client()}
	res, err := g.Geocode(context.Background(), 1, 2)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "5 Elm St, Gotham 54321", res.Label())

	_, err = (&MapboxGeocoder{Client: srv.Client()}).Geocode(context.Background(), 1, 2)
	assert.Error(t, err)
}

func TestFallbackGeocoder(t *testing.T) {
	primary := &stubGeocoder{err: errors.New("boom")}
	secondary := &stubGeocoder{result: &GeocodeResult{Address: "fallback"}}
	g := &FallbackGeocoder{Primary: primary, Secondary: secondary}

	res, err := g.Geocode(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "fallback", res.Address)

	primary.err = nil
	primary.result = &GeocodeResult{Address: "primary"}
	res, err = g.Geocode(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Address)
	assert.Equal(t, 1, secondary.calls)
}

func TestNewGeocoderSelection(t *testing.T) {
	client := http.DefaultClient
	_, ok := newGeocoder(&Config{}, client).(*NominatimGeocoder)
	assert.True(t, ok)

	_, ok = newGeocoder(&Config{MapboxAccessToken: "t", GeocoderProvider: "mapbox"}, client).(*MapboxGeocoder)
	assert.True(t, ok)

	_, ok = newGeocoder(&Config{MapboxAccessToken: "t", GeocoderProvider: "nominatim"}, client).(*NominatimGeocoder)
	assert.True(t, ok)

	_, ok = newGeocoder(&Config{MapboxAccessToken: "t"}, client).(*FallbackGeocoder)
	assert.True(t, ok)
}

func TestAddressGeocoder(t *testing.T) {
	stub := &stubGeocoder{result: &GeocodeResult{Address: "1 Way", City: "Town"}}
	label, err := addressGeocoder{geocoder: stub}.ReverseGeocode(context.Background(), location.Point{Lat: 1, Lng: 1})
	require.NoError(t, err)
	assert.Equal(t, "1 Way, Town", label)

	stub.result = nil
	_, err = addressGeocoder{geocoder: stub}.ReverseGeocode(context.Background(), location.Point{})
	assert.ErrorIs(t, err, errAddressNotFound)

	stub.result = &GeocodeResult{}
	_, err = addressGeocoder{geocoder: stub}.ReverseGeocode(context.Background(), location.Point{})
	assert.ErrorIs(t, err, errAddressNotFound)
}

func TestGeocodeCacheKey(t *testing.T) {
	assert.Equal(t, "revgeo:40.713:-74.006", geocodeCacheKey(40.71284, -74.00601))
	assert.Equal(t, geocodeCacheKey(40.71281, -74.00604), geocodeCacheKey(40.71289, -74.00598))
}

func TestCachedGeocoderWithoutClient(t *testing.T) {
	next := &stubGeocoder{result: &GeocodeResult{Address: "x"}}
	g := &CachedGeocoder{Next: next}
	res, err := g.Geocode(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "x", res.Address)
	assert.Equal(t, 1, next.calls)
}

func TestCachedGeocoderRedisUnavailable(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rc.Close()

	next := &stubGeocoder{result: &GeocodeResult{Address: "live"}}
	g := &CachedGeocoder{Next: next, Client: rc, TTL: time.Minute, Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	res, err := g.Geocode(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "live", res.Address)
	assert.Equal(t, 1, next.calls)
}
