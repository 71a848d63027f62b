package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedGeocoder keeps reverse geocode results in redis, keyed on
// coordinates rounded to three decimals (roughly 100 m). Misses and errors
// from redis fall through to the wrapped geocoder.
type CachedGeocoder struct {
	Next   Geocoder
	Client *redis.Client
	TTL    time.Duration
	Log    *slog.Logger
}

func geocodeCacheKey(lat, lng float64) string {
	return fmt.Sprintf("revgeo:%.3f:%.3f", lat, lng)
}

func (g *CachedGeocoder) Geocode(ctx context.Context, lat, lng float64) (*GeocodeResult, error) {
	if g.Client == nil {
		return g.Next.Geocode(ctx, lat, lng)
	}

	key := geocodeCacheKey(lat, lng)
	if s, _ := g.Client.Get(ctx, key).Result(); s != "" {
		var cached GeocodeResult
		if err := json.Unmarshal([]byte(s), &cached); err == nil {
			geocodeCacheHitsTotal.Inc()
			return &cached, nil
		}
	}
	geocodeCacheMissesTotal.Inc()

	res, err := g.Next.Geocode(ctx, lat, lng)
	if err != nil || res == nil {
		return res, err
	}

	ttl := g.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	b, _ := json.Marshal(res)
	if err := g.Client.Set(ctx, key, string(b), ttl).Err(); err != nil && g.Log != nil {
		g.Log.Warn("geocode cache write failed", "key", key, "err", err)
	}
	return res, nil
}
