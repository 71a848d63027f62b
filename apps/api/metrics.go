package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "civicpulse_http_request_duration_ms",
		Help:    "HTTP request latency in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "route", "status"})
	geocodeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "civicpulse_geocode_requests_total",
		Help: "Reverse geocode upstream calls",
	}, []string{"provider", "result"})
	geocodeCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "civicpulse_geocode_cache_hits_total",
		Help: "Reverse geocode cache hits",
	})
	geocodeCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "civicpulse_geocode_cache_misses_total",
		Help: "Reverse geocode cache misses",
	})
	mapClicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "civicpulse_map_clicks_total",
		Help: "Accepted map selection clicks",
	})
	activeMapSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "civicpulse_map_sessions_active",
		Help: "Live map sessions",
	})
	reportsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "civicpulse_reports_created_total",
		Help: "Reports created",
	}, []string{"category"})
)

func init() {
	prometheus.MustRegister(httpRequestDurationMs)
	prometheus.MustRegister(geocodeRequestsTotal)
	prometheus.MustRegister(geocodeCacheHitsTotal)
	prometheus.MustRegister(geocodeCacheMissesTotal)
	prometheus.MustRegister(mapClicksTotal)
	prometheus.MustRegister(activeMapSessions)
	prometheus.MustRegister(reportsCreatedTotal)
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func observeRequest(method, route string, status int, elapsed time.Duration) {
	httpRequestDurationMs.WithLabelValues(method, route, strconv.Itoa(status)).Observe(float64(elapsed.Milliseconds()))
}
