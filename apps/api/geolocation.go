package main

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"civicpulse/libs/location"
)

// ipLocator resolves a client address to an approximate position.
type ipLocator interface {
	Locate(ip string) (location.Point, error)
}

var errIPNotLocatable = errors.New("ip address cannot be located")

type geoIPLocator struct {
	reader *geoip2.Reader
}

func openGeoIPLocator(path string) (*geoIPLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &geoIPLocator{reader: reader}, nil
}

func (l *geoIPLocator) Locate(ip string) (location.Point, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return location.Point{}, errIPNotLocatable
	}
	record, err := l.reader.City(parsed)
	if err != nil {
		return location.Point{}, err
	}
	p := location.Point{Lat: record.Location.Latitude, Lng: record.Location.Longitude}
	if p.Lat == 0 && p.Lng == 0 {
		return location.Point{}, errIPNotLocatable
	}
	return p, p.Validate()
}

func (l *geoIPLocator) Close() error {
	return l.reader.Close()
}

// sessionGeolocator is the device position source for one map session. The
// browser posts its own fix when it has one; otherwise the request IP is
// looked up.
type sessionGeolocator struct {
	ips ipLocator

	mu       sync.Mutex
	clientIP string
	fix      *location.Point
}

func (g *sessionGeolocator) Update(clientIP string, fix *location.Point) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clientIP = clientIP
	if fix != nil {
		p := *fix
		g.fix = &p
	} else {
		g.fix = nil
	}
}

func (g *sessionGeolocator) CurrentPosition(ctx context.Context) (location.Point, error) {
	if err := ctx.Err(); err != nil {
		return location.Point{}, err
	}
	g.mu.Lock()
	fix, ip := g.fix, g.clientIP
	g.mu.Unlock()

	if fix != nil {
		return *fix, nil
	}
	if g.ips == nil || ip == "" {
		return location.Point{}, location.ErrUnsupported
	}
	return g.ips.Locate(ip)
}
