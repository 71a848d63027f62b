package location

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// ErrInvalidPoint is returned when a coordinate pair is outside the WGS84 range.
var ErrInvalidPoint = errors.New("location: coordinates out of range")

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate reports whether lat is in [-90,90] and lng in [-180,180].
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) ||
		p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: lat=%f lng=%f", ErrInvalidPoint, p.Lat, p.Lng)
	}
	return nil
}

// Orb returns the point in orb's lng/lat order.
func (p Point) Orb() orb.Point {
	return orb.Point{p.Lng, p.Lat}
}

// FromOrb converts an orb point back into a Point.
func FromOrb(p orb.Point) Point {
	return Point{Lat: p.Lat(), Lng: p.Lon()}
}

func (p Point) String() string {
	return fmt.Sprintf("%.6f, %.6f", p.Lat, p.Lng)
}

func clonePoint(p *Point) *Point {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
