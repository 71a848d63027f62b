package location

// Report is a point-of-interest record shown on the map.
type Report struct {
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Category string         `json:"category"`
	Status   string         `json:"status"`
	Location ReportLocation `json:"location"`
}

// ReportLocation mirrors the report API shape. Coordinates may be missing or
// partial on malformed records.
type ReportLocation struct {
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Address     string       `json:"address,omitempty"`
}

type Coordinates struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

// NewReport builds a well-formed record.
func NewReport(id, title, category, status string, p Point, address string) Report {
	lat, lng := p.Lat, p.Lng
	return Report{
		ID:       id,
		Title:    title,
		Category: category,
		Status:   status,
		Location: ReportLocation{
			Coordinates: &Coordinates{Lat: &lat, Lng: &lng},
			Address:     address,
		},
	}
}

// Point returns the report coordinates. ok is false when lat or lng is absent
// or out of range.
func (r Report) Point() (Point, bool) {
	c := r.Location.Coordinates
	if c == nil || c.Lat == nil || c.Lng == nil {
		return Point{}, false
	}
	p := Point{Lat: *c.Lat, Lng: *c.Lng}
	if p.Validate() != nil {
		return Point{}, false
	}
	return p, true
}
