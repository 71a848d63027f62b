// Package mapview renders a location.Store onto a map surface: it keeps the
// surface viewport in step with the store, forwards clicks, and decides which
// markers to draw and how to style them.
package mapview

// Status is the lifecycle state of a report as far as the map cares.
type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusAssigned
	StatusInProgress
	StatusResolved
	StatusClosed
	StatusRejected
	StatusCancelled
)

var statusLabels = [...]string{
	StatusUnknown:    "Unknown",
	StatusPending:    "Pending",
	StatusAssigned:   "Assigned",
	StatusInProgress: "In Progress",
	StatusResolved:   "Resolved",
	StatusClosed:     "Closed",
	StatusRejected:   "Rejected",
	StatusCancelled:  "Cancelled",
}

// ParseStatus maps a report status label to a Status. Matching is exact;
// anything else, including padded labels, is StatusUnknown.
func ParseStatus(label string) Status {
	for s := StatusPending; s <= StatusCancelled; s++ {
		if statusLabels[s] == label {
			return s
		}
	}
	return StatusUnknown
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusLabels) {
		return statusLabels[StatusUnknown]
	}
	return statusLabels[s]
}

// MarkerStyle describes how a report pin is drawn.
type MarkerStyle struct {
	Color   string `json:"color"`
	Icon    string `json:"icon"`
	Default bool   `json:"default,omitempty"`
}

const (
	ColorAmber  = "#f59e0b"
	ColorIndigo = "#6366f1"
	ColorBlue   = "#3b82f6"
	ColorGreen  = "#22c55e"
	ColorGrey   = "#6b7280"
	ColorRed    = "#ef4444"
	ColorOrange = "#f97316"

	// ColorDefault is the stock pin colour used for unrecognised statuses.
	ColorDefault = "#2563eb"
)

// DefaultStyle is the plain marker.
var DefaultStyle = MarkerStyle{Color: ColorDefault, Icon: "pin", Default: true}

// StyleFor returns the marker style for a status.
func StyleFor(s Status) MarkerStyle {
	switch s {
	case StatusPending:
		return MarkerStyle{Color: ColorAmber, Icon: "pin"}
	case StatusAssigned:
		return MarkerStyle{Color: ColorIndigo, Icon: "pin"}
	case StatusInProgress:
		return MarkerStyle{Color: ColorBlue, Icon: "pin"}
	case StatusResolved:
		return MarkerStyle{Color: ColorGreen, Icon: "pin"}
	case StatusClosed:
		return MarkerStyle{Color: ColorGrey, Icon: "pin"}
	case StatusRejected:
		return MarkerStyle{Color: ColorRed, Icon: "pin"}
	case StatusCancelled:
		return MarkerStyle{Color: ColorOrange, Icon: "pin"}
	default:
		return DefaultStyle
	}
}

// StyleForLabel is StyleFor(ParseStatus(label)).
func StyleForLabel(label string) MarkerStyle {
	return StyleFor(ParseStatus(label))
}
