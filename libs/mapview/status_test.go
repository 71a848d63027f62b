package mapview

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStyleForKnownStatuses(t *testing.T) {
	tests := map[string]string{
		"Pending":     ColorAmber,
		"Assigned":    ColorIndigo,
		"In Progress": ColorBlue,
		"Resolved":    ColorGreen,
		"Closed":      ColorGrey,
		"Rejected":    ColorRed,
		"Cancelled":   ColorOrange,
	}

	for label, color := range tests {
		style := StyleForLabel(label)
		if style.Color != color {
			t.Fatalf("status %q: expected %s, got %s", label, color, style.Color)
		}
		if style.Default {
			t.Fatalf("status %q must not use the default style", label)
		}
		assert.Equal(t, label, ParseStatus(label).String())
	}
}

func TestStyleForUnknownStatusFallsBack(t *testing.T) {
	for _, label := range []string{"", "Unknown", "pending", "IN PROGRESS", "Archived", "Resolved!", " Pending ", "Assigned\n"} {
		assert.Equal(t, StatusUnknown, ParseStatus(label), label)
		assert.Equal(t, DefaultStyle, StyleForLabel(label), label)
	}
	assert.Equal(t, DefaultStyle, StyleFor(Status(99)))
	assert.Equal(t, "Unknown", Status(-3).String())
}

func TestStyleIsPure(t *testing.T) {
	assert.Equal(t, StyleForLabel("Assigned"), StyleForLabel("Assigned"))
	assert.Equal(t, DefaultStyle, StyleForLabel(" Assigned "))
}
