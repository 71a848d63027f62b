package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSeed = `
departments:
  - code: roads
    name: Roads & Streets
    contact_email: roads@city.test
    categories: [pothole, traffic_signal]
    location:
      lat: 40.7128
      lng: -74.006
      address: City Hall
  - code: water
    name: Water
regions:
  - code: downtown
    name: Downtown
    center: {lat: 40.71, lng: -74.0}
    radius_km: 2.5
officers:
  - email: lead@city.test
    name: Road Lead
    role: officer
    department: roads
    password: a-long-password
`

func TestParseSeedFile(t *testing.T) {
	seed, err := parseSeedFile([]byte(sampleSeed))
	require.NoError(t, err)

	require.Len(t, seed.Departments, 2)
	assert.Equal(t, "roads", seed.Departments[0].Code)
	assert.Equal(t, []string{"pothole", "traffic_signal"}, seed.Departments[0].Categories)
	loc := seed.Departments[0].Location.reportLocation()
	require.NotNil(t, loc)
	require.NotNil(t, loc.Address)
	assert.Equal(t, "City Hall", *loc.Address)
	assert.Nil(t, seed.Departments[1].Location.reportLocation())

	require.Len(t, seed.Regions, 1)
	assert.Equal(t, 2.5, seed.Regions[0].RadiusKm)

	require.Len(t, seed.Officers, 1)
	assert.Equal(t, "roads", seed.Officers[0].Department)
}

func TestParseSeedFileRejectsUnknownFields(t *testing.T) {
	_, err := parseSeedFile([]byte("departments:\n  - code: roads\n    name: Roads\n    budget: 10\n"))
	assert.Error(t, err)
}

func TestParseSeedFileValidatesEntries(t *testing.T) {
	cases := map[string]string{
		"invalid_region":    "regions:\n  - name: Nowhere\n    center: {lat: 1, lng: 1}\n    radius_km: 1\n",
		"location_required": "regions:\n  - code: r\n    name: R\n    radius_km: 1\n",
		"invalid_radius":    "regions:\n  - code: r\n    name: R\n    center: {lat: 1, lng: 1}\n    radius_km: 80\n",
		"invalid_password":  "officers:\n  - email: a@b.test\n    name: A\n    password: short\n",
		"invalid_location":  "departments:\n  - code: d\n    name: D\n    location: {lat: 100, lng: 0}\n",
	}
	for code, doc := range cases {
		t.Run(code, func(t *testing.T) {
			_, err := parseSeedFile([]byte(doc))
			var apiErr *apiError
			require.True(t, errors.As(err, &apiErr), "expected apiError, got %v", err)
			assert.Equal(t, code, apiErr.Code)
		})
	}
}
