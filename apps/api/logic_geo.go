package main

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb/geo"

	"civicpulse/libs/location"
)

// nearbyBox is a lat/lng rectangle usable in a BETWEEN query. A box that
// crosses the antimeridian has MinLng > MaxLng.
type nearbyBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

func boundAround(center location.Point, meters float64) nearbyBox {
	b := geo.NewBoundAroundPoint(center.Orb(), meters)
	return nearbyBox{
		MinLat: math.Max(b.Min.Lat(), -90),
		MaxLat: math.Min(b.Max.Lat(), 90),
		MinLng: math.Max(b.Min.Lon(), -180),
		MaxLng: math.Min(b.Max.Lon(), 180),
	}
}

func (b nearbyBox) wrapsAntimeridian() bool {
	return b.MinLng > b.MaxLng
}

// lngCondition is the longitude predicate for the box, with the bounds bound
// to the given placeholders.
func (b nearbyBox) lngCondition(column string, minArg, maxArg int) string {
	if b.wrapsAntimeridian() {
		return fmt.Sprintf("(%s >= $%d OR %s <= $%d)", column, minArg, column, maxArg)
	}
	return fmt.Sprintf("%s BETWEEN $%d AND $%d", column, minArg, maxArg)
}

func distanceMeters(a, b location.Point) float64 {
	return geo.Distance(a.Orb(), b.Orb())
}

type rankedReport struct {
	report   Report
	distance float64
}

// filterWithinRadius keeps reports within meters of center, nearest first,
// at most limit of them.
func filterWithinRadius(reports []Report, center location.Point, meters float64, limit int) []Report {
	ranked := make([]rankedReport, 0, len(reports))
	for _, r := range reports {
		d := distanceMeters(center, r.Location.Point())
		if d <= meters {
			ranked = append(ranked, rankedReport{report: r, distance: d})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].distance < ranked[j].distance })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]Report, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.report)
	}
	return out
}

// resolveRegion returns the region whose centre is nearest to p among those
// whose radius covers p.
func resolveRegion(regions []Region, p location.Point) *Region {
	var best *Region
	bestDistance := math.Inf(1)
	for i := range regions {
		d := distanceMeters(regions[i].Center, p)
		if d > regions[i].RadiusKm*1000 {
			continue
		}
		if d < bestDistance {
			best = &regions[i]
			bestDistance = d
		}
	}
	return best
}

// departmentForCategory picks the department that lists the category, then
// falls back to the default routing table.
func departmentForCategory(departments []Department, category string) *Department {
	for i := range departments {
		if containsString(departments[i].Categories, category) {
			return &departments[i]
		}
	}
	for _, c := range defaultCategories {
		if c.Code != category || c.Department == "" {
			continue
		}
		for i := range departments {
			if departments[i].Code == c.Department {
				return &departments[i]
			}
		}
	}
	return nil
}

// findDuplicateCandidates lists open reports of the same category close to
// the incoming one, nearest first.
func findDuplicateCandidates(incoming Report, candidates []Report, now time.Time) []string {
	since := now.AddDate(0, 0, -dedupeLookbackDays)
	ranked := make([]rankedReport, 0)
	for _, c := range candidates {
		if c.ID == incoming.ID || c.Category != incoming.Category || !containsString(openReportStatuses, c.Status) {
			continue
		}
		if created, err := time.Parse(time.RFC3339, c.CreatedAt); err == nil && created.Before(since) {
			continue
		}
		d := distanceMeters(incoming.Location.Point(), c.Location.Point())
		if d > dedupeRadiusMeters {
			continue
		}
		ranked = append(ranked, rankedReport{report: c, distance: d})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].distance < ranked[j].distance })
	if len(ranked) > maxDedupeCandidates {
		ranked = ranked[:maxDedupeCandidates]
	}
	ids := make([]string, 0, len(ranked))
	for _, r := range ranked {
		ids = append(ids, r.report.PublicID)
	}
	return ids
}
