package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const analyticsWindowDays = 30

type DailyCount struct {
	Date     string `json:"date"`
	Created  int    `json:"created"`
	Resolved int    `json:"resolved"`
}

type Analytics struct {
	Total               int            `json:"total"`
	ByStatus            map[string]int `json:"byStatus"`
	ByCategory          map[string]int `json:"byCategory"`
	BySeverity          map[string]int `json:"bySeverity"`
	ByDepartment        map[string]int `json:"byDepartment"`
	ByRegion            map[string]int `json:"byRegion"`
	Daily               []DailyCount   `json:"daily"`
	MeanResolutionHours *float64       `json:"meanResolutionHours"`
}

func (a *App) groupCounts(ctx context.Context, expr, join, where string, args []any) (map[string]int, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT `+expr+` AS label, COUNT(*)
		FROM reports `+join+`
		WHERE 1=1`+where+`
		GROUP BY label`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			return nil, err
		}
		counts[label] = count
	}
	return counts, rows.Err()
}

func (a *App) dailyCounts(ctx context.Context, column, where string, args []any, since time.Time) (map[string]int, error) {
	query := `
		SELECT TO_CHAR(DATE_TRUNC('day', reports.` + column + ` AT TIME ZONE 'UTC'), 'YYYY-MM-DD') AS day, COUNT(*)
		FROM reports
		WHERE reports.` + column + ` IS NOT NULL` + where
	args = append(append([]any{}, args...), since)
	query += fmt.Sprintf(" AND reports.%s >= $%d GROUP BY day", column, len(args))

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var day string
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, err
		}
		counts[day] = count
	}
	return counts, rows.Err()
}

// buildDailySeries returns one entry per day, oldest first, ending today.
func buildDailySeries(now time.Time, days int, created, resolved map[string]int) []DailyCount {
	today := now.UTC().Truncate(24 * time.Hour)
	series := make([]DailyCount, 0, days)
	for i := days - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format("2006-01-02")
		series = append(series, DailyCount{Date: day, Created: created[day], Resolved: resolved[day]})
	}
	return series
}

func (a *App) storeComputeAnalytics(ctx context.Context, filters map[string]any) (*Analytics, error) {
	where, args := buildReportFilters(filters)
	out := &Analytics{}

	var err error
	if out.ByStatus, err = a.groupCounts(ctx, "reports.status", "", where, args); err != nil {
		return nil, err
	}
	if out.ByCategory, err = a.groupCounts(ctx, "reports.category", "", where, args); err != nil {
		return nil, err
	}
	if out.BySeverity, err = a.groupCounts(ctx, "reports.severity", "", where, args); err != nil {
		return nil, err
	}
	if out.ByDepartment, err = a.groupCounts(ctx, "COALESCE(departments.code, 'unassigned')", "LEFT JOIN departments ON departments.id = reports.department_id", where, args); err != nil {
		return nil, err
	}
	if out.ByRegion, err = a.groupCounts(ctx, "COALESCE(regions.code, 'unassigned')", "LEFT JOIN regions ON regions.id = reports.region_id", where, args); err != nil {
		return nil, err
	}
	for _, count := range out.ByStatus {
		out.Total += count
	}

	now := time.Now().UTC()
	since := now.Truncate(24*time.Hour).AddDate(0, 0, -(analyticsWindowDays - 1))
	created, err := a.dailyCounts(ctx, "created_at", where, args, since)
	if err != nil {
		return nil, err
	}
	resolved, err := a.dailyCounts(ctx, "resolved_at", where, args, since)
	if err != nil {
		return nil, err
	}
	out.Daily = buildDailySeries(now, analyticsWindowDays, created, resolved)

	var mean sql.NullFloat64
	if err := a.db.QueryRowContext(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (reports.resolved_at - reports.created_at)) / 3600.0)
		FROM reports
		WHERE reports.resolved_at IS NOT NULL`+where, args...).Scan(&mean); err != nil {
		return nil, err
	}
	if mean.Valid {
		hours := mean.Float64
		out.MeanResolutionHours = &hours
	}
	return out, nil
}
