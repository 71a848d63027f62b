package main

import (
	"context"
	"fmt"
)

type PaginatedReports struct {
	Reports     []Report
	TotalCount  int
	TotalPages  int
	CurrentPage int
	PageSize    int
}

func (a *App) storeListReportsPaginated(ctx context.Context, filters map[string]any, page, pageSize int) (*PaginatedReports, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = adminDefaultPerPage
	}

	query, args := buildReportsPageQuery(filters, page, pageSize)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := []Report{}
	totalCount := 0
	for rows.Next() {
		report, err := scanReport(rows, &totalCount)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedReports{
		Reports:     reports,
		TotalCount:  totalCount,
		TotalPages:  totalPagesFor(totalCount, pageSize),
		CurrentPage: page,
		PageSize:    pageSize,
	}, nil
}

var reportSortOrders = map[string]string{
	"newest":   "reports.created_at DESC",
	"oldest":   "reports.created_at ASC",
	"severity": "CASE reports.severity WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC, reports.created_at DESC",
	"updated":  "reports.updated_at DESC",
}

func buildReportsPageQuery(filters map[string]any, page, pageSize int) (string, []any) {
	query := `SELECT` + reportColumns + `,
		COUNT(*) OVER() AS total_count
	FROM reports
	WHERE 1=1`
	whereClause, args := buildReportFilters(filters)
	query += whereClause
	argIndex := len(args) + 1

	if flagged, ok := filters["flagged"].(bool); ok {
		query += fmt.Sprintf(" AND reports.flagged_for_review = $%d", argIndex)
		args = append(args, flagged)
		argIndex++
	}

	sortBy, _ := filters["sort"].(string)
	order, ok := reportSortOrders[sortBy]
	if !ok {
		order = reportSortOrders["newest"]
	}
	query += " ORDER BY " + order

	offset := (page - 1) * pageSize
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, pageSize, offset)

	return query, args
}
