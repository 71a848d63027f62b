package main

import (
	"fmt"
	"strings"
)

var reportFilterKeys = []string{"status", "category", "severity", "department_id", "region_id", "assigned_officer_id", "from", "to", "q"}

// buildReportFilters turns filter values into " AND ..." conditions with
// positional args starting at $1.
func buildReportFilters(filters map[string]any) (string, []any) {
	whereClause := ""
	args := make([]any, 0)
	argIndex := 1

	if status, ok := filters["status"].(string); ok && status != "" {
		whereClause += fmt.Sprintf(" AND reports.status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}
	if category, ok := filters["category"].(string); ok && category != "" {
		whereClause += fmt.Sprintf(" AND reports.category = $%d", argIndex)
		args = append(args, category)
		argIndex++
	}
	if severity, ok := filters["severity"].(string); ok && severity != "" {
		whereClause += fmt.Sprintf(" AND reports.severity = $%d", argIndex)
		args = append(args, severity)
		argIndex++
	}
	if departmentID, ok := filters["department_id"].(int); ok && departmentID > 0 {
		whereClause += fmt.Sprintf(" AND reports.department_id = $%d", argIndex)
		args = append(args, departmentID)
		argIndex++
	}
	if regionID, ok := filters["region_id"].(int); ok && regionID > 0 {
		whereClause += fmt.Sprintf(" AND reports.region_id = $%d", argIndex)
		args = append(args, regionID)
		argIndex++
	}
	if officerID, ok := filters["assigned_officer_id"].(int); ok && officerID > 0 {
		whereClause += fmt.Sprintf(" AND reports.assigned_officer_id = $%d", argIndex)
		args = append(args, officerID)
		argIndex++
	}
	if from, ok := filters["from"].(string); ok && from != "" {
		whereClause += fmt.Sprintf(" AND reports.created_at >= $%d", argIndex)
		args = append(args, from)
		argIndex++
	}
	if to, ok := filters["to"].(string); ok && to != "" {
		whereClause += fmt.Sprintf(" AND reports.created_at <= $%d", argIndex)
		args = append(args, to)
		argIndex++
	}
	if q, ok := filters["q"].(string); ok && strings.TrimSpace(q) != "" {
		whereClause += fmt.Sprintf(" AND (reports.title ILIKE $%d OR reports.description ILIKE $%d OR reports.address ILIKE $%d OR reports.public_id = UPPER($%d))", argIndex, argIndex, argIndex, argIndex+1)
		args = append(args, "%"+strings.TrimSpace(q)+"%", strings.TrimSpace(q))
		argIndex += 2
	}

	return whereClause, args
}
