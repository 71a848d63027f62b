package main

import (
	"strings"
	"testing"
)

func TestBuildReportFilters(t *testing.T) {
	tests := []struct {
		name      string
		filters   map[string]any
		wantParts []string
		wantArgs  []any
	}{
		{
			name:      "No filters",
			filters:   map[string]any{},
			wantParts: []string{},
			wantArgs:  []any{},
		},
		{
			name: "Common filters",
			filters: map[string]any{
				"status":   statusPending,
				"category": "pothole",
				"from":     "2026-01-01T00:00:00Z",
				"to":       "2026-01-31T00:00:00Z",
			},
			wantParts: []string{
				"reports.status = $1",
				"reports.category = $2",
				"reports.created_at >= $3",
				"reports.created_at <= $4",
			},
			wantArgs: []any{statusPending, "pothole", "2026-01-01T00:00:00Z", "2026-01-31T00:00:00Z"},
		},
		{
			name: "Department and region ids",
			filters: map[string]any{
				"department_id": 3,
				"region_id":     7,
			},
			wantParts: []string{
				"reports.department_id = $1",
				"reports.region_id = $2",
			},
			wantArgs: []any{3, 7},
		},
		{
			name: "Zero ids are ignored",
			filters: map[string]any{
				"department_id":       0,
				"assigned_officer_id": 0,
			},
			wantParts: []string{},
			wantArgs:  []any{},
		},
		{
			name: "Search text",
			filters: map[string]any{
				"q": " a1b2 ",
			},
			wantParts: []string{
				"reports.title ILIKE $1",
				"reports.public_id = UPPER($2)",
			},
			wantArgs: []any{"%a1b2%", "a1b2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			whereClause, args := buildReportFilters(tt.filters)
			for _, part := range tt.wantParts {
				if !strings.Contains(whereClause, part) {
					t.Fatalf("where clause missing %q in %q", part, whereClause)
				}
			}
			if len(tt.wantParts) == 0 && whereClause != "" {
				t.Fatalf("expected empty where clause, got %q", whereClause)
			}
			if len(args) != len(tt.wantArgs) {
				t.Fatalf("args length mismatch: got %d want %d", len(args), len(tt.wantArgs))
			}
			for i := range tt.wantArgs {
				if args[i] != tt.wantArgs[i] {
					t.Fatalf("arg %d mismatch: got %v want %v", i, args[i], tt.wantArgs[i])
				}
			}
		})
	}
}
