package main

import (
	"context"
	"fmt"

	"civicpulse/libs/mailer"
)

var departmentDigestEmail = mailer.MustTemplate("department_digest",
	`{{.Open}} open CivicPulse reports for {{.Department}}`,
	`<p>{{.Department}} has <strong>{{.Open}}</strong> open reports{{if .Unassigned}}, {{.Unassigned}} of them unassigned{{end}}.</p>
<p><a href="{{.DashboardURL}}">Open the officer dashboard</a></p>`,
	`{{.Department}} has {{.Open}} open reports{{if .Unassigned}}, {{.Unassigned}} of them unassigned{{end}}.

Officer dashboard: {{.DashboardURL}}
`)

type departmentBacklog struct {
	Open       int
	Unassigned int
}

func (a *App) countDepartmentBacklog(ctx context.Context, departmentID int) (departmentBacklog, error) {
	var backlog departmentBacklog
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE assigned_officer_id IS NULL)
		FROM reports
		WHERE department_id = $1
		  AND status = ANY($2)
	`, departmentID, openReportStatuses).Scan(&backlog.Open, &backlog.Unassigned)
	return backlog, err
}

func (a *App) buildDepartmentDigest(d Department, backlog departmentBacklog) (mailer.Message, error) {
	msg, err := departmentDigestEmail.Render([]string{*d.ContactEmail}, map[string]any{
		"Department":   d.Name,
		"Open":         backlog.Open,
		"Unassigned":   backlog.Unassigned,
		"DashboardURL": buildPublicURL(a.cfg.PublicBaseURL, fmt.Sprintf("/officer/reports?department_id=%d", d.ID)),
	})
	if err != nil {
		return mailer.Message{}, err
	}
	msg.Tags = map[string]string{"kind": "department_digest", "department": d.Code}
	return msg, nil
}

// sendDepartmentDigests mails every department with a contact address a
// summary of its open backlog. Departments with nothing open are skipped.
func (a *App) sendDepartmentDigests(ctx context.Context) (int, error) {
	departments, err := a.storeListDepartments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list departments: %w", err)
	}

	sent := 0
	for _, d := range departments {
		if d.ContactEmail == nil {
			continue
		}
		backlog, err := a.countDepartmentBacklog(ctx, d.ID)
		if err != nil {
			a.log.Error("failed to count department backlog", "department", d.Code, "err", err)
			continue
		}
		if backlog.Open == 0 {
			a.log.Info("skipping department digest (no open reports)", "department", d.Code)
			continue
		}

		msg, err := a.buildDepartmentDigest(d, backlog)
		if err != nil {
			return sent, err
		}
		if _, err := a.mailer.Send(ctx, msg); err != nil {
			a.log.Error("failed to send department digest", "department", d.Code, "err", err)
			continue
		}
		a.log.Info("sent department digest", "department", d.Code, "open", backlog.Open)
		sent++
	}
	return sent, nil
}
