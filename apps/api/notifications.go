package main

import (
	"context"

	"civicpulse/libs/mailer"
)

var (
	trackingEmail = mailer.MustTemplate("tracking",
		`Your CivicPulse report {{.PublicID}}`,
		`<p>Thanks for reporting "{{.Title}}".</p>
<p>Your reference is <strong>{{.PublicID}}</strong>. Follow its progress here:</p>
<p><a href="{{.TrackingURL}}">Track report</a></p>`,
		`Thanks for reporting "{{.Title}}".

Your reference is {{.PublicID}}. Follow its progress here:
{{.TrackingURL}}
`)

	magicLinkEmail = mailer.MustTemplate("magic_link",
		`Your CivicPulse sign-in link`,
		`<p>Click the link below to sign in to CivicPulse:</p>
<p><a href="{{.URL}}">Sign in</a></p>
<p>This link expires in {{.ExpiresMinutes}} minutes.</p>`,
		`Click this link to sign in: {{.URL}}

This link expires in {{.ExpiresMinutes}} minutes.
`)

	assignmentEmail = mailer.MustTemplate("assignment",
		`Report {{.PublicID}} assigned to you`,
		`<p>Report <strong>{{.PublicID}}</strong> ({{.Category}}) has been assigned to you.</p>
<p>{{.Title}}</p>
{{if .Address}}<p>{{.Address}}</p>{{end}}`,
		`Report {{.PublicID}} ({{.Category}}) has been assigned to you.

{{.Title}}
{{if .Address}}{{.Address}}
{{end}}`)

	departmentEmail = mailer.MustTemplate("department_new_report",
		`New {{.Category}} report {{.PublicID}}`,
		`<p>A new report was routed to {{.Department}}.</p>
<p><strong>{{.Title}}</strong> ({{.Severity}})</p>
{{if .Address}}<p>{{.Address}}</p>{{end}}`,
		`A new report was routed to {{.Department}}.

{{.Title}} ({{.Severity}})
{{if .Address}}{{.Address}}
{{end}}`)
)

func (a *App) sendTemplate(ctx context.Context, tmpl *mailer.Template, kind string, to string, data any) error {
	msg, err := tmpl.Render([]string{to}, data)
	if err != nil {
		return err
	}
	msg.Tags = map[string]string{"kind": kind}
	result, err := a.mailer.Send(ctx, msg)
	if err != nil {
		return err
	}
	a.log.Info("email sent", "kind", kind, "provider", a.mailer.ProviderName(), "message_id", result.ProviderMessageID)
	return nil
}

func (a *App) sendMagicLinkEmail(ctx context.Context, to, url string) error {
	return a.sendTemplate(ctx, magicLinkEmail, "magic_link", to, map[string]any{
		"URL":            url,
		"ExpiresMinutes": int(magicLinkTokenExpiry.Minutes()),
	})
}

func (a *App) sendTrackingEmail(ctx context.Context, to string, publicID, title, trackingURL string) error {
	return a.sendTemplate(ctx, trackingEmail, "tracking", to, map[string]any{
		"PublicID":    publicID,
		"Title":       title,
		"TrackingURL": trackingURL,
	})
}

func reportAddress(r Report) string {
	if r.Location.Address == nil {
		return ""
	}
	return *r.Location.Address
}

func (a *App) sendAssignmentEmail(ctx context.Context, to string, report Report) error {
	return a.sendTemplate(ctx, assignmentEmail, "assignment", to, map[string]any{
		"PublicID": report.PublicID,
		"Category": report.Category,
		"Title":    report.Title,
		"Address":  reportAddress(report),
	})
}

func (a *App) sendDepartmentEmail(ctx context.Context, department Department, report Report) error {
	if department.ContactEmail == nil {
		return nil
	}
	return a.sendTemplate(ctx, departmentEmail, "department_new_report", *department.ContactEmail, map[string]any{
		"Department": department.Name,
		"PublicID":   report.PublicID,
		"Category":   report.Category,
		"Severity":   report.Severity,
		"Title":      report.Title,
		"Address":    reportAddress(report),
	})
}
