package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicpulse/libs/mailer"
)

type recordingProvider struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (p *recordingProvider) Name() string { return "recording" }

func (p *recordingProvider) Send(ctx context.Context, msg mailer.Message) (mailer.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return mailer.SendResult{ProviderMessageID: "msg-1"}, nil
}

func newMailTestApp(provider *recordingProvider) *App {
	return &App{
		cfg:    &Config{PublicBaseURL: "https://civicpulse.test"},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		mailer: mailer.New(provider, "noreply@civicpulse.test"),
	}
}

func TestSendTrackingEmail(t *testing.T) {
	provider := &recordingProvider{}
	app := newMailTestApp(provider)

	require.NoError(t, app.sendTrackingEmail(context.Background(), "me@example.com", "AB12CD34", "Deep <pothole>", "https://civicpulse.test/track/AB12CD34?token=t"))
	require.Len(t, provider.sent, 1)

	msg := provider.sent[0]
	assert.Equal(t, []string{"me@example.com"}, msg.To)
	assert.Equal(t, "noreply@civicpulse.test", msg.From)
	assert.Equal(t, "Your CivicPulse report AB12CD34", msg.Subject)
	assert.Contains(t, msg.HTML, "Deep &lt;pothole&gt;")
	assert.Contains(t, msg.Text, "Deep <pothole>")
	assert.Equal(t, "tracking", msg.Tags["kind"])
}

func TestSendDepartmentEmailSkipsWithoutContact(t *testing.T) {
	provider := &recordingProvider{}
	app := newMailTestApp(provider)

	require.NoError(t, app.sendDepartmentEmail(context.Background(), Department{Name: "Roads"}, Report{PublicID: "AB12CD34"}))
	assert.Empty(t, provider.sent)

	contact := "roads@city.test"
	address := "5th Ave"
	require.NoError(t, app.sendDepartmentEmail(context.Background(), Department{Name: "Roads", ContactEmail: &contact}, Report{PublicID: "AB12CD34", Category: "pothole", Severity: "high", Title: "Hole", Location: ReportLocation{Address: &address}}))
	require.Len(t, provider.sent, 1)
	assert.Equal(t, "New pothole report AB12CD34", provider.sent[0].Subject)
	assert.Contains(t, provider.sent[0].Text, "5th Ave")
}

func TestBuildDepartmentDigest(t *testing.T) {
	app := newMailTestApp(&recordingProvider{})
	contact := "water@city.test"

	msg, err := app.buildDepartmentDigest(Department{ID: 4, Code: "water", Name: "Water", ContactEmail: &contact}, departmentBacklog{Open: 7, Unassigned: 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"water@city.test"}, msg.To)
	assert.Equal(t, "7 open CivicPulse reports for Water", msg.Subject)
	assert.Contains(t, msg.Text, "2 of them unassigned")
	assert.Contains(t, msg.Text, "https://civicpulse.test/officer/reports?department_id=4")
	assert.Equal(t, "water", msg.Tags["department"])
}
