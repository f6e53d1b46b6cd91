package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/tracker/internal/tracker"
	"example.com/tracker/internal/wire"
)

func TestAgentDeliversToCollector(t *testing.T) {
	c := newTestCollector(t, Options{})
	ctx := context.Background()

	agent, err := tracker.New(tracker.Config{
		SiteID:         "ws_e2e",
		APIBase:        c.server.URL,
		ScrollDebounce: -1,
		FlushInterval:  time.Hour,
	}, tracker.Page{
		URL:       "https://acme.test/demo?utm_source=newsletter",
		Title:     "Demo",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64)",
		Screen:    tracker.Size{Width: 1920, Height: 1080},
	})
	require.NoError(t, err)
	agent.Start(ctx)

	form := &tracker.Form{ID: "demo", Fields: []tracker.Field{
		{Tag: "input", Type: "email", Name: "email", Value: "buyer@acme.test"},
		{Tag: "input", Name: "company", Value: "Acme"},
	}}
	agent.Rescan([]*tracker.Form{form})
	agent.HandleScroll(tracker.ScrollMetrics{ScrollTop: 1000, ScrollHeight: 2000, ViewportHeight: 1000})
	agent.HandleSubmit(ctx, form)
	agent.HandleBeforeUnload()

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, agent.Close(closeCtx))

	events, err := c.store.ListEvents(ctx, EventFilter{SiteID: "ws_e2e", Limit: 100})
	require.NoError(t, err)
	types := map[wire.EventType]int{}
	for _, e := range events {
		types[e.Type]++
		assert.Equal(t, agent.VisitorID(), e.VisitorID)
	}
	assert.Equal(t, 1, types[wire.TypeView])
	assert.Equal(t, 1, types[wire.TypeFormViewed])
	assert.Equal(t, 1, types[wire.TypeFormSubmitted])
	assert.Equal(t, 4, types[wire.TypeScrollMilestone])
	assert.Equal(t, 1, types[wire.TypeTimeOnPage])

	lead, err := c.store.GetLead(ctx, "ws_e2e", "buyer@acme.test")
	require.NoError(t, err)
	assert.Equal(t, "Acme", lead.Company)
	assert.Equal(t, []string{agent.VisitorID()}, lead.Visitors)
}
