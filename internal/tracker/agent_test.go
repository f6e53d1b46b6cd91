package tracker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/tracker/internal/identity"
	"example.com/tracker/internal/transport"
	"example.com/tracker/internal/wire"
)

const desktopUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 Safari/605.1.15"

type sent struct {
	url  string
	body []byte
	sync bool
}

type captureSender struct {
	mu   sync.Mutex
	reqs []sent
}

func (c *captureSender) Send(url string, body []byte, opts transport.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs = append(c.reqs, sent{url: url, body: body, sync: opts.Sync})
}

func (c *captureSender) requests() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.reqs...)
}

func (c *captureSender) events(t *testing.T, a *Agent) []wire.Event {
	t.Helper()
	var out []wire.Event
	for _, r := range c.requests() {
		if r.url != a.EventsURL() {
			continue
		}
		var batch wire.BatchPayload
		require.NoError(t, wire.Open(r.body, &batch))
		out = append(out, batch.Events...)
	}
	return out
}

func (c *captureSender) identifies(t *testing.T, a *Agent) []wire.IdentifyPayload {
	t.Helper()
	var out []wire.IdentifyPayload
	for _, r := range c.requests() {
		if r.url != a.IdentifyURL() {
			continue
		}
		var p wire.IdentifyPayload
		require.NoError(t, wire.Open(r.body, &p))
		out = append(out, p)
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testPage() Page {
	return Page{
		URL:       "https://acme.test/pricing?utm_source=google&utm_medium=cpc&utm_campaign=fall",
		Title:     "Pricing",
		UserAgent: desktopUA,
		Language:  "en-US",
		Viewport:  Size{Width: 1280, Height: 800},
		Screen:    Size{Width: 1920, Height: 1080},
	}
}

func testConfig() Config {
	return Config{SiteID: "ws_1", BatchSize: 1000, ScrollDebounce: -1, FlushInterval: time.Hour}
}

func startAgent(t *testing.T, cfg Config, page Page, opts ...Option) (*Agent, *captureSender, *testClock) {
	t.Helper()
	sender := &captureSender{}
	clock := newTestClock()
	store := identity.NewStore(identity.NewMemoryStorage(), identity.NewMemoryStorage(), identity.Options{
		KeyPrefix: cfg.SiteID + ":",
		Now:       clock.Now,
	})
	opts = append([]Option{WithSender(sender), WithClock(clock.Now), WithIdentity(store)}, opts...)
	a, err := New(cfg, page, opts...)
	require.NoError(t, err)
	a.Start(context.Background())
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a, sender, clock
}

func ofType(events []wire.Event, typ wire.EventType) []wire.Event {
	var out []wire.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestNewRequiresSiteID(t *testing.T) {
	_, err := New(Config{}, testPage())
	assert.ErrorIs(t, err, ErrMissingSiteID)
}

func TestStartRecordsPageView(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	a.Flush()

	views := ofType(sender.events(t, a), wire.TypeView)
	require.Len(t, views, 1)
	v := views[0]
	assert.Equal(t, "ws_1", v.SiteID)
	assert.Equal(t, a.VisitorID(), v.VisitorID)
	assert.NotEmpty(t, v.SessionID)
	assert.Equal(t, "page_view", v.Name)
	assert.Equal(t, "2026-10-18T09:00:00.000Z", v.Timestamp)
	assert.Equal(t, wire.Device{UserAgent: desktopUA, Screen: "1920x1080", Language: "en-US"}, v.Device)
	require.NotNil(t, v.UTM)
	assert.Equal(t, wire.UTM{Source: "google", Medium: "cpc", Campaign: "fall"}, *v.UTM)
	assert.Equal(t, "Pricing", v.Properties["title"])
	assert.Equal(t, "/pricing", v.Properties["path"])
	assert.Equal(t, "direct", v.Properties["referrer"])
	assert.Equal(t, "1280x800", v.Properties["viewport"])
	assert.Equal(t, "1920x1080", v.Properties["screen"])
}

func TestStartTwiceRecordsOnePageView(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	a.Start(context.Background())
	a.Flush()
	assert.Len(t, ofType(sender.events(t, a), wire.TypeView), 1)
}

func TestSignalsBeforeStartAreIgnored(t *testing.T) {
	sender := &captureSender{}
	a, err := New(testConfig(), testPage(), WithSender(sender))
	require.NoError(t, err)

	a.HandleClick(&Element{Tag: "button", Text: "Buy"})
	a.HandleScroll(ScrollMetrics{ScrollTop: 1000, ScrollHeight: 2000, ViewportHeight: 1000})
	a.Rescan([]*Form{{ID: "f"}})
	a.Track("custom", nil)
	a.Flush()
	assert.Empty(t, sender.requests())
}

func TestVisitorIDStableAcrossReloads(t *testing.T) {
	durable := identity.NewMemoryStorage()
	newStore := func() *identity.Store {
		return identity.NewStore(durable, nil, identity.Options{KeyPrefix: "ws_1:"})
	}

	first, _, _ := startAgent(t, testConfig(), testPage(), WithIdentity(newStore()))
	second, _, _ := startAgent(t, testConfig(), testPage(), WithIdentity(newStore()))

	assert.NotEmpty(t, first.VisitorID())
	assert.Equal(t, first.VisitorID(), second.VisitorID())
}

func TestScrollMilestones(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	scrollTo := func(pct float64) {
		a.HandleScroll(ScrollMetrics{ScrollTop: pct * 10, ScrollHeight: 2000, ViewportHeight: 1000})
	}

	scrollTo(25)
	scrollTo(50)
	scrollTo(80)
	a.Flush()
	milestones := ofType(sender.events(t, a), wire.TypeScrollMilestone)
	require.Len(t, milestones, 3)
	assert.Equal(t, "scroll_25", milestones[0].Name)
	assert.Equal(t, "scroll_50", milestones[1].Name)
	assert.Equal(t, "scroll_75", milestones[2].Name)
	assert.EqualValues(t, 80, milestones[2].Properties["max_depth"])

	scrollTo(100)
	scrollTo(100)
	scrollTo(10)
	scrollTo(100)
	a.Flush()
	milestones = ofType(sender.events(t, a), wire.TypeScrollMilestone)
	require.Len(t, milestones, 4)
	assert.Equal(t, "scroll_100", milestones[3].Name)
	assert.Equal(t, float64(100), a.MaxScrollDepth())
}

func TestScrollJumpFiresEveryCrossedMilestoneOnce(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	a.HandleScroll(ScrollMetrics{ScrollTop: 760, ScrollHeight: 1800, ViewportHeight: 800})
	a.Flush()

	var names []string
	for _, e := range ofType(sender.events(t, a), wire.TypeScrollMilestone) {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"scroll_25", "scroll_50", "scroll_75"}, names)
}

func TestScrollDebounceMeasuresLastPosition(t *testing.T) {
	cfg := testConfig()
	cfg.ScrollDebounce = 20 * time.Millisecond
	a, sender, _ := startAgent(t, cfg, testPage())

	a.HandleScroll(ScrollMetrics{ScrollTop: 600, ScrollHeight: 2000, ViewportHeight: 1000})
	a.HandleScroll(ScrollMetrics{ScrollTop: 100, ScrollHeight: 2000, ViewportHeight: 1000})
	time.Sleep(80 * time.Millisecond)
	a.Flush()
	assert.Empty(t, ofType(sender.events(t, a), wire.TypeScrollMilestone))

	a.HandleScroll(ScrollMetrics{ScrollTop: 250, ScrollHeight: 2000, ViewportHeight: 1000})
	require.Eventually(t, func() bool { return a.MaxScrollDepth() == 25 }, time.Second, 5*time.Millisecond)
	a.Flush()
	milestones := ofType(sender.events(t, a), wire.TypeScrollMilestone)
	require.Len(t, milestones, 1)
	assert.Equal(t, "scroll_25", milestones[0].Name)
}

func TestScrollDebounceSkipsSupersededTimer(t *testing.T) {
	cfg := testConfig()
	cfg.ScrollDebounce = 10 * time.Millisecond
	a, _, _ := startAgent(t, cfg, testPage())

	fired := make(chan struct{}, 1)
	var calls atomic.Int32
	a.sensorHook = func(sensor string) {
		if sensor == "scroll-depth" && calls.Add(1) == 2 {
			fired <- struct{}{}
		}
	}
	a.HandleScroll(ScrollMetrics{ScrollTop: 1000, ScrollHeight: 2000, ViewportHeight: 1000})

	// Hold the lock until the first timer has fired and is waiting for it,
	// then install a newer timer the way a second scroll would.
	a.mu.Lock()
	<-fired
	newer := time.AfterFunc(time.Hour, func() {})
	a.scroll.timer = newer
	a.scroll.pending = ScrollMetrics{ScrollTop: 250, ScrollHeight: 2000, ViewportHeight: 1000}
	a.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Same(t, newer, a.scroll.timer, "the newer timer stays stoppable")
	assert.Zero(t, a.scroll.max, "the stale timer applies nothing")
	newer.Stop()
}

func TestEngagementPeriods(t *testing.T) {
	a, sender, clock := startAgent(t, testConfig(), testPage())

	clock.Advance(5 * time.Second)
	a.HandleActivity(ActivityMouseMove)
	clock.Advance(10 * time.Second)
	a.HandleActivity(ActivityKeyDown)
	clock.Advance(20 * time.Second)
	a.HandleActivity(ActivityMouseMove)
	clock.Advance(31 * time.Second)
	a.HandleActivity(ActivityTouchStart)
	a.Flush()

	engagements := ofType(sender.events(t, a), wire.TypeEngagement)
	require.Len(t, engagements, 2)
	assert.Equal(t, "mousemove", engagements[0].Properties["trigger"])
	assert.EqualValues(t, 5, engagements[0].Properties["seconds_on_page"])
	assert.Equal(t, "touchstart", engagements[1].Properties["trigger"])
}

func TestScrollCountsAsEngagement(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	a.HandleScroll(ScrollMetrics{ScrollTop: 0, ScrollHeight: 2000, ViewportHeight: 1000})
	a.Flush()

	engagements := ofType(sender.events(t, a), wire.TypeEngagement)
	require.Len(t, engagements, 1)
	assert.Equal(t, "scroll", engagements[0].Properties["trigger"])
}

func TestClickTracking(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())

	button := &Element{Tag: "BUTTON", ID: "buy", Text: "  Buy \n now  " + strings.Repeat("x", 200)}
	a.HandleClick(&Element{Tag: "span", Text: "Buy", Parent: button})
	a.HandleClick(&Element{Tag: "div", Text: "plain"})
	a.HandleClick(&Element{Tag: "div", Text: "Card", Attributes: map[string]string{TrackAttribute: "pricing_card"}})
	a.HandleClick(&Element{Tag: "a", Text: "Docs", Href: "/docs"})
	a.Flush()

	clicks := ofType(sender.events(t, a), wire.TypeClick)
	require.Len(t, clicks, 3)

	assert.Equal(t, "click", clicks[0].Name)
	assert.Equal(t, "button", clicks[0].Properties["tag"])
	assert.Equal(t, "buy", clicks[0].Properties["id"])
	text := clicks[0].Properties["text"].(string)
	assert.Len(t, []rune(text), maxClickText)
	assert.True(t, strings.HasPrefix(text, "Buy now xxx"))
	assert.NotContains(t, clicks[0].Properties, "href")

	assert.Equal(t, "pricing_card", clicks[1].Name)
	assert.Equal(t, "div", clicks[1].Properties["tag"])

	assert.Equal(t, "/docs", clicks[2].Properties["href"])
}

func TestDownloadDedup(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())

	link := &Element{Tag: "a", Text: "Report", Href: "/files/Q3-report.PDF?v=2"}
	a.HandleClick(link)
	a.HandleClick(&Element{Tag: "img", Parent: link})
	a.HandleClick(&Element{Tag: "a", Href: "https://cdn.acme.test/deck.pptx"})
	a.HandleClick(&Element{Tag: "a", Href: "/blog/post.html"})
	a.Flush()

	downloads := ofType(sender.events(t, a), wire.TypeDownload)
	require.Len(t, downloads, 2)
	assert.Equal(t, "https://acme.test/files/Q3-report.PDF?v=2", downloads[0].Properties["url"])
	assert.Equal(t, "Q3-report.PDF", downloads[0].Properties["file_name"])
	assert.Equal(t, "pdf", downloads[0].Properties["extension"])
	assert.Equal(t, "deck.pptx", downloads[1].Properties["file_name"])
}

func TestRescanIsIdempotent(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())

	signup := &Form{ID: "signup", Fields: []Field{{Tag: "input", Type: "email", Name: "email"}, {Tag: "button", Type: "submit"}}}
	a.Rescan([]*Form{signup})
	a.Rescan([]*Form{signup, nil})
	assert.Equal(t, 1, a.InstrumentedForms())

	// A structurally identical but distinct element is a new form.
	a.Rescan([]*Form{signup, {ID: "signup"}})
	a.Flush()

	viewed := ofType(sender.events(t, a), wire.TypeFormViewed)
	require.Len(t, viewed, 2)
	assert.Equal(t, "signup", viewed[0].Properties["form_id"])
	assert.EqualValues(t, 2, viewed[0].Properties["field_count"])
	assert.Equal(t, 2, a.InstrumentedForms())
}

func TestSubmitIdentifiesLead(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())

	form := &Form{ID: "demo", Name: "demo-request", Fields: []Field{
		{Tag: "input", Type: "text", Name: "first_name", Value: " Ada "},
		{Tag: "input", Type: "text", Name: "lname", Value: "Lovelace"},
		{Tag: "input", Type: "email", Name: "work_email", Value: "ada@acme.test"},
		{Tag: "input", Type: "text", ID: "company", Value: "Analytical Engines"},
		{Tag: "input", Type: "tel", Name: "contact", Value: "+1 555 0100"},
		{Tag: "textarea", Name: "message", Value: "hello"},
	}}
	a.HandleSubmit(context.Background(), form)
	a.Flush()

	submitted := ofType(sender.events(t, a), wire.TypeFormSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, "demo-request", submitted[0].Properties["form_name"])

	ids := sender.identifies(t, a)
	require.Len(t, ids, 1)
	assert.Equal(t, wire.IdentifyPayload{
		SiteID:    "ws_1",
		VisitorID: a.VisitorID(),
		Email:     "ada@acme.test",
		Profile: wire.Profile{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Company:   "Analytical Engines",
			Phone:     "+1 555 0100",
		},
	}, ids[0])
}

func TestSubmitWithoutEmailDoesNotIdentify(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())

	a.HandleSubmit(context.Background(), &Form{Fields: []Field{
		{Tag: "input", Type: "email", Name: "email", Value: "   "},
		{Tag: "input", Name: "email_confirm", Value: "late@acme.test"},
	}})
	a.HandleSubmit(context.Background(), &Form{Fields: []Field{{Tag: "input", Name: "q", Value: "search"}}})
	a.Flush()

	assert.Len(t, ofType(sender.events(t, a), wire.TypeFormSubmitted), 2)
	assert.Empty(t, sender.identifies(t, a))
}

func TestSubmitWithCanceledContextSkipsIdentify(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a.HandleSubmit(ctx, &Form{Fields: []Field{{Tag: "input", Type: "email", Name: "email", Value: "ada@acme.test"}}})
	a.Identify(ctx, "ada@acme.test", wire.Profile{})
	a.Flush()

	assert.Len(t, ofType(sender.events(t, a), wire.TypeFormSubmitted), 1, "the submit itself is still recorded")
	assert.Empty(t, sender.identifies(t, a))
}

func TestIdentifyIsImmediate(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	a.Identify(context.Background(), "lead@acme.test", wire.Profile{FullName: "Lead Person"})

	ids := sender.identifies(t, a)
	require.Len(t, ids, 1)
	assert.Equal(t, "Lead Person", ids[0].Profile.FullName)
	for _, r := range sender.requests() {
		assert.False(t, r.sync)
	}
}

func TestExitIntent(t *testing.T) {
	a, sender, clock := startAgent(t, testConfig(), testPage())
	a.HandleScroll(ScrollMetrics{ScrollTop: 400, ScrollHeight: 2000, ViewportHeight: 1000})
	clock.Advance(42 * time.Second)

	a.HandleMouseLeave(120)
	a.HandleMouseLeave(0)
	a.HandleMouseLeave(-5)
	a.Flush()

	exits := ofType(sender.events(t, a), wire.TypeExitIntent)
	require.Len(t, exits, 1)
	assert.EqualValues(t, 42, exits[0].Properties["seconds_on_page"])
	assert.EqualValues(t, 40, exits[0].Properties["max_scroll_depth"])
}

func TestExitIntentIgnoredOnMobile(t *testing.T) {
	page := testPage()
	page.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Mobile/15E148"
	a, sender, _ := startAgent(t, testConfig(), page)

	a.HandleMouseLeave(0)
	a.Flush()
	assert.Empty(t, ofType(sender.events(t, a), wire.TypeExitIntent))
}

func TestTimeOnPageCountsVisibleTimeOnly(t *testing.T) {
	a, sender, clock := startAgent(t, testConfig(), testPage())

	clock.Advance(30 * time.Second)
	a.HandleVisibilityChange(true)

	reqs := sender.requests()
	require.Len(t, reqs, 1, "hiding flushes at once")
	assert.True(t, reqs[0].sync)

	clock.Advance(5 * time.Minute) // hidden, not counted
	a.HandleVisibilityChange(false)
	a.HandleActivity(ActivityKeyDown)
	clock.Advance(10 * time.Second)
	a.HandleBeforeUnload()
	a.HandleBeforeUnload()

	reports := ofType(sender.events(t, a), wire.TypeTimeOnPage)
	require.Len(t, reports, 2)
	assert.EqualValues(t, 30, reports[0].Properties["seconds"])
	assert.Equal(t, false, reports[0].Properties["engaged"])
	assert.EqualValues(t, 40, reports[1].Properties["seconds"])
	assert.Equal(t, true, reports[1].Properties["engaged"])

	for _, r := range sender.requests() {
		assert.True(t, r.sync)
	}
}

func TestTrackCustomEvent(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	a.Track("plan_selected", map[string]any{"plan": "pro"})
	a.Flush()

	custom := ofType(sender.events(t, a), wire.TypeCustom)
	require.Len(t, custom, 1)
	assert.Equal(t, "plan_selected", custom[0].Name)
	assert.Equal(t, "pro", custom[0].Properties["plan"])
}

func TestSensorPanicDoesNotDisableOthers(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	a.sensorHook = func(sensor string) {
		if sensor == "click" {
			panic("click sensor exploded")
		}
	}

	assert.NotPanics(t, func() {
		a.HandleClick(&Element{Tag: "a", Href: "/files/guide.pdf"})
		a.HandleClick(&Element{Tag: "a", Href: "/files/guide.pdf"})
	})
	a.sensorHook = nil
	a.Flush()

	events := sender.events(t, a)
	assert.Empty(t, ofType(events, wire.TypeClick))
	assert.Len(t, ofType(events, wire.TypeDownload), 1)

	a.HandleClick(&Element{Tag: "button", Text: "Again"})
	a.Flush()
	assert.Len(t, ofType(sender.events(t, a), wire.TypeClick), 1)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	a, sender, _ := startAgent(t, cfg, testPage())

	for i := 0; i < 9; i++ { // plus the page view makes 10
		a.Track("tick", nil)
	}
	require.Eventually(t, func() bool { return len(sender.requests()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, sender.events(t, a), 10)
}

func TestCloseFlushesAndStopsSignals(t *testing.T) {
	a, sender, _ := startAgent(t, testConfig(), testPage())
	a.Track("before_close", nil)
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, a.Close(context.Background()))

	reqs := sender.requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].sync)

	a.Track("after_close", nil)
	a.Flush()
	assert.Len(t, sender.requests(), 1)
}

func TestAPIBaseSelection(t *testing.T) {
	cfg := Config{SiteID: "ws_1", DevAPIBase: "http://localhost:9000/", ProdAPIBase: "https://collect.acme.test"}
	assert.Equal(t, "http://localhost:9000", cfg.APIBaseFor("http://localhost:3000/app"))
	assert.Equal(t, "https://collect.acme.test", cfg.APIBaseFor("https://acme.test/"))

	cfg.APIBase = "https://pinned.acme.test/"
	assert.Equal(t, "https://pinned.acme.test", cfg.APIBaseFor("http://localhost:3000/"))

	a, err := New(Config{SiteID: "ws_1"}, Page{URL: "http://app.localhost:3000/"}, WithSender(&captureSender{}))
	require.NoError(t, err)
	assert.Equal(t, DefaultDevAPIBase+DefaultEventsPath, a.EventsURL())
	assert.Equal(t, DefaultDevAPIBase+DefaultIdentifyPath, a.IdentifyURL())
}

func TestSessionRollsOverAfterInactivity(t *testing.T) {
	a, sender, clock := startAgent(t, testConfig(), testPage())
	clock.Advance(10 * time.Minute)
	a.Track("still_here", nil)
	clock.Advance(31 * time.Minute)
	a.Track("came_back", nil)
	a.Flush()

	events := sender.events(t, a)
	require.Len(t, events, 3)
	assert.Equal(t, events[0].SessionID, events[1].SessionID)
	assert.NotEqual(t, events[1].SessionID, events[2].SessionID)
	assert.Equal(t, events[0].VisitorID, events[2].VisitorID)
}
