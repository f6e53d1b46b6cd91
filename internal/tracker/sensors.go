package tracker

import (
	"fmt"
	"math"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	"example.com/tracker/internal/wire"
)

var scrollMilestones = []int{25, 50, 75, 100}

var downloadExtensions = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".zip", ".csv", ".ppt", ".pptx"}

var interactiveTags = []string{"a", "button", "input"}

const maxClickText = 100

type scrollState struct {
	max     float64
	reached map[int]bool
	pending ScrollMetrics
	timer   *time.Timer
}

func newScrollState() scrollState {
	return scrollState{reached: make(map[int]bool, len(scrollMilestones))}
}

func (s *scrollState) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

type timeOnPageState struct {
	visible      bool
	visibleSince time.Time
	active       time.Duration
	reported     time.Duration
}

func (t *timeOnPageState) show(now time.Time) {
	if t.visible {
		return
	}
	t.visible = true
	t.visibleSince = now
}

// settle folds the current visible stretch into the active total.
func (t *timeOnPageState) settle(now time.Time) {
	if !t.visible {
		return
	}
	if d := now.Sub(t.visibleSince); d > 0 {
		t.active += d
	}
	t.visibleSince = now
}

type engagementState struct {
	engaged      bool
	everEngaged  bool
	lastActivity time.Time
}

// HandleScroll feeds a scroll position. Positions are debounced; only the
// last one inside the debounce window is measured.
func (a *Agent) HandleScroll(m ScrollMetrics) {
	a.HandleActivity(ActivityScroll)
	a.guard("scroll-depth", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		if a.cfg.ScrollDebounce < 0 {
			a.applyScrollLocked(m)
			return
		}
		a.scroll.pending = m
		a.scroll.stopTimer()
		var timer *time.Timer
		timer = time.AfterFunc(a.cfg.ScrollDebounce, func() {
			a.guard("scroll-depth", func() {
				a.mu.Lock()
				defer a.mu.Unlock()
				// A newer scroll replaced this timer while it waited for the
				// lock; that timer measures the pending position.
				if !a.activeLocked() || a.scroll.timer != timer {
					return
				}
				a.scroll.timer = nil
				a.applyScrollLocked(a.scroll.pending)
			})
		})
		a.scroll.timer = timer
	})
}

// MaxScrollDepth returns the deepest scroll percentage seen so far.
func (a *Agent) MaxScrollDepth() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scroll.max
}

func (a *Agent) applyScrollLocked(m ScrollMetrics) {
	depth := 100.0
	if scrollable := m.ScrollHeight - m.ViewportHeight; scrollable > 0 {
		depth = m.ScrollTop / scrollable * 100
	}
	depth = math.Max(0, math.Min(100, depth))
	if depth > a.scroll.max {
		a.scroll.max = depth
	}
	for _, milestone := range scrollMilestones {
		if a.scroll.max < float64(milestone) || a.scroll.reached[milestone] {
			continue
		}
		a.scroll.reached[milestone] = true
		a.recordLocked(wire.TypeScrollMilestone, fmt.Sprintf("scroll_%d", milestone), map[string]any{
			"depth":     milestone,
			"max_depth": math.Round(a.scroll.max),
		})
	}
}

// HandleActivity marks the visitor engaged. One engagement event is recorded
// per continuous period; a gap longer than the idle window starts a new one.
func (a *Agent) HandleActivity(kind ActivityKind) {
	a.guard("engagement", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		now := a.now()
		e := &a.engagement
		if !e.engaged || now.Sub(e.lastActivity) > a.cfg.EngagementIdle {
			e.engaged = true
			e.everEngaged = true
			a.recordLocked(wire.TypeEngagement, "engaged", map[string]any{
				"trigger":          string(kind),
				"seconds_on_page":  seconds(a.elapsedLocked()),
				"max_scroll_depth": math.Round(a.scroll.max),
			})
		}
		e.lastActivity = now
	})
}

// HandleClick feeds a click on el. It drives both the click and the download
// sensors.
func (a *Agent) HandleClick(el *Element) {
	if el == nil {
		return
	}
	a.guard("click", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		target := el.closest(isTrackable)
		if target == nil {
			return
		}
		name := "click"
		if v, ok := target.attr(TrackAttribute); ok && strings.TrimSpace(v) != "" {
			name = strings.TrimSpace(v)
		}
		props := map[string]any{
			"text": truncateRunes(strings.Join(strings.Fields(target.Text), " "), maxClickText),
			"tag":  target.tag(),
			"id":   target.ID,
		}
		if target.Href != "" {
			props["href"] = target.Href
		}
		a.recordLocked(wire.TypeClick, name, props)
	})
	a.guard("download", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		anchor := el.closest(func(n *Element) bool { return n.tag() == "a" && n.Href != "" })
		if anchor == nil {
			return
		}
		resolved, ext, ok := downloadTarget(a.page.URL, anchor.Href)
		if !ok {
			return
		}
		if _, seen := a.downloads[resolved]; seen {
			return
		}
		a.downloads[resolved] = struct{}{}
		a.recordLocked(wire.TypeDownload, "file_download", map[string]any{
			"url":       resolved,
			"file_name": path.Base(mustPath(resolved)),
			"extension": strings.TrimPrefix(ext, "."),
		})
	})
}

// HandleMouseLeave feeds the pointer leaving the viewport at clientY. Leaving
// through the top edge on a desktop browser is an exit intent, reported once.
func (a *Agent) HandleMouseLeave(clientY float64) {
	a.guard("exit-intent", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() || a.mobile || a.exitFired || clientY > 0 {
			return
		}
		a.exitFired = true
		a.recordLocked(wire.TypeExitIntent, "exit_intent", map[string]any{
			"seconds_on_page":  seconds(a.elapsedLocked()),
			"max_scroll_depth": math.Round(a.scroll.max),
		})
	})
}

// HandleVisibilityChange feeds tab visibility. Hiding the page reports time
// on page and flushes on the unload path.
func (a *Agent) HandleVisibilityChange(hidden bool) {
	a.guard("time-on-page", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		now := a.now()
		if !hidden {
			a.timing.show(now)
			return
		}
		a.timing.settle(now)
		a.timing.visible = false
		a.reportTimeOnPageLocked()
	})
	if hidden {
		a.guard("flush", func() { a.queue.Flush(true) })
	}
}

// HandleBeforeUnload reports time on page and flushes on the unload path.
func (a *Agent) HandleBeforeUnload() {
	a.guard("time-on-page", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		a.timing.settle(a.now())
		a.reportTimeOnPageLocked()
	})
	a.guard("flush", func() { a.queue.Flush(true) })
}

// reportTimeOnPageLocked records the active total when it grew since the
// last report, so hide followed by unload does not report twice.
func (a *Agent) reportTimeOnPageLocked() {
	if a.timing.active <= a.timing.reported {
		return
	}
	a.timing.reported = a.timing.active
	a.recordLocked(wire.TypeTimeOnPage, "time_on_page", map[string]any{
		"seconds":          seconds(a.timing.active),
		"max_scroll_depth": math.Round(a.scroll.max),
		"engaged":          a.engagement.everEngaged,
	})
}

func isTrackable(n *Element) bool {
	if lo.Contains(interactiveTags, n.tag()) {
		return true
	}
	_, ok := n.attr(TrackAttribute)
	return ok
}

// downloadTarget resolves href against the page and reports whether it points
// at a tracked file type.
func downloadTarget(pageURL, href string) (string, string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", "", false
	}
	if base, err := url.Parse(pageURL); err == nil {
		ref = base.ResolveReference(ref)
	}
	ext := strings.ToLower(path.Ext(ref.Path))
	if !lo.Contains(downloadExtensions, ext) {
		return "", "", false
	}
	return ref.String(), ext, true
}

func mustPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func pagePath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func referrerOrDirect(referrer string) string {
	return lo.Ternary(strings.TrimSpace(referrer) != "", referrer, "direct")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func seconds(d time.Duration) int {
	return int(math.Round(d.Seconds()))
}
