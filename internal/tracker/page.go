package tracker

import (
	"fmt"
	"strings"
)

// Size is a width/height pair in CSS pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Page describes the document the agent was loaded into.
type Page struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	Referrer  string `json:"referrer"`
	UserAgent string `json:"user_agent"`
	Language  string `json:"language"`
	Viewport  Size   `json:"viewport"`
	Screen    Size   `json:"screen"`
}

// ScrollMetrics is a snapshot of the document scroll position.
type ScrollMetrics struct {
	ScrollTop      float64 `json:"scroll_top"`
	ScrollHeight   float64 `json:"scroll_height"`
	ViewportHeight float64 `json:"viewport_height"`
}

// ActivityKind names the input that signalled engagement.
type ActivityKind string

const (
	ActivityMouseMove  ActivityKind = "mousemove"
	ActivityKeyDown    ActivityKind = "keydown"
	ActivityTouchStart ActivityKind = "touchstart"
	ActivityScroll     ActivityKind = "scroll"
)

// Element is the clicked node and, through Parent, its ancestors.
type Element struct {
	Tag        string            `json:"tag"`
	ID         string            `json:"id,omitempty"`
	Text       string            `json:"text,omitempty"`
	Href       string            `json:"href,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Parent     *Element          `json:"parent,omitempty"`
}

// TrackAttribute opts any element into click tracking. A non-empty value
// becomes the event name.
const TrackAttribute = "data-track"

func (e *Element) tag() string {
	return strings.ToLower(e.Tag)
}

func (e *Element) attr(name string) (string, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// closest walks from e up through its ancestors and returns the first node
// matching match.
func (e *Element) closest(match func(*Element) bool) *Element {
	for n, depth := e, 0; n != nil && depth < 64; n, depth = n.Parent, depth+1 {
		if match(n) {
			return n
		}
	}
	return nil
}

// Field is one form control.
type Field struct {
	Tag         string `json:"tag"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	ID          string `json:"id,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Value       string `json:"value,omitempty"`
}

// Form is a form element. The agent tracks forms by pointer identity, so a
// host must hand the same *Form back on every rescan of the same element.
type Form struct {
	ID     string  `json:"id,omitempty"`
	Name   string  `json:"name,omitempty"`
	Action string  `json:"action,omitempty"`
	Fields []Field `json:"fields"`
}
