package wire

// EventType enumerates what a sensor observed.
type EventType string

const (
	TypeView            EventType = "view"
	TypeScrollMilestone EventType = "scroll-milestone"
	TypeTimeOnPage      EventType = "time-on-page"
	TypeEngagement      EventType = "engagement"
	TypeClick           EventType = "click"
	TypeFormViewed      EventType = "form-viewed"
	TypeFormSubmitted   EventType = "form-submitted"
	TypeDownload        EventType = "download"
	TypeExitIntent      EventType = "exit-intent"
	TypeCustom          EventType = "custom"
)

var knownTypes = map[EventType]bool{
	TypeView:            true,
	TypeScrollMilestone: true,
	TypeTimeOnPage:      true,
	TypeEngagement:      true,
	TypeClick:           true,
	TypeFormViewed:      true,
	TypeFormSubmitted:   true,
	TypeDownload:        true,
	TypeExitIntent:      true,
	TypeCustom:          true,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return knownTypes[t]
}

// Device describes the browser the event was captured in.
type Device struct {
	UserAgent string `json:"user_agent"`
	Screen    string `json:"screen"`
	Language  string `json:"language,omitempty"`
}

// UTM carries campaign parameters taken from the page URL.
type UTM struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

// Event is one observation queued by the agent and delivered in a batch.
type Event struct {
	SiteID     string         `json:"site_id"`
	VisitorID  string         `json:"visitor_id"`
	SessionID  string         `json:"session_id"`
	Type       EventType      `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
	URL        string         `json:"url"`
	Referrer   string         `json:"referrer,omitempty"`
	Device     Device         `json:"device"`
	UTM        *UTM           `json:"utm,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// BatchPayload is what the events endpoint decodes `_d` into.
type BatchPayload struct {
	Events []Event `json:"q"`
}

// Profile holds the optional lead fields sent alongside an identify.
// Slots: a first name, b last name, c company, d phone, e full name.
type Profile struct {
	FirstName string `json:"a,omitempty"`
	LastName  string `json:"b,omitempty"`
	Company   string `json:"c,omitempty"`
	Phone     string `json:"d,omitempty"`
	FullName  string `json:"e,omitempty"`
}

// IsZero reports whether no profile field was captured.
func (p Profile) IsZero() bool {
	return p == Profile{}
}

// IdentifyPayload links a visitor to an email address.
type IdentifyPayload struct {
	SiteID    string  `json:"w"`
	VisitorID string  `json:"u"`
	Email     string  `json:"em"`
	Profile   Profile `json:"p"`
}
