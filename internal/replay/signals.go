// Package replay drives tracking agents from a recorded JSON-lines stream of
// page signals, one object per line.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"example.com/tracker/internal/tracker"
)

// SignalType names one recorded browser signal.
type SignalType string

const (
	SignalPage       SignalType = "page"
	SignalScroll     SignalType = "scroll"
	SignalActivity   SignalType = "activity"
	SignalClick      SignalType = "click"
	SignalForms      SignalType = "forms"
	SignalSubmit     SignalType = "submit"
	SignalMouseLeave SignalType = "mouseleave"
	SignalVisibility SignalType = "visibility"
	SignalUnload     SignalType = "unload"
	SignalTrack      SignalType = "track"
	SignalSleep      SignalType = "sleep"
)

const maxLineSize = 1 << 20

// FormRef is a form snapshot with a stable reference, so the same element
// can be rescanned and submitted later in the stream.
type FormRef struct {
	Ref string `json:"ref"`
	tracker.Form
}

// Signal is one line of a recording. Which fields matter depends on Type.
type Signal struct {
	Type SignalType `json:"type"`

	Page     *tracker.Page          `json:"page,omitempty"`
	Scroll   *tracker.ScrollMetrics `json:"scroll,omitempty"`
	Activity tracker.ActivityKind   `json:"activity,omitempty"`
	Element  *tracker.Element       `json:"element,omitempty"`
	Forms    []FormRef              `json:"forms,omitempty"`
	// Form is the ref of the submitted form. Values, when present, replace
	// the field values captured at scan time, keyed by field name.
	Form    string            `json:"form,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
	ClientY float64           `json:"client_y,omitempty"`
	Hidden  bool              `json:"hidden,omitempty"`
	Name    string            `json:"name,omitempty"`
	Props   map[string]any    `json:"props,omitempty"`
	For     string            `json:"for,omitempty"`
}

// Parse reads a recording. Blank lines and lines starting with # are
// skipped; any malformed line fails the whole parse with its line number.
func Parse(r io.Reader) ([]Signal, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var signals []Signal
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var s Signal
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if err := s.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		signals = append(signals, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return signals, nil
}

// sleepFor parses For as a non-negative duration.
func (s Signal) sleepFor() (time.Duration, error) {
	d, err := time.ParseDuration(s.For)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", s.Type, s.For)
	}
	return d, nil
}

func (s *Signal) validate() error {
	switch s.Type {
	case SignalPage:
		if s.Page == nil || s.Page.URL == "" {
			return fmt.Errorf("%s: page.url required", s.Type)
		}
	case SignalScroll:
		if s.Scroll == nil {
			return fmt.Errorf("%s: scroll required", s.Type)
		}
	case SignalActivity:
		if s.Activity == "" {
			return fmt.Errorf("%s: activity required", s.Type)
		}
	case SignalClick:
		if s.Element == nil {
			return fmt.Errorf("%s: element required", s.Type)
		}
	case SignalForms:
		for _, f := range s.Forms {
			if f.Ref == "" {
				return fmt.Errorf("%s: every form needs a ref", s.Type)
			}
		}
	case SignalSubmit:
		if s.Form == "" {
			return fmt.Errorf("%s: form ref required", s.Type)
		}
	case SignalTrack:
		if s.Name == "" {
			return fmt.Errorf("%s: name required", s.Type)
		}
	case SignalSleep:
		if _, err := s.sleepFor(); err != nil {
			return err
		}
	case SignalMouseLeave, SignalVisibility, SignalUnload:
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	return nil
}
