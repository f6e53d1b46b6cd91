package tracker

import (
	"context"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"example.com/tracker/internal/transport"
	"example.com/tracker/internal/wire"
)

var (
	emailField     = regexp.MustCompile(`(?i)e-?mail`)
	firstNameField = regexp.MustCompile(`(?i)first.?name|fname|given.?name|forename`)
	lastNameField  = regexp.MustCompile(`(?i)last.?name|lname|surname|family.?name`)
	companyField   = regexp.MustCompile(`(?i)company|organi[sz]ation|business|employer|\borg\b`)
	phoneField     = regexp.MustCompile(`(?i)phone|mobile|\btel\b|telephone`)
	fullNameField  = regexp.MustCompile(`(?i)^(name|full.?name|your.?name|contact.?name)$`)
)

// Rescan instruments every form not seen before. Hosts call it on load and
// whenever the document mutates; forms already seen are skipped, so repeated
// scans never double count.
func (a *Agent) Rescan(forms []*Form) {
	a.guard("form", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		for _, f := range forms {
			if f == nil {
				continue
			}
			if _, seen := a.forms[f]; seen {
				continue
			}
			a.forms[f] = struct{}{}
			a.recordLocked(wire.TypeFormViewed, "form_view", formProps(f))
		}
	})
}

// InstrumentedForms reports how many distinct forms have been seen.
func (a *Agent) InstrumentedForms() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.forms)
}

// HandleSubmit records a form submission. When the form carries an email the
// visitor is identified immediately, outside the batch queue, unless ctx is
// already done.
func (a *Agent) HandleSubmit(ctx context.Context, f *Form) {
	if f == nil {
		return
	}
	var (
		email   string
		profile wire.Profile
	)
	a.guard("form", func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if !a.activeLocked() {
			return
		}
		a.recordLocked(wire.TypeFormSubmitted, "form_submit", formProps(f))
		email, profile = extractLead(f.Fields)
	})
	if email != "" {
		a.Identify(ctx, email, profile)
	}
}

// Identify links the visitor to email on the server. It is sent at once and
// not retried. Nothing is sent once ctx is done.
func (a *Agent) Identify(ctx context.Context, email string, profile wire.Profile) {
	a.guard("identify", func() {
		email = strings.TrimSpace(email)
		if email == "" {
			return
		}
		if err := ctx.Err(); err != nil {
			a.logger.Debug("identify dropped", "error", err)
			return
		}
		a.mu.Lock()
		if !a.activeLocked() {
			a.mu.Unlock()
			return
		}
		payload := wire.IdentifyPayload{
			SiteID:    a.cfg.SiteID,
			VisitorID: a.visitorID,
			Email:     email,
			Profile:   profile,
		}
		a.mu.Unlock()

		body, err := wire.Seal(payload)
		if err != nil {
			a.logger.Debug("identify dropped", "error", err)
			return
		}
		a.sender.Send(a.identifyURL, body, transport.Options{})
	})
}

func formProps(f *Form) map[string]any {
	return map[string]any{
		"form_id":     f.ID,
		"form_name":   f.Name,
		"form_action": f.Action,
		"field_count": len(f.Fields),
	}
}

// extractLead finds the first email-like field and, when it holds a value,
// the profile fields next to it.
func extractLead(fields []Field) (string, wire.Profile) {
	emailInput, ok := lo.Find(fields, func(f Field) bool {
		return strings.EqualFold(f.Type, "email") || emailField.MatchString(f.Name) || emailField.MatchString(f.ID)
	})
	if !ok {
		return "", wire.Profile{}
	}
	email := strings.TrimSpace(emailInput.Value)
	if email == "" {
		return "", wire.Profile{}
	}
	return email, wire.Profile{
		FirstName: firstValue(fields, firstNameField, ""),
		LastName:  firstValue(fields, lastNameField, ""),
		Company:   firstValue(fields, companyField, ""),
		Phone:     firstValue(fields, phoneField, "tel"),
		FullName:  firstValue(fields, fullNameField, ""),
	}
}

// firstValue returns the trimmed value of the first non-empty field whose
// name or id matches pattern, or whose type equals inputType.
func firstValue(fields []Field, pattern *regexp.Regexp, inputType string) string {
	match, ok := lo.Find(fields, func(f Field) bool {
		if strings.TrimSpace(f.Value) == "" {
			return false
		}
		if inputType != "" && strings.EqualFold(f.Type, inputType) {
			return true
		}
		return pattern.MatchString(f.Name) || pattern.MatchString(f.ID)
	})
	if !ok {
		return ""
	}
	return strings.TrimSpace(match.Value)
}
