package webhook

import (
	"strings"
	"time"

	"github.com/mways/smsgatewayd/internal/config"
)

// Event is what the pipeline matches filters against and renders
// templates from. SimDisplay is the sim card's resolved display name
// (teacher-style: the id-cache lookup happens upstream, in the
// manager, not here).
type Event struct {
	Contact    string
	Message    string
	SimID      string
	SimDisplay string
	Timestamp  time.Time
	Send       bool
}

func (e Event) fieldValues() map[string]string {
	return map[string]string{
		"contact":   e.Contact,
		"message":   e.Message,
		"sim":       e.SimDisplay,
		"timestamp": e.Timestamp.Format(time.RFC3339),
		"send":      boolString(e.Send),
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func matches(rule *Rule, ev Event) bool {
	w := rule.cfg
	if ev.Send && !w.IncludeSelfSent {
		return false
	}
	if len(w.ContactFilter) > 0 && !contains(w.ContactFilter, ev.Contact) {
		return false
	}
	if len(w.SimFilter) > 0 && !contains(w.SimFilter, ev.SimDisplay) {
		return false
	}
	if w.TimeFilter != nil && !timeFilterPasses(*w.TimeFilter, ev.Timestamp) {
		return false
	}
	if w.MessageFilter != nil && !messageFilterPasses(*w.MessageFilter, ev.Message, rule.msgFilterRegex) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func timeFilterPasses(f config.TimeFilter, ts time.Time) bool {
	local := ts.Local()
	if len(f.DaysOfWeek) > 0 {
		ok := false
		weekday := int(local.Weekday())
		for _, d := range f.DaysOfWeek {
			if d == weekday {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.StartTime == "" && f.EndTime == "" {
		return true
	}
	start, errStart := time.Parse("15:04", f.StartTime)
	end, errEnd := time.Parse("15:04", f.EndTime)
	if errStart != nil || errEnd != nil {
		return true
	}
	tod := time.Date(0, 1, 1, local.Hour(), local.Minute(), 0, 0, time.UTC)
	startTod := time.Date(0, 1, 1, start.Hour(), start.Minute(), 0, 0, time.UTC)
	endTod := time.Date(0, 1, 1, end.Hour(), end.Minute(), 0, 0, time.UTC)
	return !tod.Before(startTod) && !tod.After(endTod)
}

func messageFilterPasses(f config.MessageFilter, message string, compiledRegex *regexpLike) bool {
	if len(f.Contains) > 0 {
		ok := false
		for _, needle := range f.Contains {
			if strings.Contains(message, needle) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, needle := range f.NotContains {
		if strings.Contains(message, needle) {
			return false
		}
	}
	if compiledRegex != nil && compiledRegex.findSubmatch(message) == nil {
		return false
	}
	return true
}
