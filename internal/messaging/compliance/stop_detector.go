package compliance

import (
	"regexp"
	"strings"
)

// Detector identifies carrier STOP/HELP keywords in inbound messages. The
// keyword must be the whole message, give or take trailing punctuation, so
// "Stop by tomorrow" or "Info on pricing?" are left to the classifier.
type Detector struct {
	stopRegex *regexp.Regexp
	helpRegex *regexp.Regexp
}

// NewDetector returns a keyword detector covering the CTIA opt-out and help
// keywords.
func NewDetector() *Detector {
	return &Detector{
		stopRegex: regexp.MustCompile(`(?i)^(?:please\s+)?(stop|stopall|unsubscribe|cancel|end|quit|optout|opt\s+out)[\s.!]*$`),
		helpRegex: regexp.MustCompile(`(?i)^(?:please\s+)?(help|info)[\s.!?]*$`),
	}
}

// IsStop returns true when body is a STOP keyword.
func (d *Detector) IsStop(body string) bool {
	if d == nil || d.stopRegex == nil {
		return false
	}
	return d.stopRegex.MatchString(strings.TrimSpace(body))
}

// IsHelp returns true when body is a HELP keyword.
func (d *Detector) IsHelp(body string) bool {
	if d == nil || d.helpRegex == nil {
		return false
	}
	return d.helpRegex.MatchString(strings.TrimSpace(body))
}

// Keyword returns the matched keyword in upper case, or "" when body has
// none.
func (d *Detector) Keyword(body string) string {
	if d == nil {
		return ""
	}
	body = strings.TrimSpace(body)
	for _, re := range []*regexp.Regexp{d.stopRegex, d.helpRegex} {
		if re == nil {
			continue
		}
		if m := re.FindStringSubmatch(body); len(m) > 1 {
			return strings.ToUpper(strings.Join(strings.Fields(m[1]), " "))
		}
	}
	return ""
}
