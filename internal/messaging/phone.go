package messaging

import "strings"

// NormalizeE164 returns value as +<digits>. Bare 10-digit numbers are taken
// as US numbers; anything without digits normalizes to "".
func NormalizeE164(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	digits := sanitizePhone(value)
	if digits == "" {
		return ""
	}
	if strings.HasPrefix(value, "+") {
		return "+" + digits
	}
	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) >= 11:
		return "+" + digits
	default:
		return "+1" + digits
	}
}

func sanitizePhone(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
