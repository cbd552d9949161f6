package compliance

import (
	"fmt"
	"time"
)

// Purpose distinguishes replies to a lead's own message from unsolicited
// nudges.
type Purpose string

const (
	PurposeReply Purpose = "reply"
	PurposeNudge Purpose = "nudge"
)

// QuietHours is a daily local-time window during which nudges are held.
// The zero value never suppresses.
type QuietHours struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
	enabled      bool
}

// ParseQuietHours builds a window from HH:MM strings. Empty start and end
// yield a disabled window.
func ParseQuietHours(start, end, tz string) (QuietHours, error) {
	if start == "" && end == "" {
		return QuietHours{}, nil
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("compliance: load quiet hours tz: %w", err)
		}
	}
	startMin, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours end: %w", err)
	}
	return QuietHours{
		StartMinutes: startMin,
		EndMinutes:   endMin,
		location:     loc,
		enabled:      startMin != endMin,
	}, nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Enabled reports whether the window suppresses anything.
func (q QuietHours) Enabled() bool {
	return q.enabled
}

// Suppress reports whether a message with the given purpose must be held at
// now. Replies are never held.
func (q QuietHours) Suppress(now time.Time, purpose Purpose) bool {
	if !q.enabled || purpose != PurposeNudge {
		return false
	}
	return q.inside(q.minutesOf(now))
}

// NextOpen returns the first moment at or after now when nudges may be sent.
func (q QuietHours) NextOpen(now time.Time) time.Time {
	if !q.enabled {
		return now
	}
	local := now.In(q.location)
	if !q.inside(q.minutesOf(now)) {
		return now
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), q.EndMinutes/60, q.EndMinutes%60, 0, 0, q.location)
	if !open.After(local) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

func (q QuietHours) minutesOf(now time.Time) int {
	local := now.In(q.location)
	return local.Hour()*60 + local.Minute()
}

func (q QuietHours) inside(minutes int) bool {
	if q.StartMinutes < q.EndMinutes {
		return minutes >= q.StartMinutes && minutes < q.EndMinutes
	}
	// Window crosses midnight.
	return minutes >= q.StartMinutes || minutes < q.EndMinutes
}
