package compliance

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("parse %s: %v", v, err)
	}
	return ts
}

func TestQuietHoursSuppressOvernightWindow(t *testing.T) {
	q, err := ParseQuietHours("21:00", "07:30", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tests := []struct {
		ts      string
		want    bool
		purpose Purpose
	}{
		{"2024-10-05T22:00:00Z", true, PurposeNudge},
		{"2024-10-05T06:59:00Z", true, PurposeNudge},
		{"2024-10-05T08:00:00Z", false, PurposeNudge},
		{"2024-10-05T22:00:00Z", false, PurposeReply},
	}
	for _, tc := range tests {
		if got := q.Suppress(mustTime(t, tc.ts), tc.purpose); got != tc.want {
			t.Fatalf("Suppress(%s,%s)=%v want %v", tc.ts, tc.purpose, got, tc.want)
		}
	}
}

func TestQuietHoursNextOpen(t *testing.T) {
	q, err := ParseQuietHours("21:00", "07:30", "UTC")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	late := mustTime(t, "2024-10-05T22:15:00Z")
	if got, want := q.NextOpen(late), mustTime(t, "2024-10-06T07:30:00Z"); !got.Equal(want) {
		t.Fatalf("NextOpen(late)=%s want %s", got, want)
	}
	early := mustTime(t, "2024-10-06T05:00:00Z")
	if got, want := q.NextOpen(early), mustTime(t, "2024-10-06T07:30:00Z"); !got.Equal(want) {
		t.Fatalf("NextOpen(early)=%s want %s", got, want)
	}
	noon := mustTime(t, "2024-10-06T12:00:00Z")
	if got := q.NextOpen(noon); !got.Equal(noon) {
		t.Fatalf("NextOpen(noon)=%s want unchanged", got)
	}
}

func TestQuietHoursDisabled(t *testing.T) {
	q, err := ParseQuietHours("", "", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if q.Enabled() {
		t.Fatalf("expected disabled window")
	}
	if q.Suppress(mustTime(t, "2024-10-05T03:00:00Z"), PurposeNudge) {
		t.Fatalf("disabled window should not suppress")
	}
}

func TestParseQuietHoursValidationErrors(t *testing.T) {
	if _, err := ParseQuietHours("", "07:00", "UTC"); err == nil {
		t.Fatalf("expected error for empty start clock")
	}
	if _, err := ParseQuietHours("07:00", "08:00", "Mars/Phobos"); err == nil {
		t.Fatalf("expected error for bad timezone")
	}
	if _, err := ParseQuietHours("7pm", "08:00", "UTC"); err == nil {
		t.Fatalf("expected error for bad clock")
	}
}
