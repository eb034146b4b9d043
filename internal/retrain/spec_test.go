package retrain

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		raw    string
		source string
		next   time.Time
	}{
		{name: "default", raw: "@every 6h", source: "cron", next: from.Add(6 * time.Hour)},
		{name: "cron", raw: "0 */4 * * *", source: "cron", next: from.Add(2 * time.Hour)},
		{name: "prefixed cron", raw: "cron:@daily", source: "cron", next: time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)},
		{name: "duration", raw: "90m", source: "duration", next: from.Add(90 * time.Minute)},
		{name: "prefixed every", raw: "every:45s", source: "duration", next: from.Add(45 * time.Second)},
		{name: "hhmm", raw: "01:30", source: "hhmm", next: from.Add(90 * time.Minute)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if n := got.Next(from); !n.Equal(tt.next) {
				t.Fatalf("Next = %v, want %v", n, tt.next)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "soon", "cron:", "61 * * * *", "00:75", "00:00", "500ms", "every:-1h"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}
