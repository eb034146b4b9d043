package schedcheck

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"postwise/internal/calendar"
	"postwise/internal/errs"
)

var testNow = time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC) // 08:00 in New York

func newValidator() *Validator {
	return New(calendar.Default(), WithClock(func() time.Time { return testNow }))
}

func ny(t *testing.T, day, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("tz: %v", err)
	}
	return time.Date(2026, 10, day, hour, minute, 0, 0, loc)
}

func TestValidateCleanSchedule(t *testing.T) {
	t.Parallel()
	rep, err := newValidator().Validate(calendar.US, DefaultConstraints(), []time.Time{
		ny(t, 20, 12, 10), ny(t, 20, 15, 5), ny(t, 21, 9, 30),
	})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !rep.Valid || len(rep.Errors)+len(rep.Warnings)+len(rep.Suggestions) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestValidateFindings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		c           Constraints
		schedule    func(t *testing.T) []time.Time
		valid       bool
		errors      int
		warnings    []string
		suggestions int
	}{
		{
			name:     "past instant",
			c:        DefaultConstraints(),
			schedule: func(t *testing.T) []time.Time { return []time.Time{ny(t, 19, 12, 0), ny(t, 20, 12, 0)} },
			errors:   1,
		},
		{
			name: "too close",
			c:    DefaultConstraints(),
			schedule: func(t *testing.T) []time.Time {
				return []time.Time{ny(t, 20, 12, 0), ny(t, 20, 12, 45), ny(t, 20, 13, 30)}
			},
			valid:       true,
			warnings:    []string{"too close", "too close"},
			suggestions: 1,
		},
		{
			name: "daily limit",
			c:    Constraints{MaxDailyPosts: 2},
			schedule: func(t *testing.T) []time.Time {
				return []time.Time{ny(t, 20, 9, 0), ny(t, 20, 12, 0), ny(t, 20, 15, 0)}
			},
			valid:    true,
			warnings: []string{"1 days exceed daily posting limit of 2"},
		},
		{
			name: "weekly limit",
			c:    Constraints{MaxWeeklyPosts: 2},
			schedule: func(t *testing.T) []time.Time {
				return []time.Time{ny(t, 20, 9, 0), ny(t, 21, 12, 0), ny(t, 22, 15, 0)}
			},
			valid:    true,
			warnings: []string{"weekly limit of 2"},
		},
		{
			name:        "off peak",
			c:           DefaultConstraints(),
			schedule:    func(t *testing.T) []time.Time { return []time.Time{ny(t, 21, 3, 0), ny(t, 22, 4, 0)} },
			valid:       true,
			suggestions: 1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rep, err := newValidator().Validate(calendar.US, tt.c, tt.schedule(t))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if rep.Valid != tt.valid || len(rep.Errors) != tt.errors || len(rep.Suggestions) != tt.suggestions {
				t.Fatalf("report = %+v", rep)
			}
			if len(rep.Warnings) != len(tt.warnings) {
				t.Fatalf("warnings = %q, want %d", rep.Warnings, len(tt.warnings))
			}
			for i, w := range tt.warnings {
				if !strings.Contains(rep.Warnings[i], w) {
					t.Fatalf("warning[%d] = %q, want substring %q", i, rep.Warnings[i], w)
				}
			}
		})
	}
}

func TestValidateIsPure(t *testing.T) {
	t.Parallel()
	in := []time.Time{ny(t, 22, 3, 0), ny(t, 20, 12, 0), ny(t, 20, 12, 30)}
	orig := append([]time.Time(nil), in...)
	v := newValidator()

	a, err := v.Validate(calendar.US, DefaultConstraints(), in)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	b, _ := v.Validate(calendar.US, DefaultConstraints(), in)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("reports differ:\n%+v\n%+v", a, b)
	}
	for i := range orig {
		if !in[i].Equal(orig[i]) {
			t.Fatal("input schedule was modified")
		}
	}
}

func TestValidateUnknownRegion(t *testing.T) {
	t.Parallel()
	_, err := newValidator().Validate("FR", DefaultConstraints(), nil)
	var ce *errs.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}
