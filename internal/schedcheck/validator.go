// Package schedcheck checks a proposed posting schedule against frequency
// constraints and regional peak hours. It never modifies its input.
package schedcheck

import (
	"fmt"
	"sort"
	"time"

	"postwise/internal/calendar"
)

// Constraints bound how often a page may post.
type Constraints struct {
	MinIntervalHours int `json:"min_interval_hours" yaml:"min_interval_hours" validate:"gte=0,lte=48"`
	MaxDailyPosts    int `json:"max_daily_posts" yaml:"max_daily_posts" validate:"gte=0,lte=48"`
	MaxWeeklyPosts   int `json:"max_weekly_posts" yaml:"max_weekly_posts" validate:"gte=0,lte=336"`
}

func DefaultConstraints() Constraints {
	return Constraints{MinIntervalHours: 2, MaxDailyPosts: 6, MaxWeeklyPosts: 30}
}

// Report is the outcome of Validate. Valid is false only when Errors is non-empty.
type Report struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

type Validator struct {
	cal *calendar.Calendar
	now func() time.Time
}

type Option func(*Validator)

func WithClock(now func() time.Time) Option { return func(v *Validator) { v.now = now } }

func New(cal *calendar.Calendar, opts ...Option) *Validator {
	v := &Validator{cal: cal, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate inspects schedule for past instants (errors), daily/weekly limit
// and spacing violations (warnings) and off-peak instants (one suggestion).
// An unknown region is returned as an error, not reported.
func (v *Validator) Validate(r calendar.Region, c Constraints, schedule []time.Time) (Report, error) {
	loc, err := v.cal.Location(r)
	if err != nil {
		return Report{}, err
	}
	now := v.now()
	rep := Report{Valid: true, Errors: []string{}, Warnings: []string{}, Suggestions: []string{}}

	sorted := append([]time.Time(nil), schedule...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	past := 0
	for _, t := range sorted {
		if !t.After(now) {
			past++
		}
	}
	if past > 0 {
		rep.Errors = append(rep.Errors, fmt.Sprintf("%d scheduled times are in the past", past))
		rep.Valid = false
	}

	if c.MaxDailyPosts > 0 {
		daily := map[string]int{}
		for _, t := range sorted {
			daily[t.In(loc).Format("2006-01-02")]++
		}
		over := 0
		for _, n := range daily {
			if n > c.MaxDailyPosts {
				over++
			}
		}
		if over > 0 {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("%d days exceed daily posting limit of %d", over, c.MaxDailyPosts))
		}
	}

	if c.MinIntervalHours > 0 {
		gap := time.Duration(c.MinIntervalHours) * time.Hour
		for i := 1; i < len(sorted); i++ {
			if sorted[i].Sub(sorted[i-1]) < gap {
				rep.Warnings = append(rep.Warnings, fmt.Sprintf("posts scheduled too close together: %s and %s",
					sorted[i-1].UTC().Format(time.RFC3339), sorted[i].UTC().Format(time.RFC3339)))
			}
		}
	}

	if c.MaxWeeklyPosts > 0 {
		// Everything up to one week from now counts, past instants included.
		horizon := now.Add(7 * 24 * time.Hour)
		weekly := 0
		for _, t := range sorted {
			if !t.After(horizon) {
				weekly++
			}
		}
		if weekly > c.MaxWeeklyPosts {
			rep.Warnings = append(rep.Warnings,
				fmt.Sprintf("weekly limit of %d posts may be exceeded", c.MaxWeeklyPosts))
		}
	}

	off := 0
	for _, t := range sorted {
		ok, err := v.cal.IsOptimal(r, t)
		if err != nil {
			return Report{}, err
		}
		if !ok {
			off++
		}
	}
	if off > 0 {
		rep.Suggestions = append(rep.Suggestions, fmt.Sprintf("%d posts scheduled outside optimal times", off))
	}
	return rep, nil
}
