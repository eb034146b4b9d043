// Package calendar maps audience regions to timezones and optimal posting hours.
//
// A Calendar is built once from configuration and is read-only afterwards,
// so it can be shared by every tenant and goroutine.
package calendar

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // regions must resolve even on hosts without zoneinfo

	"postwise/internal/errs"
)

type Region string

const (
	US Region = "US"
	UK Region = "UK"
)

// ParseRegion normalizes user/config input ("us", " UK ") into a Region.
func ParseRegion(s string) Region {
	return Region(strings.ToUpper(strings.TrimSpace(s)))
}

// Profile is the configured shape of a region.
type Profile struct {
	Timezone     string
	WeekdayHours []int
	WeekendHours []int
}

// Hour is one optimal local hour together with the weekday/weekend class it came from.
type Hour struct {
	Hour    int
	Weekend bool
}

type entry struct {
	loc     *time.Location
	weekday []int
	weekend []int
}

type Calendar struct {
	regions map[Region]entry
}

// DefaultProfiles returns the built-in US/UK peak hours.
func DefaultProfiles() map[Region]Profile {
	return map[Region]Profile{
		US: {
			Timezone:     "America/New_York",
			WeekdayHours: []int{9, 12, 15, 18, 21},
			WeekendHours: []int{10, 13, 16, 19, 20},
		},
		UK: {
			Timezone:     "Europe/London",
			WeekdayHours: []int{8, 12, 17, 19, 21},
			WeekendHours: []int{9, 12, 15, 18, 20},
		},
	}
}

// New validates profiles and resolves their timezones.
func New(profiles map[Region]Profile) (*Calendar, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("calendar: no regions configured")
	}
	c := &Calendar{regions: make(map[Region]entry, len(profiles))}
	for r, p := range profiles {
		if r == "" {
			return nil, fmt.Errorf("calendar: empty region name")
		}
		loc, err := time.LoadLocation(strings.TrimSpace(p.Timezone))
		if err != nil {
			return nil, fmt.Errorf("calendar: region %s: %w", r, err)
		}
		wd, err := checkHours(r, "weekday", p.WeekdayHours)
		if err != nil {
			return nil, err
		}
		we, err := checkHours(r, "weekend", p.WeekendHours)
		if err != nil {
			return nil, err
		}
		c.regions[r] = entry{loc: loc, weekday: wd, weekend: we}
	}
	return c, nil
}

// Default returns a calendar with DefaultProfiles. It panics only if the
// embedded tz database is broken.
func Default() *Calendar {
	c, err := New(DefaultProfiles())
	if err != nil {
		panic(err)
	}
	return c
}

func checkHours(r Region, class string, hours []int) ([]int, error) {
	if len(hours) == 0 {
		return nil, fmt.Errorf("calendar: region %s has no %s hours", r, class)
	}
	out := make([]int, len(hours))
	for i, h := range hours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("calendar: region %s %s hour %d out of range", r, class, h)
		}
		out[i] = h
	}
	return out, nil
}

func (c *Calendar) lookup(r Region) (entry, error) {
	e, ok := c.regions[r]
	if !ok {
		return entry{}, errs.UnknownRegion(string(r))
	}
	return e, nil
}

// Regions lists configured regions in lexical order.
func (c *Calendar) Regions() []Region {
	out := make([]Region, 0, len(c.regions))
	for r := range c.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Location returns the region's timezone.
func (c *Calendar) Location(r Region) (*time.Location, error) {
	e, err := c.lookup(r)
	if err != nil {
		return nil, err
	}
	return e.loc, nil
}

// OptimalHours returns the configured hours for date's local day class, in
// configured order. The weekday/weekend decision uses the region's local date,
// so an instant shortly after midnight UTC may still be the previous local day.
func (c *Calendar) OptimalHours(r Region, date time.Time) ([]Hour, error) {
	e, err := c.lookup(r)
	if err != nil {
		return nil, err
	}
	weekend := isWeekend(date.In(e.loc))
	src := e.weekday
	if weekend {
		src = e.weekend
	}
	out := make([]Hour, len(src))
	for i, h := range src {
		out[i] = Hour{Hour: h, Weekend: weekend}
	}
	return out, nil
}

// HoursFor is OptimalHours without the weekend flag.
func (c *Calendar) HoursFor(r Region, date time.Time) ([]int, error) {
	hs, err := c.OptimalHours(r, date)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(hs))
	for i, h := range hs {
		out[i] = h.Hour
	}
	return out, nil
}

// IsOptimal reports whether t's local hour is one of the region defaults for that local day.
func (c *Calendar) IsOptimal(r Region, t time.Time) (bool, error) {
	e, err := c.lookup(r)
	if err != nil {
		return false, err
	}
	local := t.In(e.loc)
	hours := e.weekday
	if isWeekend(local) {
		hours = e.weekend
	}
	for _, h := range hours {
		if h == local.Hour() {
			return true, nil
		}
	}
	return false, nil
}

func isWeekend(local time.Time) bool {
	wd := local.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
