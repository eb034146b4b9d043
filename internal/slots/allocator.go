// Package slots allocates posting instants for a region.
//
// All returned instants are UTC. Randomness (minute jitter, day sampling) and
// the clock are injected so schedules can be replayed exactly in tests and
// audited in production.
package slots

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"postwise/internal/calendar"
)

const (
	DefaultMinGap         = 2 * time.Hour
	DefaultHorizonDays    = 7
	DefaultFrequencyHours = 6
)

var ErrInvalidPostsPerDay = errors.New("slots: posts per day must be > 0")

type Allocator struct {
	cal     *calendar.Calendar
	rnd     Rand
	now     func() time.Time
	minGap  time.Duration
	horizon int
}

type Option func(*Allocator)

func WithRand(r Rand) Option { return func(a *Allocator) { a.rnd = r } }

func WithClock(now func() time.Time) Option { return func(a *Allocator) { a.now = now } }

// WithMinGap sets the conflict distance used by NextAvailableSlot and the
// default interval used by GenerateSchedule.
func WithMinGap(d time.Duration) Option {
	return func(a *Allocator) {
		if d > 0 {
			a.minGap = d
		}
	}
}

func WithHorizonDays(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.horizon = n
		}
	}
}

func New(cal *calendar.Calendar, opts ...Option) *Allocator {
	a := &Allocator{
		cal:     cal,
		now:     time.Now,
		minGap:  DefaultMinGap,
		horizon: DefaultHorizonDays,
	}
	for _, o := range opts {
		o(a)
	}
	if a.rnd == nil {
		a.rnd, _ = NewTimeSeeded()
	}
	return a
}

// WithMinGap returns a copy of a that uses d as the conflict distance.
// The copy shares the calendar, clock and random source.
func (a *Allocator) WithMinGap(d time.Duration) *Allocator {
	cp := *a
	if d > 0 {
		cp.minGap = d
	}
	return &cp
}

func (a *Allocator) MinGap() time.Duration { return a.minGap }

// Slot is the result of NextAvailableSlot.
type Slot struct {
	At time.Time
	// Fallback is true when no conflict-free optimal slot existed in the
	// horizon. Fallback slots are NOT re-checked against the minimum gap.
	Fallback bool
}

// ComputeOptimalTimes builds one candidate per optimal hour on target's local
// date, each with a random minute, converted to UTC and sorted ascending.
// pageHours, when non-empty, replaces the region's weekday/weekend defaults.
func (a *Allocator) ComputeOptimalTimes(r calendar.Region, target time.Time, pageHours []int) ([]time.Time, error) {
	loc, err := a.cal.Location(r)
	if err != nil {
		return nil, err
	}
	hours, err := a.hoursFor(r, target, pageHours)
	if err != nil {
		return nil, err
	}
	y, m, d := target.In(loc).Date()
	out := make([]time.Time, 0, len(hours))
	for _, h := range hours {
		out = append(out, time.Date(y, m, d, h, a.rnd.Intn(60), 0, 0, loc).UTC())
	}
	sortTimes(out)
	return out, nil
}

func (a *Allocator) hoursFor(r calendar.Region, target time.Time, pageHours []int) ([]int, error) {
	if len(pageHours) == 0 {
		return a.cal.HoursFor(r, target)
	}
	for _, h := range pageHours {
		if h < 0 || h > 23 {
			return nil, fmt.Errorf("slots: preferred hour %d out of range", h)
		}
	}
	return pageHours, nil
}

// NextAvailableSlot searches day by day from today over the horizon and
// returns the earliest optimal candidate after now that keeps at least the
// minimum gap to every existing instant.
//
// When the horizon has no such candidate it falls back to the latest existing
// instant plus frequencyHours (or now+1h), snapped to the closest optimal time
// of that local day. The fallback is accepted as-is even if it lands near an
// existing post.
func (a *Allocator) NextAvailableSlot(r calendar.Region, existing []time.Time, frequencyHours int, pageHours []int) (Slot, error) {
	now := a.now().UTC()
	for day := 0; day < a.horizon; day++ {
		cands, err := a.ComputeOptimalTimes(r, now.Add(time.Duration(day)*24*time.Hour), pageHours)
		if err != nil {
			return Slot{}, err
		}
		for _, c := range cands {
			if !c.After(now) {
				continue
			}
			if a.available(c, existing) {
				return Slot{At: c}, nil
			}
		}
	}

	if frequencyHours <= 0 {
		frequencyHours = DefaultFrequencyHours
	}
	base := now.Add(time.Hour)
	if len(existing) > 0 {
		base = latest(existing).Add(time.Duration(frequencyHours) * time.Hour)
	}
	at, err := a.closestOptimal(r, base, pageHours)
	if err != nil {
		return Slot{}, err
	}
	return Slot{At: at, Fallback: true}, nil
}

func (a *Allocator) available(c time.Time, existing []time.Time) bool {
	for _, e := range existing {
		if absDur(c.Sub(e)) < a.minGap {
			return false
		}
	}
	return true
}

func (a *Allocator) closestOptimal(r calendar.Region, base time.Time, pageHours []int) (time.Time, error) {
	cands, err := a.ComputeOptimalTimes(r, base, pageHours)
	if err != nil {
		return time.Time{}, err
	}
	if len(cands) == 0 {
		return base.UTC(), nil
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if absDur(c.Sub(base)) < absDur(best.Sub(base)) {
			best = c
		}
	}
	return best, nil
}

// Preferences are the page-level knobs for GenerateSchedule.
type Preferences struct {
	Hours []int
	// MinIntervalHours <= 0 means the allocator's minimum gap.
	MinIntervalHours int
}

// GenerateSchedule walks every local calendar day from start's to end's
// (inclusive). Per day it samples postsPerDay optimal candidates at random
// (not best-N), then drops candidates closer than the minimum interval to the
// previously kept one. A day may therefore end up with fewer posts.
func (a *Allocator) GenerateSchedule(r calendar.Region, start, end time.Time, postsPerDay int, prefs *Preferences) ([]time.Time, error) {
	if postsPerDay <= 0 {
		return nil, ErrInvalidPostsPerDay
	}
	loc, err := a.cal.Location(r)
	if err != nil {
		return nil, err
	}
	var hours []int
	gap := a.minGap
	if prefs != nil {
		hours = prefs.Hours
		if prefs.MinIntervalHours > 0 {
			gap = time.Duration(prefs.MinIntervalHours) * time.Hour
		}
	}

	out := []time.Time{}
	if end.Before(start) {
		return out, nil
	}
	// Anchor each day at local noon so DST transitions never skip or repeat a date.
	s, e := start.In(loc), end.In(loc)
	day := time.Date(s.Year(), s.Month(), s.Day(), 12, 0, 0, 0, loc)
	last := time.Date(e.Year(), e.Month(), e.Day(), 12, 0, 0, 0, loc)
	for !day.After(last) {
		cands, err := a.ComputeOptimalTimes(r, day, hours)
		if err != nil {
			return nil, err
		}
		picked := cands
		if len(cands) > postsPerDay {
			picked = a.sample(cands, postsPerDay)
			sortTimes(picked)
		}

		var prev time.Time
		for i, c := range picked {
			if i == 0 || c.Sub(prev) >= gap {
				out = append(out, c)
				prev = c
			}
		}
		day = time.Date(day.Year(), day.Month(), day.Day()+1, 12, 0, 0, 0, loc)
	}
	sortTimes(out)
	return out, nil
}

func (a *Allocator) sample(in []time.Time, k int) []time.Time {
	pool := append([]time.Time(nil), in...)
	for i := 0; i < k; i++ {
		j := i + a.rnd.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

// AddHumanVariance shifts every instant by a random -30..+30 minutes. An
// instant that would land at or before now is replaced by now + 5..15 minutes.
func (a *Allocator) AddHumanVariance(instants []time.Time) []time.Time {
	now := a.now().UTC()
	out := make([]time.Time, len(instants))
	for i, t := range instants {
		v := t.Add(time.Duration(between(a.rnd, -30, 30)) * time.Minute)
		if !v.After(now) {
			v = now.Add(time.Duration(between(a.rnd, 5, 15)) * time.Minute)
		}
		out[i] = v.UTC()
	}
	sortTimes(out)
	return out
}

// OptimizeForHistoricalEngagement moves instants whose local hour is not among
// the five best-scoring hours to the nearest of those hours on the same local
// day, with a fresh random minute. Without scores the input is returned as-is.
func (a *Allocator) OptimizeForHistoricalEngagement(r calendar.Region, base []time.Time, hourlyScores map[int]float64) ([]time.Time, error) {
	out := append([]time.Time(nil), base...)
	if len(hourlyScores) == 0 {
		return out, nil
	}
	loc, err := a.cal.Location(r)
	if err != nil {
		return nil, err
	}
	top := TopHours(hourlyScores, 5)
	for i, t := range out {
		local := t.In(loc)
		hour := local.Hour()
		if containsInt(top, hour) {
			continue
		}
		closest, best := top[0], absInt(top[0]-hour)
		for _, h := range top[1:] {
			if d := absInt(h - hour); d < best {
				closest, best = h, d
			}
		}
		out[i] = time.Date(local.Year(), local.Month(), local.Day(), closest, a.rnd.Intn(60),
			local.Second(), local.Nanosecond(), loc).UTC()
	}
	sortTimes(out)
	return out, nil
}

// TopHours ranks hours by score descending (ties: lower hour first) and keeps n.
func TopHours(scores map[int]float64, n int) []int {
	hours := make([]int, 0, len(scores))
	for h := range scores {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool {
		si, sj := scores[hours[i]], scores[hours[j]]
		if si != sj {
			return si > sj
		}
		return hours[i] < hours[j]
	})
	if len(hours) > n {
		hours = hours[:n]
	}
	return hours
}

func sortTimes(ts []time.Time) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
}

func latest(ts []time.Time) time.Time {
	m := ts[0]
	for _, t := range ts[1:] {
		if t.After(m) {
			m = t
		}
	}
	return m
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
