package slots

import (
	"testing"
	"time"

	"postwise/internal/calendar"
)

// fixedRand always answers v (mod n); with v=0 every minute is :00.
type fixedRand struct{ v int }

func (f fixedRand) Intn(n int) int { return f.v % n }

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return loc
}

func fixedClock(at time.Time) func() time.Time { return func() time.Time { return at } }

func TestComputeOptimalTimesTuesday(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	a := New(calendar.Default(), WithRand(NewLockedRand(7)))

	got, err := a.ComputeOptimalTimes(calendar.US, time.Date(2026, 10, 20, 6, 0, 0, 0, ny), nil)
	if err != nil {
		t.Fatalf("ComputeOptimalTimes: %v", err)
	}
	want := []int{9, 12, 15, 18, 21}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, ts := range got {
		if ts.Location() != time.UTC {
			t.Fatalf("slot %d not UTC: %v", i, ts.Location())
		}
		local := ts.In(ny)
		if local.Hour() != want[i] || local.Day() != 20 {
			t.Fatalf("slot %d = %v, want hour %d on the 20th", i, local, want[i])
		}
		if i > 0 && !got[i-1].Before(ts) {
			t.Fatalf("slots not ascending at %d", i)
		}
	}
}

func TestComputeOptimalTimesPageHours(t *testing.T) {
	t.Parallel()
	a := New(calendar.Default(), WithRand(fixedRand{}))
	if _, err := a.ComputeOptimalTimes(calendar.US, time.Now(), []int{7, 25}); err == nil {
		t.Fatal("expected error for hour 25")
	}
	got, err := a.ComputeOptimalTimes(calendar.UK, time.Date(2026, 10, 24, 12, 0, 0, 0, time.UTC), []int{7})
	if err != nil {
		t.Fatalf("ComputeOptimalTimes: %v", err)
	}
	// Europe/London is on BST until the last Sunday of October.
	if len(got) != 1 || !got[0].Equal(time.Date(2026, 10, 24, 6, 0, 0, 0, time.UTC)) {
		t.Fatalf("got %v", got)
	}
}

func TestNextAvailableSlot(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	now := time.Date(2026, 10, 20, 8, 0, 0, 0, ny)

	tests := []struct {
		name     string
		existing []time.Time
		horizon  int
		want     time.Time
		fallback bool
	}{
		{
			name: "empty takes first future slot",
			want: time.Date(2026, 10, 20, 9, 0, 0, 0, ny),
		},
		{
			name:     "skips slots within gap",
			existing: []time.Time{now.Add(time.Hour), now.Add(3 * time.Hour)},
			want:     time.Date(2026, 10, 20, 15, 0, 0, 0, ny),
		},
		{
			name: "fallback when horizon is full",
			existing: []time.Time{
				time.Date(2026, 10, 20, 9, 0, 0, 0, ny),
				time.Date(2026, 10, 20, 12, 0, 0, 0, ny),
				time.Date(2026, 10, 20, 15, 0, 0, 0, ny),
				time.Date(2026, 10, 20, 18, 0, 0, 0, ny),
				time.Date(2026, 10, 20, 21, 0, 0, 0, ny),
			},
			horizon: 1,
			// 21:00 + 6h = 03:00 Wednesday, nearest optimal is 09:00.
			want:     time.Date(2026, 10, 21, 9, 0, 0, 0, ny),
			fallback: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithRand(fixedRand{}), WithClock(fixedClock(now))}
			if tt.horizon > 0 {
				opts = append(opts, WithHorizonDays(tt.horizon))
			}
			a := New(calendar.Default(), opts...)
			got, err := a.NextAvailableSlot(calendar.US, tt.existing, 0, nil)
			if err != nil {
				t.Fatalf("NextAvailableSlot: %v", err)
			}
			if !got.At.Equal(tt.want) || got.Fallback != tt.fallback {
				t.Fatalf("got %v (fallback=%v), want %v (fallback=%v)", got.At.In(ny), got.Fallback, tt.want, tt.fallback)
			}
		})
	}
}

func TestNextAvailableSlotUnknownRegion(t *testing.T) {
	t.Parallel()
	a := New(calendar.Default(), WithRand(fixedRand{}))
	if _, err := a.NextAvailableSlot("DE", nil, 6, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestGenerateScheduleRespectsGapAndCount(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	a := New(calendar.Default(), WithRand(NewLockedRand(42)))
	start := time.Date(2026, 10, 19, 0, 0, 0, 0, ny)
	end := time.Date(2026, 11, 1, 23, 0, 0, 0, ny)

	got, err := a.GenerateSchedule(calendar.US, start, end, 3, &Preferences{MinIntervalHours: 4})
	if err != nil {
		t.Fatalf("GenerateSchedule: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("empty schedule")
	}
	perDay := map[string]int{}
	for i, ts := range got {
		local := ts.In(ny)
		perDay[local.Format("2006-01-02")]++
		if i == 0 {
			continue
		}
		prev := got[i-1].In(ny)
		if !got[i-1].Before(ts) {
			t.Fatalf("not ascending at %d", i)
		}
		if prev.YearDay() == local.YearDay() && ts.Sub(got[i-1]) < 4*time.Hour {
			t.Fatalf("gap %v between %v and %v", ts.Sub(got[i-1]), prev, local)
		}
	}
	for day, n := range perDay {
		if n > 3 {
			t.Fatalf("%s has %d posts", day, n)
		}
	}
	if len(perDay) != 14 {
		t.Fatalf("covered %d days, want 14", len(perDay))
	}
}

func TestGenerateScheduleEdges(t *testing.T) {
	t.Parallel()
	a := New(calendar.Default(), WithRand(fixedRand{}))
	now := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)

	if _, err := a.GenerateSchedule(calendar.US, now, now, 0, nil); err != ErrInvalidPostsPerDay {
		t.Fatalf("err = %v, want ErrInvalidPostsPerDay", err)
	}
	got, err := a.GenerateSchedule(calendar.US, now, now.Add(-time.Hour), 2, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("inverted range: %v, %v", got, err)
	}
	// Asking for more posts than optimal hours yields every hour once.
	got, err = a.GenerateSchedule(calendar.US, now, now, 10, nil)
	if err != nil || len(got) != 5 {
		t.Fatalf("oversubscribed day: len=%d err=%v", len(got), err)
	}
}

func TestGenerateScheduleReproducible(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)
	end := start.Add(5 * 24 * time.Hour)
	run := func() []time.Time {
		a := New(calendar.Default(), WithRand(NewLockedRand(99)))
		out, err := a.GenerateSchedule(calendar.UK, start, end, 2, nil)
		if err != nil {
			t.Fatalf("GenerateSchedule: %v", err)
		}
		return out
	}
	x, y := run(), run()
	if len(x) != len(y) {
		t.Fatalf("len %d vs %d", len(x), len(y))
	}
	for i := range x {
		if !x[i].Equal(y[i]) {
			t.Fatalf("slot %d differs: %v vs %v", i, x[i], y[i])
		}
	}
}

func TestAddHumanVarianceNeverInPast(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 10, 20, 12, 0, 0, 0, time.UTC)
	a := New(calendar.Default(), WithRand(NewLockedRand(3)), WithClock(fixedClock(now)))

	in := []time.Time{
		now.Add(-48 * time.Hour),
		now.Add(-time.Minute),
		now,
		now.Add(10 * time.Minute),
		now.Add(5 * time.Hour),
	}
	got := a.AddHumanVariance(in)
	if len(got) != len(in) {
		t.Fatalf("len = %d", len(got))
	}
	for i, ts := range got {
		if !ts.After(now) {
			t.Fatalf("slot %d = %v is not after now", i, ts)
		}
		if i > 0 && got[i-1].After(ts) {
			t.Fatalf("not sorted at %d", i)
		}
	}
	last := got[len(got)-1]
	if d := last.Sub(in[4]); d < -30*time.Minute || d > 30*time.Minute {
		t.Fatalf("future slot moved by %v", d)
	}
}

func TestOptimizeForHistoricalEngagement(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	a := New(calendar.Default(), WithRand(fixedRand{v: 17}))
	scores := map[int]float64{12: 10, 15: 9, 18: 8, 21: 7, 9: 6, 3: 1}

	base := []time.Time{
		time.Date(2026, 10, 20, 3, 40, 12, 0, ny),
		time.Date(2026, 10, 20, 14, 5, 0, 0, ny),
		time.Date(2026, 10, 20, 18, 44, 0, 0, ny),
	}
	got, err := a.OptimizeForHistoricalEngagement(calendar.US, base, scores)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	want := []time.Time{
		time.Date(2026, 10, 20, 9, 17, 12, 0, ny),
		time.Date(2026, 10, 20, 15, 17, 0, 0, ny),
		time.Date(2026, 10, 20, 18, 44, 0, 0, ny),
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("slot %d = %v, want %v", i, got[i].In(ny), want[i])
		}
	}

	same, _ := a.OptimizeForHistoricalEngagement(calendar.US, base, nil)
	for i := range base {
		if !same[i].Equal(base[i]) {
			t.Fatal("empty scores must leave schedule unchanged")
		}
	}
}

func TestOptimizeTieGoesToHigherScore(t *testing.T) {
	t.Parallel()
	ny := newYork(t)
	a := New(calendar.Default(), WithRand(fixedRand{}))
	got, err := a.OptimizeForHistoricalEngagement(calendar.US,
		[]time.Time{time.Date(2026, 10, 20, 10, 30, 0, 0, ny)},
		map[int]float64{9: 4, 11: 5})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if h := got[0].In(ny).Hour(); h != 11 {
		t.Fatalf("hour = %d, want 11", h)
	}
}

func TestTopHours(t *testing.T) {
	t.Parallel()
	got := TopHours(map[int]float64{1: 1, 2: 5, 3: 5, 4: 0, 5: 2, 6: 3, 7: 3}, 5)
	want := []int{2, 3, 6, 7, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("TopHours = %v, want %v", got, want)
		}
	}
}

func TestRecommendedFrequencyHours(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		followers int
		quality   float64
		history   []float64
		want      int
	}{
		{"default", 10000, 0.6, nil, 6},
		{"large page", 150000, 0.6, nil, 4},
		{"mid page", 60000, 0.6, nil, 5},
		{"small page", 500, 0.6, nil, 8},
		{"large high quality hot", 150000, 0.9, []float64{6, 7}, 3},
		{"small low quality cold", 500, 0.3, []float64{0.2}, 12},
		{"high quality floor", 150000, 0.9, nil, 3},
		{"empty history ignored", 10000, 0.6, []float64{}, 6},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := RecommendedFrequencyHours(tt.followers, tt.quality, tt.history); got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}
