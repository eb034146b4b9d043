package retrain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a parsed retrain trigger.
//
// Supported forms:
//   - cron: "0 */6 * * *", "@hourly", "@every 6h"
//   - Go duration: "90m", "6h"
//   - HH:MM interval: "06:00" (every six hours)
//
// A "cron:" or "every:" prefix forces the interpretation.
type Schedule struct {
	cron.Schedule
	Source string // "cron" | "duration" | "hhmm"
	Raw    string
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

	specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("retrain schedule required")
	}
	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(raw, strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseEvery(raw, strings.TrimSpace(s[len("every:"):]))
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		return parseCron(raw, s)
	default:
		return parseEvery(raw, s)
	}
}

func parseCron(raw, expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	sch, err := specParser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid retrain schedule %q: %w", raw, err)
	}
	return Schedule{Schedule: sch, Source: "cron", Raw: raw}, nil
}

func parseEvery(raw, v string) (Schedule, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid retrain schedule %q: %w", raw, err)
	}
	return Schedule{Schedule: cron.Every(d), Source: src, Raw: raw}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, "", fmt.Errorf("minutes out of range in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, "", fmt.Errorf("interval must be > 0")
		}
		return d, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("use cron, HH:MM or a Go duration like '6h'")
	}
	// cron.Every rounds below one second up to one second.
	if d < time.Second {
		return 0, "", fmt.Errorf("interval must be >= 1s")
	}
	return d, "duration", nil
}
