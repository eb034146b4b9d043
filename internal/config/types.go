package config

import (
	"sort"
	"strings"
	"time"

	"postwise/internal/calendar"
	"postwise/internal/schedcheck"
	"postwise/internal/storage"
	logx "postwise/pkg/logx"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Regions overrides or extends the built-in US/UK profiles, keyed by
	// region code. An omitted section keeps the defaults.
	Regions map[string]RegionConfig `json:"regions,omitempty" validate:"omitempty,dive,keys,required,endkeys"`

	// Constraints are the process-wide schedule limits. Pages may override
	// individual fields.
	Constraints *ConstraintsConfig `json:"constraints,omitempty"`

	Allocator AllocatorConfig       `json:"allocator"`
	Predictor PredictorConfig       `json:"predictor"`
	Retrain   *RetrainConfig        `json:"retrain,omitempty"`
	Storage   *StorageConfig        `json:"storage,omitempty"`
	Metrics   MetricsConfig         `json:"metrics"`
	Alerts    *AlertsConfig         `json:"alerts,omitempty"`
	Pages     map[string]PageConfig `json:"pages,omitempty" validate:"omitempty,dive,keys,required,endkeys"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// RegionConfig describes one regional posting calendar.
//
// Example:
//
//	"regions": { "AU": { "timezone": "Australia/Sydney", "weekday_hours": [8, 12, 19], "weekend_hours": [10, 18] } }
type RegionConfig struct {
	Timezone     string `json:"timezone" validate:"required"`
	WeekdayHours []int  `json:"weekday_hours" validate:"required,min=1,dive,gte=0,lte=23"`
	WeekendHours []int  `json:"weekend_hours" validate:"required,min=1,dive,gte=0,lte=23"`
}

// ConstraintsConfig uses pointers so a page override can set a single field
// and inherit the rest.
type ConstraintsConfig struct {
	MinIntervalHours *int `json:"min_interval_hours,omitempty" validate:"omitempty,gte=0,lte=48"`
	MaxDailyPosts    *int `json:"max_daily_posts,omitempty" validate:"omitempty,gte=0,lte=48"`
	MaxWeeklyPosts   *int `json:"max_weekly_posts,omitempty" validate:"omitempty,gte=0,lte=336"`
}

// AllocatorConfig tunes slot allocation.
//
// Defaults (when fields are omitted/zero):
//   - min_gap: "2h"
//   - horizon_days: 7
//   - seed: 0 (time seeded)
type AllocatorConfig struct {
	MinGap      string `json:"min_gap,omitempty"`
	HorizonDays int    `json:"horizon_days,omitempty" validate:"gte=0,lte=60"`
	Seed        int64  `json:"seed,omitempty"`

	// HumanVariance jitters planned ranges by up to 30 minutes.
	HumanVariance bool `json:"human_variance,omitempty"`
}

// PredictorConfig controls how much history feeds training and analysis.
// HistoryLimit 0 means every stored sample.
type PredictorConfig struct {
	HistoryLimit int `json:"history_limit,omitempty" validate:"gte=0"`
}

// RetrainConfig controls the periodic retraining service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - schedule: "@every 6h"
//   - min_interval: "10m" (per page)
//   - concurrency: 2
//   - timeout: "2m"
type RetrainConfig struct {
	Enabled     bool   `json:"enabled"`
	Schedule    string `json:"schedule,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
	MinInterval string `json:"min_interval,omitempty"`
	Concurrency int    `json:"concurrency,omitempty" validate:"gte=0,lte=64"`
	Timeout     string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postwise.db" }
type StorageConfig struct {
	Driver        string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // sqlite only
	SlotRetention string `json:"slot_retention,omitempty"`
}

// MetricsConfig controls the ops listener served by "postwise serve":
// Prometheus metrics, /healthz and, when Pprof is set, /debug/pprof.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9464"
	Path    string `json:"path,omitempty" validate:"omitempty,startswith=/"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// AlertsConfig routes operational alerts (failed retrains) to a Telegram chat.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token" validate:"required_if=Enabled true"`
	ChatID     int64  `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID   int    `json:"thread_id,omitempty" validate:"gte=0"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	QueueSize  int    `json:"queue_size,omitempty" validate:"gte=0"`
}

// PageConfig is the planning profile of one managed page.
type PageConfig struct {
	Region         string             `json:"region" validate:"required"`
	PreferredHours []int              `json:"preferred_hours,omitempty" validate:"omitempty,dive,gte=0,lte=23"`
	PostsPerDay    int                `json:"posts_per_day,omitempty" validate:"gte=0,lte=24"`
	Followers      int                `json:"followers,omitempty" validate:"gte=0"`
	Quality        float64            `json:"quality,omitempty" validate:"gte=0,lte=1"`
	Constraints    *ConstraintsConfig `json:"constraints,omitempty"`
}

const (
	DefaultRetrainSchedule    = "@every 6h"
	DefaultRetrainMinInterval = 10 * time.Minute
	DefaultRetrainTimeout     = 2 * time.Minute
	DefaultRetrainConcurrency = 2
	DefaultMetricsAddr        = "127.0.0.1:9464"
	DefaultMetricsPath        = "/metrics"
)

// LogxConfig maps the logging section onto the logger service config.
func (c *Config) LogxConfig() logx.Config {
	if c == nil {
		return logx.Config{Level: "info", Console: true}
	}
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

// RegionProfiles returns the built-in profiles with configured regions
// layered on top.
func (c *Config) RegionProfiles() map[calendar.Region]calendar.Profile {
	out := calendar.DefaultProfiles()
	if c == nil {
		return out
	}
	for code, r := range c.Regions {
		out[calendar.Region(strings.ToUpper(strings.TrimSpace(code)))] = calendar.Profile{
			Timezone:     strings.TrimSpace(r.Timezone),
			WeekdayHours: append([]int(nil), r.WeekdayHours...),
			WeekendHours: append([]int(nil), r.WeekendHours...),
		}
	}
	return out
}

// ConstraintsFor resolves the constraints for page, or the process-wide ones
// when page is empty or unknown.
func (c *Config) ConstraintsFor(page string) schedcheck.Constraints {
	out := schedcheck.DefaultConstraints()
	if c == nil {
		return out
	}
	out = c.Constraints.apply(out)
	if p, ok := c.Pages[page]; ok {
		out = p.Constraints.apply(out)
	}
	return out
}

func (cc *ConstraintsConfig) apply(base schedcheck.Constraints) schedcheck.Constraints {
	if cc == nil {
		return base
	}
	if cc.MinIntervalHours != nil {
		base.MinIntervalHours = *cc.MinIntervalHours
	}
	if cc.MaxDailyPosts != nil {
		base.MaxDailyPosts = *cc.MaxDailyPosts
	}
	if cc.MaxWeeklyPosts != nil {
		base.MaxWeeklyPosts = *cc.MaxWeeklyPosts
	}
	return base
}

// StorageOptions converts the storage section. A missing section disables
// storage.
func (c *Config) StorageOptions() (storage.Config, error) {
	if c == nil || c.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	bt, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	ret, err := ParseDurationField("storage.slot_retention", c.Storage.SlotRetention)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:        c.Storage.Driver,
		Path:          c.Storage.Path,
		BusyTimeout:   bt,
		SlotRetention: ret,
	}, nil
}

// MinGap returns the allocator minimum gap, 0 meaning the allocator default.
func (c *Config) MinGap() (time.Duration, error) {
	if c == nil {
		return 0, nil
	}
	return ParseDurationField("allocator.min_gap", c.Allocator.MinGap)
}

// RetrainOptions is the resolved retrain section.
type RetrainOptions struct {
	Enabled     bool
	Schedule    string
	Timezone    string
	MinInterval time.Duration
	Concurrency int
	Timeout     time.Duration
}

func (c *Config) RetrainOptions() (RetrainOptions, error) {
	out := RetrainOptions{
		Schedule:    DefaultRetrainSchedule,
		MinInterval: DefaultRetrainMinInterval,
		Concurrency: DefaultRetrainConcurrency,
		Timeout:     DefaultRetrainTimeout,
	}
	if c == nil || c.Retrain == nil {
		return out, nil
	}
	r := c.Retrain
	out.Enabled = r.Enabled
	if s := strings.TrimSpace(r.Schedule); s != "" {
		out.Schedule = s
	}
	out.Timezone = strings.TrimSpace(r.Timezone)
	if r.Concurrency > 0 {
		out.Concurrency = r.Concurrency
	}
	var err error
	if out.MinInterval, err = ParseDurationOrDefault("retrain.min_interval", r.MinInterval, DefaultRetrainMinInterval); err != nil {
		return RetrainOptions{}, err
	}
	if out.Timeout, err = ParseDurationOrDefault("retrain.timeout", r.Timeout, DefaultRetrainTimeout); err != nil {
		return RetrainOptions{}, err
	}
	return out, nil
}

func (m MetricsConfig) ListenAddr() string {
	if a := strings.TrimSpace(m.Addr); a != "" {
		return a
	}
	return DefaultMetricsAddr
}

func (m MetricsConfig) HandlerPath() string {
	if p := strings.TrimSpace(m.Path); p != "" {
		return p
	}
	return DefaultMetricsPath
}

// PageIDs returns configured page IDs sorted.
func (c *Config) PageIDs() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Pages))
	for id := range c.Pages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
