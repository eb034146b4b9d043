package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postwise/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed top-level sections, (2) safe
// structured fields for logging (never secrets like the alert token), and
// (3) the page IDs whose profile was added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	fields := make([]logx.Field, 0, 16)
	mark := func(section string, fs ...logx.Field) {
		changed = append(changed, section)
		fields = append(fields, fs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Regions, newCfg.Regions) {
		mark("regions", logx.Int("regions.count", len(newCfg.Regions)))
	}
	if !reflect.DeepEqual(oldCfg.ConstraintsFor(""), newCfg.ConstraintsFor("")) {
		c := newCfg.ConstraintsFor("")
		mark("constraints",
			logx.Int("constraints.min_interval_hours", c.MinIntervalHours),
			logx.Int("constraints.max_daily_posts", c.MaxDailyPosts),
			logx.Int("constraints.max_weekly_posts", c.MaxWeeklyPosts),
		)
	}
	if oldCfg.Allocator != newCfg.Allocator {
		mark("allocator",
			logx.String("allocator.min_gap", strings.TrimSpace(newCfg.Allocator.MinGap)),
			logx.Int("allocator.horizon_days", newCfg.Allocator.HorizonDays),
			logx.Bool("allocator.human_variance", newCfg.Allocator.HumanVariance),
		)
	}
	if oldCfg.Predictor != newCfg.Predictor {
		mark("predictor", logx.Int("predictor.history_limit", newCfg.Predictor.HistoryLimit))
	}
	if ro, rn := oldCfg.retrainValue(), newCfg.retrainValue(); ro != rn {
		mark("retrain",
			logx.Bool("retrain.enabled", rn.Enabled),
			logx.String("retrain.schedule", strings.TrimSpace(rn.Schedule)),
			logx.Int("retrain.concurrency", rn.Concurrency),
		)
	}
	if so, sn := oldCfg.storageValue(), newCfg.storageValue(); so != sn {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(sn.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(sn.Path) != ""),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		mark("metrics",
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.ListenAddr()),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}
	if ao, an := oldCfg.alertsValue(), newCfg.alertsValue(); ao != an {
		mark("alerts",
			logx.Bool("alerts.enabled", an.Enabled),
			logx.Bool("alerts.token_set", strings.TrimSpace(an.Token) != ""),
			logx.Int64("alerts.chat_id", an.ChatID),
			logx.Int("alerts.rate_per_sec", an.RatePerSec),
		)
	}

	pages := changedPages(oldCfg.Pages, newCfg.Pages)
	if len(pages) > 0 {
		mark("pages", logx.Strings("pages.changed", pages))
	}
	return changed, fields, pages
}

func (c *Config) retrainValue() RetrainConfig {
	if c.Retrain == nil {
		return RetrainConfig{}
	}
	return *c.Retrain
}

func (c *Config) storageValue() StorageConfig {
	if c.Storage == nil {
		return StorageConfig{}
	}
	return *c.Storage
}

func (c *Config) alertsValue() AlertsConfig {
	if c.Alerts == nil {
		return AlertsConfig{}
	}
	return *c.Alerts
}

// RestartRequired reports whether a section changed that is only read at
// startup: the store and the calendar/allocator the planner was built with.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "storage", "regions", "allocator":
			return true
		}
	}
	return false
}

func changedPages(oldP, newP map[string]PageConfig) []string {
	var out []string
	for id, np := range newP {
		if op, ok := oldP[id]; !ok || !reflect.DeepEqual(op, np) {
			out = append(out, id)
		}
	}
	for id := range oldP {
		if _, ok := newP[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
