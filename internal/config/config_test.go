package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"postwise/internal/calendar"
	"postwise/internal/errs"
)

const sampleYAML = `
logging:
  level: debug
  console: true
regions:
  au:
    timezone: Australia/Sydney
    weekday_hours: [8, 12, 19]
    weekend_hours: [10, 18]
constraints:
  max_daily_posts: 4
allocator:
  min_gap: 3h
  seed: 42
retrain:
  enabled: true
  schedule: "@every 1h"
  min_interval: 30m
storage:
  driver: sqlite
  path: ./postwise.db
  busy_timeout: 2s
pages:
  bakery:
    region: US
    preferred_hours: [7, 11]
    followers: 1200
    constraints:
      min_interval_hours: 3
  pub:
    region: AU
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "postwise.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}

	prof := cfg.RegionProfiles()
	if _, ok := prof[calendar.US]; !ok {
		t.Fatal("default US profile lost")
	}
	if au := prof["AU"]; au.Timezone != "Australia/Sydney" || len(au.WeekdayHours) != 3 {
		t.Fatalf("AU profile = %+v", au)
	}

	if c := cfg.ConstraintsFor(""); c.MinIntervalHours != 2 || c.MaxDailyPosts != 4 || c.MaxWeeklyPosts != 30 {
		t.Fatalf("global constraints = %+v", c)
	}
	if c := cfg.ConstraintsFor("bakery"); c.MinIntervalHours != 3 || c.MaxDailyPosts != 4 {
		t.Fatalf("page constraints = %+v", c)
	}

	st, err := cfg.StorageOptions()
	if err != nil || st.Driver != "sqlite" || st.BusyTimeout != 2*time.Second {
		t.Fatalf("StorageOptions = %+v, %v", st, err)
	}
	ro, err := cfg.RetrainOptions()
	if err != nil || !ro.Enabled || ro.Schedule != "@every 1h" || ro.MinInterval != 30*time.Minute ||
		ro.Timeout != DefaultRetrainTimeout || ro.Concurrency != DefaultRetrainConcurrency {
		t.Fatalf("RetrainOptions = %+v, %v", ro, err)
	}
	if gap, _ := cfg.MinGap(); gap != 3*time.Hour {
		t.Fatalf("MinGap = %v", gap)
	}
	if ids := cfg.PageIDs(); len(ids) != 2 || ids[0] != "bakery" {
		t.Fatalf("PageIDs = %v", ids)
	}
}

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body string
		wantErr          bool
	}{
		{"minimal json", "c.json", `{"logging":{"level":"info"}}`, false},
		{"empty yaml", "c.yml", ``, false},
		{"unknown field", "c.json", `{"logging":{"levle":"info"}}`, true},
		{"unknown yaml field", "c.yaml", "storage:\n  drvier: file\n", true},
		{"trailing json", "c.json", `{} {}`, true},
		{"two yaml documents", "c.yaml", "logging: {}\n---\nlogging: {}\n", true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tc.path, []byte(tc.body))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	seven := 7
	cases := []struct {
		name    string
		cfg     Config
		wantSub string
	}{
		{"zero config", Config{}, ""},
		{"bad level", Config{Logging: LoggingConfig{Level: "loud"}}, "logging.level"},
		{"file log without path", Config{Logging: LoggingConfig{File: LoggingFile{Enabled: true}}}, "logging.file.path"},
		{"bad driver", Config{Storage: &StorageConfig{Driver: "bolt"}}, "storage.driver"},
		{"bad duration", Config{Allocator: AllocatorConfig{MinGap: "soon"}}, "allocator.min_gap"},
		{"negative duration", Config{Storage: &StorageConfig{Driver: "file", Path: "x", SlotRetention: "-1h"}}, "storage.slot_retention"},
		{"bad hour", Config{Regions: map[string]RegionConfig{"X": {Timezone: "UTC", WeekdayHours: []int{25}, WeekendHours: []int{1}}}}, "weekday_hours"},
		{"empty hours", Config{Regions: map[string]RegionConfig{"X": {Timezone: "UTC", WeekendHours: []int{1}}}}, "weekday_hours"},
		{"bad timezone", Config{Regions: map[string]RegionConfig{"X": {Timezone: "Mars/Base", WeekdayHours: []int{1}, WeekendHours: []int{1}}}}, "regions"},
		{"unknown page region", Config{Pages: map[string]PageConfig{"p": {Region: "FR"}}}, "pages.p.region"},
		{"alerts without token", Config{Alerts: &AlertsConfig{Enabled: true, ChatID: 1}}, "alerts.token"},
		{"constraint out of range", Config{Constraints: &ConstraintsConfig{MaxDailyPosts: intPtr(99)}}, "max_daily_posts"},
		{"page constraint ok", Config{Pages: map[string]PageConfig{"p": {Region: "uk", Constraints: &ConstraintsConfig{MaxDailyPosts: &seven}}}}, ""},
		{"retrain timezone", Config{Retrain: &RetrainConfig{Timezone: "Nowhere/Land"}}, "retrain.timezone"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.wantSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantSub)
			}
		})
	}
}

func TestValidateUnknownRegionIsConfigError(t *testing.T) {
	t.Parallel()
	err := Validate(&Config{Pages: map[string]PageConfig{"p": {Region: "FR"}}})
	if !errs.IsConfig(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func intPtr(v int) *int { return &v }

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Alerts: &AlertsConfig{Enabled: true, Token: "secret-1", ChatID: 5},
		Pages:  map[string]PageConfig{"a": {Region: "US"}, "b": {Region: "UK"}},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Alerts:  &AlertsConfig{Enabled: true, Token: "secret-2", ChatID: 5},
		Pages:   map[string]PageConfig{"a": {Region: "US", Followers: 10}, "c": {Region: "US"}},
	}
	changed, fields, pages := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "alerts", "pages"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if strings.Join(pages, ",") != "a,b,c" {
		t.Fatalf("pages = %v", pages)
	}
	if len(fields) == 0 {
		t.Fatal("expected log fields")
	}
	if !RestartRequired([]string{"logging", "storage"}) || RestartRequired(changed) {
		t.Fatal("RestartRequired mismatch")
	}

	if c, _, _ := SummarizeConfigChange(nil, nil); len(c) != 0 {
		t.Fatalf("nil configs changed = %v", c)
	}
}

func TestSubscribeKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber should receive the newest config")
	}
	m.Unsubscribe(ch)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	m.publish(a)
}

func TestReloadSkipsUnchangedAndRejectsInvalid(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(4)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatal("unchanged content must not publish")
	}

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"nope"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatal("invalid content must not publish")
	}

	if err := os.WriteFile(path, []byte(`{"logging":{"level":"warn"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	if !m.reload(ctx) {
		t.Fatal("valid change must publish")
	}
	if got := <-ch; got.Logging.Level != "warn" || m.Get().Logging.Level != "warn" {
		t.Fatalf("published = %+v", got.Logging)
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "c.yaml", "logging:\n  level: info\n")
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	// Each write restarts the debounce timer, so rewrite less often than it
	// fires or the reload never lands.
	tick := time.NewTicker(3 * reloadDebounce)
	defer tick.Stop()
	level := "debug"
	for {
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != level {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is armed and sees it.
			_ = os.WriteFile(path, []byte("logging:\n  level: "+level+"\n"), 0o600)
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
