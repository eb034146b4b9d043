package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"postwise/internal/features"
	logx "postwise/pkg/logx"
)

func record(page string, hour int, eng float64) SampleRecord {
	return SampleRecord{
		Page:     page,
		At:       time.Date(2026, 10, 1, hour, 0, 0, 0, time.UTC),
		Features: features.ContentFeatures{PostingHour: hour, CaptionLength: 120, ContentType: "mixed"},
		Outcome:  features.PerformanceOutcome{EngagementRate: eng},
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("driver %q: st=%v err=%v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			path := filepath.Join(t.TempDir(), "state", "postwise.db")
			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			for i := 0; i < 5; i++ {
				if err := st.AppendSample(ctx, record("page-a", 8+i, float64(i))); err != nil {
					t.Fatalf("AppendSample: %v", err)
				}
			}
			if err := st.AppendSample(ctx, record("page-b", 9, 1)); err != nil {
				t.Fatalf("AppendSample: %v", err)
			}
			if err := st.AppendSample(ctx, SampleRecord{}); err == nil {
				t.Fatal("expected error for empty page")
			}

			all, err := st.Samples(ctx, "page-a", 0)
			if err != nil || len(all) != 5 || all[0].Features.PostingHour != 8 || all[4].Outcome.EngagementRate != 4 {
				t.Fatalf("Samples all = %+v, %v", all, err)
			}
			last, _ := st.Samples(ctx, "page-a", 2)
			if len(last) != 2 || last[0].Features.PostingHour != 11 || last[1].Features.PostingHour != 12 {
				t.Fatalf("Samples limit = %+v", last)
			}
			pages, _ := st.Pages(ctx)
			if len(pages) != 2 || pages[0] != "page-a" || pages[1] != "page-b" {
				t.Fatalf("Pages = %v", pages)
			}

			now := time.Now().UTC().Truncate(time.Millisecond)
			for _, at := range []time.Time{now.Add(3 * time.Hour), now.Add(time.Hour), now.Add(time.Hour), now.Add(-time.Hour)} {
				if err := st.CommitSlot(ctx, "page-a", at); err != nil {
					t.Fatalf("CommitSlot: %v", err)
				}
			}
			slots, _ := st.Slots(ctx, "page-a", now)
			if len(slots) != 2 || !slots[0].Equal(now.Add(time.Hour)) || !slots[1].Equal(now.Add(3*time.Hour)) {
				t.Fatalf("Slots = %v", slots)
			}

			runs := []TrainingRun{
				{ID: "r1", Page: "page-a", At: now.Add(-time.Hour), Samples: 25, MSE: map[string]float64{"engagement_rate": 0.5}},
				{ID: "r2", Page: "page-a", At: now, Samples: 30, Error: "boom"},
			}
			for _, r := range runs {
				if err := st.AppendTrainingRun(ctx, r); err != nil {
					t.Fatalf("AppendTrainingRun: %v", err)
				}
			}
			got, _ := st.TrainingRuns(ctx, "page-a", 0)
			if len(got) != 2 || got[0].ID != "r2" || got[0].Error != "boom" || got[1].MSE["engagement_rate"] != 0.5 {
				t.Fatalf("TrainingRuns = %+v", got)
			}

			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Everything must survive a reopen.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			all, _ = st.Samples(ctx, "page-a", 0)
			slots, _ = st.Slots(ctx, "page-a", now)
			got, _ = st.TrainingRuns(ctx, "page-a", 1)
			if len(all) != 5 || len(slots) != 2 || len(got) != 1 || got[0].ID != "r2" {
				t.Fatalf("after reopen: samples=%d slots=%d runs=%+v", len(all), len(slots), got)
			}
		})
	}
}

func TestFileStorePrunesOldSlots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "p.jsonl")
	st, err := Open(Config{Driver: "file", Path: path, SlotRetention: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := st.CommitSlot(ctx, "p", old); err != nil {
		t.Fatalf("CommitSlot: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path, SlotRetention: time.Hour}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	slots, _ := st.Slots(ctx, "p", time.Time{})
	if len(slots) != 0 {
		t.Fatalf("expected pruned slots, got %v", slots)
	}
}
