package retrain

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"postwise/internal/errs"
	"postwise/internal/eventbus"
	"postwise/internal/features"
	"postwise/internal/predict"
	"postwise/internal/storage"
	logx "postwise/pkg/logx"
)

func seed(t *testing.T, st storage.Store, page string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		f := features.ContentFeatures{
			PostingHour:      (i * 5) % 24,
			PostingWeekday:   i % 7,
			CaptionLength:    40 + (i*37)%260,
			HashtagCount:     i % 6,
			HasImage:         i%3 != 0,
			SentimentScore:   float64(i%5)/2.5 - 0.8,
			ReadabilityScore: 30 + float64((i*13)%60),
			ContentType:      "mixed",
		}
		v := f.Vector()
		rec := storage.SampleRecord{
			Page:     page,
			At:       time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
			Features: f,
			Outcome: features.PerformanceOutcome{
				EngagementRate:   1 + 4*v[4] + 2*v[0],
				ReachRate:        20 + 30*v[6],
				ClickThroughRate: 0.5 + 2*v[3],
			},
		}
		if err := st.AppendSample(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
}

func newService(t *testing.T, cfg Config) (*Service, storage.Store, *predict.Registry, eventbus.Bus) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store.jsonl")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := predict.NewRegistry()
	bus := eventbus.New()
	s, err := New(cfg, reg, st, bus, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return s, st, reg, bus
}

func TestTrainAll(t *testing.T) {
	t.Parallel()
	s, st, reg, bus := newService(t, Config{})
	seed(t, st, "bakery", 30)
	seed(t, st, "pub", 5)
	events, unsub := bus.Subscribe(8)
	defer unsub()

	if err := s.TrainAll(context.Background()); err != nil {
		t.Fatalf("TrainAll: %v", err)
	}

	p, ok := reg.Lookup("bakery")
	if !ok || !p.Trained() {
		t.Fatal("bakery model not trained")
	}
	if p, ok := reg.Lookup("pub"); ok && p.Trained() {
		t.Fatal("pub has too few samples to train")
	}

	ctx := context.Background()
	runs, _ := st.TrainingRuns(ctx, "bakery", 0)
	if len(runs) != 1 || runs[0].Error != "" || runs[0].Samples != 30 || runs[0].ID != p.Status().RunID {
		t.Fatalf("bakery runs = %+v", runs)
	}
	if runs[0].Accuracy[string(predict.EngagementRate)] <= 0 {
		t.Fatalf("accuracy missing: %+v", runs[0].Accuracy)
	}
	// Too little history is skipped quietly: no run, no failure event.
	if runs, _ = st.TrainingRuns(ctx, "pub", 0); len(runs) != 0 {
		t.Fatalf("pub runs = %+v", runs)
	}

	select {
	case ev := <-events:
		if ev.Topic != eventbus.ModelTrained || ev.Page != "bakery" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("missing event")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInsufficientDataIsNotRecorded(t *testing.T) {
	t.Parallel()
	s, st, _, bus := newService(t, Config{})
	seed(t, st, "pub", 5)
	events, unsub := bus.Subscribe(8)
	defer unsub()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Force(ctx, "pub"); !errs.IsInsufficientData(err) {
			t.Fatalf("Force err = %v", err)
		}
	}
	if runs, _ := st.TrainingRuns(ctx, "pub", 0); len(runs) != 0 {
		t.Fatalf("runs = %+v", runs)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTrainPageThrottle(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newService(t, Config{MinInterval: time.Hour})
	seed(t, st, "bakery", 25)
	ctx := context.Background()

	if _, err := s.TrainPage(ctx, "bakery"); err != nil {
		t.Fatalf("first TrainPage: %v", err)
	}
	if _, err := s.TrainPage(ctx, "bakery"); !errors.Is(err, ErrThrottled) {
		t.Fatalf("second TrainPage err = %v, want ErrThrottled", err)
	}
	if _, err := s.Force(ctx, "bakery"); err != nil {
		t.Fatalf("Force: %v", err)
	}
	if _, err := s.TrainPage(ctx, "other"); !errs.IsInsufficientData(err) {
		t.Fatalf("other page err = %v", err)
	}

	// Apply resets throttling state.
	if err := s.Apply(Config{MinInterval: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TrainPage(ctx, "bakery"); err != nil {
		t.Fatalf("TrainPage after Apply: %v", err)
	}
	if err := s.Apply(Config{Schedule: "nonsense"}); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestConcurrentTriggersShareRun(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newService(t, Config{})
	seed(t, st, "bakery", 40)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := s.Force(ctx, "bakery")
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = run.ID
		}(i)
	}
	wg.Wait()

	runs, _ := st.TrainingRuns(ctx, "bakery", 0)
	if len(runs) == 0 || len(runs) > len(ids) {
		t.Fatalf("runs = %d", len(runs))
	}
	for _, id := range ids {
		if id == "" {
			t.Fatal("missing run id")
		}
	}
}

func TestWithoutStore(t *testing.T) {
	t.Parallel()
	s, err := New(Config{}, predict.NewRegistry(), nil, nil, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.TrainAll(context.Background()); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("TrainAll err = %v", err)
	}
	if _, err := s.Force(context.Background(), "p"); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("Force err = %v", err)
	}
	if _, err := New(Config{Schedule: "bogus"}, predict.NewRegistry(), nil, nil, logx.Nop()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newService(t, Config{Schedule: "@every 1h"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	if err := s.Apply(Config{Schedule: "@every 2h"}); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
