package app

import (
	"errors"
	"fmt"
	"time"

	"postwise/internal/calendar"
	"postwise/internal/config"
	"postwise/internal/eventbus"
	"postwise/internal/planner"
	"postwise/internal/predict"
	"postwise/internal/retrain"
	"postwise/internal/schedcheck"
	"postwise/internal/slots"
	"postwise/internal/storage"
	logx "postwise/pkg/logx"
)

// Components are the engines built from one config snapshot. The CLI builds
// them once per invocation; the daemon keeps them for its lifetime.
type Components struct {
	Calendar *calendar.Calendar
	Models   *predict.Registry
	Store    storage.Store // nil when storage is disabled
	Bus      eventbus.Bus
	Retrain  *retrain.Service
	Planner  *planner.Planner

	// Seed drove the allocator's random source; log it to replay a schedule.
	Seed int64
}

type buildOptions struct {
	clock func() time.Time
}

type BuildOption func(*buildOptions)

// WithClock pins "now" for every engine. Used by tests and dry runs.
func WithClock(now func() time.Time) BuildOption {
	return func(o *buildOptions) { o.clock = now }
}

// Build wires the engines described by cfg. The caller owns Close.
func Build(cfg *config.Config, log logx.Logger, opts ...BuildOption) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	o := buildOptions{clock: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	cal, err := calendar.New(cfg.RegionProfiles())
	if err != nil {
		return nil, err
	}

	gap, err := cfg.MinGap()
	if err != nil {
		return nil, err
	}
	seed := cfg.Allocator.Seed
	var rnd slots.Rand
	if seed != 0 {
		rnd = slots.NewLockedRand(seed)
	} else {
		rnd, seed = slots.NewTimeSeeded()
	}
	alloc := slots.New(cal,
		slots.WithRand(rnd),
		slots.WithClock(o.clock),
		slots.WithMinGap(gap),
		slots.WithHorizonDays(cfg.Allocator.HorizonDays),
	)

	sc, err := cfg.StorageOptions()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	models := predict.NewRegistry(predict.WithClock(o.clock))
	bus := eventbus.New()

	ro, err := cfg.RetrainOptions()
	if err != nil {
		closeStore(store)
		return nil, err
	}
	rs, err := retrain.New(retrainConfig(cfg, ro), models, store, bus, log)
	if err != nil {
		closeStore(store)
		return nil, err
	}

	pl, err := planner.New(planner.Deps{
		Calendar:      cal,
		Allocator:     alloc,
		Validator:     schedcheck.New(cal, schedcheck.WithClock(o.clock)),
		Models:        models,
		Store:         store,
		Trainer:       rs,
		Bus:           bus,
		Log:           log,
		Clock:         o.clock,
		HistoryLimit:  cfg.Predictor.HistoryLimit,
		HumanVariance: cfg.Allocator.HumanVariance,
	})
	if err != nil {
		closeStore(store)
		return nil, err
	}
	if err := pl.SetPages(Pages(cfg)); err != nil {
		closeStore(store)
		return nil, err
	}

	return &Components{
		Calendar: cal,
		Models:   models,
		Store:    store,
		Bus:      bus,
		Retrain:  rs,
		Planner:  pl,
		Seed:     seed,
	}, nil
}

// Close releases the store.
func (c *Components) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}

// Pages maps the pages section onto planner profiles, in ID order.
func Pages(cfg *config.Config) []planner.Page {
	ids := cfg.PageIDs()
	out := make([]planner.Page, 0, len(ids))
	for _, id := range ids {
		pc := cfg.Pages[id]
		out = append(out, planner.Page{
			ID:             id,
			Region:         calendar.ParseRegion(pc.Region),
			PreferredHours: append([]int(nil), pc.PreferredHours...),
			PostsPerDay:    pc.PostsPerDay,
			Followers:      pc.Followers,
			Quality:        pc.Quality,
			Constraints:    cfg.ConstraintsFor(id),
		})
	}
	return out
}

func retrainConfig(cfg *config.Config, ro config.RetrainOptions) retrain.Config {
	return retrain.Config{
		Schedule:     ro.Schedule,
		Timezone:     ro.Timezone,
		MinInterval:  ro.MinInterval,
		Concurrency:  ro.Concurrency,
		Timeout:      ro.Timeout,
		HistoryLimit: cfg.Predictor.HistoryLimit,
	}
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}
