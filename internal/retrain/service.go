// Package retrain periodically refits every page's predictor from stored
// history and records the outcome.
//
// Contract:
//   - One run per page at a time; concurrent triggers share the in-flight run.
//   - Scheduled runs are throttled per page (MinInterval); forced runs are not.
//   - Every attempt that reaches the predictor is appended to storage and
//     published on the bus (model.trained / model.train_failed).
package retrain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"postwise/internal/errs"
	"postwise/internal/eventbus"
	"postwise/internal/metrics"
	"postwise/internal/predict"
	"postwise/internal/storage"
	logx "postwise/pkg/logx"
)

// ErrThrottled is returned when a page was retrained too recently.
var ErrThrottled = errors.New("retrain throttled")

type Config struct {
	Schedule     string
	Timezone     string
	MinInterval  time.Duration
	Concurrency  int
	Timeout      time.Duration
	HistoryLimit int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "@every 6h"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MinInterval < 0 {
		c.MinInterval = 0
	}
	return c
}

type Service struct {
	models *predict.Registry
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	sched    Schedule
	limiters map[string]*rate.Limiter
	c        *cron.Cron
	entry    cron.EntryID
	tickCtx  context.Context

	sf singleflight.Group
}

// New validates cfg. store may be nil, in which case every run reports
// storage.ErrDisabled.
func New(cfg Config, models *predict.Registry, store storage.Store, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Service{
		models:   models,
		store:    store,
		bus:      bus,
		log:      log.Named("retrain"),
		now:      time.Now,
		cfg:      cfg,
		sched:    sched,
		limiters: map[string]*rate.Limiter{},
	}, nil
}

// Apply swaps in a new config. A changed schedule is re-registered on the
// running cron; throttling state starts fresh.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) && s.c != nil {
		s.log.Warn("retrain timezone change applies on next start", logx.String("tz", cfg.Timezone))
	}
	s.cfg = cfg
	s.limiters = map[string]*rate.Limiter{}
	if s.c != nil && sched.Raw != s.sched.Raw {
		s.c.Remove(s.entry)
		s.entry = s.c.Schedule(sched, cron.FuncJob(s.tick))
		s.log.Info("retrain schedule updated", logx.String("schedule", sched.Raw))
	}
	s.sched = sched
	return nil
}

// Run starts the cron and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return errors.New("retrain already running")
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("retrain timezone: %w", err)
		}
		loc = l
	}
	c := cron.New(cron.WithLocation(loc))
	s.c = c
	s.entry = c.Schedule(s.sched, cron.FuncJob(s.tick))
	runCtx, cancel := context.WithCancel(ctx)
	s.tickCtx = runCtx
	s.mu.Unlock()

	c.Start()
	s.log.Info("retrain scheduler started", logx.String("schedule", s.sched.Raw), logx.String("tz", loc.String()))
	<-ctx.Done()
	cancel()
	<-c.Stop().Done()

	s.mu.Lock()
	s.c = nil
	s.mu.Unlock()
	return nil
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.tickCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if err := s.TrainAll(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("scheduled retrain incomplete", logx.Err(err))
	}
}

// TrainAll retrains every page with stored samples, bounded by Concurrency.
// Throttled and under-sampled pages are skipped, not reported as errors.
func (s *Service) TrainAll(ctx context.Context) error {
	if s.store == nil {
		return storage.ErrDisabled
	}
	pages, err := s.store.Pages(ctx)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}
	s.mu.Lock()
	limit := s.cfg.Concurrency
	s.mu.Unlock()

	var (
		mu     sync.Mutex
		failed []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, page := range pages {
		page := page
		g.Go(func() error {
			_, err := s.TrainPage(gctx, page)
			switch {
			case err == nil, errors.Is(err, ErrThrottled), errs.IsInsufficientData(err):
			default:
				mu.Lock()
				failed = append(failed, fmt.Errorf("%s: %w", page, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(failed...)
}

// TrainPage retrains page unless it ran within MinInterval.
func (s *Service) TrainPage(ctx context.Context, page string) (storage.TrainingRun, error) {
	if !s.allow(page) {
		metrics.RecordTraining("throttled", 0)
		return storage.TrainingRun{}, ErrThrottled
	}
	return s.train(ctx, page)
}

// Force retrains page now, ignoring the throttle.
func (s *Service) Force(ctx context.Context, page string) (storage.TrainingRun, error) {
	return s.train(ctx, page)
}

func (s *Service) allow(page string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MinInterval <= 0 {
		return true
	}
	lim, ok := s.limiters[page]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cfg.MinInterval), 1)
		s.limiters[page] = lim
	}
	return lim.Allow()
}

type result struct {
	run storage.TrainingRun
	err error
}

func (s *Service) train(ctx context.Context, page string) (storage.TrainingRun, error) {
	page = strings.TrimSpace(page)
	if page == "" {
		return storage.TrainingRun{}, errors.New("page is required")
	}
	v, _, _ := s.sf.Do(page, func() (any, error) {
		run, err := s.trainOnce(ctx, page)
		return result{run: run, err: err}, nil
	})
	r := v.(result)
	return r.run, r.err
}

func (s *Service) trainOnce(ctx context.Context, page string) (storage.TrainingRun, error) {
	if s.store == nil {
		return storage.TrainingRun{}, storage.ErrDisabled
	}
	s.mu.Lock()
	timeout, limit := s.cfg.Timeout, s.cfg.HistoryLimit
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.now()
	samples, err := s.store.Samples(ctx, page, limit)
	if err != nil {
		metrics.RecordTraining("error", 0)
		return storage.TrainingRun{}, fmt.Errorf("load samples: %w", err)
	}

	rep, err := s.models.Get(page).Train(ctx, samples)
	took := s.now().Sub(start)
	run := storage.TrainingRun{
		ID:      rep.RunID,
		Page:    page,
		At:      start.UTC(),
		Samples: len(samples),
		TookMS:  took.Milliseconds(),
	}
	if errs.IsInsufficientData(err) {
		// Not a failure: the page simply has not posted enough yet.
		metrics.RecordTraining("insufficient", took)
		s.log.Debug("retrain skipped", logx.Page(page), logx.Int("samples", len(samples)), logx.Err(err))
		return storage.TrainingRun{}, err
	}
	if err != nil {
		run.ID = uuid.NewString()
		run.Error = err.Error()
		metrics.RecordTraining("error", took)
		s.record(ctx, run)
		s.bus.Publish(eventbus.Event{Topic: eventbus.ModelTrainFailed, Page: page, Data: run})
		s.log.Warn("retrain failed", logx.Page(page), logx.Int("samples", len(samples)), logx.Err(err))
		return run, err
	}

	run.MSE = byName(rep.MSE)
	run.Accuracy = byName(rep.Accuracy)
	metrics.RecordTraining("ok", took)
	metrics.SetAccuracy(page, run.Accuracy)
	s.record(ctx, run)
	s.bus.Publish(eventbus.Event{Topic: eventbus.ModelTrained, Page: page, Data: run})
	s.log.Info("model retrained",
		logx.Page(page),
		logx.String("run_id", run.ID),
		logx.Int("samples", run.Samples),
		logx.Duration("took", took),
	)
	return run, nil
}

// record persists run. A storage failure is logged; the model swap already
// happened and stays.
func (s *Service) record(ctx context.Context, run storage.TrainingRun) {
	if err := s.store.AppendTrainingRun(ctx, run); err != nil {
		s.log.Warn("training run not persisted", logx.Page(run.Page), logx.Err(err))
	}
}

func byName(in map[predict.Metric]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[string(k)] = v
	}
	return out
}
