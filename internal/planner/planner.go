// Package planner is the page-level facade over the scheduling and
// optimization engines. It resolves page profiles, pulls history from the
// store, records committed slots and publishes events. The engines below it
// stay pure; everything with side effects lives here.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postwise/internal/calendar"
	"postwise/internal/errs"
	"postwise/internal/eventbus"
	"postwise/internal/features"
	"postwise/internal/insight"
	"postwise/internal/metrics"
	"postwise/internal/predict"
	"postwise/internal/schedcheck"
	"postwise/internal/slots"
	"postwise/internal/storage"
	logx "postwise/pkg/logx"
)

var ErrUnknownPage = errors.New("unknown page")

// DefaultPostsPerDay is used by PlanRange when the page does not set one.
const DefaultPostsPerDay = 3

// historyFrequencyWindow is how many recent engagement rates feed the
// recommended posting frequency.
const historyFrequencyWindow = 30

// Page is the planning profile of one managed page.
type Page struct {
	ID             string
	Region         calendar.Region
	PreferredHours []int
	PostsPerDay    int
	Followers      int
	Quality        float64
	Constraints    schedcheck.Constraints
}

// Trainer retrains a page immediately; *retrain.Service implements it.
type Trainer interface {
	Force(ctx context.Context, page string) (storage.TrainingRun, error)
}

type Deps struct {
	Calendar  *calendar.Calendar
	Allocator *slots.Allocator
	Validator *schedcheck.Validator
	Models    *predict.Registry
	Store     storage.Store // optional
	Trainer   Trainer       // optional
	Bus       eventbus.Bus  // optional
	Log       logx.Logger
	Clock     func() time.Time

	HistoryLimit  int
	HumanVariance bool
}

type Planner struct {
	cal     *calendar.Calendar
	alloc   *slots.Allocator
	check   *schedcheck.Validator
	models  *predict.Registry
	store   storage.Store
	trainer Trainer
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	mu            sync.RWMutex
	pages         map[string]Page
	historyLimit  int
	humanVariance bool
}

func New(d Deps) (*Planner, error) {
	if d.Calendar == nil {
		return nil, errors.New("planner: calendar is required")
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Allocator == nil {
		d.Allocator = slots.New(d.Calendar, slots.WithClock(d.Clock))
	}
	if d.Validator == nil {
		d.Validator = schedcheck.New(d.Calendar, schedcheck.WithClock(d.Clock))
	}
	if d.Models == nil {
		d.Models = predict.NewRegistry()
	}
	if d.Bus == nil {
		d.Bus = eventbus.New()
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Planner{
		cal:           d.Calendar,
		alloc:         d.Allocator,
		check:         d.Validator,
		models:        d.Models,
		store:         d.Store,
		trainer:       d.Trainer,
		bus:           d.Bus,
		log:           d.Log.Named("planner"),
		now:           d.Clock,
		pages:         map[string]Page{},
		historyLimit:  d.HistoryLimit,
		humanVariance: d.HumanVariance,
	}, nil
}

// SetPages replaces the page profiles. Every page region must be known.
func (p *Planner) SetPages(pages []Page) error {
	next := make(map[string]Page, len(pages))
	for _, pg := range pages {
		pg.ID = strings.TrimSpace(pg.ID)
		if pg.ID == "" {
			return errors.New("planner: page id is required")
		}
		if _, err := p.cal.Location(pg.Region); err != nil {
			return fmt.Errorf("page %s: %w", pg.ID, err)
		}
		if pg.Constraints == (schedcheck.Constraints{}) {
			pg.Constraints = schedcheck.DefaultConstraints()
		}
		next[pg.ID] = pg
	}
	p.mu.Lock()
	p.pages = next
	p.mu.Unlock()
	return nil
}

// SetOptions updates the reloadable knobs.
func (p *Planner) SetOptions(historyLimit int, humanVariance bool) {
	p.mu.Lock()
	p.historyLimit = historyLimit
	p.humanVariance = humanVariance
	p.mu.Unlock()
}

func (p *Planner) Page(id string) (Page, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pg, ok := p.pages[strings.TrimSpace(id)]
	if !ok {
		return Page{}, fmt.Errorf("%w: %q", ErrUnknownPage, id)
	}
	return pg, nil
}

// Pages lists configured page IDs in lexical order.
func (p *Planner) Pages() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.pages))
	for id := range p.pages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// allocatorFor honours a page-level minimum interval.
func (p *Planner) allocatorFor(pg Page) *slots.Allocator {
	if pg.Constraints.MinIntervalHours > 0 {
		return p.alloc.WithMinGap(time.Duration(pg.Constraints.MinIntervalHours) * time.Hour)
	}
	return p.alloc
}

// PlanNext returns the next free slot for the page. It does not commit it.
func (p *Planner) PlanNext(ctx context.Context, pageID string) (slots.Slot, error) {
	start := p.now()
	pg, err := p.Page(pageID)
	if err != nil {
		return slots.Slot{}, err
	}
	existing, err := p.committed(ctx, pg.ID)
	if err != nil {
		return slots.Slot{}, err
	}
	samples, err := p.history(ctx, pg.ID)
	if err != nil {
		return slots.Slot{}, err
	}
	freq := slots.RecommendedFrequencyHours(pg.Followers, pg.Quality, recentEngagement(samples, historyFrequencyWindow))

	slot, err := p.allocatorFor(pg).NextAvailableSlot(pg.Region, existing, freq, pg.PreferredHours)
	if err != nil {
		return slots.Slot{}, err
	}
	metrics.RecordSlot(string(pg.Region), slot.Fallback)
	metrics.RecordPlan("next", p.now().Sub(start))
	if slot.Fallback {
		p.log.Info("no free optimal slot in horizon; using fallback",
			logx.Page(pg.ID), logx.Time("at", slot.At), logx.Int("frequency_hours", freq))
	}
	return slot, nil
}

// Commit records at as taken for the page.
func (p *Planner) Commit(ctx context.Context, pageID string, at time.Time) error {
	pg, err := p.Page(pageID)
	if err != nil {
		return err
	}
	if p.store == nil {
		return storage.ErrDisabled
	}
	if err := p.store.CommitSlot(ctx, pg.ID, at.UTC()); err != nil {
		return fmt.Errorf("commit slot: %w", err)
	}
	p.bus.Publish(eventbus.Event{Topic: eventbus.SlotCommitted, Page: pg.ID, Data: at.UTC()})
	return nil
}

// RangePlan is the result of PlanRange.
type RangePlan struct {
	Page      string            `json:"page"`
	Region    string            `json:"region"`
	Schedule  []time.Time       `json:"schedule"`
	Optimized bool              `json:"optimized"`
	Varied    bool              `json:"varied"`
	Report    schedcheck.Report `json:"report"`
}

// PlanRange generates a schedule for [start, end], re-targets it at the
// page's historically best hours when there is enough history, optionally
// adds human variance, and validates the result.
func (p *Planner) PlanRange(ctx context.Context, pageID string, start, end time.Time) (RangePlan, error) {
	began := p.now()
	pg, err := p.Page(pageID)
	if err != nil {
		return RangePlan{}, err
	}
	perDay := pg.PostsPerDay
	if perDay <= 0 {
		perDay = DefaultPostsPerDay
	}
	alloc := p.allocatorFor(pg)
	sched, err := alloc.GenerateSchedule(pg.Region, start, end, perDay, &slots.Preferences{
		Hours:            pg.PreferredHours,
		MinIntervalHours: pg.Constraints.MinIntervalHours,
	})
	if err != nil {
		return RangePlan{}, err
	}

	out := RangePlan{Page: pg.ID, Region: string(pg.Region)}
	samples, err := p.history(ctx, pg.ID)
	if err != nil {
		return RangePlan{}, err
	}
	loc, err := p.cal.Location(pg.Region)
	if err != nil {
		return RangePlan{}, err
	}
	if scores := localizeHours(hourlyEngagement(samples), loc, start); len(samples) >= insight.MinAnalysisSamples && len(scores) > 0 {
		if sched, err = alloc.OptimizeForHistoricalEngagement(pg.Region, sched, scores); err != nil {
			return RangePlan{}, err
		}
		out.Optimized = true
	}

	p.mu.RLock()
	vary := p.humanVariance
	p.mu.RUnlock()
	if vary {
		sched = alloc.AddHumanVariance(sched)
		out.Varied = true
	}

	rep, err := p.check.Validate(pg.Region, pg.Constraints, sched)
	if err != nil {
		return RangePlan{}, err
	}
	metrics.RecordValidation(len(rep.Errors), len(rep.Warnings), len(rep.Suggestions))
	metrics.RecordPlan("range", p.now().Sub(began))
	out.Schedule = sched
	out.Report = rep
	return out, nil
}

// Validate checks schedule against the page's constraints and calendar.
func (p *Planner) Validate(pageID string, schedule []time.Time) (schedcheck.Report, error) {
	start := p.now()
	pg, err := p.Page(pageID)
	if err != nil {
		return schedcheck.Report{}, err
	}
	rep, err := p.check.Validate(pg.Region, pg.Constraints, schedule)
	if err != nil {
		return schedcheck.Report{}, err
	}
	metrics.RecordValidation(len(rep.Errors), len(rep.Warnings), len(rep.Suggestions))
	metrics.RecordPlan("validate", p.now().Sub(start))
	return rep, nil
}

// Record stores one observed post as a training sample.
func (p *Planner) Record(ctx context.Context, pageID string, rec features.Record, a features.Analytics) (features.Sample, error) {
	pg, err := p.Page(pageID)
	if err != nil {
		return features.Sample{}, err
	}
	if p.store == nil {
		return features.Sample{}, storage.ErrDisabled
	}
	smp := features.Sample{Features: features.Extract(rec), Outcome: features.Outcome(a)}
	at := rec.ActualPostedTime
	if at.IsZero() {
		at = rec.ScheduledTime
	}
	if err := p.store.AppendSample(ctx, storage.SampleRecord{
		Page:     pg.ID,
		At:       at.UTC(),
		Features: smp.Features,
		Outcome:  smp.Outcome,
	}); err != nil {
		return features.Sample{}, fmt.Errorf("append sample: %w", err)
	}
	return smp, nil
}

// Analyze buckets the page's stored history.
func (p *Planner) Analyze(ctx context.Context, pageID string) (insight.Analysis, error) {
	start := p.now()
	pg, err := p.Page(pageID)
	if err != nil {
		return insight.Analysis{}, err
	}
	samples, err := p.history(ctx, pg.ID)
	if err != nil {
		return insight.Analysis{}, err
	}
	a := insight.Analyze(samples)
	metrics.RecordPlan("analyze", p.now().Sub(start))
	return a, nil
}

// Train refits the page's predictor from stored history now. Without a
// Trainer the fit runs inline and is recorded the same way: the run is
// stored and ModelTrained/ModelTrainFailed is published. Too little history
// is returned as an error and leaves no trace.
func (p *Planner) Train(ctx context.Context, pageID string) (storage.TrainingRun, error) {
	pg, err := p.Page(pageID)
	if err != nil {
		return storage.TrainingRun{}, err
	}
	if p.trainer != nil {
		return p.trainer.Force(ctx, pg.ID)
	}
	samples, err := p.history(ctx, pg.ID)
	if err != nil {
		return storage.TrainingRun{}, err
	}
	start := p.now()
	rep, err := p.models.Get(pg.ID).Train(ctx, samples)
	if errs.IsInsufficientData(err) {
		return storage.TrainingRun{}, err
	}
	run := storage.TrainingRun{
		ID:      rep.RunID,
		Page:    pg.ID,
		At:      start.UTC(),
		Samples: len(samples),
		TookMS:  p.now().Sub(start).Milliseconds(),
	}
	topic := eventbus.ModelTrained
	if err != nil {
		run.ID = uuid.NewString()
		run.Error = err.Error()
		topic = eventbus.ModelTrainFailed
	} else {
		run.MSE = make(map[string]float64, len(rep.MSE))
		run.Accuracy = make(map[string]float64, len(rep.Accuracy))
		for m, v := range rep.MSE {
			run.MSE[string(m)] = v
			run.Accuracy[string(m)] = rep.Accuracy[m]
		}
	}
	if p.store != nil {
		if serr := p.store.AppendTrainingRun(ctx, run); serr != nil {
			p.log.Warn("training run not persisted", logx.Page(pg.ID), logx.Err(serr))
		}
	}
	p.bus.Publish(eventbus.Event{Topic: topic, Page: pg.ID, Data: run})
	return run, err
}

// ensureTrained trains an untrained predictor from history on first use.
// Pages below the training minimum are left untrained without calling the
// trainer, so reads never write runs; PredictE then reports
// ErrPredictionUnavailable.
func (p *Planner) ensureTrained(ctx context.Context, pageID string) (*predict.Predictor, error) {
	pred := p.models.Get(pageID)
	if pred.Trained() || p.store == nil {
		return pred, nil
	}
	samples, err := p.history(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if len(samples) < predict.MinTrainingSamples {
		return pred, nil
	}
	if _, err := p.Train(ctx, pageID); err != nil {
		if errs.IsInsufficientData(err) {
			return pred, nil
		}
		return nil, err
	}
	return pred, nil
}

func (p *Planner) Predict(ctx context.Context, pageID string, f features.ContentFeatures) (predict.Prediction, error) {
	pg, err := p.Page(pageID)
	if err != nil {
		return predict.Prediction{}, err
	}
	pred, err := p.ensureTrained(ctx, pg.ID)
	if err != nil {
		return predict.Prediction{}, err
	}
	return pred.PredictE(f)
}

// Suggest proposes feature changes expected to lift the page's score by at
// least target (a fraction, 0.1 = 10%).
func (p *Planner) Suggest(ctx context.Context, pageID string, current features.ContentFeatures, target float64) ([]insight.Suggestion, error) {
	start := p.now()
	pg, err := p.Page(pageID)
	if err != nil {
		return nil, err
	}
	pred, err := p.ensureTrained(ctx, pg.ID)
	if err != nil {
		return nil, err
	}
	out, err := insight.Suggest(pred, current, target)
	if err != nil {
		return nil, err
	}
	metrics.RecordPlan("suggest", p.now().Sub(start))
	return out, nil
}

func (p *Planner) Status(pageID string) (predict.Status, error) {
	pg, err := p.Page(pageID)
	if err != nil {
		return predict.Status{}, err
	}
	if pred, ok := p.models.Lookup(pg.ID); ok {
		return pred.Status(), nil
	}
	return predict.New().Status(), nil
}

// committed returns the page's committed slots from a day back onward; the
// allocator needs recent past posts for its gap check.
func (p *Planner) committed(ctx context.Context, page string) ([]time.Time, error) {
	if p.store == nil {
		return nil, nil
	}
	out, err := p.store.Slots(ctx, page, p.now().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	return out, nil
}

func (p *Planner) history(ctx context.Context, page string) ([]features.Sample, error) {
	if p.store == nil {
		return nil, nil
	}
	p.mu.RLock()
	limit := p.historyLimit
	p.mu.RUnlock()
	out, err := p.store.Samples(ctx, page, limit)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	return out, nil
}

func hourlyEngagement(samples []features.Sample) map[int]float64 {
	sum := map[int]float64{}
	n := map[int]int{}
	for _, s := range samples {
		sum[s.Features.PostingHour] += s.Outcome.EngagementRate
		n[s.Features.PostingHour]++
	}
	out := make(map[int]float64, len(sum))
	for h, v := range sum {
		out[h] = v / float64(n[h])
	}
	return out
}

// localizeHours shifts UTC hour keys into loc using its offset at ref.
// Colliding hours keep the higher score.
func localizeHours(utc map[int]float64, loc *time.Location, ref time.Time) map[int]float64 {
	_, off := ref.In(loc).Zone()
	shift := off / 3600
	out := make(map[int]float64, len(utc))
	for h, v := range utc {
		lh := ((h+shift)%24 + 24) % 24
		if cur, ok := out[lh]; !ok || v > cur {
			out[lh] = v
		}
	}
	return out
}

func recentEngagement(samples []features.Sample, n int) []float64 {
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Outcome.EngagementRate
	}
	return out
}
