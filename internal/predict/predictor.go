// Package predict fits per-tenant linear models that estimate engagement,
// reach and click-through rates from content features.
package predict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"postwise/internal/errs"
	"postwise/internal/features"
)

type Metric string

const (
	EngagementRate   Metric = "engagement_rate"
	ReachRate        Metric = "reach_rate"
	ClickThroughRate Metric = "click_through_rate"
)

// Metrics lists the predicted metrics in reporting order.
var Metrics = []Metric{EngagementRate, ReachRate, ClickThroughRate}

const (
	MinTrainingSamples = 20
	trainShare         = 0.8
)

func target(m Metric, o features.PerformanceOutcome) float64 {
	switch m {
	case EngagementRate:
		return o.EngagementRate
	case ReachRate:
		return o.ReachRate
	default:
		return o.ClickThroughRate
	}
}

// modelSet is replaced as a whole on every successful training run.
type modelSet struct {
	runID     string
	scaler    Scaler
	models    map[Metric]Model
	trainedAt time.Time
}

// TrainingReport summarizes one successful training run.
type TrainingReport struct {
	RunID          string             `json:"run_id"`
	Samples        int                `json:"samples"`
	TrainRows      int                `json:"train_rows"`
	ValidationRows int                `json:"validation_rows"`
	MSE            map[Metric]float64 `json:"mse"`
	Accuracy       map[Metric]float64 `json:"accuracy"`
	TrainedAt      time.Time          `json:"trained_at"`
}

// Prediction is the model output for one feature set. When Trained is false
// the other fields are empty and callers should use heuristics instead.
type Prediction struct {
	Trained bool               `json:"trained"`
	Rates   map[Metric]float64 `json:"rates,omitempty"`
	Overall float64            `json:"overall_score"`
}

type MetricStatus struct {
	Accuracy    float64   `json:"accuracy"`
	LastTrained time.Time `json:"last_trained"`
}

type Status struct {
	Trained bool                    `json:"trained"`
	RunID   string                  `json:"run_id,omitempty"`
	Metrics map[Metric]MetricStatus `json:"metrics"`
}

// Predictor owns the model state of one tenant. It is safe for concurrent
// use: predictions read under a shared lock, training swaps the model set
// under the exclusive lock.
type Predictor struct {
	mu  sync.RWMutex
	set *modelSet
	now func() time.Time
}

type Option func(*Predictor)

func WithClock(now func() time.Time) Option { return func(p *Predictor) { p.now = now } }

func New(opts ...Option) *Predictor {
	p := &Predictor{now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Accuracy converts a validation MSE into a 0..1 score.
func Accuracy(mse float64) float64 { return 1 / (1 + mse) }

// Train fits the scaler and the three metric models on samples, in order:
// the first 80% train, the rest validate. The previous model set stays in
// place if anything fails.
func (p *Predictor) Train(ctx context.Context, samples []features.Sample) (TrainingReport, error) {
	if len(samples) < MinTrainingSamples {
		return TrainingReport{}, &errs.InsufficientDataError{Op: "train", Have: len(samples), Need: MinTrainingSamples}
	}

	raw := make([][]float64, len(samples))
	for i, s := range samples {
		raw[i] = s.Features.Vector()
	}
	scaler := FitScaler(raw)
	x := make([][]float64, len(raw))
	for i, r := range raw {
		x[i] = scaler.Transform(r)
	}
	split := int(float64(len(x)) * trainShare)
	xTrain, xVal := x[:split], x[split:]

	fitted := make([]Model, len(Metrics))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range Metrics {
		i, m := i, m
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			y := make([]float64, len(samples))
			for k, s := range samples {
				y[k] = target(m, s.Outcome)
			}
			model, err := fitOLS(xTrain, y[:split])
			if err != nil {
				return fmt.Errorf("%s: %w", m, err)
			}
			model.MSE = meanSquaredError(model, xVal, y[split:])
			fitted[i] = model
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TrainingReport{}, err
	}

	now := p.now().UTC()
	set := &modelSet{
		runID:     uuid.NewString(),
		scaler:    scaler,
		models:    make(map[Metric]Model, len(Metrics)),
		trainedAt: now,
	}
	rep := TrainingReport{
		RunID:          set.runID,
		Samples:        len(samples),
		TrainRows:      len(xTrain),
		ValidationRows: len(xVal),
		MSE:            make(map[Metric]float64, len(Metrics)),
		Accuracy:       make(map[Metric]float64, len(Metrics)),
		TrainedAt:      now,
	}
	for i, m := range Metrics {
		set.models[m] = fitted[i]
		rep.MSE[m] = fitted[i].MSE
		rep.Accuracy[m] = Accuracy(fitted[i].MSE)
	}

	p.mu.Lock()
	p.set = set
	p.mu.Unlock()
	return rep, nil
}

// Predict never fails; an untrained predictor yields Prediction{Trained: false}.
func (p *Predictor) Predict(f features.ContentFeatures) Prediction {
	p.mu.RLock()
	set := p.set
	p.mu.RUnlock()
	if set == nil {
		return Prediction{}
	}

	x := set.scaler.Transform(f.Vector())
	out := Prediction{Trained: true, Rates: make(map[Metric]float64, len(Metrics))}
	var sum float64
	for _, m := range Metrics {
		v := max(0, set.models[m].Predict(x))
		out.Rates[m] = v
		sum += v
	}
	out.Overall = min(1, sum/float64(len(Metrics))/10)
	return out
}

// PredictE is Predict with errs.ErrPredictionUnavailable for the untrained case.
func (p *Predictor) PredictE(f features.ContentFeatures) (Prediction, error) {
	pr := p.Predict(f)
	if !pr.Trained {
		return pr, errs.ErrPredictionUnavailable
	}
	return pr, nil
}

func (p *Predictor) Trained() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set != nil
}

func (p *Predictor) Status() Status {
	p.mu.RLock()
	set := p.set
	p.mu.RUnlock()

	st := Status{Metrics: make(map[Metric]MetricStatus, len(Metrics))}
	if set == nil {
		for _, m := range Metrics {
			st.Metrics[m] = MetricStatus{}
		}
		return st
	}
	st.Trained = true
	st.RunID = set.runID
	for _, m := range Metrics {
		st.Metrics[m] = MetricStatus{Accuracy: Accuracy(set.models[m].MSE), LastTrained: set.trainedAt}
	}
	return st
}

// Scaler returns the fitted scaler, or false before the first training run.
func (p *Predictor) Scaler() (Scaler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.set == nil {
		return Scaler{}, false
	}
	return p.set.scaler, true
}
