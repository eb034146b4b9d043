package storage

import (
	"context"
	"errors"
	"time"

	"postwise/internal/features"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
type Config struct {
	Driver      string        `json:"driver" yaml:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string        `json:"path" yaml:"path" validate:"required_if=Driver file,required_if=Driver sqlite,required_if=Driver sqlite3"`
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"` // sqlite only; 0 means default
	// SlotRetention bounds how long committed slots are remembered; 0 means 30 days.
	SlotRetention time.Duration `json:"slot_retention" yaml:"slot_retention"`
}

const defaultSlotRetention = 30 * 24 * time.Hour

func (c Config) retention() time.Duration {
	if c.SlotRetention > 0 {
		return c.SlotRetention
	}
	return defaultSlotRetention
}

// SampleRecord is one observed post of a page.
type SampleRecord struct {
	Page     string                      `json:"page"`
	At       time.Time                   `json:"at"`
	Features features.ContentFeatures    `json:"features"`
	Outcome  features.PerformanceOutcome `json:"outcome"`
}

func (r SampleRecord) Sample() features.Sample {
	return features.Sample{Features: r.Features, Outcome: r.Outcome}
}

// TrainingRun records one retraining attempt, successful or not.
type TrainingRun struct {
	ID       string             `json:"id"`
	Page     string             `json:"page"`
	At       time.Time          `json:"at"`
	Samples  int                `json:"samples"`
	MSE      map[string]float64 `json:"mse,omitempty"`
	Accuracy map[string]float64 `json:"accuracy,omitempty"`
	Error    string             `json:"error,omitempty"`
	TookMS   int64              `json:"took_ms"`
}

// Store is the persistence API used by the planner and the retrain service.
type Store interface {
	AppendSample(ctx context.Context, r SampleRecord) error
	// Samples returns the page's samples oldest first. limit > 0 keeps the
	// most recent limit samples.
	Samples(ctx context.Context, page string, limit int) ([]features.Sample, error)
	Pages(ctx context.Context) ([]string, error)

	CommitSlot(ctx context.Context, page string, at time.Time) error
	// Slots returns committed slots at or after from, ascending.
	Slots(ctx context.Context, page string, from time.Time) ([]time.Time, error)

	AppendTrainingRun(ctx context.Context, run TrainingRun) error
	TrainingRuns(ctx context.Context, page string, limit int) ([]TrainingRun, error)

	Close() error
}
