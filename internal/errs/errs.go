// Package errs holds the error taxonomy shared by the scheduling and
// optimization packages.
package errs

import (
	"errors"
	"fmt"
)

// ErrPredictionUnavailable is returned when a predictor has not been trained yet.
// Callers should fall back to heuristic defaults.
var ErrPredictionUnavailable = errors.New("prediction unavailable: model not trained")

// ConfigError reports a programmer/configuration mistake such as an unknown region.
type ConfigError struct {
	Field string
	Value string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: unknown %s %q", e.Field, e.Value)
}

// UnknownRegion builds the ConfigError used by calendar lookups.
func UnknownRegion(region string) error {
	return &ConfigError{Field: "region", Value: region}
}

// InsufficientDataError means an operation needs more samples. It is recoverable:
// retry later with more history.
type InsufficientDataError struct {
	Op   string
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: insufficient data (have %d, need %d)", e.Op, e.Have, e.Need)
}

// IsInsufficientData reports whether err wraps an InsufficientDataError.
func IsInsufficientData(err error) bool {
	var ie *InsufficientDataError
	return errors.As(err, &ie)
}

// IsConfig reports whether err wraps a ConfigError.
func IsConfig(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
