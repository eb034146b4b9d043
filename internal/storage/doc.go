// Package storage persists what the planner learns over time: per-page
// performance samples, committed posting slots and training-run history.
//
// Drivers:
//   - "file": JSON Lines files plus a compacted slot snapshot
//   - "sqlite": a single SQLite database (pure Go driver)
//   - "" / "none": disabled, Open returns (nil, nil)
package storage
