package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"postwise/internal/features"
	logx "postwise/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// tsLayout has a fixed width so TEXT timestamps sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db        *sql.DB
	log       logx.Logger
	retention time.Duration

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.retention(), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendSample(ctx context.Context, r SampleRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	r.Page = strings.TrimSpace(r.Page)
	if r.Page == "" {
		return errors.New("sample page is required")
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	fb, err := json.Marshal(r.Features)
	if err != nil {
		return err
	}
	ob, err := json.Marshal(r.Outcome)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO samples(page, at, features, outcome) VALUES(?,?,?,?)`,
		r.Page, r.At.UTC().Format(tsLayout), string(fb), string(ob),
	)
	return err
}

func (s *sqliteStore) Samples(ctx context.Context, page string, limit int) ([]features.Sample, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT features, outcome FROM (
		SELECT id, features, outcome FROM samples WHERE page = ? ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, q, strings.TrimSpace(page), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []features.Sample
	for rows.Next() {
		var fb, ob string
		if err := rows.Scan(&fb, &ob); err != nil {
			return nil, err
		}
		var smp features.Sample
		if err := json.Unmarshal([]byte(fb), &smp.Features); err != nil {
			s.log.Debug("skip undecodable sample", logx.Err(err))
			continue
		}
		if err := json.Unmarshal([]byte(ob), &smp.Outcome); err != nil {
			s.log.Debug("skip undecodable sample", logx.Err(err))
			continue
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Pages(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT page FROM samples ORDER BY page`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CommitSlot(ctx context.Context, page string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	page = strings.TrimSpace(page)
	if page == "" {
		return errors.New("slot page is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slots(page, at) VALUES(?,?) ON CONFLICT(page, at) DO NOTHING`,
		page, at.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneSlots(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) Slots(ctx context.Context, page string, from time.Time) ([]time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at FROM slots WHERE page = ? AND at >= ? ORDER BY at`,
		strings.TrimSpace(page), from.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		out = append(out, time.UnixMilli(ms).UTC())
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneSlots(ctx context.Context) error {
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE at < ?`, cutoff)
	return err
}

func (s *sqliteStore) AppendTrainingRun(ctx context.Context, run TrainingRun) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(run.Page) == "" {
		return errors.New("training run page is required")
	}
	mse, err := nullJSON(run.MSE)
	if err != nil {
		return err
	}
	acc, err := nullJSON(run.Accuracy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO training_runs(id, page, at, samples, mse, accuracy, err, took_ms) VALUES(?,?,?,?,?,?,?,?)`,
		run.ID, run.Page, run.At.UTC().Format(tsLayout), run.Samples, mse, acc, nullStr(run.Error), run.TookMS,
	)
	return err
}

func (s *sqliteStore) TrainingRuns(ctx context.Context, page string, limit int) ([]TrainingRun, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, page, at, samples, mse, accuracy, err, took_ms
		 FROM training_runs WHERE page = ? ORDER BY at DESC, rowid DESC LIMIT ?`,
		strings.TrimSpace(page), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrainingRun
	for rows.Next() {
		var (
			r             TrainingRun
			at            string
			mse, acc, msg sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Page, &at, &r.Samples, &mse, &acc, &msg, &r.TookMS); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(tsLayout, at)
		r.Error = msg.String
		if mse.Valid {
			_ = json.Unmarshal([]byte(mse.String), &r.MSE)
		}
		if acc.Valid {
			_ = json.Unmarshal([]byte(acc.String), &r.Accuracy)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullJSON(m map[string]float64) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
