package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"postwise/internal/features"
	logx "postwise/pkg/logx"
)

// fileStore keeps everything in memory and appends to plain files.
//
// Files:
//   - <prefix>.samples.jsonl        (append-only JSON Lines)
//   - <prefix>.runs.jsonl           (append-only JSON Lines)
//   - <prefix>.slots.snapshot.json  (periodic snapshot)
//   - <prefix>.slots.journal.jsonl  (append-only journal)
//
// The slot journal is periodically compacted into the snapshot, dropping
// slots older than the retention window.
type fileStore struct {
	log       logx.Logger
	retention time.Duration

	mu sync.Mutex

	samplesFile *os.File
	runsFile    *os.File
	samples     map[string][]SampleRecord
	runs        map[string][]TrainingRun

	slotSnapshotPath string
	slotJournalFile  *os.File
	slots            map[string]map[int64]struct{} // page -> unix milli

	slotWrites int
}

type slotRecord struct {
	Page string `json:"page"`
	At   int64  `json:"at"`
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:              log,
		retention:        cfg.retention(),
		samples:          map[string][]SampleRecord{},
		runs:             map[string][]TrainingRun{},
		slotSnapshotPath: prefix + ".slots.snapshot.json",
		slots:            map[string]map[int64]struct{}{},
	}

	samplesPath := prefix + ".samples.jsonl"
	runsPath := prefix + ".runs.jsonl"
	journalPath := prefix + ".slots.journal.jsonl"

	if err := replayLines(samplesPath, func(b []byte) {
		var r SampleRecord
		if json.Unmarshal(b, &r) == nil && r.Page != "" {
			s.samples[r.Page] = append(s.samples[r.Page], r)
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("samples replay incomplete", logx.Err(err))
	}
	if err := replayLines(runsPath, func(b []byte) {
		var r TrainingRun
		if json.Unmarshal(b, &r) == nil && r.Page != "" {
			s.runs[r.Page] = append(s.runs[r.Page], r)
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("runs replay incomplete", logx.Err(err))
	}
	_ = loadSlotSnapshot(s.slotSnapshotPath, s.slots)
	_ = replayLines(journalPath, func(b []byte) {
		var r slotRecord
		if json.Unmarshal(b, &r) == nil && r.Page != "" {
			s.addSlot(r.Page, r.At)
		}
	})
	s.pruneSlots(time.Now())

	var err error
	if s.samplesFile, err = openAppend(samplesPath); err != nil {
		return nil, err
	}
	if s.runsFile, err = openAppend(runsPath); err != nil {
		_ = s.samplesFile.Close()
		return nil, err
	}
	if s.slotJournalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.samplesFile.Close()
		_ = s.runsFile.Close()
		return nil, err
	}
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.samplesFile, &s.runsFile, &s.slotJournalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendSample(ctx context.Context, r SampleRecord) error {
	_ = ctx
	r.Page = strings.TrimSpace(r.Page)
	if r.Page == "" {
		return errors.New("sample page is required")
	}
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.samplesFile == nil {
		return errors.New("samples file closed")
	}
	if err := json.NewEncoder(s.samplesFile).Encode(r); err != nil {
		return err
	}
	s.samples[r.Page] = append(s.samples[r.Page], r)
	return nil
}

func (s *fileStore) Samples(ctx context.Context, page string, limit int) ([]features.Sample, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.samples[strings.TrimSpace(page)]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]features.Sample, len(recs))
	for i, r := range recs {
		out[i] = r.Sample()
	}
	return out, nil
}

func (s *fileStore) Pages(ctx context.Context) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.samples))
	for p := range s.samples {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) CommitSlot(ctx context.Context, page string, at time.Time) error {
	_ = ctx
	page = strings.TrimSpace(page)
	if page == "" {
		return errors.New("slot page is required")
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slotJournalFile == nil {
		return errors.New("slot journal closed")
	}
	s.addSlot(page, ms)
	if err := json.NewEncoder(s.slotJournalFile).Encode(slotRecord{Page: page, At: ms}); err != nil {
		return err
	}
	s.slotWrites++
	if s.slotWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("slot compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Slots(ctx context.Context, page string, from time.Time) ([]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	fromMS := from.UnixMilli()
	var out []time.Time
	for ms := range s.slots[strings.TrimSpace(page)] {
		if ms >= fromMS {
			out = append(out, time.UnixMilli(ms).UTC())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *fileStore) AppendTrainingRun(ctx context.Context, run TrainingRun) error {
	_ = ctx
	if strings.TrimSpace(run.Page) == "" {
		return errors.New("training run page is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(run); err != nil {
		return err
	}
	s.runs[run.Page] = append(s.runs[run.Page], run)
	return nil
}

// TrainingRuns returns the page's runs newest first.
func (s *fileStore) TrainingRuns(ctx context.Context, page string, limit int) ([]TrainingRun, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.runs[strings.TrimSpace(page)]
	out := make([]TrainingRun, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		out = append(out, src[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *fileStore) addSlot(page string, ms int64) {
	m := s.slots[page]
	if m == nil {
		m = map[int64]struct{}{}
		s.slots[page] = m
	}
	m[ms] = struct{}{}
}

func (s *fileStore) pruneSlots(now time.Time) {
	cutoff := now.Add(-s.retention).UnixMilli()
	for page, m := range s.slots {
		for ms := range m {
			if ms < cutoff {
				delete(m, ms)
			}
		}
		if len(m) == 0 {
			delete(s.slots, page)
		}
	}
}

func (s *fileStore) compactLocked() error {
	s.pruneSlots(time.Now())

	snap := make(map[string][]int64, len(s.slots))
	for page, m := range s.slots {
		for ms := range m {
			snap[page] = append(snap[page], ms)
		}
	}
	tmp := s.slotSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.slotSnapshotPath); err != nil {
		return err
	}
	if err := s.slotJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.slotJournalFile.Seek(0, 2)
	return err
}

func loadSlotSnapshot(path string, out map[string]map[int64]struct{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var snap map[string][]int64
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for page, list := range snap {
		m := out[page]
		if m == nil {
			m = map[int64]struct{}{}
			out[page] = m
		}
		for _, ms := range list {
			m[ms] = struct{}{}
		}
	}
	return nil
}

// replayLines feeds every line of a JSON Lines file to fn. Undecodable lines
// are the callback's business; a torn last line is simply skipped there.
func replayLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	return sc.Err()
}
