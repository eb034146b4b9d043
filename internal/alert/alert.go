// Package alert delivers operational alerts (failed retrains, degraded
// storage) to an operator chat.
//
// Delivery is asynchronous: Notify only enqueues. A single worker drains the
// queue through a token-bucket limiter and retries transient send failures.
// Identical alerts inside the dedup window are suppressed.
package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"postwise/internal/eventbus"
	"postwise/internal/storage"
	logx "postwise/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
)

type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) prefix() string {
	switch s {
	case Critical:
		return "🚨 "
	case Warning:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

type Alert struct {
	Severity Severity
	Page     string
	Text     string
}

func (a Alert) render() string {
	if a.Page == "" {
		return a.Severity.prefix() + a.Text
	}
	return fmt.Sprintf("%s[%s] %s", a.Severity.prefix(), a.Page, a.Text)
}

// Notifier is what the rest of the service depends on.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

type nop struct{}

func (nop) Notify(context.Context, Alert) error { return nil }

// Nop discards every alert.
func Nop() Notifier { return nop{} }

type Config struct {
	Enabled     bool
	Target      Target
	RatePerSec  int
	QueueSize   int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Service is safe for concurrent use.
type Service struct {
	log   logx.Logger
	queue chan Alert

	mu      sync.RWMutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter

	dmu   sync.Mutex
	dedup map[string]time.Time

	sent, failed, dropped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log.Named("alert"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan Alert, cfg.QueueSize),
		dedup:   map[string]time.Time{},
	}
}

// Apply swaps config and sender. The queue keeps its original capacity;
// alerts already queued are delivered with the new settings.
func (s *Service) Apply(cfg Config, sender Sender) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
	s.sender = sender
}

func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Enabled && s.sender != nil
}

// Notify enqueues a. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Enabled() {
		return ErrDisabled
	}
	if !s.allow(a, time.Now()) {
		s.log.Debug("alert deduped", logx.Page(a.Page))
		return nil
	}
	select {
	case s.queue <- a:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-s.queue:
			s.deliver(ctx, a)
		}
	}
}

// Forward turns retrain failures published on bus into alerts until ctx is
// done.
func (s *Service) Forward(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(32, eventbus.ModelTrainFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.Notify(ctx, failureAlert(ev)); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("alert enqueue failed", logx.Page(ev.Page), logx.Err(err))
			}
		}
	}
}

func failureAlert(ev eventbus.Event) Alert {
	text := "model retraining failed"
	switch d := ev.Data.(type) {
	case storage.TrainingRun:
		text = fmt.Sprintf("model retraining failed after %d samples: %s", d.Samples, d.Error)
	case error:
		text = "model retraining failed: " + d.Error()
	}
	return Alert{Severity: Warning, Page: ev.Page, Text: text}
}

// Stats returns (sent, failed, dropped) counters.
func (s *Service) Stats() (uint64, uint64, uint64) {
	return s.sent.Load(), s.failed.Load(), s.dropped.Load()
}

func (s *Service) deliver(ctx context.Context, a Alert) {
	s.mu.RLock()
	cfg, sender, limiter := s.cfg, s.sender, s.limiter
	s.mu.RUnlock()
	if sender == nil {
		s.dropped.Add(1)
		return
	}

	text := a.render()
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		lastErr = sender.Send(callCtx, cfg.Target, text)
		cancel()
		if lastErr == nil {
			s.sent.Add(1)
			return
		}
		s.log.Debug("alert send failed", logx.Err(lastErr), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg.RetryBase, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.failed.Add(1)
	s.log.Warn("alert dropped after retries", logx.Page(a.Page), logx.Err(lastErr))
}

// allow applies the dedup window. Expired entries are swept on the way.
func (s *Service) allow(a Alert, now time.Time) bool {
	s.mu.RLock()
	window := s.cfg.DedupWindow
	s.mu.RUnlock()
	if window == 0 {
		return true
	}
	key := dedupKey(a)
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|%s", a.Severity, a.Page, a.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

// retryDelay is base * 2^(attempt-1), capped at 10s, with 0.7..1.3 jitter.
func retryDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 10 * time.Second
	d := base
	for i := 1; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	d = min(d, maxDelay)
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
