// Package app wires the engines, the retrain scheduler, alerting and the ops
// listener into the long-running "postwise serve" process, and builds the
// same engines for one-shot CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postwise/internal/alert"
	"postwise/internal/config"
	"postwise/internal/metrics"
	"postwise/internal/observability/ops"
	rtsup "postwise/internal/runtime/supervisor"
	logx "postwise/pkg/logx"
)

// Alert delivery defaults not exposed in config.
const (
	alertRetryMax    = 3
	alertDedupWindow = 10 * time.Minute
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	comp   *Components
	alerts *alert.Service
	ops    *ops.Server
	sup    *rtsup.Supervisor

	// newSender builds the alert transport; swapped in tests.
	newSender func(token string) (alert.Sender, error)

	mu          sync.Mutex
	sender      alert.Sender
	alertToken  string
	retrainStop context.CancelFunc
	retrainDone chan struct{}
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(cfg.LogxConfig())
	cfgm.SetLogger(log)

	comp, err := Build(cfg, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	a := &App{
		cfgm:      cfgm,
		logs:      logs,
		log:       log.Named("app"),
		comp:      comp,
		newSender: func(token string) (alert.Sender, error) { return alert.NewTelegramSender(token, false) },
	}
	a.alerts = alert.New(alert.Config{}, nil, log)
	a.ops = ops.New(log, a.health)
	a.log.Info("components ready",
		logx.Int("pages", len(cfg.Pages)),
		logx.Bool("storage", comp.Store != nil),
		logx.Int64("seed", comp.Seed),
	)
	return a, nil
}

func (a *App) Components() *Components { return a.comp }

// Done is closed once the app context ends (Stop or a fatal error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()
	cfg := a.cfgm.Get()

	a.cfgm.SetValidator(a.validateReload)
	a.applyAlerts(cfg)
	a.ops.Reconfigure(c, opsConfig(cfg))

	a.sup.Go("alerts.deliver", a.alerts.Run)
	a.sup.Go("alerts.forward", func(c context.Context) error { return a.alerts.Forward(c, a.comp.Bus) })
	a.sup.Go0("eventbus.log", a.logEvents)

	ro, err := cfg.RetrainOptions()
	if err != nil {
		return err
	}
	a.setRetrain(c, ro.Enabled)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.sup.Go0("systemd.watchdog", a.watchdog)
	notifyReady(a.log)
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// Stop shuts everything down, bounded by ctx.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeResources()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)
	a.sup.Cancel()

	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error {
		a.ops.Stop(c)
		return nil
	})
	a.step(ctx, "retrain", 3*time.Second, func(c context.Context) error {
		a.setRetrain(c, false)
		return nil
	})
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)

	err := a.closeResources()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) closeResources() error {
	if err := a.comp.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}
	return nil
}

// step runs fn with its own deadline, never past the caller's.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	c, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	if err := fn(c); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
	}
	a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
}

// setRetrain starts or stops the retrain scheduler. A stop waits for the
// cron to drain so a quick re-enable never overlaps two schedulers.
func (a *App) setRetrain(ctx context.Context, enabled bool) {
	a.mu.Lock()
	running := a.retrainStop != nil
	stop, done := a.retrainStop, a.retrainDone
	if enabled && !running {
		rctx, cancel := context.WithCancel(a.sup.Context())
		ch := make(chan struct{})
		a.retrainStop, a.retrainDone = cancel, ch
		a.mu.Unlock()
		go func() {
			defer close(ch)
			if err := a.comp.Retrain.Run(rctx); err != nil {
				a.log.Error("retrain scheduler failed", logx.Err(err))
			}
		}()
		a.log.Info("retrain scheduler enabled")
		return
	}
	if !enabled && running {
		a.retrainStop, a.retrainDone = nil, nil
	}
	a.mu.Unlock()

	if !enabled && running {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
		}
		a.log.Info("retrain scheduler disabled")
	}
}

// applyAlerts reuses the Telegram sender while the token is unchanged.
func (a *App) applyAlerts(cfg *config.Config) {
	ac := cfg.Alerts
	if ac == nil || !ac.Enabled {
		a.alerts.Apply(alert.Config{}, nil)
		return
	}
	token := strings.TrimSpace(ac.Token)
	a.mu.Lock()
	sender := a.sender
	if a.alertToken != token {
		sender = nil
	}
	a.mu.Unlock()

	if sender == nil {
		s, err := a.newSender(token)
		if err != nil {
			a.log.Warn("alerts disabled: telegram sender unavailable", logx.Err(err))
			a.alerts.Apply(alert.Config{}, nil)
			return
		}
		sender = s
		a.mu.Lock()
		a.sender, a.alertToken = s, token
		a.mu.Unlock()
	}
	a.alerts.Apply(alert.Config{
		Enabled:     true,
		Target:      alert.Target{ChatID: ac.ChatID, ThreadID: ac.ThreadID},
		RatePerSec:  ac.RatePerSec,
		QueueSize:   ac.QueueSize,
		RetryMax:    alertRetryMax,
		DedupWindow: alertDedupWindow,
	}, sender)
}

func opsConfig(cfg *config.Config) ops.Config {
	return ops.Config{
		Enabled:     cfg.Metrics.Enabled,
		Addr:        cfg.Metrics.ListenAddr(),
		MetricsPath: cfg.Metrics.HandlerPath(),
		Pprof:       cfg.Metrics.Pprof,
	}
}

// logEvents mirrors bus traffic into debug logs and keeps the dropped-event
// gauge current.
func (a *App) logEvents(ctx context.Context) {
	ch, unsub := a.comp.Bus.Subscribe(128)
	defer unsub()
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			metrics.EventsDropped.Set(float64(a.comp.Bus.Dropped()))
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("topic", string(ev.Topic)), logx.Page(ev.Page))
		}
	}
}

// health backs /healthz.
func (a *App) health(ctx context.Context) map[string]string {
	problems := map[string]string{}
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			problems["supervisor"] = err.Error()
		}
	}
	if st := a.comp.Store; st != nil {
		c, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if _, err := st.Pages(c); err != nil {
			problems["storage"] = err.Error()
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}
