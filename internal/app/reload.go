package app

import (
	"context"
	"fmt"
	"strings"

	"postwise/internal/calendar"
	"postwise/internal/config"
	"postwise/internal/eventbus"
	"postwise/internal/retrain"
	logx "postwise/pkg/logx"
)

// validateReload rejects configs the running process cannot apply live.
// config.Validate has already run.
func (a *App) validateReload(_ context.Context, cfg *config.Config) error {
	ro, err := cfg.RetrainOptions()
	if err != nil {
		return err
	}
	if _, err := retrain.ParseSchedule(ro.Schedule); err != nil {
		return fmt.Errorf("retrain.schedule: %w", err)
	}
	// Pages are checked against the calendar this process was built with;
	// new regions need a restart.
	for _, pg := range Pages(cfg) {
		if _, err := a.comp.Calendar.Location(pg.Region); err != nil {
			return fmt.Errorf("pages.%s: %w (running regions: %s; new regions need a restart)",
				pg.ID, err, joinRegions(a.comp.Calendar.Regions()))
		}
	}
	return nil
}

func joinRegions(rs []calendar.Region) string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return strings.Join(out, ", ")
}

// reloadLoop applies each published config, newest first when they pile up.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, fields, pages := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	notifyReloading(a.log)
	defer notifyReady(a.log)
	if config.RestartRequired(sections) {
		a.log.Warn("some config changes need a restart to take effect", logx.Strings("changed", sections))
	}

	if err := a.logs.Apply(next.LogxConfig()); err != nil {
		a.log.Warn("log sink degraded to console", logx.Err(err))
	}

	if err := a.comp.Planner.SetPages(Pages(next)); err != nil {
		a.log.Warn("page update rejected; keeping previous pages", logx.Err(err))
	}
	a.comp.Planner.SetOptions(next.Predictor.HistoryLimit, next.Allocator.HumanVariance)

	if ro, err := next.RetrainOptions(); err != nil {
		a.log.Warn("invalid retrain config; keeping previous", logx.Err(err))
	} else if err := a.comp.Retrain.Apply(retrainConfig(next, ro)); err != nil {
		a.log.Warn("retrain config rejected; keeping previous", logx.Err(err))
	} else {
		a.setRetrain(ctx, ro.Enabled)
	}

	a.applyAlerts(next)
	a.ops.Reconfigure(ctx, opsConfig(next))

	a.comp.Bus.Publish(eventbus.Event{Topic: eventbus.ConfigReloaded, Data: sections})
	all := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)
	if len(pages) > 0 {
		all = append(all, logx.Strings("pages", pages))
	}
	a.log.Info("config reloaded", all...)
}
