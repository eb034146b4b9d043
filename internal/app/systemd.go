package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "postwise/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func sdNotify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}

func notifyReady(log logx.Logger)     { sdNotify(log, daemon.SdNotifyReady) }
func notifyStopping(log logx.Logger)  { sdNotify(log, daemon.SdNotifyStopping) }
func notifyReloading(log logx.Logger) { sdNotify(log, daemon.SdNotifyReloading) }

// watchdog pings systemd at half the configured WatchdogSec until ctx ends.
func (a *App) watchdog(ctx context.Context) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sdNotify(a.log, daemon.SdNotifyWatchdog)
		}
	}
}
