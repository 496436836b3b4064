package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "sigcast/pkg/logx"
)

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
	sdWatchdog = daemon.SdNotifyWatchdog
)

// notifySystemd is a no-op outside a Type=notify unit.
func notifySystemd(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// startSystemd reports readiness and, when the unit sets WatchdogSec, pings
// the watchdog at half the interval while the app is healthy.
func (a *App) startSystemd() {
	notifySystemd(a.log, sdReady)

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
	a.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := a.health(); err != nil {
					a.log.Warn("watchdog ping withheld", logx.Err(err))
					continue
				}
				notifySystemd(a.log, sdWatchdog)
			}
		}
	})
}
