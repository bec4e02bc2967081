package pool

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Watchdog periodically inspects the cooldown ledger and drives the
// deployment mode: when every profile sits in global cooldown the worker is
// suspended via ModeQuotaExceeded, and as soon as one profile becomes
// eligible again the mode returns to normal. Recovery from emergency mode is
// passive through the same scan.
type Watchdog struct {
	pool     *Pool
	interval time.Duration
}

// NewWatchdog builds a watchdog scanning every interval.
func NewWatchdog(pool *Pool, interval time.Duration) *Watchdog {
	return &Watchdog{pool: pool, interval: interval}
}

// Start runs the scan loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.scan()
			}
		}
	}()
}

func (w *Watchdog) scan() {
	profiles := w.pool.Profiles()
	if len(profiles) == 0 {
		return
	}

	eligible := 0
	for _, profile := range profiles {
		if !w.pool.Ledger().GloballyCooled(profile.ID) {
			eligible++
		}
	}

	mode := w.pool.Mode()
	switch {
	case eligible == 0 && mode == ModeNormal:
		log.Warnf("watchdog: all %d profiles in global cooldown", len(profiles))
		w.pool.SetMode(ModeQuotaExceeded)
	case eligible > 0 && (mode == ModeQuotaExceeded || mode == ModeEmergency):
		log.Infof("watchdog: %d/%d profiles eligible again", eligible, len(profiles))
		w.pool.SetMode(ModeNormal)
	}
}
