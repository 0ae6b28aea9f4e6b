package gateway

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// watchdog fires onTimeout once when no heartbeat has been seen for twice
// the heartbeat interval. The comparison is inclusive: a check landing
// exactly on 2*interval fires. It is bound to a single connection.
type watchdog struct {
	ticker   *clock.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

// startWatchdog checks every max(interval, floor). The ticker is created
// before returning so a mock clock advanced afterwards drives it.
func startWatchdog(clk clock.Clock, interval, floor time.Duration, live *liveness, onTimeout func(elapsed time.Duration)) *watchdog {
	period := interval
	if period < floor {
		period = floor
	}
	w := &watchdog{
		ticker: clk.Ticker(period),
		done:   make(chan struct{}),
	}
	go w.run(clk, 2*interval, live, onTimeout)
	return w
}

func (w *watchdog) run(clk clock.Clock, limit time.Duration, live *liveness, onTimeout func(time.Duration)) {
	defer w.ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-w.ticker.C:
		}

		last, ok := live.lastSeen()
		if !ok {
			continue
		}
		elapsed := clk.Since(last)
		if elapsed < limit {
			continue
		}

		select {
		case <-w.done:
			return
		default:
		}
		onTimeout(elapsed)
		return
	}
}

func (w *watchdog) stop() {
	w.stopOnce.Do(func() { close(w.done) })
}
