package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop runs a job on a fixed interval, skipping ticks that arrive while a
// previous run is still in flight. Kick schedules an immediate run (used when
// an external event, like a new block, makes waiting for the next tick
// pointless).
type Loop struct {
	name     string
	interval time.Duration
	job      func(ctx context.Context)
	log      *slog.Logger

	busy atomic.Bool
	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(name string, interval time.Duration, job func(ctx context.Context), log *slog.Logger) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		job:      job,
		log:      log,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stop:
				return
			case <-ticker.C:
				l.run(ctx)
			case <-l.kick:
				l.run(ctx)
			}
		}
	}()
}

// Kick requests an immediate run. Coalesces when one is already queued.
func (l *Loop) Kick() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Stop halts the loop and waits for any in-flight run to finish. The run's
// context is not canceled; a half-applied tick is worse than a slow shutdown.
func (l *Loop) Stop() {
	close(l.stop)
	l.wg.Wait()
}

func (l *Loop) run(ctx context.Context) {
	if !l.busy.CompareAndSwap(false, true) {
		l.log.Debug("tick skipped, previous run still in flight", "loop", l.name)
		return
	}
	defer l.busy.Store(false)

	start := time.Now()
	l.job(ctx)
	l.log.Debug("tick finished", "loop", l.name, "elapsed", time.Since(start))
}
