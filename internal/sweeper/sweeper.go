// Package sweeper runs the periodic cleanup of expired state in the
// background: session records past their expiry, spent reset-token claims
// in the in-process ledger, idle rate-limit buckets.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Expirer deletes expired session records. Every credential store is one.
type Expirer interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Sweepable is in-process state that can drop its own stale entries.
type Sweepable interface {
	Sweep() int
}

// DefaultInterval is how often the loop runs when no interval is given.
const DefaultInterval = 10 * time.Minute

// Sweeper calls the store and every extra Sweepable on a fixed interval.
//
// Expiry is already enforced on every read, so a sweep that fails or runs
// late only costs space, never correctness.
type Sweeper struct {
	store    Expirer
	extras   map[string]Sweepable
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New builds a sweeper. extras may be nil.
func New(store Expirer, extras map[string]Sweepable, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    store,
		extras:   extras,
		interval: interval,
		timeout:  30 * time.Second,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the loop. Calling it again is a no-op.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting expiry sweeper", slog.Duration("interval", s.interval))
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop ends the loop and waits for a sweep in progress to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.RunOnce(context.Background())
		}
	}
}

// RunOnce performs a single sweep and returns the number of store records
// touched. Store errors are logged, not returned.
func (s *Sweeper) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	if s.store != nil {
		var err error
		n, err = s.store.SweepExpired(ctx)
		if err != nil {
			s.logger.Warn("session sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("expired sessions swept", slog.Int64("count", n))
		}
	}

	for name, x := range s.extras {
		if dropped := x.Sweep(); dropped > 0 {
			s.logger.Debug("stale entries swept", slog.String("component", name), slog.Int("count", dropped))
		}
	}
	return n
}
