// Package sweeper runs the periodic recovery pass: expired queue leases are
// released and silent workers are walked through the timeout state machine.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LeaseReaper releases expired work item leases. Satisfied by queue.Service.
type LeaseReaper interface {
	ReapExpiredLeases(ctx context.Context) (int, error)
}

// TimeoutSweeper applies worker liveness timers. Satisfied by
// registry.Registry.
type TimeoutSweeper interface {
	SweepTimeouts(ctx context.Context) (int, error)
}

// Sweeper drives both recovery passes on a fixed interval.
type Sweeper struct {
	queue    LeaseReaper
	registry TimeoutSweeper
	interval time.Duration
	logger   *zap.Logger
}

// New constructs a Sweeper.
func New(queue LeaseReaper, registry TimeoutSweeper, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{queue: queue, registry: registry, interval: interval, logger: logger}
}

// Run blocks until ctx is canceled, sweeping once per interval. An error in
// one pass is logged and does not stop the loop or skip the other pass.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep executes one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	released, err := s.queue.ReapExpiredLeases(ctx)
	if err != nil {
		s.logger.Error("lease reap failed", zap.Error(err))
	} else if released > 0 {
		s.logger.Info("expired leases released", zap.Int("count", released))
	}

	swept, err := s.registry.SweepTimeouts(ctx)
	if err != nil {
		s.logger.Error("worker timeout sweep failed", zap.Error(err))
	} else if swept > 0 {
		s.logger.Info("worker timeouts applied", zap.Int("count", swept))
	}
}
