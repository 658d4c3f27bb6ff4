// Package ratelimit watches failure counters reported in heartbeats and
// raises rotation triggers before a worker's identity gets banned upstream.
package ratelimit

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/audit"
	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// RotationTrigger is what the monitor pulls when a threshold is crossed.
// Satisfied by rotation.Controller.
type RotationTrigger interface {
	Rotate(ctx context.Context, workerID, reason string) (fleet.HistoryEvent, error)
}

// Config controls the rotation trigger.
type Config struct {
	// Threshold is the consecutive-failure count at which an active worker is
	// rotated automatically.
	Threshold int
	// AutoRotate disables automatic triggering when false; operators rotate
	// by hand from the dashboard instead.
	AutoRotate bool
}

// Monitor diffs reported failure counters between heartbeats. It is a pure
// function of the counters; it holds no timers of its own.
type Monitor struct {
	audit   *audit.Log
	trigger RotationTrigger
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	triggered map[string]bool
}

// New constructs a Monitor.
func New(auditLog *audit.Log, trigger RotationTrigger, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2
	}
	return &Monitor{
		audit:     auditLog,
		trigger:   trigger,
		cfg:       cfg,
		logger:    logger,
		triggered: make(map[string]bool),
	}
}

// ObserveHeartbeat compares the previous registry row with the newly reported
// counters. prev is the row before the heartbeat was applied, curr after.
func (m *Monitor) ObserveHeartbeat(ctx context.Context, prev, curr fleet.Worker, hb fleet.Heartbeat) error {
	if hb.ConsecutiveFailures > prev.ConsecutiveFailures {
		ev := fleet.RateLimitEvent{
			WorkerID:        curr.ID,
			NetworkIdentity: curr.NetworkIdentity,
			ErrorCode:       classifyError(hb.LastError),
			WorkItemID:      hb.CurrentItemID,
		}
		if _, err := m.audit.RecordRateLimit(ctx, ev); err != nil {
			return err
		}
		m.logger.Warn("rate limit observed",
			zap.String("worker_id", curr.ID),
			zap.Int("consecutive_failures", hb.ConsecutiveFailures),
			zap.String("error_code", ev.ErrorCode),
		)
	}

	// A zero report after nonzero means the worker recovered on its own;
	// clear any trigger that has not been acted on yet.
	if hb.ConsecutiveFailures == 0 && prev.ConsecutiveFailures > 0 {
		m.mu.Lock()
		delete(m.triggered, curr.ID)
		m.mu.Unlock()
		return nil
	}

	if !m.cfg.AutoRotate || hb.ConsecutiveFailures < m.cfg.Threshold {
		return nil
	}
	if curr.Status != fleet.WorkerActive {
		return nil
	}

	m.mu.Lock()
	already := m.triggered[curr.ID]
	if !already {
		m.triggered[curr.ID] = true
	}
	m.mu.Unlock()
	if already {
		return nil
	}

	if _, err := m.trigger.Rotate(ctx, curr.ID, "consecutive failure threshold reached"); err != nil {
		// Allow a retry on the next heartbeat.
		m.mu.Lock()
		delete(m.triggered, curr.ID)
		m.mu.Unlock()
		m.logger.Error("automatic rotation failed",
			zap.String("worker_id", curr.ID),
			zap.Error(err),
		)
		return err
	}
	m.logger.Info("automatic rotation triggered",
		zap.String("worker_id", curr.ID),
		zap.Int("consecutive_failures", hb.ConsecutiveFailures),
	)
	return nil
}

// ClearTrigger drops any pending trigger state for a worker, e.g. once it is
// rotated or terminated.
func (m *Monitor) ClearTrigger(workerID string) {
	m.mu.Lock()
	delete(m.triggered, workerID)
	m.mu.Unlock()
}

// classifyError maps a reported error string onto the upstream status code.
// The platform signals bans as 401s and throttling as 429s.
func classifyError(lastError string) string {
	if strings.Contains(lastError, "401") {
		return "401"
	}
	return "429"
}
