// Package audit maintains the append-only ledger of control-plane actions.
// Every registry or rotation state change produces exactly one history event,
// written before the action is reported successful.
package audit

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

// Log appends history and rate-limit events and serves the read side. An
// optional publisher fans events out to a topic for external consumers; the
// durable record is always the store write.
type Log struct {
	store     fleet.AuditStore
	idGen     fleet.IDGenerator
	clock     fleet.Clock
	publisher fleet.Publisher
	topic     string
	logger    *zap.Logger
}

// New constructs a Log. publisher may be nil when fan-out is disabled.
func New(
	store fleet.AuditStore,
	idGen fleet.IDGenerator,
	clock fleet.Clock,
	publisher fleet.Publisher,
	topic string,
	logger *zap.Logger,
) *Log {
	return &Log{
		store:     store,
		idGen:     idGen,
		clock:     clock,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// Record fills in the event id and timestamp, appends the event durably, and
// fans it out. The append must succeed before the caller may report success.
func (l *Log) Record(ctx context.Context, ev fleet.HistoryEvent) (fleet.HistoryEvent, error) {
	id, err := l.idGen.NewID()
	if err != nil {
		return fleet.HistoryEvent{}, fmt.Errorf("generate event id: %w", err)
	}
	ev.ID = id
	ev.OccurredAt = l.clock.Now()
	if err := l.store.AppendHistory(ctx, ev); err != nil {
		return fleet.HistoryEvent{}, fmt.Errorf("append history: %w", err)
	}
	l.publish(ctx, ev)
	return ev, nil
}

// RecordRateLimit appends one rate-limit event.
func (l *Log) RecordRateLimit(ctx context.Context, ev fleet.RateLimitEvent) (fleet.RateLimitEvent, error) {
	id, err := l.idGen.NewID()
	if err != nil {
		return fleet.RateLimitEvent{}, fmt.Errorf("generate event id: %w", err)
	}
	ev.ID = id
	ev.OccurredAt = l.clock.Now()
	if err := l.store.AppendRateLimit(ctx, ev); err != nil {
		return fleet.RateLimitEvent{}, fmt.Errorf("append rate limit event: %w", err)
	}
	return ev, nil
}

// History lists recent history events, newest first.
func (l *Log) History(ctx context.Context, limit int) ([]fleet.HistoryEvent, error) {
	events, err := l.store.ListHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return events, nil
}

// RateLimits lists recent rate-limit events, newest first.
func (l *Log) RateLimits(ctx context.Context, limit int) ([]fleet.RateLimitEvent, error) {
	events, err := l.store.ListRateLimits(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	return events, nil
}

// publish is best effort; a fan-out failure never blocks the control plane.
func (l *Log) publish(ctx context.Context, ev fleet.HistoryEvent) {
	if l.publisher == nil || l.topic == "" {
		return
	}
	if _, err := l.publisher.Publish(ctx, l.topic, ev); err != nil {
		l.logger.Warn("history event publish failed",
			zap.String("event_id", ev.ID),
			zap.String("action", string(ev.Action)),
			zap.Error(err),
		)
	}
}
