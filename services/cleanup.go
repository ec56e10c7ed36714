package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HistoryPruner deletes run history recorded before a cutoff. *Storage
// implements it.
type HistoryPruner interface {
	Cleanup(olderThan time.Time) (int64, error)
}

// SessionCleanup periodically destroys sessions that have been idle longer
// than the retention window. Sessions with an active run are never evicted.
type SessionCleanup struct {
	orch      *Orchestrator
	history   HistoryPruner
	interval  time.Duration
	retention func() time.Duration
	logger    *zap.Logger
}

// NewSessionCleanup reads the retention window on every tick so it can be
// changed at runtime. history may be nil.
func NewSessionCleanup(orch *Orchestrator, history HistoryPruner, interval time.Duration, retention func() time.Duration, logger *zap.Logger) *SessionCleanup {
	return &SessionCleanup{
		orch:      orch,
		history:   history,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

func (c *SessionCleanup) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("session cleanup started", zap.Duration("interval", c.interval), zap.Duration("retention", c.retention()))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("session cleanup stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce evicts idle sessions and prunes run history older than the
// retention window.
func (c *SessionCleanup) RunOnce(ctx context.Context) {
	retention := c.retention()
	c.orch.EvictIdle(ctx, retention)

	if c.history == nil {
		return
	}
	n, err := c.history.Cleanup(time.Now().Add(-retention))
	if err != nil {
		c.logger.Warn("failed to prune run history", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Info("pruned run history", zap.Int64("rows", n))
	}
}

// EvictIdle destroys sessions idle for longer than maxAge and returns how
// many were removed.
func (o *Orchestrator) EvictIdle(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	o.mu.RLock()
	var expired []string
	for id, s := range o.sessions {
		s.mu.RLock()
		idle := s.lastActive.Before(cutoff)
		s.mu.RUnlock()
		if idle && !o.tracker.Active(id) {
			expired = append(expired, id)
		}
	}
	o.mu.RUnlock()

	deleted := 0
	for _, id := range expired {
		if err := o.Destroy(ctx, id); err != nil {
			o.logger.Warn("failed to evict session", zap.String("session_id", id), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		o.logger.Info("evicted idle sessions", zap.Int("count", deleted))
	}
	return deleted
}
