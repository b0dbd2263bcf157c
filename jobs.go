package main

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/auth"
	"github.com/gluk-w/hourboost/internal/metrics"
	"github.com/gluk-w/hourboost/internal/middleware"
	"github.com/gluk-w/hourboost/internal/session"
)

const (
	sessionCleanupSpec = "@every 10m"
	limiterPruneSpec   = "@every 5m"
	stateGaugeSpec     = "@every 15s"
	limiterIdle        = 10 * time.Minute
)

// housekeeping holds the periodic maintenance tasks run by the scheduler.
type housekeeping struct {
	logger   *zap.Logger
	sessions *auth.SessionStore
	limiter  *middleware.IPRateLimiter
	pool     *session.Pool
	metrics  *metrics.Metrics
}

func (h *housekeeping) cleanupSessions() {
	if n := h.sessions.Cleanup(); n > 0 {
		h.logger.Debug("expired login sessions removed", zap.Int("count", n))
	}
}

func (h *housekeeping) pruneLimiter() {
	if n := h.limiter.Prune(limiterIdle); n > 0 {
		h.logger.Debug("idle rate limit entries pruned", zap.Int("count", n))
	}
}

func (h *housekeeping) exportStates() {
	h.metrics.SetSessionStates(h.pool.StateCounts())
}

func startJobs(logger *zap.Logger, sessions *auth.SessionStore, limiter *middleware.IPRateLimiter, pool *session.Pool, m *metrics.Metrics) (*cron.Cron, error) {
	h := &housekeeping{logger: logger.Named("jobs"), sessions: sessions, limiter: limiter, pool: pool, metrics: m}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	for spec, job := range map[string]func(){
		sessionCleanupSpec: h.cleanupSessions,
		limiterPruneSpec:   h.pruneLimiter,
		stateGaugeSpec:     h.exportStates,
	} {
		if _, err := c.AddFunc(spec, job); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", spec, err)
		}
	}
	c.Start()
	return c, nil
}
