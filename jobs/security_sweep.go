package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aegis-authz/aegis/internal/authz"
)

// SecuritySweepJob trims expired enforcement state. Lazy expiry keeps
// reads correct without it; the sweep only bounds memory.
type SecuritySweepJob struct {
	Engine *authz.Engine
	Logger *slog.Logger
	clock  func() time.Time
}

// NewSecuritySweepJob initialises the sweep handler.
func NewSecuritySweepJob(engine *authz.Engine, logger *slog.Logger) *SecuritySweepJob {
	return &SecuritySweepJob{
		Engine: engine,
		Logger: logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *SecuritySweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("security sweep: handler not configured")
	}
	var payload SecuritySweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.clock()
	if payload.DryRun {
		stats := j.Engine.GetSecurityStatistics()
		j.logger().Info("security sweep dry run",
			slog.Int("active_blocks", stats.ActiveBlocks),
			slog.Int("active_rate_limits", stats.ActiveRateLimits),
		)
		return nil
	}

	blocks, activity, cacheEntries := j.Engine.Sweep()
	j.logger().Info("security sweep complete",
		slog.Int("blocks_removed", blocks),
		slog.Int("activity_records_removed", activity),
		slog.Int("cache_entries_removed", cacheEntries),
		slog.Duration("elapsed", j.clock().Sub(start)),
	)
	return nil
}

func (j *SecuritySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// SecurityDigestJob logs a periodic summary of enforcement counters so
// operators see attempt trends without scraping metrics.
type SecurityDigestJob struct {
	Engine *authz.Engine
	Logger *slog.Logger
}

// NewSecurityDigestJob initialises the digest handler.
func NewSecurityDigestJob(engine *authz.Engine, logger *slog.Logger) *SecurityDigestJob {
	return &SecurityDigestJob{Engine: engine, Logger: logger}
}

// Handle emits one digest.
func (j *SecurityDigestJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("security digest: handler not configured")
	}
	stats := j.Engine.GetStatistics()
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fields := []any{
		slog.Uint64("total_attempts", stats.Security.TotalAttempts),
		slog.Int("active_blocks", stats.Security.ActiveBlocks),
		slog.Uint64("blocks_issued", stats.Security.BlocksIssued),
		slog.Uint64("cache_hits", stats.Cache.Hits),
		slog.Uint64("cache_misses", stats.Cache.Misses),
		slog.Bool("remote_connected", stats.Cache.RemoteConnected),
	}
	for kind, count := range stats.Security.AttemptsByType {
		fields = append(fields, slog.Uint64("attempts_"+string(kind), count))
	}
	logger.Info("security digest", fields...)
	return nil
}
