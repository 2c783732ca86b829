package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
)

// defaultIdempotencyRetention keeps claims for a week when the payload does
// not say otherwise.
const defaultIdempotencyRetention = 168 * time.Hour

// IdempotencyCleaner prunes stale claims older than the given age.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob removes idempotency claims past their retention
// window so the claim table does not grow unbounded.
type IdempotencyCleanupJob struct {
	Store     IdempotencyCleaner
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
	Retention time.Duration
}

// NewIdempotencyCleanupJob constructs the cleanup job.
func NewIdempotencyCleanupJob(store IdempotencyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics, retention time.Duration) *IdempotencyCleanupJob {
	if retention <= 0 {
		retention = defaultIdempotencyRetention
	}
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics, Retention: retention}
}

// Handle executes the cleanup.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: dependencies not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	retention := j.Retention
	if payload.OlderThanHours > 0 {
		retention = time.Duration(payload.OlderThanHours) * time.Hour
	}

	tracker := j.Metrics.Track("idempotency_cleanup")
	removed, err := j.Store.Cleanup(ctx, retention)
	if err == nil && j.Logger != nil {
		j.Logger.Info("idempotency claims pruned",
			slog.Int64("removed", removed),
			slog.Duration("older_than", retention))
	}
	return tracker.End(err)
}
