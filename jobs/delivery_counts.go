package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/delivery"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
)

// DeliveryCountsService describes the behaviour required to reconcile the
// denormalized delivery counters.
type DeliveryCountsService interface {
	RefreshCounts(ctx context.Context, deliveryID int64) (delivery.Delivery, error)
	List(ctx context.Context, f delivery.ListFilter) ([]delivery.Delivery, error)
}

// DeliveryRefreshCountsJob recomputes stop counters and collected totals for
// in-progress deliveries. Each stop outcome already refreshes its own
// delivery; the job exists to heal counters after crashes mid-run.
type DeliveryRefreshCountsJob struct {
	Service DeliveryCountsService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDeliveryRefreshCountsJob constructs the job handler.
func NewDeliveryRefreshCountsJob(service DeliveryCountsService, logger *slog.Logger, metrics *jobmetrics.Metrics) *DeliveryRefreshCountsJob {
	return &DeliveryRefreshCountsJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes the counter refresh.
func (j *DeliveryRefreshCountsJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("delivery refresh counts: dependencies not configured")
	}
	var payload DeliveryRefreshCountsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track("delivery_refresh_counts")
	return tracker.End(j.run(ctx, payload))
}

func (j *DeliveryRefreshCountsJob) run(ctx context.Context, payload DeliveryRefreshCountsPayload) error {
	if payload.DeliveryID > 0 {
		_, err := j.Service.RefreshCounts(ctx, payload.DeliveryID)
		return err
	}

	active, err := j.Service.List(ctx, delivery.ListFilter{Status: delivery.StatusInProgress})
	if err != nil {
		return err
	}
	var failed int
	for _, d := range active {
		if _, err := j.Service.RefreshCounts(ctx, d.ID); err != nil {
			failed++
			if j.Logger != nil {
				j.Logger.Warn("refresh delivery counts",
					slog.Int64("delivery_id", d.ID),
					slog.Any("error", err))
			}
		}
	}
	if j.Logger != nil {
		j.Logger.Info("delivery counters reconciled",
			slog.Int("deliveries", len(active)),
			slog.Int("failed", failed))
	}
	if failed > 0 {
		return errors.New("delivery refresh counts: some deliveries failed")
	}
	return nil
}
