package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pawdesk/pawdesk/internal/billing"
	jobmetrics "github.com/pawdesk/pawdesk/internal/jobs"
)

// BillingAutomationJob runs the billing-lifecycle automation engine. The
// service is safe to invoke concurrently with a still-running previous
// invocation; the repository's conditional claim keeps milestones
// at-most-once across overlapping runs.
type BillingAutomationJob struct {
	Service *billing.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewBillingAutomationJob initialises the automation run handler.
func NewBillingAutomationJob(service *billing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingAutomationJob {
	return &BillingAutomationJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one automation run.
func (j *BillingAutomationJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("billing automation: handler not configured")
	}
	var payload BillingAutomationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Reason == "" {
		payload.Reason = "cron"
	}

	start := j.now()
	tracker := j.metrics().Track(TaskBillingAutomationRun)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("reason", payload.Reason))
	logger.Info("starting billing automation run")

	if err := j.Service.RunAutomations(ctx); err != nil {
		resultErr = err
		logger.Error("billing automation run failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed billing automation run",
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *BillingAutomationJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *BillingAutomationJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *BillingAutomationJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}
