package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingAutomationRun triggers one pass of the billing-lifecycle
	// automation over all businesses.
	TaskBillingAutomationRun = "billing:automation_run"
)

// BillingAutomationPayload describes an automation run request. Reason is
// informational only ("cron", "manual", ...) and lands in the run logs.
type BillingAutomationPayload struct {
	Reason string `json:"reason"`
}

// NewBillingAutomationTask constructs an Asynq task for one automation run.
func NewBillingAutomationTask(reason string) (*asynq.Task, error) {
	if reason == "" {
		reason = "cron"
	}
	data, err := json.Marshal(BillingAutomationPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingAutomationRun, data), nil
}
