package billing

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// PlanStatus describes the billing standing of a business.
type PlanStatus string

const (
	PlanTrial     PlanStatus = "TRIAL"
	PlanPaid      PlanStatus = "PAID"
	PlanSuspended PlanStatus = "SUSPENDED"
)

// Business is one tenant on the platform. The automation engine reads the
// grace-period fields and drives them forward; it never sets GracePeriodEnd,
// that happens in the payment-webhook path.
type Business struct {
	ID                  int64
	Name                string
	OwnerEmail          string
	PlanStatus          PlanStatus
	GracePeriodEnd      *time.Time
	Grace24hReminderAt  *time.Time
	GraceFinalNoticeAt  *time.Time
	PaymentFailureCount int
	SuspensionReason    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// InGracePeriod reports whether the business currently carries a grace period.
func (b *Business) InGracePeriod() bool {
	return b != nil && b.GracePeriodEnd != nil
}

// BusinessUpdate carries the fields an unconditional business update may set.
// Nil pointers leave the column untouched; ClearGracePeriod nulls all three
// grace-period timestamps in the same statement.
type BusinessUpdate struct {
	PlanStatus       *PlanStatus
	SuspensionReason *string
	ClearGracePeriod bool
}

// Invoice is a receivable owned by the billing subsystem. The automation
// engine only ever mutates ReminderCount and LastReminderAt.
type Invoice struct {
	ID             int64
	BusinessID     int64
	ClientID       int64
	Number         string
	AmountCents    int64
	Currency       string
	DueDate        time.Time
	PaidAt         *time.Time
	ReminderCount  int
	LastReminderAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InvoiceUpdate carries the reminder bookkeeping written after a successful
// send.
type InvoiceUpdate struct {
	ReminderCount  int
	LastReminderAt time.Time
}

// Client is the invoice recipient. Only the contact fields matter here.
type Client struct {
	ID         int64
	BusinessID int64
	Name       string
	Email      string
}

// MilestoneField names a one-shot grace-period milestone column. The claim
// primitive only accepts these values.
type MilestoneField string

const (
	Milestone24hReminder MilestoneField = "grace_period_24h_reminder_sent_at"
	MilestoneFinalNotice MilestoneField = "grace_period_final_notice_sent_at"
)

// AutomationSettings enumerates every per-business automation toggle. The
// zero value is not usable; DefaultSettings supplies the platform defaults
// and stored settings are validated on load.
type AutomationSettings struct {
	InvoiceRemindersEnabled bool `json:"invoice_reminders_enabled"`
	// ReminderHour is the hour of day (in the platform automation timezone)
	// during which invoice reminders are dispatched.
	ReminderHour   int `json:"reminder_hour" validate:"min=0,max=23"`
	MaxReminders   int `json:"max_reminders" validate:"min=0,max=10"`
	MinDaysOverdue int `json:"min_days_overdue" validate:"min=0,max=90"`

	// Extension points. All are no-ops until their features ship.
	BookingRemindersEnabled bool `json:"booking_reminders_enabled"`
	DailySummaryEnabled     bool `json:"daily_summary_enabled"`
	ConflictAlertsEnabled   bool `json:"conflict_alerts_enabled"`
	WeeklySnapshotEnabled   bool `json:"weekly_snapshot_enabled"`
}

// DefaultSettings returns the platform defaults applied when a business has
// no stored settings row.
func DefaultSettings() AutomationSettings {
	return AutomationSettings{
		InvoiceRemindersEnabled: true,
		ReminderHour:            9,
		MaxReminders:            3,
		MinDaysOverdue:          3,
	}
}

var validate = validator.New()

// Validate checks the settings against their allowed ranges.
func (s AutomationSettings) Validate() error {
	return validate.Struct(s)
}
