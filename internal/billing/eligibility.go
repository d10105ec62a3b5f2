package billing

import "time"

// Invoice-reminder eligibility thresholds. The 90-day cutoff is a hard
// platform rule and is deliberately not configurable per business.
const (
	reminderCooldown = 48 * time.Hour
	reminderCutoff   = 90 * 24 * time.Hour
)

// IsOverdue reports whether the invoice is unpaid and past its due date.
func IsOverdue(inv *Invoice, now time.Time) bool {
	return inv != nil && inv.PaidAt == nil && now.After(inv.DueDate)
}

// DaysSinceDue reports whole days elapsed since the due date. Negative when
// the invoice is not yet due.
func DaysSinceDue(inv *Invoice, now time.Time) int {
	return int(now.Sub(inv.DueDate).Hours() / 24)
}

// UnderReminderCap reports whether another reminder may still be sent.
func UnderReminderCap(inv *Invoice, settings AutomationSettings) bool {
	return inv.ReminderCount < settings.MaxReminders
}

// PastMinOverdue reports whether the invoice has been overdue long enough to
// warrant a reminder.
func PastMinOverdue(inv *Invoice, now time.Time, settings AutomationSettings) bool {
	return DaysSinceDue(inv, now) >= settings.MinDaysOverdue
}

// WithinReminderCutoff reports whether the invoice is recent enough to still
// chase. Invoices more than 90 days past due are never reminded about.
func WithinReminderCutoff(inv *Invoice, now time.Time) bool {
	return !inv.DueDate.Before(now.Add(-reminderCutoff))
}

// CooldownElapsed reports whether enough time has passed since the previous
// reminder. This cooldown is also the de-duplication mechanism for invoice
// reminders: there is no atomic claim here, so overlapping runs inside the
// same 48h window can in principle both select the same invoice.
func CooldownElapsed(inv *Invoice, now time.Time) bool {
	return inv.LastReminderAt == nil || now.Sub(*inv.LastReminderAt) >= reminderCooldown
}

// EligibleForReminder is the composite predicate selecting invoices due a
// reminder this run. All five sub-conditions must hold.
func EligibleForReminder(inv *Invoice, now time.Time, settings AutomationSettings) bool {
	return IsOverdue(inv, now) &&
		UnderReminderCap(inv, settings) &&
		PastMinOverdue(inv, now, settings) &&
		WithinReminderCutoff(inv, now) &&
		CooldownElapsed(inv, now)
}
