package billing

import "time"

// Action is the decision produced by the grace-period state machine.
type Action string

const (
	ActionNone            Action = "none"
	ActionSend24hReminder Action = "send_24h_reminder"
	ActionSendFinalNotice Action = "send_final_notice"
	ActionSuspend         Action = "suspend"
)

// Grace-period decision thresholds. The 24h reminder fires inside an 18h-30h
// window rather than at an exact instant because the trigger is periodic
// (hourly); the claim primitive keeps repeated window hits from double
// sending.
const (
	finalNoticeWindow = 6 * time.Hour
	reminderWindowLo  = 18 * time.Hour
	reminderWindowHi  = 30 * time.Hour
)

// Decide maps a business's grace-period timestamps and the current time to
// the action due this run. The state is derived, never stored: each run
// reconstructs it from the three timestamp fields.
//
// Conditions are evaluated in order; suspension wins over the final notice,
// which wins over the 24h reminder.
func Decide(now time.Time, b *Business) Action {
	if b == nil || b.GracePeriodEnd == nil {
		return ActionNone
	}
	end := *b.GracePeriodEnd
	if !now.Before(end) {
		return ActionSuspend
	}
	remaining := end.Sub(now)
	if remaining <= finalNoticeWindow && b.GraceFinalNoticeAt == nil {
		return ActionSendFinalNotice
	}
	if remaining >= reminderWindowLo && remaining <= reminderWindowHi && b.Grace24hReminderAt == nil {
		return ActionSend24hReminder
	}
	return ActionNone
}

// DaysRemaining reports whole days until the grace period ends, rounded up,
// for use in reminder copy ("2 days remaining"). Never negative.
func DaysRemaining(now time.Time, end time.Time) int {
	if !now.Before(end) {
		return 0
	}
	days := int(end.Sub(now).Hours() / 24)
	if end.Sub(now)%(24*time.Hour) != 0 {
		days++
	}
	return days
}
