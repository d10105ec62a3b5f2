package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/pawdesk/pawdesk/internal/jobs"
)

// RepositoryPort defines the persistence operations the automation engine
// consumes. ClaimBusinessField is the only conditional write and the sole
// synchronization primitive in the engine.
type RepositoryPort interface {
	ListBusinesses(ctx context.Context) ([]Business, error)
	GetBusinessByID(ctx context.Context, id int64) (*Business, error)
	UpdateBusiness(ctx context.Context, id int64, upd BusinessUpdate) error
	// ClaimBusinessField performs "set field = ts where field is null" as one
	// atomic statement and reports whether this caller won. Two concurrent
	// claims on the same field must never both return true.
	ClaimBusinessField(ctx context.Context, id int64, field MilestoneField, ts time.Time) (bool, error)
	ListInvoicesByBusiness(ctx context.Context, businessID int64) ([]Invoice, error)
	UpdateInvoice(ctx context.Context, id int64, upd InvoiceUpdate) error
	GetClient(ctx context.Context, id int64) (*Client, error)
}

// SettingsPort resolves per-business automation settings. Implemented by the
// repository directly and by the redis read-through cache.
type SettingsPort interface {
	GetAutomationSettings(ctx context.Context, businessID int64) (AutomationSettings, error)
}

// NotifierPort delivers billing notifications. Implementations never return
// a Go error for delivery failures; those come back inside SendResult so the
// caller can distinguish them from programming errors.
type NotifierPort interface {
	SendPaymentReminder(ctx context.Context, in PaymentReminderInput) SendResult
	SendPaymentFinalNotice(ctx context.Context, in PaymentFinalNoticeInput) SendResult
	SendInvoiceReminder(ctx context.Context, in InvoiceReminderInput) SendResult
}

// SendResult is the value-typed outcome of a notification send.
type SendResult struct {
	Success bool
	Err     error
}

// PaymentReminderInput feeds the 24h grace-period reminder.
type PaymentReminderInput struct {
	To             string
	BusinessName   string
	GracePeriodEnd time.Time
	DaysRemaining  int
}

// PaymentFinalNoticeInput feeds the final notice sent inside the last six
// hours of a grace period.
type PaymentFinalNoticeInput struct {
	To             string
	BusinessName   string
	GracePeriodEnd time.Time
}

// InvoiceReminderInput feeds an overdue-invoice reminder to a client.
type InvoiceReminderInput struct {
	To           string
	ClientName   string
	BusinessName string
	Number       string
	AmountCents  int64
	Currency     string
	DueDate      time.Time
	DaysOverdue  int
}

// AuditPort appends structured records to the platform system log.
type AuditPort interface {
	Record(ctx context.Context, entry SystemLog) error
}

// SystemLog is one append-only audit record.
type SystemLog struct {
	LogType  string
	Severity string
	Message  string
	Meta     map[string]any
}

// System log types and severities.
const (
	LogTypeGracePeriod     = "billing_grace_period"
	LogTypeInvoiceReminder = "billing_invoice_reminder"
	LogTypeAutomationRun   = "billing_automation_run"

	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

const suspensionReasonGraceExpired = "payment grace period expired"

// defaultConcurrency bounds the per-business fan-out. Businesses are
// independent, so the loop processes several at once.
const defaultConcurrency = 4

// ServiceConfig collects the collaborators of the automation engine.
type ServiceConfig struct {
	Repo        RepositoryPort
	Settings    SettingsPort
	Notifier    NotifierPort
	Audit       AuditPort
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Location    *time.Location
	Concurrency int
	Clock       func() time.Time
}

// Service runs the billing-lifecycle automation. It holds no mutable state
// and is safe to invoke concurrently with itself, including from separate
// processes: all cross-run coordination happens through the repository's
// conditional claim.
type Service struct {
	repo        RepositoryPort
	settings    SettingsPort
	notifier    NotifierPort
	auditSink   AuditPort
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	loc         *time.Location
	concurrency int
	clock       func() time.Time
}

// NewService builds the automation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repo == nil {
		return nil, errors.New("billing: repository is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("billing: notifier is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("billing: audit sink is required")
	}
	s := &Service{
		repo:        cfg.Repo,
		settings:    cfg.Settings,
		notifier:    cfg.Notifier,
		auditSink:   cfg.Audit,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		loc:         cfg.Location,
		concurrency: cfg.Concurrency,
		clock:       cfg.Clock,
	}
	if s.settings == nil {
		if sp, ok := cfg.Repo.(SettingsPort); ok {
			s.settings = sp
		} else {
			return nil, errors.New("billing: settings source is required")
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.clock == nil {
		s.clock = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// RunAutomations is the periodic entry point. It walks every business and
// applies grace-period enforcement plus, inside the configured hour gate,
// invoice reminders. A failure in one business never stops the others; each
// is logged at this boundary and the run carries on.
func (s *Service) RunAutomations(ctx context.Context) error {
	runID := uuid.NewString()
	now := s.clock()
	logger := s.logger.With(slog.String("run_id", runID))

	businesses, err := s.repo.ListBusinesses(ctx)
	if err != nil {
		logger.Error("list businesses", slog.Any("error", err))
		return fmt.Errorf("billing: list businesses: %w", err)
	}
	logger.Info("automation run starting", slog.Int("businesses", len(businesses)))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range businesses {
		b := businesses[i]
		g.Go(func() error {
			s.runBusiness(ctx, logger, b, now)
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("automation run completed",
		slog.Int("businesses", len(businesses)),
		slog.Duration("duration", s.clock().Sub(now)),
	)
	return nil
}

// runBusiness is the per-business failure-isolation boundary.
func (s *Service) runBusiness(ctx context.Context, logger *slog.Logger, b Business, now time.Time) {
	blog := logger.With(slog.Int64("business_id", b.ID))

	if err := s.enforceGracePeriod(ctx, blog, b); err != nil {
		blog.Error("grace period enforcement aborted", slog.Any("error", err))
	}

	settings, err := s.settings.GetAutomationSettings(ctx, b.ID)
	if err != nil {
		blog.Error("load automation settings", slog.Any("error", err))
		return
	}

	if settings.InvoiceRemindersEnabled && now.In(s.loc).Hour() == settings.ReminderHour {
		if err := s.sendInvoiceReminders(ctx, blog, b, settings, now); err != nil {
			blog.Error("invoice reminders aborted", slog.Any("error", err))
		}
	}

	s.runHooks(ctx, blog, b, settings)
}

// enforceGracePeriod re-reads the business fresh, runs the decision function
// and dispatches the due action. The fresh read is load-bearing: a payment
// success elsewhere may have cleared the grace period since this run listed
// the business.
func (s *Service) enforceGracePeriod(ctx context.Context, logger *slog.Logger, listed Business) error {
	fresh, err := s.repo.GetBusinessByID(ctx, listed.ID)
	if err != nil {
		s.audit(ctx, logger, SystemLog{
			LogType:  LogTypeGracePeriod,
			Severity: SeverityCritical,
			Message:  "fresh business read failed",
			Meta:     map[string]any{"business_id": listed.ID, "error": err.Error()},
		})
		return fmt.Errorf("billing: fresh read of business %d: %w", listed.ID, err)
	}
	if fresh == nil {
		logger.Warn("business vanished mid-run")
		return nil
	}
	if !fresh.InGracePeriod() {
		if listed.InGracePeriod() {
			logger.Info("grace period cleared by another process")
			s.audit(ctx, logger, SystemLog{
				LogType:  LogTypeGracePeriod,
				Severity: SeverityInfo,
				Message:  "grace period cleared by another process",
				Meta:     map[string]any{"business_id": fresh.ID},
			})
		}
		return nil
	}

	switch action := Decide(s.clock(), fresh); action {
	case ActionSuspend:
		return s.suspend(ctx, logger, fresh)
	case ActionSend24hReminder, ActionSendFinalNotice:
		return s.dispatchMilestone(ctx, logger, fresh, action)
	default:
		return nil
	}
}

// suspend flips the business to SUSPENDED and clears all grace-period fields
// in one update. No claim is needed: a suspended business has a null
// GracePeriodEnd, which is exactly the guard the next run checks first.
// A failed write here leaves the business in an undefined billing state, so
// it is critical and re-raised.
func (s *Service) suspend(ctx context.Context, logger *slog.Logger, b *Business) error {
	status := PlanSuspended
	reason := suspensionReasonGraceExpired
	err := s.repo.UpdateBusiness(ctx, b.ID, BusinessUpdate{
		PlanStatus:       &status,
		SuspensionReason: &reason,
		ClearGracePeriod: true,
	})
	if err != nil {
		s.audit(ctx, logger, SystemLog{
			LogType:  LogTypeGracePeriod,
			Severity: SeverityCritical,
			Message:  "suspension write failed",
			Meta:     map[string]any{"business_id": b.ID, "error": err.Error()},
		})
		return fmt.Errorf("billing: suspend business %d: %w", b.ID, err)
	}
	logger.Warn("business suspended", slog.String("reason", reason))
	s.metrics.AddSuspension()
	s.audit(ctx, logger, SystemLog{
		LogType:  LogTypeGracePeriod,
		Severity: SeverityWarning,
		Message:  "business suspended after grace period expiry",
		Meta:     map[string]any{"business_id": b.ID, "reason": reason},
	})
	return nil
}

// dispatchMilestone claims the one-shot milestone field and, only on a won
// claim, sends the notification. A lost claim means a concurrent run got
// there first and is not an error. The claim is taken before the send and is
// never rolled back: a send failure after a won claim leaves the milestone
// marked handled (logged critical, re-raised).
func (s *Service) dispatchMilestone(ctx context.Context, logger *slog.Logger, b *Business, action Action) error {
	var field MilestoneField
	switch action {
	case ActionSend24hReminder:
		field = Milestone24hReminder
	case ActionSendFinalNotice:
		field = MilestoneFinalNotice
	default:
		return fmt.Errorf("billing: no milestone for action %q", action)
	}

	if b.OwnerEmail == "" {
		logger.Warn("business has no owner email, skipping grace milestone",
			slog.String("milestone", string(field)))
		s.audit(ctx, logger, SystemLog{
			LogType:  LogTypeGracePeriod,
			Severity: SeverityWarning,
			Message:  "grace milestone skipped, no owner email",
			Meta:     map[string]any{"business_id": b.ID, "milestone": string(field)},
		})
		return nil
	}

	now := s.clock()
	claimed, err := s.repo.ClaimBusinessField(ctx, b.ID, field, now)
	if err != nil {
		s.audit(ctx, logger, SystemLog{
			LogType:  LogTypeGracePeriod,
			Severity: SeverityCritical,
			Message:  "milestone claim failed",
			Meta:     map[string]any{"business_id": b.ID, "milestone": string(field), "error": err.Error()},
		})
		return fmt.Errorf("billing: claim %s for business %d: %w", field, b.ID, err)
	}
	if !claimed {
		logger.Info("milestone already claimed by a concurrent run",
			slog.String("milestone", string(field)))
		s.metrics.AddLostRace()
		return nil
	}

	var res SendResult
	switch action {
	case ActionSend24hReminder:
		res = s.notifier.SendPaymentReminder(ctx, PaymentReminderInput{
			To:             b.OwnerEmail,
			BusinessName:   b.Name,
			GracePeriodEnd: *b.GracePeriodEnd,
			DaysRemaining:  DaysRemaining(now, *b.GracePeriodEnd),
		})
	case ActionSendFinalNotice:
		res = s.notifier.SendPaymentFinalNotice(ctx, PaymentFinalNoticeInput{
			To:             b.OwnerEmail,
			BusinessName:   b.Name,
			GracePeriodEnd: *b.GracePeriodEnd,
		})
	}
	if !res.Success {
		sendErr := res.Err
		if sendErr == nil {
			sendErr = errors.New("send reported failure")
		}
		s.audit(ctx, logger, SystemLog{
			LogType:  LogTypeGracePeriod,
			Severity: SeverityCritical,
			Message:  "notification send failed after claim, milestone remains consumed",
			Meta:     map[string]any{"business_id": b.ID, "milestone": string(field), "error": sendErr.Error()},
		})
		return fmt.Errorf("billing: send %s for business %d: %w", field, b.ID, sendErr)
	}

	logger.Info("grace milestone dispatched", slog.String("milestone", string(field)))
	s.metrics.AddNotification(string(field))
	s.audit(ctx, logger, SystemLog{
		LogType:  LogTypeGracePeriod,
		Severity: SeverityInfo,
		Message:  "grace milestone notification sent",
		Meta:     map[string]any{"business_id": b.ID, "milestone": string(field), "to": b.OwnerEmail},
	})
	return nil
}

// sendInvoiceReminders walks the business's invoices and reminds clients
// about eligible overdue ones. There is no claim here: the 48h cooldown plus
// the daily hour gate are the de-duplication, and a lost counter update only
// risks one extra reminder.
func (s *Service) sendInvoiceReminders(ctx context.Context, logger *slog.Logger, b Business, settings AutomationSettings, now time.Time) error {
	invoices, err := s.repo.ListInvoicesByBusiness(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("billing: list invoices for business %d: %w", b.ID, err)
	}

	sent := 0
	for i := range invoices {
		inv := &invoices[i]
		if !EligibleForReminder(inv, now, settings) {
			continue
		}
		ilog := logger.With(slog.Int64("invoice_id", inv.ID))

		client, err := s.repo.GetClient(ctx, inv.ClientID)
		if err != nil {
			ilog.Error("load client", slog.Any("error", err))
			continue
		}
		if client == nil || client.Email == "" {
			ilog.Warn("client has no email, skipping invoice reminder")
			s.audit(ctx, ilog, SystemLog{
				LogType:  LogTypeInvoiceReminder,
				Severity: SeverityWarning,
				Message:  "invoice reminder skipped, client has no email",
				Meta:     map[string]any{"business_id": b.ID, "invoice_id": inv.ID, "client_id": inv.ClientID},
			})
			continue
		}

		res := s.notifier.SendInvoiceReminder(ctx, InvoiceReminderInput{
			To:           client.Email,
			ClientName:   client.Name,
			BusinessName: b.Name,
			Number:       inv.Number,
			AmountCents:  inv.AmountCents,
			Currency:     inv.Currency,
			DueDate:      inv.DueDate,
			DaysOverdue:  DaysSinceDue(inv, now),
		})
		if !res.Success {
			// No counter increment; the invoice stays eligible and will be
			// retried on a future run.
			ilog.Error("invoice reminder send failed", slog.Any("error", res.Err))
			s.audit(ctx, ilog, SystemLog{
				LogType:  LogTypeInvoiceReminder,
				Severity: SeverityError,
				Message:  "invoice reminder send failed",
				Meta:     map[string]any{"business_id": b.ID, "invoice_id": inv.ID},
			})
			continue
		}

		if err := s.repo.UpdateInvoice(ctx, inv.ID, InvoiceUpdate{
			ReminderCount:  inv.ReminderCount + 1,
			LastReminderAt: now,
		}); err != nil {
			// Worst case one extra reminder once the cooldown re-engages.
			ilog.Error("reminder bookkeeping write failed", slog.Any("error", err))
		}
		sent++
		s.metrics.AddNotification("invoice_reminder")
		s.audit(ctx, ilog, SystemLog{
			LogType:  LogTypeInvoiceReminder,
			Severity: SeverityInfo,
			Message:  "invoice reminder sent",
			Meta: map[string]any{
				"business_id": b.ID,
				"invoice_id":  inv.ID,
				"client_id":   client.ID,
				"reminder_no": inv.ReminderCount + 1,
			},
		})
	}
	if sent > 0 {
		logger.Info("invoice reminders dispatched", slog.Int("sent", sent))
	}
	return nil
}

type hookFunc func(ctx context.Context, b Business) error

// noopHook stands in for features that have settings toggles but no shipped
// handler yet.
func noopHook(context.Context, Business) error { return nil }

// runHooks drives the per-business extension points. Every hook is currently
// a no-op; the switchboard exists so shipping a feature is a handler plus a
// settings default.
func (s *Service) runHooks(ctx context.Context, logger *slog.Logger, b Business, settings AutomationSettings) {
	hooks := []struct {
		name    string
		enabled bool
		fn      hookFunc
	}{
		{"booking_reminders", settings.BookingRemindersEnabled, noopHook},
		{"daily_summary", settings.DailySummaryEnabled, noopHook},
		{"conflict_alerts", settings.ConflictAlertsEnabled, noopHook},
		{"weekly_snapshot", settings.WeeklySnapshotEnabled, noopHook},
	}
	for _, h := range hooks {
		if !h.enabled {
			continue
		}
		if err := h.fn(ctx, b); err != nil {
			logger.Error("automation hook failed",
				slog.String("hook", h.name), slog.Any("error", err))
		}
	}
}

// audit writes a system log entry. Audit failures are observability losses,
// not business failures, so they are logged and swallowed.
func (s *Service) audit(ctx context.Context, logger *slog.Logger, entry SystemLog) {
	if err := s.auditSink.Record(ctx, entry); err != nil {
		logger.Warn("system log write failed",
			slog.String("log_type", entry.LogType), slog.Any("error", err))
	}
}
