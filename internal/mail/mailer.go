package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/pawdesk/pawdesk/internal/billing"
)

// Config carries SMTP connection settings.
type Config struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

// Mailer delivers billing notifications over SMTP. It implements
// billing.NotifierPort: delivery failures come back inside SendResult, never
// as a Go error, so callers can tell them apart from programming errors.
type Mailer struct {
	cfg    Config
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewMailer constructs a Mailer.
func NewMailer(cfg Config, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, logger: logger, send: smtp.SendMail}
}

// Email is one outbound message.
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// SendEmail delivers the message. The result is value-typed; a failed send
// reports Success=false with the underlying error attached.
func (m *Mailer) SendEmail(ctx context.Context, email Email) billing.SendResult {
	if email.To == "" {
		return billing.SendResult{Err: fmt.Errorf("mail: recipient required")}
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.User != "" && m.cfg.Pass != "" {
		auth = smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	}

	var msg strings.Builder
	boundary := "pawdesk-alt"
	fmt.Fprintf(&msg, "From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.cfg.From, email.To, email.Subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n", boundary, email.Text)
	fmt.Fprintf(&msg, "--%s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n", boundary, email.HTML)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := m.send(addr, auth, m.cfg.From, []string{email.To}, []byte(msg.String())); err != nil {
		m.logger.Error("smtp send failed",
			slog.String("to", email.To), slog.Any("error", err))
		return billing.SendResult{Err: fmt.Errorf("mail: send to %s: %w", email.To, err)}
	}
	m.logger.Info("email sent", slog.String("to", email.To), slog.String("subject", email.Subject))
	return billing.SendResult{Success: true}
}

// SendPaymentReminder delivers the 24h grace-period reminder.
func (m *Mailer) SendPaymentReminder(ctx context.Context, in billing.PaymentReminderInput) billing.SendResult {
	subject := fmt.Sprintf("Payment reminder for %s", in.BusinessName)
	deadline := in.GracePeriodEnd.Format("Monday, 2 January 2006 at 15:04 MST")
	text := fmt.Sprintf(
		"Hi,\n\nWe still could not collect payment for %s. Your account will be suspended on %s (%d day(s) remaining).\n\nPlease update your payment details to keep your account active.\n\n— The PawDesk team\n",
		in.BusinessName, deadline, in.DaysRemaining)
	html := fmt.Sprintf(
		"<p>Hi,</p><p>We still could not collect payment for <strong>%s</strong>. Your account will be suspended on <strong>%s</strong> (%d day(s) remaining).</p><p>Please update your payment details to keep your account active.</p><p>— The PawDesk team</p>",
		in.BusinessName, deadline, in.DaysRemaining)
	return m.SendEmail(ctx, Email{To: in.To, Subject: subject, HTML: html, Text: text})
}

// SendPaymentFinalNotice delivers the final notice inside the last hours of
// a grace period.
func (m *Mailer) SendPaymentFinalNotice(ctx context.Context, in billing.PaymentFinalNoticeInput) billing.SendResult {
	subject := fmt.Sprintf("Final notice: %s will be suspended soon", in.BusinessName)
	deadline := in.GracePeriodEnd.Format("Monday, 2 January 2006 at 15:04 MST")
	text := fmt.Sprintf(
		"Hi,\n\nThis is the final notice for %s. Unless payment succeeds before %s, the account will be suspended automatically.\n\n— The PawDesk team\n",
		in.BusinessName, deadline)
	html := fmt.Sprintf(
		"<p>Hi,</p><p>This is the final notice for <strong>%s</strong>. Unless payment succeeds before <strong>%s</strong>, the account will be suspended automatically.</p><p>— The PawDesk team</p>",
		in.BusinessName, deadline)
	return m.SendEmail(ctx, Email{To: in.To, Subject: subject, HTML: html, Text: text})
}

// SendInvoiceReminder delivers an overdue-invoice reminder to a client.
func (m *Mailer) SendInvoiceReminder(ctx context.Context, in billing.InvoiceReminderInput) billing.SendResult {
	amount := FormatAmount(in.AmountCents, in.Currency)
	subject := fmt.Sprintf("Reminder: invoice %s from %s is overdue", in.Number, in.BusinessName)
	due := in.DueDate.Format("2 January 2006")
	text := fmt.Sprintf(
		"Hi %s,\n\nInvoice %s from %s for %s was due on %s and is now %d day(s) overdue.\n\nPlease arrange payment at your earliest convenience.\n\n— %s via PawDesk\n",
		in.ClientName, in.Number, in.BusinessName, amount, due, in.DaysOverdue, in.BusinessName)
	html := fmt.Sprintf(
		"<p>Hi %s,</p><p>Invoice <strong>%s</strong> from %s for <strong>%s</strong> was due on %s and is now %d day(s) overdue.</p><p>Please arrange payment at your earliest convenience.</p><p>— %s via PawDesk</p>",
		in.ClientName, in.Number, in.BusinessName, amount, due, in.DaysOverdue, in.BusinessName)
	return m.SendEmail(ctx, Email{To: in.To, Subject: subject, HTML: html, Text: text})
}

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders an amount in cents as a human readable currency
// string, e.g. 123456 USD -> "USD 1,234.56".
func FormatAmount(amountCents int64, code string) string {
	value := float64(amountCents) / 100
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		code = "USD"
	}
	return amountPrinter.Sprintf("%s %v", code, number.Decimal(value, number.MinFractionDigits(2), number.MaxFractionDigits(2)))
}
