package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pawdesk/pawdesk/internal/billing"
)

type capturedSend struct {
	addr string
	from string
	to   []string
	msg  string
}

func newStubMailer(fail error) (*Mailer, *[]capturedSend) {
	var sends []capturedSend
	m := NewMailer(Config{Host: "smtp.test", Port: 1025, From: "no-reply@pawdesk.test"}, nil)
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		if fail != nil {
			return fail
		}
		sends = append(sends, capturedSend{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return m, &sends
}

func TestSendPaymentReminder(t *testing.T) {
	m, sends := newStubMailer(nil)
	end := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

	res := m.SendPaymentReminder(context.Background(), billing.PaymentReminderInput{
		To:             "owner@happypaws.test",
		BusinessName:   "Happy Paws",
		GracePeriodEnd: end,
		DaysRemaining:  1,
	})

	require.True(t, res.Success)
	require.Len(t, *sends, 1)
	sent := (*sends)[0]
	require.Equal(t, "smtp.test:1025", sent.addr)
	require.Equal(t, []string{"owner@happypaws.test"}, sent.to)
	require.Contains(t, sent.msg, "Payment reminder for Happy Paws")
	require.Contains(t, sent.msg, "1 day(s) remaining")
}

func TestSendPaymentFinalNotice(t *testing.T) {
	m, sends := newStubMailer(nil)
	end := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

	res := m.SendPaymentFinalNotice(context.Background(), billing.PaymentFinalNoticeInput{
		To:             "owner@happypaws.test",
		BusinessName:   "Happy Paws",
		GracePeriodEnd: end,
	})

	require.True(t, res.Success)
	require.Len(t, *sends, 1)
	require.Contains(t, (*sends)[0].msg, "Final notice")
	require.Contains(t, (*sends)[0].msg, "suspended automatically")
}

func TestSendInvoiceReminder(t *testing.T) {
	m, sends := newStubMailer(nil)

	res := m.SendInvoiceReminder(context.Background(), billing.InvoiceReminderInput{
		To:           "jordan@client.test",
		ClientName:   "Jordan",
		BusinessName: "Happy Paws",
		Number:       "INV-100",
		AmountCents:  123456,
		Currency:     "USD",
		DueDate:      time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		DaysOverdue:  5,
	})

	require.True(t, res.Success)
	require.Len(t, *sends, 1)
	require.Contains(t, (*sends)[0].msg, "INV-100")
	require.Contains(t, (*sends)[0].msg, "USD 1,234.56")
	require.Contains(t, (*sends)[0].msg, "5 day(s) overdue")
}

func TestSendFailureReturnedAsValue(t *testing.T) {
	m, _ := newStubMailer(errors.New("connection refused"))

	res := m.SendEmail(context.Background(), Email{
		To:      "owner@happypaws.test",
		Subject: "test",
		Text:    "test",
		HTML:    "<p>test</p>",
	})

	require.False(t, res.Success)
	require.Error(t, res.Err)
	require.True(t, strings.Contains(res.Err.Error(), "connection refused"))
}

func TestSendEmailRequiresRecipient(t *testing.T) {
	m, sends := newStubMailer(nil)

	res := m.SendEmail(context.Background(), Email{Subject: "test"})
	require.False(t, res.Success)
	require.Error(t, res.Err)
	require.Empty(t, *sends)
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "USD 1,234.56", FormatAmount(123456, "usd"))
	require.Equal(t, "EUR 0.99", FormatAmount(99, "EUR"))
	require.Equal(t, "USD 10.00", FormatAmount(1000, ""))
}
