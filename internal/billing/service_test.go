package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu         sync.Mutex
	businesses map[int64]*Business
	invoices   map[int64]*Invoice
	clients    map[int64]*Client
	settings   map[int64]AutomationSettings

	claimErr          error
	getBusinessErr    error
	updateBusinessErr error

	businessUpdates int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		businesses: make(map[int64]*Business),
		invoices:   make(map[int64]*Invoice),
		clients:    make(map[int64]*Client),
		settings:   make(map[int64]AutomationSettings),
	}
}

func (r *memoryRepo) ListBusinesses(ctx context.Context) ([]Business, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Business
	for _, b := range r.businesses {
		out = append(out, *b)
	}
	return out, nil
}

func (r *memoryRepo) GetBusinessByID(ctx context.Context, id int64) (*Business, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getBusinessErr != nil {
		return nil, r.getBusinessErr
	}
	b, ok := r.businesses[id]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (r *memoryRepo) UpdateBusiness(ctx context.Context, id int64, upd BusinessUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateBusinessErr != nil {
		return r.updateBusinessErr
	}
	b, ok := r.businesses[id]
	if !ok {
		return ErrNotFound
	}
	if upd.PlanStatus != nil {
		b.PlanStatus = *upd.PlanStatus
	}
	if upd.SuspensionReason != nil {
		b.SuspensionReason = *upd.SuspensionReason
	}
	if upd.ClearGracePeriod {
		b.GracePeriodEnd = nil
		b.Grace24hReminderAt = nil
		b.GraceFinalNoticeAt = nil
	}
	r.businessUpdates++
	return nil
}

// ClaimBusinessField mirrors the SQL conditional update: the IS NULL check
// and the assignment happen under one lock.
func (r *memoryRepo) ClaimBusinessField(ctx context.Context, id int64, field MilestoneField, tsVal time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return false, r.claimErr
	}
	b, ok := r.businesses[id]
	if !ok {
		return false, nil
	}
	var slot **time.Time
	switch field {
	case Milestone24hReminder:
		slot = &b.Grace24hReminderAt
	case MilestoneFinalNotice:
		slot = &b.GraceFinalNoticeAt
	default:
		return false, fmt.Errorf("unknown milestone field %q", field)
	}
	if *slot != nil {
		return false, nil
	}
	v := tsVal
	*slot = &v
	return true, nil
}

func (r *memoryRepo) ListInvoicesByBusiness(ctx context.Context, businessID int64) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Invoice
	for _, inv := range r.invoices {
		if inv.BusinessID == businessID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (r *memoryRepo) UpdateInvoice(ctx context.Context, id int64, upd InvoiceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.ReminderCount = upd.ReminderCount
	at := upd.LastReminderAt
	inv.LastReminderAt = &at
	return nil
}

func (r *memoryRepo) GetClient(ctx context.Context, id int64) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (r *memoryRepo) GetAutomationSettings(ctx context.Context, businessID int64) (AutomationSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.settings[businessID]; ok {
		return s, nil
	}
	return DefaultSettings(), nil
}

type fakeNotifier struct {
	mu           sync.Mutex
	failSends    bool
	reminders    []PaymentReminderInput
	finalNotices []PaymentFinalNoticeInput
	invoiceSends []InvoiceReminderInput
}

func (n *fakeNotifier) result() SendResult {
	if n.failSends {
		return SendResult{Err: errors.New("smtp unavailable")}
	}
	return SendResult{Success: true}
}

func (n *fakeNotifier) SendPaymentReminder(ctx context.Context, in PaymentReminderInput) SendResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.failSends {
		n.reminders = append(n.reminders, in)
	}
	return n.result()
}

func (n *fakeNotifier) SendPaymentFinalNotice(ctx context.Context, in PaymentFinalNoticeInput) SendResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.failSends {
		n.finalNotices = append(n.finalNotices, in)
	}
	return n.result()
}

func (n *fakeNotifier) SendInvoiceReminder(ctx context.Context, in InvoiceReminderInput) SendResult {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.failSends {
		n.invoiceSends = append(n.invoiceSends, in)
	}
	return n.result()
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []SystemLog
}

func (a *fakeAudit) Record(ctx context.Context, entry SystemLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *fakeAudit) messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.entries {
		out = append(out, e.Message)
	}
	return out
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, repo *memoryRepo, notifier *fakeNotifier, sink *fakeAudit) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{
		Repo:     repo,
		Notifier: notifier,
		Audit:    sink,
		Clock:    func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return svc
}

func addGraceBusiness(repo *memoryRepo, id int64, end time.Time) *Business {
	b := &Business{
		ID:             id,
		Name:           "Happy Paws",
		OwnerEmail:     "owner@happypaws.test",
		PlanStatus:     PlanPaid,
		GracePeriodEnd: &end,
	}
	repo.businesses[id] = b
	return b
}

func TestGracePeriod24hReminderDispatch(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addGraceBusiness(repo, 1, testNow.Add(24*time.Hour))

	require.NoError(t, svc.RunAutomations(context.Background()))

	require.Len(t, notifier.reminders, 1)
	require.Equal(t, "owner@happypaws.test", notifier.reminders[0].To)
	require.Equal(t, 1, notifier.reminders[0].DaysRemaining)
	require.NotNil(t, repo.businesses[1].Grace24hReminderAt)
}

func TestGracePeriodIdempotentRerun(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addGraceBusiness(repo, 1, testNow.Add(24*time.Hour))

	require.NoError(t, svc.RunAutomations(context.Background()))
	require.NoError(t, svc.RunAutomations(context.Background()))

	// The milestone timestamp set by the first run makes the second a no-op.
	require.Len(t, notifier.reminders, 1)
}

func TestSuspensionTerminality(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addGraceBusiness(repo, 1, testNow.Add(-time.Hour))

	require.NoError(t, svc.RunAutomations(context.Background()))

	b := repo.businesses[1]
	require.Equal(t, PlanSuspended, b.PlanStatus)
	require.NotEmpty(t, b.SuspensionReason)
	require.Nil(t, b.GracePeriodEnd)
	require.Nil(t, b.Grace24hReminderAt)
	require.Nil(t, b.GraceFinalNoticeAt)
	require.Equal(t, 1, repo.businessUpdates)

	// Second run: GracePeriodEnd is nil, nothing happens.
	require.NoError(t, svc.RunAutomations(context.Background()))
	require.Equal(t, 1, repo.businessUpdates)
	require.Empty(t, notifier.reminders)
	require.Empty(t, notifier.finalNotices)
}

func TestConcurrentRunsSendExactlyOneReminder(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addGraceBusiness(repo, 1, testNow.Add(20*time.Hour))

	const runs = 8
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.RunAutomations(context.Background())
		}()
	}
	wg.Wait()

	require.Len(t, notifier.reminders, 1)
	require.NotNil(t, repo.businesses[1].Grace24hReminderAt)
}

func TestClaimAtMostOnce(t *testing.T) {
	repo := newMemoryRepo()
	addGraceBusiness(repo, 1, testNow.Add(20*time.Hour))

	const callers = 16
	results := make(chan bool, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.ClaimBusinessField(context.Background(), 1, Milestone24hReminder, testNow)
			require.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	require.Equal(t, 1, winners)
	require.NotNil(t, repo.businesses[1].Grace24hReminderAt)
}

func TestExternallyClearedGracePeriod(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)

	// The stored business has no grace period, but the copy captured earlier
	// in the run still does: a payment succeeded in between.
	b := addGraceBusiness(repo, 1, testNow.Add(20*time.Hour))
	stale := *b
	b.GracePeriodEnd = nil

	require.NoError(t, svc.enforceGracePeriod(context.Background(), svc.logger, stale))

	require.Empty(t, notifier.reminders)
	require.Empty(t, notifier.finalNotices)
	require.Contains(t, sink.messages(), "grace period cleared by another process")
}

func TestClaimStorageErrorAbortsBusiness(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	b := addGraceBusiness(repo, 1, testNow.Add(20*time.Hour))
	repo.claimErr = errors.New("connection reset")

	err := svc.enforceGracePeriod(context.Background(), svc.logger, *b)
	require.Error(t, err)
	require.Empty(t, notifier.reminders)
	require.Contains(t, sink.messages(), "milestone claim failed")

	// The run loop swallows the per-business failure.
	require.NoError(t, svc.RunAutomations(context.Background()))
}

func TestSendFailureLeavesClaimConsumed(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{failSends: true}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	b := addGraceBusiness(repo, 1, testNow.Add(24*time.Hour))

	err := svc.enforceGracePeriod(context.Background(), svc.logger, *b)
	require.Error(t, err)

	// The claim is never rolled back: the milestone stays consumed and a
	// later run does not retry it.
	require.NotNil(t, repo.businesses[1].Grace24hReminderAt)
	notifier.failSends = false
	require.NoError(t, svc.RunAutomations(context.Background()))
	require.Empty(t, notifier.reminders)
}

func TestSuspensionWriteFailureIsRaised(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	b := addGraceBusiness(repo, 1, testNow.Add(-time.Hour))
	repo.updateBusinessErr = errors.New("disk full")

	err := svc.enforceGracePeriod(context.Background(), svc.logger, *b)
	require.Error(t, err)
	require.Contains(t, sink.messages(), "suspension write failed")
	require.Equal(t, PlanPaid, repo.businesses[1].PlanStatus)
}

func TestMissingOwnerEmailSkipsMilestone(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	b := addGraceBusiness(repo, 1, testNow.Add(24*time.Hour))
	b.OwnerEmail = ""

	require.NoError(t, svc.RunAutomations(context.Background()))
	require.Empty(t, notifier.reminders)
	// The milestone is not consumed; a fixed email means a later run can send.
	require.Nil(t, repo.businesses[1].Grace24hReminderAt)
}

func addInvoiceBusiness(repo *memoryRepo, id int64) {
	repo.businesses[id] = &Business{
		ID:         id,
		Name:       "Happy Paws",
		OwnerEmail: "owner@happypaws.test",
		PlanStatus: PlanPaid,
	}
	settings := DefaultSettings()
	settings.ReminderHour = testNow.Hour()
	repo.settings[id] = settings
}

func TestInvoiceReminderDispatch(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addInvoiceBusiness(repo, 1)
	repo.clients[10] = &Client{ID: 10, BusinessID: 1, Name: "Jordan", Email: "jordan@client.test"}
	repo.invoices[100] = &Invoice{
		ID: 100, BusinessID: 1, ClientID: 10, Number: "INV-100",
		AmountCents: 4500, Currency: "USD",
		DueDate: testNow.AddDate(0, 0, -5),
	}

	require.NoError(t, svc.RunAutomations(context.Background()))

	require.Len(t, notifier.invoiceSends, 1)
	require.Equal(t, "jordan@client.test", notifier.invoiceSends[0].To)
	require.Equal(t, 5, notifier.invoiceSends[0].DaysOverdue)

	inv := repo.invoices[100]
	require.Equal(t, 1, inv.ReminderCount)
	require.NotNil(t, inv.LastReminderAt)
	require.Equal(t, testNow, *inv.LastReminderAt)
}

func TestInvoiceReminderHourGate(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addInvoiceBusiness(repo, 1)
	settings := repo.settings[1]
	settings.ReminderHour = (testNow.Hour() + 1) % 24
	repo.settings[1] = settings
	repo.clients[10] = &Client{ID: 10, BusinessID: 1, Name: "Jordan", Email: "jordan@client.test"}
	repo.invoices[100] = &Invoice{
		ID: 100, BusinessID: 1, ClientID: 10, Number: "INV-100",
		AmountCents: 4500, Currency: "USD",
		DueDate: testNow.AddDate(0, 0, -5),
	}

	require.NoError(t, svc.RunAutomations(context.Background()))
	require.Empty(t, notifier.invoiceSends)
}

func TestInvoiceReminderSkipsClientWithoutEmail(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addInvoiceBusiness(repo, 1)
	repo.clients[10] = &Client{ID: 10, BusinessID: 1, Name: "Jordan"}
	repo.invoices[100] = &Invoice{
		ID: 100, BusinessID: 1, ClientID: 10, Number: "INV-100",
		AmountCents: 4500, Currency: "USD",
		DueDate: testNow.AddDate(0, 0, -5),
	}

	require.NoError(t, svc.RunAutomations(context.Background()))

	require.Empty(t, notifier.invoiceSends)
	require.Zero(t, repo.invoices[100].ReminderCount)
	require.Contains(t, sink.messages(), "invoice reminder skipped, client has no email")
}

func TestInvoiceReminderSendFailureDoesNotIncrement(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{failSends: true}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addInvoiceBusiness(repo, 1)
	repo.clients[10] = &Client{ID: 10, BusinessID: 1, Name: "Jordan", Email: "jordan@client.test"}
	repo.invoices[100] = &Invoice{
		ID: 100, BusinessID: 1, ClientID: 10, Number: "INV-100",
		AmountCents: 4500, Currency: "USD",
		DueDate: testNow.AddDate(0, 0, -5),
	}

	require.NoError(t, svc.RunAutomations(context.Background()))

	// The invoice stays eligible for a future run.
	require.Zero(t, repo.invoices[100].ReminderCount)
	require.Nil(t, repo.invoices[100].LastReminderAt)
}

func TestRemindersDisabledByToggle(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	addInvoiceBusiness(repo, 1)
	settings := repo.settings[1]
	settings.InvoiceRemindersEnabled = false
	repo.settings[1] = settings
	repo.clients[10] = &Client{ID: 10, BusinessID: 1, Name: "Jordan", Email: "jordan@client.test"}
	repo.invoices[100] = &Invoice{
		ID: 100, BusinessID: 1, ClientID: 10, Number: "INV-100",
		AmountCents: 4500, Currency: "USD",
		DueDate: testNow.AddDate(0, 0, -5),
	}

	require.NoError(t, svc.RunAutomations(context.Background()))
	require.Empty(t, notifier.invoiceSends)
}

func TestFinalNoticeDispatch(t *testing.T) {
	repo := newMemoryRepo()
	notifier := &fakeNotifier{}
	sink := &fakeAudit{}
	svc := newTestService(t, repo, notifier, sink)
	sent := testNow.Add(-19 * time.Hour)
	b := addGraceBusiness(repo, 1, testNow.Add(5*time.Hour))
	b.Grace24hReminderAt = &sent

	require.NoError(t, svc.RunAutomations(context.Background()))

	require.Empty(t, notifier.reminders)
	require.Len(t, notifier.finalNotices, 1)
	require.NotNil(t, repo.businesses[1].GraceFinalNoticeAt)
}
