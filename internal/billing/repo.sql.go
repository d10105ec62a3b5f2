package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL backed persistence for the automation
// engine. It implements RepositoryPort and SettingsPort.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const businessColumns = `id, name, owner_email, plan_status, grace_period_end,
grace_period_24h_reminder_sent_at, grace_period_final_notice_sent_at,
payment_failure_count, COALESCE(suspension_reason, ''), created_at, updated_at`

func scanBusiness(row pgx.Row) (*Business, error) {
	var b Business
	err := row.Scan(&b.ID, &b.Name, &b.OwnerEmail, &b.PlanStatus, &b.GracePeriodEnd,
		&b.Grace24hReminderAt, &b.GraceFinalNoticeAt,
		&b.PaymentFailureCount, &b.SuspensionReason, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBusinesses returns every tenant on the platform.
func (r *Repository) ListBusinesses(ctx context.Context) ([]Business, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+businessColumns+` FROM businesses ORDER BY id`)
	if err != nil {
		return nil, wrapStorageErr("list businesses", err)
	}
	defer rows.Close()
	var businesses []Business
	for rows.Next() {
		b, err := scanBusiness(rows)
		if err != nil {
			return nil, wrapStorageErr("scan business", err)
		}
		businesses = append(businesses, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("list businesses", err)
	}
	return businesses, nil
}

// GetBusinessByID performs a fresh read. Returns (nil, nil) when the
// business no longer exists.
func (r *Repository) GetBusinessByID(ctx context.Context, id int64) (*Business, error) {
	b, err := scanBusiness(r.pool.QueryRow(ctx, `SELECT `+businessColumns+` FROM businesses WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr("get business", err)
	}
	return b, nil
}

// UpdateBusiness applies an unconditional update. Used for suspension, where
// the plan status, the reason and the three grace-period timestamps change
// as one statement.
func (r *Repository) UpdateBusiness(ctx context.Context, id int64, upd BusinessUpdate) error {
	set := "updated_at=NOW()"
	args := []any{id}
	if upd.PlanStatus != nil {
		args = append(args, string(*upd.PlanStatus))
		set += fmt.Sprintf(", plan_status=$%d", len(args))
	}
	if upd.SuspensionReason != nil {
		args = append(args, *upd.SuspensionReason)
		set += fmt.Sprintf(", suspension_reason=$%d", len(args))
	}
	if upd.ClearGracePeriod {
		set += `, grace_period_end=NULL, grace_period_24h_reminder_sent_at=NULL, grace_period_final_notice_sent_at=NULL`
	}
	tag, err := r.pool.Exec(ctx, `UPDATE businesses SET `+set+` WHERE id=$1`, args...)
	if err != nil {
		return wrapStorageErr("update business", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("billing: update business %d: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimBusinessField is the engine's only conditional write. The IS NULL
// guard and the assignment execute as one statement, so of any number of
// concurrent claims on the same field exactly one sees RowsAffected()==1.
func (r *Repository) ClaimBusinessField(ctx context.Context, id int64, field MilestoneField, ts time.Time) (bool, error) {
	var column string
	switch field {
	case Milestone24hReminder:
		column = "grace_period_24h_reminder_sent_at"
	case MilestoneFinalNotice:
		column = "grace_period_final_notice_sent_at"
	default:
		return false, fmt.Errorf("billing: unknown milestone field %q", field)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE businesses SET `+column+`=$1, updated_at=NOW() WHERE id=$2 AND `+column+` IS NULL`,
		ts, id)
	if err != nil {
		return false, wrapStorageErr("claim "+column, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListInvoicesByBusiness returns the business's invoices.
func (r *Repository) ListInvoicesByBusiness(ctx context.Context, businessID int64) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, business_id, client_id, number, amount_cents, currency,
due_date, paid_at, reminder_count, last_reminder_at, created_at, updated_at
FROM invoices WHERE business_id=$1 ORDER BY due_date`, businessID)
	if err != nil {
		return nil, wrapStorageErr("list invoices", err)
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.BusinessID, &inv.ClientID, &inv.Number, &inv.AmountCents,
			&inv.Currency, &inv.DueDate, &inv.PaidAt, &inv.ReminderCount, &inv.LastReminderAt,
			&inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, wrapStorageErr("scan invoice", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStorageErr("list invoices", err)
	}
	return invoices, nil
}

// UpdateInvoice writes reminder bookkeeping. Plain update; a lost race here
// is tolerated (at most one extra reminder before the cooldown re-engages).
func (r *Repository) UpdateInvoice(ctx context.Context, id int64, upd InvoiceUpdate) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE invoices SET reminder_count=$1, last_reminder_at=$2, updated_at=NOW() WHERE id=$3`,
		upd.ReminderCount, upd.LastReminderAt, id)
	if err != nil {
		return wrapStorageErr("update invoice", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("billing: update invoice %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetClient returns the invoice recipient, or (nil, nil) when missing.
func (r *Repository) GetClient(ctx context.Context, id int64) (*Client, error) {
	var c Client
	err := r.pool.QueryRow(ctx,
		`SELECT id, business_id, name, COALESCE(email, '') FROM clients WHERE id=$1`, id).
		Scan(&c.ID, &c.BusinessID, &c.Name, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorageErr("get client", err)
	}
	return &c, nil
}

// GetAutomationSettings loads the per-business settings JSON, applying the
// platform defaults when the business has no stored row and rejecting stored
// settings that fail validation.
func (r *Repository) GetAutomationSettings(ctx context.Context, businessID int64) (AutomationSettings, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT automation_settings FROM businesses WHERE id=$1`, businessID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return AutomationSettings{}, wrapStorageErr("get automation settings", err)
	}
	if len(raw) == 0 {
		return DefaultSettings(), nil
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return AutomationSettings{}, fmt.Errorf("billing: decode automation settings for business %d: %w", businessID, err)
	}
	if err := settings.Validate(); err != nil {
		return AutomationSettings{}, fmt.Errorf("billing: invalid automation settings for business %d: %w", businessID, err)
	}
	return settings, nil
}

// ErrNotFound indicates the targeted row does not exist.
var ErrNotFound = errors.New("billing: not found")

// wrapStorageErr annotates storage failures with the SQLSTATE when postgres
// reported one, so claim errors are distinguishable from lost races in logs.
func wrapStorageErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("billing: %s: sqlstate %s: %w", op, pgErr.Code, err)
	}
	return fmt.Errorf("billing: %s: %w", op, err)
}
