package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pawdesk/pawdesk/internal/billing"
)

// Entry represents a record stored in system_logs.
type Entry struct {
	LogType  string
	Severity string
	Message  string
	Meta     map[string]any
	At       time.Time
}

// Recorder writes records into system_logs.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder returns a new Recorder.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Record persists the log entry.
func (r *Recorder) Record(ctx context.Context, entry Entry) error {
	if r == nil {
		return errors.New("audit: recorder not initialised")
	}
	if entry.LogType == "" || entry.Severity == "" || entry.Message == "" {
		return errors.New("audit: entry requires log_type/severity/message")
	}
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return err
	}
	var at any
	if !entry.At.IsZero() {
		at = entry.At
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO system_logs (log_type, severity, message, meta, created_at) VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`,
		entry.LogType, entry.Severity, entry.Message, metaJSON, at)
	return err
}

// Sink adapts the recorder to the billing engine's audit port.
type Sink struct {
	rec *Recorder
}

// NewSink wraps a recorder for use by the billing service.
func NewSink(rec *Recorder) *Sink {
	return &Sink{rec: rec}
}

// Record implements billing.AuditPort.
func (s *Sink) Record(ctx context.Context, entry billing.SystemLog) error {
	return s.rec.Record(ctx, Entry{
		LogType:  entry.LogType,
		Severity: entry.Severity,
		Message:  entry.Message,
		Meta:     entry.Meta,
	})
}
