package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/turingfp/micropay/pkg/callback"
)

// CallbackRecord is one provider notification as it was received.
type CallbackRecord struct {
	ID            int64
	Provider      string
	EventType     string
	TransactionID string
	StatusCode    string
	HTTPStatus    int
	Accepted      bool
	Error         string
	Payload       []byte
	ReceivedAt    time.Time
}

// CallbackLog keeps an audit trail of every delivery, including rejected
// and unprocessable ones.
type CallbackLog struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewCallbackLog(pool *pgxpool.Pool, logger zerolog.Logger) *CallbackLog {
	return &CallbackLog{pool: pool, logger: logger}
}

func (l *CallbackLog) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, l.pool)
}

func (l *CallbackLog) Record(ctx context.Context, rec CallbackRecord) error {
	payload := rec.Payload
	if !json.Valid(payload) {
		// Keep unparseable bodies readable by wrapping them as a JSON string.
		payload, _ = json.Marshal(string(payload))
	}
	_, err := l.db(ctx).Exec(ctx,
		`INSERT INTO callback_events (provider, event_type, transaction_id, status_code, http_status, accepted, error, payload, received_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $9)`,
		rec.Provider, rec.EventType, rec.TransactionID, rec.StatusCode, rec.HTTPStatus,
		rec.Accepted, rec.Error, payload, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("record callback: %w", err)
	}
	return nil
}

// ListByTransaction returns the deliveries for a provider transaction id,
// oldest first.
func (l *CallbackLog) ListByTransaction(ctx context.Context, transactionID string) ([]CallbackRecord, error) {
	rows, err := l.db(ctx).Query(ctx,
		`SELECT id, provider, event_type, COALESCE(transaction_id, ''), COALESCE(status_code, ''),
			http_status, accepted, COALESCE(error, ''), payload, received_at
		 FROM callback_events WHERE transaction_id = $1
		 ORDER BY id ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list callbacks for %s: %w", transactionID, err)
	}
	defer rows.Close()

	var out []CallbackRecord
	for rows.Next() {
		var r CallbackRecord
		if err := rows.Scan(&r.ID, &r.Provider, &r.EventType, &r.TransactionID, &r.StatusCode,
			&r.HTTPStatus, &r.Accepted, &r.Error, &r.Payload, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan callback: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Audit returns a callback.WithAudit hook recording deliveries for
// provider. A failed insert is logged and never changes the response.
func (l *CallbackLog) Audit(provider string) func(*http.Request, callback.Receipt) {
	return func(r *http.Request, rec callback.Receipt) {
		if err := l.Record(r.Context(), RecordFromReceipt(provider, rec, time.Now())); err != nil {
			l.logger.Error().Err(err).Str("provider", provider).Msg("failed to audit callback")
		}
	}
}

// RecordFromReceipt flattens a delivery receipt into a log row.
func RecordFromReceipt(provider string, rec callback.Receipt, now time.Time) CallbackRecord {
	out := CallbackRecord{
		Provider:   provider,
		EventType:  string(callback.EventUnknown),
		HTTPStatus: rec.Status,
		Accepted:   rec.Rejected == "" && rec.ProcessingErr == nil,
		Payload:    rec.Body,
		ReceivedAt: now,
	}
	if ev := rec.Event; ev != nil {
		out.EventType = string(ev.Type)
		out.TransactionID = ev.TransactionID
		out.StatusCode = ev.StatusCode
		if !ev.ReceivedAt.IsZero() {
			out.ReceivedAt = ev.ReceivedAt
		}
	}
	switch {
	case rec.Rejected != "":
		out.Error = rec.Rejected
	case rec.ProcessingErr != nil:
		out.Error = rec.ProcessingErr.Error()
	}
	return out
}
