package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/store"
	"github.com/turingfp/micropay/pkg/transaction"
)

const transactionColumns = `id, external_id, conversation_id, session_id, product_id, reference,
	amount::text, currency, description, customer_phone, provider, status, metadata,
	error_message, error_code, retry_count, created_at, updated_at, completed_at`

// TransactionRepository stores standalone transactions and records every
// status change in transaction_status_history.
type TransactionRepository struct {
	pool *pgxpool.Pool
	tm   *TxManager
}

var _ store.TransactionStore = (*TransactionRepository)(nil)

func NewTransactionRepository(pool *pgxpool.Pool, tm *TxManager) *TransactionRepository {
	return &TransactionRepository{pool: pool, tm: tm}
}

func (r *TransactionRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// StatusChange is one row of a transaction's history.
type StatusChange struct {
	From      transaction.Status
	To        transaction.Status
	ChangedAt time.Time
}

func (r *TransactionRepository) Save(ctx context.Context, t *transaction.Transaction) error {
	row, err := rowFromTransaction(t)
	if err != nil {
		return err
	}

	return r.tm.WithTransaction(ctx, func(ctx context.Context) error {
		db := r.db(ctx)

		var prev string
		err := db.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1 FOR UPDATE`, row.ID).Scan(&prev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("lock transaction %s: %w", row.ID, err)
		}

		_, err = db.Exec(ctx,
			`INSERT INTO transactions (id, external_id, conversation_id, session_id, product_id, reference,
				amount, currency, description, customer_phone, provider, status, metadata,
				error_message, error_code, retry_count, created_at, updated_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
			 ON CONFLICT (id) DO UPDATE SET
				external_id = EXCLUDED.external_id,
				conversation_id = EXCLUDED.conversation_id,
				status = EXCLUDED.status,
				metadata = EXCLUDED.metadata,
				error_message = EXCLUDED.error_message,
				error_code = EXCLUDED.error_code,
				retry_count = EXCLUDED.retry_count,
				updated_at = EXCLUDED.updated_at,
				completed_at = EXCLUDED.completed_at`,
			row.ID, row.ExternalID, row.ConversationID, row.SessionID, row.ProductID, row.Reference,
			row.Amount, row.Currency, row.Description, row.CustomerPhone, row.Provider, row.Status, row.Metadata,
			row.ErrorMessage, row.ErrorCode, row.RetryCount, row.CreatedAt, row.UpdatedAt, row.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert transaction %s: %w", row.ID, err)
		}

		if prev == row.Status {
			return nil
		}
		_, err = db.Exec(ctx,
			`INSERT INTO transaction_status_history (transaction_id, from_status, to_status, changed_at)
			 VALUES ($1, NULLIF($2, ''), $3, $4)`,
			row.ID, prev, row.Status, row.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("record status change for %s: %w", row.ID, err)
		}
		return nil
	})
}

func (r *TransactionRepository) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	t, err := scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, perrors.NewTransactionError(id, perrors.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return t, nil
}

func (r *TransactionRepository) FindByExternalID(ctx context.Context, externalID string) (*transaction.Transaction, error) {
	if externalID == "" {
		return nil, perrors.NewTransactionError(externalID, perrors.ErrTransactionNotFound)
	}
	t, err := scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, perrors.NewTransactionError(externalID, perrors.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by external id %s: %w", externalID, err)
	}
	return t, nil
}

func (r *TransactionRepository) List(ctx context.Context) ([]*transaction.Transaction, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TransactionRepository) Clear(ctx context.Context) error {
	return r.tm.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := r.db(ctx).Exec(ctx, `DELETE FROM transaction_status_history`); err != nil {
			return fmt.Errorf("clear transaction history: %w", err)
		}
		if _, err := r.db(ctx).Exec(ctx, `DELETE FROM transactions`); err != nil {
			return fmt.Errorf("clear transactions: %w", err)
		}
		return nil
	})
}

// History returns the status changes of one transaction, oldest first.
func (r *TransactionRepository) History(ctx context.Context, id string) ([]StatusChange, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT COALESCE(from_status, ''), to_status, changed_at
		 FROM transaction_status_history WHERE transaction_id = $1
		 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("get transaction history %s: %w", id, err)
	}
	defer rows.Close()

	var out []StatusChange
	for rows.Next() {
		var from, to string
		var c StatusChange
		if err := rows.Scan(&from, &to, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan transaction history: %w", err)
		}
		c.From, c.To = transaction.Status(from), transaction.Status(to)
		out = append(out, c)
	}
	return out, rows.Err()
}

// transactionRow is the column-level shape of a transactions row. Empty
// optional strings map to NULL so the external_id unique index ignores
// transactions that were never dispatched.
type transactionRow struct {
	ID             string
	ExternalID     *string
	ConversationID *string
	SessionID      *string
	ProductID      *string
	Reference      *string
	Amount         string
	Currency       string
	Description    *string
	CustomerPhone  *string
	Provider       *string
	Status         string
	Metadata       []byte
	ErrorMessage   *string
	ErrorCode      *string
	RetryCount     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rowFromTransaction(t *transaction.Transaction) (transactionRow, error) {
	row := transactionRow{
		ID:             t.ID,
		ExternalID:     nullable(t.ExternalID),
		ConversationID: nullable(t.ConversationID),
		SessionID:      nullable(t.SessionID),
		ProductID:      nullable(t.ProductID),
		Reference:      nullable(t.Reference),
		Amount:         amountToNumeric(t.Amount),
		Currency:       t.Currency,
		Description:    nullable(t.Description),
		CustomerPhone:  nullable(t.CustomerPhone),
		Provider:       nullable(t.Provider),
		Status:         string(t.Status),
		RetryCount:     t.RetryCount,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
	}
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return transactionRow{}, fmt.Errorf("marshal transaction metadata: %w", err)
		}
		row.Metadata = b
	}
	if t.Error != nil {
		row.ErrorMessage = &t.Error.Message
		row.ErrorCode = nullable(t.Error.Code)
	}
	return row, nil
}

func (row transactionRow) toTransaction() (*transaction.Transaction, error) {
	amount, err := numericToAmount(row.Amount)
	if err != nil {
		return nil, err
	}
	t := &transaction.Transaction{
		ID:             row.ID,
		ExternalID:     deref(row.ExternalID),
		ConversationID: deref(row.ConversationID),
		SessionID:      deref(row.SessionID),
		ProductID:      deref(row.ProductID),
		Reference:      deref(row.Reference),
		Amount:         amount,
		Currency:       row.Currency,
		Description:    deref(row.Description),
		CustomerPhone:  deref(row.CustomerPhone),
		Provider:       deref(row.Provider),
		Status:         transaction.Status(row.Status),
		RetryCount:     row.RetryCount,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		CompletedAt:    row.CompletedAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal transaction metadata: %w", err)
		}
	}
	if row.ErrorMessage != nil {
		t.Error = &transaction.ErrorDetail{Message: *row.ErrorMessage, Code: deref(row.ErrorCode)}
	}
	return t, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*transaction.Transaction, error) {
	var row transactionRow
	if err := s.Scan(
		&row.ID, &row.ExternalID, &row.ConversationID, &row.SessionID, &row.ProductID, &row.Reference,
		&row.Amount, &row.Currency, &row.Description, &row.CustomerPhone, &row.Provider, &row.Status, &row.Metadata,
		&row.ErrorMessage, &row.ErrorCode, &row.RetryCount, &row.CreatedAt, &row.UpdatedAt, &row.CompletedAt,
	); err != nil {
		return nil, err
	}
	return row.toTransaction()
}
