package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/store"
	"github.com/turingfp/micropay/pkg/transaction"
)

// TransactionStore keeps standalone transactions as JSON without expiry.
type TransactionStore struct {
	client redis.Cmdable
	ks     Keyspace
}

var _ store.TransactionStore = (*TransactionStore)(nil)

func NewTransactionStore(client redis.Cmdable, ks Keyspace) *TransactionStore {
	return &TransactionStore{client: client, ks: ks}
}

func (s *TransactionStore) txnKey(id string) string  { return s.ks.key("txn", id) }
func (s *TransactionStore) extKey(ext string) string { return s.ks.key("txn", "ext", ext) }
func (s *TransactionStore) indexKey() string         { return s.ks.key("txns") }

func (s *TransactionStore) Save(ctx context.Context, t *transaction.Transaction) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", t.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.txnKey(t.ID), payload, 0)
		p.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(t.CreatedAt.UnixNano()), Member: t.ID})
		if t.ExternalID != "" {
			p.Set(ctx, s.extKey(t.ExternalID), t.ID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *TransactionStore) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	raw, err := s.client.Get(ctx, s.txnKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, perrors.NewTransactionError(id, perrors.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return decodeTransaction(raw)
}

func (s *TransactionStore) FindByExternalID(ctx context.Context, externalID string) (*transaction.Transaction, error) {
	if externalID == "" {
		return nil, perrors.NewTransactionError(externalID, perrors.ErrTransactionNotFound)
	}
	id, err := s.client.Get(ctx, s.extKey(externalID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, perrors.NewTransactionError(externalID, perrors.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by external id %s: %w", externalID, err)
	}
	return s.Get(ctx, id)
}

func (s *TransactionStore) List(ctx context.Context) ([]*transaction.Transaction, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.txnKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	out := make([]*transaction.Transaction, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decodeTransaction([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Clear removes every transaction under the keyspace.
func (s *TransactionStore) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.ks.key("txn", "*"), 500).Result()
		if err != nil {
			return fmt.Errorf("clear transactions: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("clear transactions: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return s.client.Del(ctx, s.indexKey()).Err()
}

func decodeTransaction(raw []byte) (*transaction.Transaction, error) {
	var t transaction.Transaction
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &t, nil
}
