package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	perrors "github.com/turingfp/micropay/pkg/errors"
	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/store"
)

// DefaultRetention keeps a session readable this long past its expiry, so
// late callbacks still find it.
const DefaultRetention = 24 * time.Hour

// SessionStore persists session snapshots as JSON. Every Get rehydrates a
// fresh session carrying the observers passed in; concurrent writers to the
// same session are last-write-wins.
//
// Keys:
//
//	<prefix>:session:<id>        snapshot JSON, expires at ExpiresAt+retention
//	<prefix>:session:txn:<ref>   session id by transaction id and external id
//	<prefix>:sessions            sorted set of ids scored by creation time
type SessionStore struct {
	client    redis.Cmdable
	ks        Keyspace
	retention time.Duration
	now       func() time.Time
}

var _ store.SessionStore = (*SessionStore)(nil)

type SessionStoreOption func(*SessionStore)

func WithRetention(d time.Duration) SessionStoreOption {
	return func(s *SessionStore) { s.retention = d }
}

func NewSessionStore(client redis.Cmdable, ks Keyspace, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{client: client, ks: ks, retention: DefaultRetention, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SessionStore) sessionKey(id string) string { return s.ks.key("session", id) }
func (s *SessionStore) refKey(ref string) string    { return s.ks.key("session", "txn", ref) }
func (s *SessionStore) indexKey() string            { return s.ks.key("sessions") }

// TTL returns how long a snapshot taken now should live.
func (s *SessionStore) TTL(snap session.Snapshot) time.Duration {
	ttl := snap.ExpiresAt.Add(s.retention).Sub(s.now())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// saveSessionScript writes the snapshot and its index entries unless the
// stored snapshot is already terminal with a different status, in which
// case it returns the stored status and writes nothing.
//
// KEYS: session, index, reference keys...
// ARGV: payload, status, ttl ms, score, id
var saveSessionScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	local stored = cjson.decode(cur)["status"]
	if (stored == "completed" or stored == "failed" or stored == "cancelled") and stored ~= ARGV[2] then
		return stored
	end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[5])
for i = 3, #KEYS do
	redis.call("SET", KEYS[i], ARGV[5], "PX", ARGV[3])
end
return ""
`)

// Save writes the snapshot of sess. A session another instance already
// resolved is never overwritten with a different status: Save returns a
// SessionError wrapping ErrConflictingResolution instead.
func (s *SessionStore) Save(ctx context.Context, sess *session.Session) error {
	snap := sess.Snapshot()
	payload, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	ttl := s.TTL(snap)

	keys := []string{s.sessionKey(snap.ID), s.indexKey()}
	if t := snap.Transaction; t != nil {
		keys = append(keys, s.refKey(t.ID))
		if t.ExternalID != "" {
			keys = append(keys, s.refKey(t.ExternalID))
		}
	}
	stored, err := saveSessionScript.Run(ctx, s.client, keys,
		payload, string(snap.Status), ttl.Milliseconds(), snap.CreatedAt.UnixNano(), snap.ID,
	).Text()
	if err != nil {
		return fmt.Errorf("save session %s: %w", snap.ID, err)
	}
	if stored != "" {
		return perrors.NewSessionError(snap.ID,
			fmt.Errorf("%w: stored %s, refusing %s", perrors.ErrConflictingResolution, stored, snap.Status))
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string, observers ...session.Observer) (*session.Session, error) {
	snap, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return session.Restore(snap, observers...), nil
}

func (s *SessionStore) FindByTransaction(ctx context.Context, ref string, observers ...session.Observer) (*session.Session, error) {
	id, err := s.client.Get(ctx, s.refKey(ref)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, perrors.NewTransactionError(ref, perrors.ErrTransactionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find session by transaction %s: %w", ref, err)
	}
	sess, err := s.Get(ctx, id, observers...)
	if errors.Is(err, perrors.ErrSessionNotFound) {
		return nil, perrors.NewTransactionError(ref, perrors.ErrTransactionNotFound)
	}
	return sess, err
}

// List returns every retained session, oldest first. Index entries whose
// snapshot has expired are pruned.
func (s *SessionStore) List(ctx context.Context) ([]session.Snapshot, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]session.Snapshot, 0, len(vals))
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		snap, err := DecodeSnapshot([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.indexKey(), stale...)
	}
	return out, nil
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	keys := []string{s.sessionKey(id)}
	if snap, err := s.load(ctx, id); err == nil && snap.Transaction != nil {
		keys = append(keys, s.refKey(snap.Transaction.ID))
		if ext := snap.Transaction.ExternalID; ext != "" {
			keys = append(keys, s.refKey(ext))
		}
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		p.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *SessionStore) load(ctx context.Context, id string) (session.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.Snapshot{}, perrors.NewSessionError(id, perrors.ErrSessionNotFound)
	}
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return DecodeSnapshot(raw)
}

func EncodeSnapshot(snap session.Snapshot) ([]byte, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", snap.ID, err)
	}
	return b, nil
}

func DecodeSnapshot(b []byte) (session.Snapshot, error) {
	var snap session.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return session.Snapshot{}, fmt.Errorf("decode session: %w", err)
	}
	return snap, nil
}
