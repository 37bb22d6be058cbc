package results

import (
	"context"
	"encoding/json"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/redis/go-redis/v9"
)

// saveScript stores a record unless the dedupe rule drops it.
// KEYS: records hash, status hash, insertion order list.
// ARGV: key, status, encoded record.
var saveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[2], ARGV[1])
if current then
    if current == 'COMPLETED' or ARGV[2] ~= 'COMPLETED' then
        return 0
    end
else
    redis.call('RPUSH', KEYS[3], ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// RedisStore keeps records in two Redis hashes plus an insertion-order list.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore creates a store using rdb. Keys are prefixed with prefix.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tally"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) recordsKey() string { return s.prefix + ":results:records" }
func (s *RedisStore) statusKey() string  { return s.prefix + ":results:status" }
func (s *RedisStore) orderKey() string   { return s.prefix + ":results:order" }

func (s *RedisStore) Save(ctx context.Context, msg ballot.ResultMessage) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, errorRegistry.NewWithCause(ErrStore, err)
	}
	key := Key(msg)
	n, err := saveScript.Run(ctx, s.rdb,
		[]string{s.recordsKey(), s.statusKey(), s.orderKey()},
		key, string(msg.Status), data,
	).Int()
	if err != nil {
		return false, errorRegistry.NewWithCause(ErrStore, err).WithDetail("key", key)
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*ballot.ResultMessage, error) {
	data, err := s.rdb.HGet(ctx, s.recordsKey(), key).Bytes()
	if err == redis.Nil {
		return nil, errorRegistry.New(ErrNotFound).WithDetail("key", key)
	}
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err).WithDetail("key", key)
	}
	var msg ballot.ResultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err).WithDetail("key", key)
	}
	return &msg, nil
}

func (s *RedisStore) List(ctx context.Context, f Filter) ([]ballot.ResultMessage, error) {
	keys, err := s.rdb.LRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err)
	}
	if len(keys) == 0 {
		return []ballot.ResultMessage{}, nil
	}
	values, err := s.rdb.HMGet(ctx, s.recordsKey(), keys...).Result()
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrStore, err)
	}
	out := make([]ballot.ResultMessage, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var msg ballot.ResultMessage
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			return nil, errorRegistry.NewWithCause(ErrStore, err)
		}
		if f.Match(msg) {
			out = append(out, msg)
		}
	}
	return limit(out, f.Limit), nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
