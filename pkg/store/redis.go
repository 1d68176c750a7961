package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"marinvpn/pkg/vpnerr"
)

const (
	keyPrefix     = "marinvpn:"
	noncePrefix   = keyPrefix + "nonce:"
	leaseIDsKey   = keyPrefix + "lease:ids"
	leaseTimesKey = keyPrefix + "lease:at"
	leaseSeqKey   = keyPrefix + "lease:seq"
)

// leaseScript returns {id, leased_at, created}. Lookup and allocation run
// as one script so concurrent requests for a key share a single id.
var leaseScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], ARGV[1])
if id then
  local at = redis.call('ZSCORE', KEYS[2], ARGV[1]) or ARGV[2]
  return {tonumber(id), tonumber(at), 0}
end
id = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return {id, tonumber(ARGV[2]), 1}
`)

var expireScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, k in ipairs(stale) do
  redis.call('HDEL', KEYS[2], k)
  redis.call('ZREM', KEYS[1], k)
end
return stale
`)

// Dial connects to addr and checks the server answers.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

type RedisNonceStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisNonceStore(rdb redis.UniversalClient, ttl time.Duration) *RedisNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &RedisNonceStore{rdb: rdb, ttl: ttl}
}

func (s *RedisNonceStore) MarkUsed(ctx context.Context, message string) error {
	ok, err := s.rdb.SetNX(ctx, noncePrefix+message, 1, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("mark nonce: %w", err)
	}
	if !ok {
		return vpnerr.ErrTokenAlreadyUsed
	}
	return nil
}

func (s *RedisNonceStore) Wipe(ctx context.Context) error {
	return deleteMatching(ctx, s.rdb, noncePrefix+"*")
}

type RedisLedger struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisLedger(rdb redis.UniversalClient) *RedisLedger {
	return &RedisLedger{rdb: rdb, now: time.Now}
}

func (l *RedisLedger) Lease(ctx context.Context, pubkey string) (Lease, error) {
	keys := []string{leaseIDsKey, leaseTimesKey, leaseSeqKey}
	res, err := leaseScript.Run(ctx, l.rdb, keys, pubkey, l.now().Unix()).Slice()
	if err != nil {
		return Lease{}, fmt.Errorf("lease %s: %w", pubkey, err)
	}
	if len(res) != 3 {
		return Lease{}, fmt.Errorf("lease %s: unexpected reply %v", pubkey, res)
	}
	id, err1 := asInt64(res[0])
	at, err2 := asInt64(res[1])
	created, err3 := asInt64(res[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return Lease{}, fmt.Errorf("lease %s: %w", pubkey, err)
	}
	return Lease{ID: id, PublicKey: pubkey, LeasedAt: time.Unix(at, 0), Created: created == 1}, nil
}

func (l *RedisLedger) ExpireBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	keys := []string{leaseTimesKey, leaseIDsKey}
	out, err := expireScript.Run(ctx, l.rdb, keys, strconv.FormatInt(cutoff.Unix(), 10)).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("expire leases: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (l *RedisLedger) Keys(ctx context.Context) ([]string, error) {
	out, err := l.rdb.HKeys(ctx, leaseIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (l *RedisLedger) Wipe(ctx context.Context) error {
	if err := l.rdb.Del(ctx, leaseIDsKey, leaseTimesKey, leaseSeqKey).Err(); err != nil {
		return fmt.Errorf("wipe leases: %w", err)
	}
	return nil
}

func deleteMatching(ctx context.Context, rdb redis.UniversalClient, pattern string) error {
	iter := rdb.Scan(ctx, 0, pattern, 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return rdb.Del(ctx, batch...).Err()
	}
	return nil
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected reply type %T", v)
	}
}
