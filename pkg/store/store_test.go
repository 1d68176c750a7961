package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"marinvpn/pkg/vpnerr"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func nonceStores(t *testing.T) map[string]NonceStore {
	_, rdb := newRedis(t)
	return map[string]NonceStore{
		"memory": NewMemoryNonceStore(time.Hour),
		"redis":  NewRedisNonceStore(rdb, time.Hour),
	}
}

func ledgers(t *testing.T) map[string]LeaseLedger {
	_, rdb := newRedis(t)
	return map[string]LeaseLedger{
		"memory": NewMemoryLedger(),
		"redis":  NewRedisLedger(rdb),
	}
}

func TestMarkUsedRejectsReplay(t *testing.T) {
	ctx := context.Background()
	for name, s := range nonceStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.MarkUsed(ctx, "msg-a"))
			err := s.MarkUsed(ctx, "msg-a")
			require.True(t, errors.Is(err, vpnerr.ErrTokenAlreadyUsed), "got %v", err)
			require.NoError(t, s.MarkUsed(ctx, "msg-b"))
		})
	}
}

func TestMarkUsedConcurrentDoubleSpend(t *testing.T) {
	ctx := context.Background()
	for name, s := range nonceStores(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if s.MarkUsed(ctx, "contested") == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestNonceWipeForgetsMessages(t *testing.T) {
	ctx := context.Background()
	for name, s := range nonceStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.MarkUsed(ctx, "m1"))
			require.NoError(t, s.Wipe(ctx))
			require.NoError(t, s.MarkUsed(ctx, "m1"))
		})
	}
}

func TestRedisNonceExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	s := NewRedisNonceStore(rdb, time.Minute)
	require.NoError(t, s.MarkUsed(ctx, "old"))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, s.MarkUsed(ctx, "old"))
}

func TestMemoryNonceSweep(t *testing.T) {
	s := NewMemoryNonceStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	require.NoError(t, s.MarkUsed(context.Background(), "x"))
	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, s.Sweep())
}

func TestLeaseIdempotentAndDistinct(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			first, err := l.Lease(ctx, "pub-a")
			require.NoError(t, err)
			require.True(t, first.Created)
			again, err := l.Lease(ctx, "pub-a")
			require.NoError(t, err)
			require.False(t, again.Created)
			require.Equal(t, first.ID, again.ID)

			seen := map[int64]bool{first.ID: true}
			for i := 0; i < 20; i++ {
				lease, err := l.Lease(ctx, fmt.Sprintf("pub-%d", i))
				require.NoError(t, err)
				require.False(t, seen[lease.ID], "id %d reused", lease.ID)
				seen[lease.ID] = true
			}
		})
	}
}

func TestLeaseConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ids := make([]int64, 8)
			var wg sync.WaitGroup
			for i := range ids {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					lease, err := l.Lease(ctx, "shared")
					if err == nil {
						ids[i] = lease.ID
					}
				}(i)
			}
			wg.Wait()
			for _, id := range ids {
				require.Equal(t, ids[0], id)
			}
		})
	}
}

func TestLeaseIDsNotReusedAfterExpiry(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			a, err := l.Lease(ctx, "a")
			require.NoError(t, err)
			removed, err := l.ExpireBefore(ctx, time.Now().Add(time.Hour))
			require.NoError(t, err)
			require.Equal(t, []string{"a"}, removed)

			b, err := l.Lease(ctx, "b")
			require.NoError(t, err)
			require.Greater(t, b.ID, a.ID)
		})
	}
}

func TestExpireBeforeKeepsFreshLeases(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	mem := NewMemoryLedger()
	mem.now = clock
	red := NewRedisLedger(rdb)
	red.now = clock

	for name, l := range map[string]LeaseLedger{"memory": mem, "redis": red} {
		t.Run(name, func(t *testing.T) {
			now = time.Unix(1_700_000_000, 0)
			_, err := l.Lease(ctx, "stale")
			require.NoError(t, err)
			now = now.Add(25 * time.Hour)
			_, err = l.Lease(ctx, "fresh")
			require.NoError(t, err)

			removed, err := l.ExpireBefore(ctx, now.Add(-24*time.Hour))
			require.NoError(t, err)
			require.Equal(t, []string{"stale"}, removed)

			keys, err := l.Keys(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"fresh"}, keys)
		})
	}
}

func TestLedgerWipe(t *testing.T) {
	ctx := context.Background()
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.Lease(ctx, "a")
			require.NoError(t, err)
			require.NoError(t, l.Wipe(ctx))
			keys, err := l.Keys(ctx)
			require.NoError(t, err)
			require.Empty(t, keys)
		})
	}
}
