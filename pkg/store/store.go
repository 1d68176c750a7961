// Package store keeps the provisioning service's ephemeral state: spent
// token messages and public key address leases. Nothing here is written to
// durable storage.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"marinvpn/pkg/vpnerr"
)

// DefaultNonceTTL bounds how long a spent message is remembered. Signing
// keys are per process, so a message older than any live key is harmless.
const DefaultNonceTTL = 24 * time.Hour

// NonceStore records spent token messages.
type NonceStore interface {
	// MarkUsed atomically records message as spent. It returns
	// vpnerr.ErrTokenAlreadyUsed when message was already recorded.
	MarkUsed(ctx context.Context, message string) error
	Wipe(ctx context.Context) error
}

// Lease binds a public key to a ledger id.
type Lease struct {
	ID        int64
	PublicKey string
	LeasedAt  time.Time
	// Created is false when the key already held this lease.
	Created bool
}

// LeaseLedger hands out ids that are never reused while the ledger lives.
type LeaseLedger interface {
	Lease(ctx context.Context, pubkey string) (Lease, error)
	// ExpireBefore releases leases taken before cutoff and returns their
	// public keys.
	ExpireBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// Keys returns every leased public key.
	Keys(ctx context.Context) ([]string, error)
	Wipe(ctx context.Context) error
}

type MemoryNonceStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	used map[string]time.Time
}

func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &MemoryNonceStore{ttl: ttl, now: time.Now, used: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) MarkUsed(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if at, ok := s.used[message]; ok && now.Sub(at) < s.ttl {
		return vpnerr.ErrTokenAlreadyUsed
	}
	s.used[message] = now
	return nil
}

// Sweep drops entries older than the TTL.
func (s *MemoryNonceStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for m, at := range s.used {
		if now.Sub(at) >= s.ttl {
			delete(s.used, m)
			n++
		}
	}
	return n
}

func (s *MemoryNonceStore) Wipe(context.Context) error {
	s.mu.Lock()
	s.used = make(map[string]time.Time)
	s.mu.Unlock()
	return nil
}

type memoryLease struct {
	id int64
	at time.Time
}

type MemoryLedger struct {
	mu     sync.Mutex
	now    func() time.Time
	last   int64
	leases map[string]memoryLease
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now, leases: make(map[string]memoryLease)}
}

func (l *MemoryLedger) Lease(_ context.Context, pubkey string) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[pubkey]; ok {
		return Lease{ID: cur.id, PublicKey: pubkey, LeasedAt: cur.at}, nil
	}
	l.last++
	entry := memoryLease{id: l.last, at: l.now()}
	l.leases[pubkey] = entry
	return Lease{ID: entry.id, PublicKey: pubkey, LeasedAt: entry.at, Created: true}, nil
}

func (l *MemoryLedger) ExpireBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for pub, entry := range l.leases {
		if entry.at.Before(cutoff) {
			out = append(out, pub)
			delete(l.leases, pub)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (l *MemoryLedger) Keys(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.leases))
	for pub := range l.leases {
		out = append(out, pub)
	}
	sort.Strings(out)
	return out, nil
}

// Wipe drops every lease and resets the id sequence.
func (l *MemoryLedger) Wipe(context.Context) error {
	l.mu.Lock()
	l.leases = make(map[string]memoryLease)
	l.last = 0
	l.mu.Unlock()
	return nil
}
