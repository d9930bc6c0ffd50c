package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process lock store for deployments without Redis
// and for tests. Semantics match RedisStore, including lease expiry.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]memoryLease
}

type memoryLease struct {
	lease     Lease
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]memoryLease)}
}

func (s *MemoryStore) Acquire(_ context.Context, planID, owner, reason string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, held := s.leases[planID]; held && time.Now().Before(existing.expiresAt) {
		return false, nil
	}
	s.leases[planID] = memoryLease{
		lease:     Lease{Owner: owner, Reason: reason, AcquiredAt: time.Now().UTC()},
		expiresAt: time.Now().Add(ttl),
	}
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, planID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, held := s.leases[planID]
	if !held || existing.lease.Owner != owner {
		return nil
	}
	delete(s.leases, planID)
	return nil
}

func (s *MemoryStore) Holder(_ context.Context, planID string) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, held := s.leases[planID]
	if !held || !time.Now().Before(existing.expiresAt) {
		return nil, nil
	}
	lease := existing.lease
	return &lease, nil
}
