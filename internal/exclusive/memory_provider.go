package exclusive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLockProvider keeps locks in process memory. It only coordinates goroutines of one process.
type MemoryLockProvider struct {
	mu    sync.Mutex
	locks map[string]Lock
	clock func() time.Time
}

// NewMemoryLockProvider constructs an empty provider; a nil clock means time.Now.
func NewMemoryLockProvider(clock func() time.Time) *MemoryLockProvider {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLockProvider{locks: map[string]Lock{}, clock: clock}
}

func (p *MemoryLockProvider) Acquire(_ context.Context, key string, expiry time.Duration) (Lock, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	if existing, ok := p.locks[key]; ok && now.Before(existing.ExpiresAt) {
		return Lock{}, false, nil
	}
	lock := Lock{Key: key, Token: uuid.NewString(), AcquiredAt: now, ExpiresAt: now.Add(expiry)}
	p.locks[key] = lock
	return lock, true, nil
}

func (p *MemoryLockProvider) IsLocked(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.locks[key]
	return ok && p.clock().Before(existing.ExpiresAt), nil
}

func (p *MemoryLockProvider) Refresh(_ context.Context, lock Lock, expiry time.Duration) (Lock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.locks[lock.Key]
	if !ok || existing.Token != lock.Token {
		return Lock{}, ErrLockLost
	}
	existing.ExpiresAt = p.clock().Add(expiry)
	p.locks[lock.Key] = existing
	return existing, nil
}

func (p *MemoryLockProvider) Release(_ context.Context, lock Lock) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.locks[lock.Key]
	if !ok || existing.Token != lock.Token {
		return ErrLockLost
	}
	delete(p.locks, lock.Key)
	return nil
}
