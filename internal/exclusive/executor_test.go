package exclusive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

// heldProvider reports the lock as held by someone else until releaseAt.
type heldProvider struct {
	releaseAt time.Time
	acquires  atomic.Int32
	releases  atomic.Int32
	refreshes atomic.Int32
}

func (p *heldProvider) Acquire(_ context.Context, key string, expiry time.Duration) (Lock, bool, error) {
	p.acquires.Add(1)
	if time.Now().Before(p.releaseAt) {
		return Lock{}, false, nil
	}
	return Lock{Key: key, Token: "mine", ExpiresAt: time.Now().Add(expiry)}, true, nil
}

func (p *heldProvider) IsLocked(context.Context, string) (bool, error) {
	return time.Now().Before(p.releaseAt), nil
}

func (p *heldProvider) Refresh(_ context.Context, lock Lock, expiry time.Duration) (Lock, error) {
	p.refreshes.Add(1)
	lock.ExpiresAt = time.Now().Add(expiry)
	return lock, nil
}

func (p *heldProvider) Release(context.Context, Lock) error {
	p.releases.Add(1)
	return nil
}

func mustExecutor(t *testing.T, provider LockProvider, options Options) *Executor {
	t.Helper()
	executor, err := NewExecutor(Config{Provider: provider, Options: options})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	return executor
}

func TestSkipIfLockedNeverRunsWhileHeld(t *testing.T) {
	provider := &heldProvider{releaseAt: time.Now().Add(time.Hour)}
	executor := mustExecutor(t, provider, Options{PollInterval: time.Millisecond})

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		ran, err := executor.Execute(context.Background(), "job", SkipIfLocked, func(context.Context) error {
			calls.Add(1)
			return nil
		})
		if err != nil || ran {
			t.Fatalf("expected skip, got ran=%v err=%v", ran, err)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("expected action never invoked, got %d", calls.Load())
	}
}

func TestWaitAndAcquireRunsOnceAfterRelease(t *testing.T) {
	holdFor := 60 * time.Millisecond
	started := time.Now()
	provider := &heldProvider{releaseAt: started.Add(holdFor)}
	executor := mustExecutor(t, provider, Options{PollInterval: 5 * time.Millisecond, WaitTimeout: time.Second})

	var calls atomic.Int32
	var ranAt time.Time
	ran, err := executor.Execute(context.Background(), "job", WaitAndAcquire, func(context.Context) error {
		calls.Add(1)
		ranAt = time.Now()
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("expected action to run, got ran=%v err=%v", ran, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one run, got %d", calls.Load())
	}
	if ranAt.Before(started.Add(holdFor)) {
		t.Fatalf("action ran before the holder released the lock")
	}
	if provider.releases.Load() != 1 {
		t.Fatalf("expected lock released once, got %d", provider.releases.Load())
	}
}

func TestWaitForReleasedWaitsWithoutRunning(t *testing.T) {
	provider := &heldProvider{releaseAt: time.Now().Add(30 * time.Millisecond)}
	executor := mustExecutor(t, provider, Options{PollInterval: 5 * time.Millisecond, WaitTimeout: time.Second})

	ran, err := executor.Execute(context.Background(), "schema-reload", WaitForReleased, func(context.Context) error {
		t.Fatalf("action must not run while another holder owns the lock")
		return nil
	})
	if err != nil || ran {
		t.Fatalf("expected wait without running, got ran=%v err=%v", ran, err)
	}
	if time.Now().Before(provider.releaseAt) {
		t.Fatalf("returned before the holder released")
	}
}

func TestWaitTimesOut(t *testing.T) {
	provider := &heldProvider{releaseAt: time.Now().Add(time.Hour)}
	executor := mustExecutor(t, provider, Options{PollInterval: 2 * time.Millisecond, WaitTimeout: 20 * time.Millisecond})

	for _, policy := range []Policy{WaitForReleased, WaitAndAcquire} {
		ran, err := executor.Execute(context.Background(), "job", policy, func(context.Context) error { return nil })
		if ran || !errors.Is(err, storeerr.ErrTimeout) {
			t.Fatalf("%s: expected timeout, got ran=%v err=%v", policy, ran, err)
		}
	}
}

func TestWaitHonorsCancellation(t *testing.T) {
	provider := &heldProvider{releaseAt: time.Now().Add(time.Hour)}
	executor := mustExecutor(t, provider, Options{PollInterval: 5 * time.Millisecond, WaitTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	ran, err := executor.Execute(ctx, "job", WaitAndAcquire, func(context.Context) error { return nil })
	if ran || !errors.Is(err, storeerr.ErrCancelled) {
		t.Fatalf("expected cancellation, got ran=%v err=%v", ran, err)
	}
}

func TestLockReleasedWhenActionFailsOrPanics(t *testing.T) {
	provider := NewMemoryLockProvider(nil)
	executor := mustExecutor(t, provider, Options{})
	boom := errors.New("boom")

	ran, err := executor.Execute(context.Background(), "job", SkipIfLocked, func(context.Context) error { return boom })
	if !ran || !errors.Is(err, boom) {
		t.Fatalf("expected action error, got ran=%v err=%v", ran, err)
	}
	if locked, _ := provider.IsLocked(context.Background(), "job"); locked {
		t.Fatalf("expected lock released after error")
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_, _ = executor.Execute(context.Background(), "job", SkipIfLocked, func(context.Context) error { panic("kaboom") })
	}()
	if locked, _ := provider.IsLocked(context.Background(), "job"); locked {
		t.Fatalf("expected lock released after panic")
	}
}

func TestLongActionRefreshesLock(t *testing.T) {
	provider := &heldProvider{}
	core, logs := observer.New(zap.WarnLevel)
	executor, err := NewExecutor(Config{
		Provider: provider,
		Options:  Options{LockTimeout: 20 * time.Millisecond},
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}
	_, err = executor.Execute(context.Background(), "job", SkipIfLocked, func(context.Context) error {
		time.Sleep(70 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.refreshes.Load() < 2 {
		t.Fatalf("expected lock refreshed while running, got %d", provider.refreshes.Load())
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no warnings, got %d", logs.Len())
	}
}

// stolenProvider hands out the lock but loses it on the first refresh.
type stolenProvider struct {
	heldProvider
}

func (p *stolenProvider) Refresh(context.Context, Lock, time.Duration) (Lock, error) {
	p.refreshes.Add(1)
	return Lock{}, ErrLockLost
}

func TestLostLockCancelsAction(t *testing.T) {
	provider := &stolenProvider{}
	core, logs := observer.New(zap.WarnLevel)
	executor, err := NewExecutor(Config{
		Provider: provider,
		Options:  Options{LockTimeout: 20 * time.Millisecond},
		Logger:   zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build executor: %v", err)
	}

	ran, err := executor.Execute(context.Background(), "job", SkipIfLocked, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("action was not cancelled")
		}
	})
	if !ran {
		t.Fatalf("expected the action to have started")
	}
	if !errors.Is(err, ErrLockLost) || !errors.Is(err, storeerr.ErrCancelled) {
		t.Fatalf("expected a cancelled lock-lost error, got %v", err)
	}
	if provider.releases.Load() != 0 {
		t.Fatalf("expected a lost lock not to be released")
	}
	if logs.FilterMessage("exclusive lock lost, cancelling action").Len() != 1 {
		t.Fatalf("expected the lost lock to be logged, got %v", logs.All())
	}
}

func TestTinyLockTimeoutStillRefreshes(t *testing.T) {
	provider := &heldProvider{}
	executor := mustExecutor(t, provider, Options{LockTimeout: time.Nanosecond})
	ran, err := executor.Execute(context.Background(), "job", SkipIfLocked, func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	if !ran || err != nil {
		t.Fatalf("expected action to run, got ran=%v err=%v", ran, err)
	}
	if provider.refreshes.Load() == 0 {
		t.Fatalf("expected the lock to be refreshed")
	}
}

func TestMemoryProviderExpiry(t *testing.T) {
	now := time.Unix(1700000000, 0)
	provider := NewMemoryLockProvider(func() time.Time { return now })
	ctx := context.Background()

	first, acquired, _ := provider.Acquire(ctx, "k", time.Second)
	if !acquired {
		t.Fatalf("expected first acquire")
	}
	if _, acquired, _ := provider.Acquire(ctx, "k", time.Second); acquired {
		t.Fatalf("expected second acquire to fail")
	}
	now = now.Add(2 * time.Second)
	if locked, _ := provider.IsLocked(ctx, "k"); locked {
		t.Fatalf("expected expired lock to read as free")
	}
	if _, acquired, _ := provider.Acquire(ctx, "k", time.Second); !acquired {
		t.Fatalf("expected expired lock to be reclaimed")
	}
	if err := provider.Release(ctx, first); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected stale holder release to fail, got %v", err)
	}
}

func TestGormProviderSharesLocks(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:exclusive-locks?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&LockRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	first, err := NewGormLockProvider(db, clock)
	if err != nil {
		t.Fatalf("failed to build provider: %v", err)
	}
	second, _ := NewGormLockProvider(db, clock)
	ctx := context.Background()

	lock, acquired, err := first.Acquire(ctx, "schema-reload", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expected acquire, got %v %v", acquired, err)
	}
	if _, acquired, err := second.Acquire(ctx, "schema-reload", time.Minute); err != nil || acquired {
		t.Fatalf("expected contention, got %v %v", acquired, err)
	}
	if locked, err := second.IsLocked(ctx, "schema-reload"); err != nil || !locked {
		t.Fatalf("expected lock visible to second provider")
	}
	if _, err := first.Refresh(ctx, lock, 2*time.Minute); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if err := first.Release(ctx, lock); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, acquired, err := second.Acquire(ctx, "schema-reload", time.Minute); err != nil || !acquired {
		t.Fatalf("expected second provider to acquire after release, got %v %v", acquired, err)
	}

	now = now.Add(5 * time.Minute)
	if _, acquired, err := first.Acquire(ctx, "schema-reload", time.Minute); err != nil || !acquired {
		t.Fatalf("expected expired row to be reclaimed, got %v %v", acquired, err)
	}
}
