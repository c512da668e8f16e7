// Package exclusive runs named actions under a cooperative, cross-process lock.
package exclusive

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/metrics"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"go.uber.org/zap"
)

// Policy selects what happens when the lock is already held.
type Policy int

const (
	// SkipIfLocked runs the action only when the lock is free right now.
	SkipIfLocked Policy = iota
	// WaitForReleased runs the action when the lock is free, otherwise waits for the
	// holder to finish and returns without running it.
	WaitForReleased
	// WaitAndAcquire keeps trying until it holds the lock and has run the action.
	WaitAndAcquire
)

func (p Policy) String() string {
	switch p {
	case SkipIfLocked:
		return "skip_if_locked"
	case WaitForReleased:
		return "wait_for_released"
	case WaitAndAcquire:
		return "wait_and_acquire"
	default:
		return "unknown"
	}
}

const (
	DefaultLockTimeout  = 30 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
	DefaultWaitTimeout  = 60 * time.Second

	minRefreshInterval = 5 * time.Millisecond

	opExecute = "exclusive.execute"
)

var errMissingProvider = errors.New("exclusive: lock provider is required")

// ErrLockLost indicates that a lock expired or was taken over before it was refreshed or released.
var ErrLockLost = errors.New("exclusive: lock lost")

// Lock is a held exclusive lock.
type Lock struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LockProvider stores the shared lock records.
type LockProvider interface {
	Acquire(ctx context.Context, key string, expiry time.Duration) (Lock, bool, error)
	IsLocked(ctx context.Context, key string) (bool, error)
	Refresh(ctx context.Context, lock Lock, expiry time.Duration) (Lock, error)
	Release(ctx context.Context, lock Lock) error
}

// Options tunes lock lifetime and waiting.
type Options struct {
	LockTimeout  time.Duration
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
	return o
}

// Config wires an Executor.
type Config struct {
	Provider LockProvider
	Options  Options
	Clock    func() time.Time
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Executor runs actions under named locks.
type Executor struct {
	provider LockProvider
	options  Options
	clock    func() time.Time
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewExecutor validates cfg and constructs an Executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		provider: cfg.Provider,
		options:  cfg.Options.withDefaults(),
		clock:    clock,
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// Execute runs action under key according to policy and reports whether it ran.
func (e *Executor) Execute(ctx context.Context, key string, policy Policy, action func(ctx context.Context) error) (bool, error) {
	started := e.clock()
	ran, err := e.execute(ctx, key, policy, action)

	result := metrics.OutcomeSuccess
	switch {
	case storeerr.KindOf(err) == storeerr.KindTimeout:
		result = metrics.OutcomeTimeout
	case storeerr.KindOf(err) == storeerr.KindCancelled:
		result = metrics.OutcomeCancelled
	case err != nil:
		result = metrics.OutcomeError
	case !ran:
		result = metrics.OutcomeSkipped
	}
	e.metrics.RecordExclusiveExecution(policy.String(), result, e.clock().Sub(started))
	return ran, err
}

func (e *Executor) execute(ctx context.Context, key string, policy Policy, action func(ctx context.Context) error) (bool, error) {
	deadline := e.clock().Add(e.options.WaitTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return false, cancelled(key, err)
		}
		lock, acquired, err := e.provider.Acquire(ctx, key, e.options.LockTimeout)
		if err != nil {
			return false, err
		}
		if acquired {
			return true, e.runLocked(ctx, lock, action)
		}

		switch policy {
		case SkipIfLocked:
			e.logger.Debug("lock held elsewhere, skipping",
				zap.String("operation", opExecute),
				zap.String("key", key),
			)
			return false, nil
		case WaitForReleased:
			return false, e.waitReleased(ctx, key, deadline)
		case WaitAndAcquire:
			if err := e.waitReleased(ctx, key, deadline); err != nil {
				return false, err
			}
		default:
			return false, storeerr.New(storeerr.KindInvalidOperation, opExecute, "unknown policy %d", int(policy))
		}
	}
}

func (e *Executor) waitReleased(ctx context.Context, key string, deadline time.Time) error {
	timer := time.NewTimer(e.options.PollInterval)
	defer timer.Stop()
	for {
		locked, err := e.provider.IsLocked(ctx, key)
		if err != nil {
			return err
		}
		if !locked {
			return nil
		}
		if !e.clock().Before(deadline) {
			return storeerr.New(storeerr.KindTimeout, opExecute, "waiting for lock %q exceeded %s", key, e.options.WaitTimeout)
		}
		timer.Reset(e.options.PollInterval)
		select {
		case <-ctx.Done():
			return cancelled(key, ctx.Err())
		case <-timer.C:
		}
	}
}

// runLocked runs action while a background goroutine keeps the lock alive,
// and releases the lock on every exit path. Losing the lock cancels the action.
func (e *Executor) runLocked(ctx context.Context, lock Lock, action func(ctx context.Context) error) error {
	actionCtx, cancel := context.WithCancelCause(ctx)
	refreshDone := make(chan struct{})
	go e.keepAlive(actionCtx, cancel, lock, refreshDone)

	defer func() {
		cancel(nil)
		<-refreshDone
		if errors.Is(context.Cause(actionCtx), ErrLockLost) {
			return
		}
		if err := e.provider.Release(context.WithoutCancel(ctx), lock); err != nil {
			e.logger.Warn("failed to release exclusive lock",
				zap.String("operation", opExecute),
				zap.String("key", lock.Key),
				zap.Error(err),
			)
		}
	}()
	err := action(actionCtx)
	if lost := context.Cause(actionCtx); errors.Is(lost, ErrLockLost) {
		return storeerr.Wrap(storeerr.KindCancelled, opExecute, lost, "lock %q was lost while the action ran", lock.Key)
	}
	return err
}

func (e *Executor) refreshInterval() time.Duration {
	interval := e.options.LockTimeout / 2
	if interval < minRefreshInterval {
		return minRefreshInterval
	}
	return interval
}

func (e *Executor) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, lock Lock, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.refreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshed, err := e.provider.Refresh(ctx, lock, e.options.LockTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrLockLost) {
					e.logger.Error("exclusive lock lost, cancelling action",
						zap.String("operation", opExecute),
						zap.String("key", lock.Key),
					)
					cancel(ErrLockLost)
					return
				}
				e.logger.Warn("failed to refresh exclusive lock",
					zap.String("operation", opExecute),
					zap.String("key", lock.Key),
					zap.Error(err),
				)
				continue
			}
			lock = refreshed
		}
	}
}

func cancelled(key string, cause error) error {
	return storeerr.Wrap(storeerr.KindCancelled, opExecute, cause, "waiting for lock %q", key)
}
