package schema

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/nodestore/internal/cluster"
	"github.com/MarcoPoloResearchLab/nodestore/internal/exclusive"
	"go.uber.org/zap"
)

const (
	// ReloadLockKey names the cluster-wide lock a schema reload runs under.
	ReloadLockKey = "schema-reload"
	// MessageReset is broadcast after an instance reloaded the schema.
	MessageReset = "schema.reset"

	opReloadCluster = "schema.reload_cluster"
	opRemoteReset   = "schema.remote_reset"
)

var (
	errMissingRegistry = errors.New("schema: registry is required")
	errMissingExecutor = errors.New("schema: exclusive executor is required")
)

// ReloaderConfig wires a Reloader.
type ReloaderConfig struct {
	Registry *Registry
	Executor *exclusive.Executor
	Bus      *cluster.Bus
	Logger   *zap.Logger
}

// Reloader coordinates schema reloads across the instances sharing a repository.
type Reloader struct {
	registry *Registry
	executor *exclusive.Executor
	bus      *cluster.Bus
	logger   *zap.Logger

	mu    sync.Mutex
	hooks []func()
}

// NewReloader constructs a Reloader and subscribes it to remote reset messages.
func NewReloader(cfg ReloaderConfig) (*Reloader, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Executor == nil {
		return nil, errMissingExecutor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reloader := &Reloader{
		registry: cfg.Registry,
		executor: cfg.Executor,
		bus:      cfg.Bus,
		logger:   logger,
	}
	if cfg.Bus != nil {
		cfg.Bus.Handle(MessageReset, reloader.handleRemoteReset)
	}
	return reloader, nil
}

// OnReset registers a hook run after every local or remote reload, e.g. to purge caches
// holding records built against the old types.
func (r *Reloader) OnReset(hook func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// ReloadCluster reloads the schema and tells the other instances to do the same.
// When another caller is already reloading it waits for that reload and returns
// false without reloading again.
func (r *Reloader) ReloadCluster(ctx context.Context) (bool, error) {
	return r.executor.Execute(ctx, ReloadLockKey, exclusive.WaitForReleased, func(ctx context.Context) error {
		if err := r.reloadLocal(ctx); err != nil {
			return err
		}
		if r.bus == nil {
			return nil
		}
		payload := map[string]string{"generation": strconv.FormatInt(r.registry.Generation(), 10)}
		if err := r.bus.Broadcast(ctx, MessageReset, payload); err != nil {
			r.logger.Error("schema reset broadcast failed",
				zap.String("operation", opReloadCluster),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
}

func (r *Reloader) reloadLocal(ctx context.Context) error {
	if err := r.registry.Reload(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
	r.logger.Info("schema reloaded",
		zap.String("operation", opReloadCluster),
		zap.Int64("generation", r.registry.Generation()),
	)
	return nil
}

func (r *Reloader) handleRemoteReset(ctx context.Context, message cluster.Message) {
	if err := r.reloadLocal(ctx); err != nil {
		r.logger.Error("remote schema reset failed",
			zap.String("operation", opRemoteReset),
			zap.String("origin", message.Origin),
			zap.Error(err),
		)
	}
}
