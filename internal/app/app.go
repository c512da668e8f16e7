// Package app assembles a running repository instance from its configuration.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/nodestore/internal/auth"
	"github.com/MarcoPoloResearchLab/nodestore/internal/cluster"
	"github.com/MarcoPoloResearchLab/nodestore/internal/config"
	"github.com/MarcoPoloResearchLab/nodestore/internal/content"
	"github.com/MarcoPoloResearchLab/nodestore/internal/exclusive"
	"github.com/MarcoPoloResearchLab/nodestore/internal/indexing"
	"github.com/MarcoPoloResearchLab/nodestore/internal/metrics"
	"github.com/MarcoPoloResearchLab/nodestore/internal/saving"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/server"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storage"
	"github.com/MarcoPoloResearchLab/nodestore/internal/users"
	"github.com/MarcoPoloResearchLab/nodestore/internal/versioning"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const clusterBufferSize = 64

var (
	errMissingDatabase = errors.New("app: database required")
)

// Options carries what Build needs besides the configuration.
type Options struct {
	Config    config.AppConfig
	Database  *gorm.DB
	// Transport connects this instance to its peers. A private loopback hub is used when nil.
	Transport cluster.Transport
	Logger    *zap.Logger
}

// App is a wired repository instance.
type App struct {
	Handler  http.Handler
	Tokens   *auth.TokenIssuer
	Content  *content.Service
	Users    *users.Service
	Metrics  *metrics.Collector
	Registry *schema.Registry

	bus *cluster.Bus
	hub *cluster.LoopbackHub
}

// Build loads the node types and wires every component of the repository.
func Build(ctx context.Context, opts Options) (*App, error) {
	if opts.Database == nil {
		return nil, errMissingDatabase
	}
	cfg := opts.Config
	db := opts.Database
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := metrics.NewCollector()

	source, err := schema.NewDatabaseSource(db)
	if err != nil {
		return nil, err
	}
	registry := schema.NewRegistry(source)
	if err := registry.Reload(ctx); err != nil {
		return nil, err
	}

	provider, err := storage.NewProvider(storage.Config{
		Database: db,
		Types:    registry,
		Metrics:  collector,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	securityStore, err := security.NewStore(security.StoreConfig{Database: db})
	if err != nil {
		return nil, err
	}
	indexStore, err := indexing.NewStore(indexing.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	recordCache, err := versioning.NewRecordCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	resolver, err := versioning.NewResolver(versioning.Config{
		Storage:     provider,
		Permissions: securityStore,
		Cache:       recordCache,
		UserID:      security.UserID,
		Metrics:     collector,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	saver, err := saving.NewSaver(saving.Config{
		Storage:      provider,
		Indexer:      indexStore,
		Entities:     securityStore,
		Cache:        recordCache,
		MaxAttempts:  cfg.SaveMaxAttempts,
		RetryBackoff: cfg.SaveRetryBackoff,
		Metrics:      collector,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	lockProvider, err := exclusive.NewGormLockProvider(db, nil)
	if err != nil {
		return nil, err
	}
	executor, err := exclusive.NewExecutor(exclusive.Config{
		Provider: lockProvider,
		Options: exclusive.Options{
			LockTimeout:  cfg.LockTimeout,
			PollInterval: cfg.LockPollInterval,
			WaitTimeout:  cfg.LockWaitTimeout,
		},
		Metrics: collector,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	transport := opts.Transport
	var hub *cluster.LoopbackHub
	if transport == nil {
		hub = cluster.NewLoopbackHub(clusterBufferSize)
		transport = hub
	}
	bus, err := cluster.NewBus(cluster.BusConfig{Transport: transport, InstanceID: cfg.InstanceID, Logger: logger})
	if err != nil {
		return nil, err
	}

	reloader, err := schema.NewReloader(schema.ReloaderConfig{
		Registry: registry,
		Executor: executor,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	reloader.OnReset(recordCache.Purge)

	changes := content.NewChangeFeed(content.ChangeFeedConfig{Bus: bus, Cache: recordCache, Logger: logger})
	realtime := server.NewRealtimeDispatcher()
	changes.Subscribe(realtime.NotifyChange)

	contentService, err := content.NewService(content.Config{
		Types:    registry,
		Resolver: resolver,
		Saver:    saver,
		Nodes:    provider,
		Entities: securityStore,
		Index:    indexStore,
		Reloader: reloader,
		Changes:  changes,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return nil, err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.Issuer,
		CookieName:    cfg.CookieName,
	})
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.Issuer,
		TokenTTL:      cfg.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Users:            userService,
		Content:          contentService,
		Realtime:         realtime,
		Metrics:          collector.Handler(),
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	bus.Start(ctx)
	logger.Info("repository ready",
		zap.String("instance_id", bus.InstanceID()),
		zap.Int64("schema_generation", registry.Generation()),
	)

	return &App{
		Handler:  handler,
		Tokens:   tokens,
		Content:  contentService,
		Users:    userService,
		Metrics:  collector,
		Registry: registry,
		bus:      bus,
		hub:      hub,
	}, nil
}

// Close stops the cluster bus and the private hub, if any.
func (a *App) Close() {
	a.bus.Stop()
	if a.hub != nil {
		a.hub.Close()
	}
}
