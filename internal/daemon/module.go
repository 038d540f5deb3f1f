package daemon

import (
	"context"
	"time"

	"github.com/mnlima/huddle/internal/api"
	"github.com/mnlima/huddle/internal/bus"
	"github.com/mnlima/huddle/internal/config"
	"github.com/mnlima/huddle/internal/lock"
	"github.com/mnlima/huddle/internal/logging"
	"github.com/mnlima/huddle/internal/outbox"
	"github.com/mnlima/huddle/internal/receipts"
	"github.com/mnlima/huddle/internal/session"
	"github.com/mnlima/huddle/internal/status"
	"github.com/mnlima/huddle/internal/store"
	"github.com/mnlima/huddle/internal/stream"
	intsync "github.com/mnlima/huddle/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks. Every service is an explicitly constructed object with an
// init/teardown lifecycle tied to the session; nothing is process-global.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideAPIClient,
			provideReconciler,
			provideSource,
			provideEngine,
			provideSender,
			provideTracker,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideAPIClient(p Params, cfg *config.Config, logger *zap.Logger) (*api.Client, error) {
	tokenPath := cfg.Server.TokenPath
	if tokenPath == "" {
		tokenPath = session.TokenPath(p.SessionName)
	}
	token, err := api.LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}
	return api.New(cfg.Server.BaseURL, token, logger)
}

func provideReconciler(client *api.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(client.UserID(), db, b, logger)
}

func provideSource(p Params, cfg *config.Config, client *api.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger) (stream.Source, error) {
	tokenPath := cfg.Server.TokenPath
	if tokenPath == "" {
		tokenPath = session.TokenPath(p.SessionName)
	}
	token, err := api.LoadToken(tokenPath)
	if err != nil {
		return nil, err
	}
	return stream.New(cfg, token, client, b, machine, logger)
}

func provideEngine(rec *intsync.Reconciler, client *api.Client, source stream.Source, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(rec, client, source, b, machine, logger)
}

func provideSender(db *store.DB, rec *intsync.Reconciler, client *api.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, rec, client, b, logger)
}

func provideTracker(rec *intsync.Reconciler, client *api.Client, logger *zap.Logger) *receipts.Tracker {
	return receipts.NewTracker(rec, client, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *Server,
	lk *lock.Lock,
	client *api.Client,
	source stream.Source,
	engine *intsync.Engine,
	sender *outbox.Sender,
	tracker *receipts.Tracker,
	machine *status.Machine,
	logger *zap.Logger,
) {
	runCtx, cancelRun := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes to stream.* before the source starts so
			// the first Connected event is never missed.
			engine.Start(runCtx)
			sender.Start(runCtx)
			tracker.Start(runCtx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("local API server error", zap.Error(err))
				}
			}()

			if client.Identity().Expired(time.Now()) {
				// Serve the cached view read-only until a fresh token lands.
				logger.Warn("bearer token expired; not connecting")
				_ = machine.Transition(status.AuthRequired)
				return nil
			}

			go func() {
				if err := source.Run(runCtx); err != nil && runCtx.Err() == nil {
					logger.Error("update source stopped", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelRun()
			tracker.Stop()
			sender.Stop()
			engine.Stop()
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			srv.Stop(stopCtx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
