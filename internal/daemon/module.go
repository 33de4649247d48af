// Package daemon composes the sync daemon: store, transport, outbox,
// reconciliation engine, and projector, wired through fx with lifecycle
// hooks for clean startup and shutdown.
package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/api"
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/creds"
	"github.com/courier-im/courier/internal/engine"
	"github.com/courier-im/courier/internal/lock"
	"github.com/courier-im/courier/internal/logging"
	"github.com/courier-im/courier/internal/outbox"
	"github.com/courier-im/courier/internal/projector"
	"github.com/courier-im/courier/internal/session"
	"github.com/courier-im/courier/internal/status"
	"github.com/courier-im/courier/internal/store"
	"github.com/courier-im/courier/internal/transport"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCreds,
			provideTransport,
			provideOutbox,
			provideEngine,
			provideProjector,
			api.NewMessageService,
			provideConversationService,
			api.NewSyncService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
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
	dbPath := session.DBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideCreds(p Params) creds.Provider {
	return creds.NewFileStore(session.CredsPath(p.SessionName))
}

func provideTransport(p Params, provider creds.Provider, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.New(transport.Config{
		URL:         p.Config.ServerURL,
		Heartbeat:   time.Duration(p.Config.HeartbeatSecs) * time.Second,
		SendTimeout: time.Duration(p.Config.SendTimeoutSecs) * time.Second,
	}, provider, machine, b, logger)
}

func provideOutbox(p Params, db *store.DB, client *transport.Client, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Outbox {
	return outbox.New(db, client, machine, b, logger, p.Config.UserID)
}

func provideEngine(p Params, db *store.DB, client *transport.Client, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(db, client, b, logger, p.Config.UserID)
}

func provideProjector(db *store.DB, client *transport.Client, b *bus.Bus, logger *zap.Logger) *projector.Projector {
	return projector.New(db, b, logger, client)
}

func provideConversationService(proj *projector.Projector, b *bus.Bus, client *transport.Client) *api.ConversationService {
	return api.NewConversationService(proj, b, client)
}

// Services bundles the in-process API an embedding application extracts
// from the daemon, e.g. via fx.Populate.
type Services struct {
	fx.In

	Messages      *api.MessageService
	Conversations *api.ConversationService
	Sync          *api.SyncService
}

func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, svc Services, lk *lock.Lock, db *store.DB, client *transport.Client, ob *outbox.Outbox, eng *engine.Engine, proj *projector.Projector, b *bus.Bus, logger *zap.Logger) {
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx, c := context.WithCancel(context.Background())
			cancel = c

			go eng.Run(ctx)
			go ob.Run(ctx)
			go proj.Run(ctx)

			// Logout is terminal: the daemon shuts down and stays down
			// until a fresh login writes new credentials.
			go func() {
				events, unsub := b.Subscribe("session.", 4)
				defer unsub()
				select {
				case <-ctx.Done():
				case <-events:
					logger.Warn("logged out, shutting down")
					_ = sd.Shutdown()
				}
			}()

			go func() {
				if err := client.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Error("sync connection stopped", zap.Error(err))
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancel != nil {
				cancel()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
