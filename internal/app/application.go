// Package app assembles the server from its components and owns their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"courier/internal/api"
	"courier/internal/bridge"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/event"
	"courier/internal/gateway"
	"courier/internal/logger"
	"courier/internal/protocol"
	"courier/internal/qos"
	"courier/internal/router"
	"courier/internal/session"
	"courier/internal/storage"
)

// Options carries the hooks an embedding application can plug in. Every
// field may be nil: logins are then accepted unconditionally, events
// discarded, and no bridge configured.
type Options struct {
	Listener    event.Listener
	QoSListener event.QoSListener
	Auth        router.AuthFunc
	Bridge      bridge.Bridge
}

// service is anything with the gateway/store lifecycle.
type service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Application coordinates all components. Construction order follows the
// dependency chain: storage, registry, dispatcher, QoS stores, router,
// gateways, API.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	registry     *session.Registry
	dispatcher   *delivery.Dispatcher
	sendStore    *qos.SendStore
	receiveStore *qos.ReceiveStore
	router       *router.Router
	store        *storage.Store

	services []service
	started  []service
}

// NewApplication builds and wires every component; nothing starts until
// Start.
func NewApplication(cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log := logger.New(cfg.Log.Level)

	listener := event.Listener(event.NopListener{})
	if opts.Listener != nil {
		listener = event.Guard(opts.Listener, log)
	}
	var qosListener event.QoSListener
	if opts.QoSListener != nil {
		qosListener = event.GuardQoS(opts.QoSListener, log)
	}
	relay := opts.Bridge
	if relay == nil {
		relay = bridge.Disabled{}
	}

	app := &Application{
		cfg:    cfg,
		logger: log,
	}

	var offline delivery.OfflineStore
	if cfg.Storage.Enabled {
		store, err := storage.Open(cfg.Storage.Path, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open offline store: %w", err)
		}
		app.store = store
		offline = &offlineAdapter{store: store}
	}

	app.registry = session.NewRegistry(log)
	app.receiveStore = qos.NewReceiveStore(cfg.QoS.ReceiveSweep, cfg.QoS.ReceiveRetention, log)
	app.dispatcher = delivery.NewDispatcher(app.registry, relay, app.receiveStore, listener, offline, log)
	app.sendStore = qos.NewSendStore(cfg.QoS.RetryInterval, cfg.QoS.MaxRetries,
		app.dispatcher.Retransmit, qosListener, log)
	app.dispatcher.SetSendStore(app.sendStore)

	app.registry.SetKickHandler(app.dispatcher.Kick)
	app.registry.SetOfflineHandler(listener.UserLogout)

	// Queued offline messages flow out as soon as their recipient is back.
	routerListener := listener
	if app.store != nil {
		routerListener = &drainingListener{Listener: listener, app: app}
	}

	app.router = router.NewRouter(app.registry, app.dispatcher, app.receiveStore,
		app.sendStore, routerListener, opts.Auth, log)

	app.services = append(app.services, app.receiveStore, app.sendStore)
	if cfg.TCP.Enabled {
		app.services = append(app.services, gateway.NewTCPGateway(cfg.TCP, app.router, log))
	}
	if cfg.UDP.Enabled {
		app.services = append(app.services, gateway.NewUDPGateway(cfg.UDP, app.router, log))
	}
	if cfg.WebSocket.Enabled {
		app.services = append(app.services, gateway.NewWebSocketGateway(cfg.WebSocket, app.router, log))
	}
	if cfg.API.Enabled {
		var apiStore api.OfflineStore
		if app.store != nil {
			apiStore = app.store
		}
		app.services = append(app.services,
			api.NewServer(cfg.API, app.registry, app.dispatcher, app.sendStore, app.receiveStore, apiStore, log))
	}

	return app, nil
}

// Start brings every component up in dependency order. A failure stops
// the components already started.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("Starting server",
		"tcp", app.cfg.TCP.Enabled, "udp", app.cfg.UDP.Enabled,
		"websocket", app.cfg.WebSocket.Enabled, "api", app.cfg.API.Enabled)

	for _, svc := range app.services {
		if err := svc.Start(ctx); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = app.stopStarted(stopCtx)
			return err
		}
		app.started = append(app.started, svc)
	}

	app.logger.Info("Server started")
	return nil
}

// Stop shuts components down in reverse order, then closes the offline
// store.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("Shutting down server")
	err := app.stopStarted(ctx)

	if app.store != nil {
		if cerr := app.store.Close(); cerr != nil {
			app.logger.Warn("Offline store close failed", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}

	app.logger.Info("Server shutdown complete")
	return err
}

func (app *Application) stopStarted(ctx context.Context) error {
	var firstErr error
	for i := len(app.started) - 1; i >= 0; i-- {
		if err := app.started[i].Stop(ctx); err != nil {
			app.logger.Warn("Component shutdown failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	app.started = nil
	return firstErr
}

// SendToUser delivers a server-originated message to a user, online or
// not.
func (app *Application) SendToUser(userID, dataContent string, needQoS bool, appType int) error {
	msg := protocol.NewCommonData(dataContent, protocol.ServerID, userID, needQoS, "", appType)
	return app.dispatcher.SendToUser(userID, msg)
}

// KickUser forces a user offline with the admin kickout code.
func (app *Application) KickUser(userID, reason string) error {
	return app.dispatcher.KickUser(userID, reason)
}

// Registry exposes the online-user registry for read access.
func (app *Application) Registry() *session.Registry {
	return app.registry
}

// offlineAdapter narrows the storage API to what the dispatcher needs.
type offlineAdapter struct {
	store *storage.Store
}

func (a *offlineAdapter) SaveOffline(msg *protocol.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.store.Save(ctx, msg)
}

// drainingListener flushes a user's offline queue after each successful
// login, then forwards the event.
type drainingListener struct {
	event.Listener
	app *Application
}

func (l *drainingListener) UserLogin(userID, extra string, firstLoginTime int64) {
	l.Listener.UserLogin(userID, extra, firstLoginTime)
	go l.app.deliverQueued(userID)
}

func (app *Application) deliverQueued(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msgs, err := app.store.FetchAndClear(ctx, userID)
	if err != nil {
		app.logger.Error("Offline queue fetch failed", "user_id", userID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	app.logger.Info("Delivering queued messages", "user_id", userID, "count", len(msgs))
	for _, msg := range msgs {
		if err := app.dispatcher.Dispatch(nil, msg); err != nil {
			app.logger.Warn("Queued delivery failed", "user_id", userID, "error", err)
		}
	}
}
