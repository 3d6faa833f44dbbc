// Package engine owns the lifecycle of every clubpulse component: it builds
// them once from configuration, runs them together and tears them down on
// every exit path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/nkkko/clubpulse/internal/api"
	"github.com/nkkko/clubpulse/internal/auth"
	"github.com/nkkko/clubpulse/internal/config"
	"github.com/nkkko/clubpulse/internal/gateway"
	"github.com/nkkko/clubpulse/internal/health"
	"github.com/nkkko/clubpulse/internal/notification"
	"github.com/nkkko/clubpulse/internal/notifier"
	"github.com/nkkko/clubpulse/internal/storage"
	"github.com/nkkko/clubpulse/internal/telemetry"
	"github.com/nkkko/clubpulse/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of all clubpulse components
type Engine struct {
	config    *config.Config
	kv        storage.KV
	session   *auth.Session
	gateway   *gateway.Client
	transport *transport.Client
	toasts    *notification.ToastBuffer
	store     *notification.Store
	stream    *notifier.Notifier
	health    *health.Monitor
	api       *api.API
	logger    zerolog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// CreateEngine creates a new Engine with all components initialized from cfg
func CreateEngine(cfg *config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	kv, err := storage.NewKV(cfg.ToStorageConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	e, err := build(cfg, kv)
	if err != nil {
		kv.Close()
		return nil, err
	}
	return e, nil
}

func build(cfg *config.Config, kv storage.KV) (*Engine, error) {
	session, err := auth.NewSession(kv)
	if err != nil {
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}
	if cfg.Auth.Token != "" {
		if err := session.SetToken(cfg.Auth.Token); err != nil {
			return nil, fmt.Errorf("configured auth token: %w", err)
		}
	}

	gw, err := gateway.New(cfg.ToGatewayConfig(), session, gateway.WithUnauthenticatedHandler(session.Invalidate))
	if err != nil {
		return nil, err
	}

	dialer, err := NewDialer(cfg.Broker.URL)
	if err != nil {
		return nil, err
	}
	client := transport.New(cfg.ToTransportConfig(), dialer, transport.WithHeaderProvider(bearerHeaders(session)))

	toasts := notification.NewToastBuffer(cfg.Store.ToastLimit)
	store, err := notification.NewStore(gw, client, toasts, cfg.ToStoreOptions())
	if err != nil {
		return nil, err
	}

	stream := notifier.NewNotifier(cfg.ToNotifierConfig(), store)
	store.OnChange(stream.Notify)

	monitor := health.NewMonitor(cfg.ToHealthConfig(), nil)

	surface := api.NewAPI(cfg.ToAPIConfig(), api.Deps{
		Notifications: store,
		Connection:    client,
		Health:        monitor,
		Session:       session,
		Toasts:        toasts,
		Stream:        stream,
	})

	return &Engine{
		config:    cfg,
		kv:        kv,
		session:   session,
		gateway:   gw,
		transport: client,
		toasts:    toasts,
		store:     store,
		stream:    stream,
		health:    monitor,
		api:       surface,
		logger:    log.With().Str("component", "engine").Logger(),
	}, nil
}

// NewDialer picks the transport by URL scheme: http(s) performs the SockJS
// handshake, ws(s) dials a plain WebSocket
func NewDialer(rawURL string) (transport.Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return transport.NewSockJSDialer(), nil
	case "ws", "wss":
		return transport.NewWebSocketDialer(), nil
	default:
		return nil, fmt.Errorf("unsupported broker URL scheme %q", u.Scheme)
	}
}

func bearerHeaders(session *auth.Session) transport.HeaderProvider {
	return func() map[string]string {
		token := session.Token()
		if token == "" {
			return nil
		}
		return map[string]string{"Authorization": "Bearer " + token}
	}
}

// Store returns the notification store
func (e *Engine) Store() *notification.Store {
	return e.store
}

// Transport returns the broker client
func (e *Engine) Transport() *transport.Client {
	return e.transport
}

// Session returns the auth session
func (e *Engine) Session() *auth.Session {
	return e.session
}

// API returns the local HTTP surface
func (e *Engine) API() *api.API {
	return e.api
}

// Start runs every component until ctx is cancelled or one of them fails,
// then shuts everything down
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting clubpulse engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
		telShutdown = func(context.Context) error { return nil }
	}
	defer func() {
		if err := telShutdown(context.Background()); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	if err := e.transport.Start(ctx); err != nil {
		_ = e.Shutdown(context.Background())
		return err
	}

	g.Go(func() error {
		return e.followIdentity(ctx)
	})

	g.Go(func() error {
		return e.health.Run(ctx)
	})

	g.Go(func() error {
		return e.api.Start(ctx)
	})

	runErr := g.Wait()
	if err := e.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("error running engine: %w", runErr)
	}

	e.logger.Info().Msg("clubpulse engine shut down successfully")
	return nil
}

// followIdentity rebinds the store every time the session's user changes
func (e *Engine) followIdentity(ctx context.Context) error {
	identities, cancel := e.session.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case identity := <-identities:
			if err := e.store.SetUser(ctx, identity.UserID); err != nil && ctx.Err() == nil {
				e.logger.Warn().Err(err).Msg("Initial notification fetch failed")
			}
		}
	}
}

// Shutdown releases every component in dependency order. It is idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.logger.Info().Msg("Shutting down clubpulse engine")

		if err := e.stream.Shutdown(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close change stream")
		}

		e.store.Close()

		if err := e.transport.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close broker connection")
		}

		if err := e.kv.Close(); err != nil {
			e.logger.Error().Err(err).Msg("Failed to close storage")
			e.shutdownErr = err
		}
	})
	return e.shutdownErr
}
