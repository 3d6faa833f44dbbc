// Package api serves the local HTTP inspection surface: the notification
// list and its mutations, connection status, server health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nkkko/clubpulse/internal/auth"
	"github.com/nkkko/clubpulse/internal/health"
	"github.com/nkkko/clubpulse/internal/logging"
	"github.com/nkkko/clubpulse/internal/metrics"
	"github.com/nkkko/clubpulse/internal/notification"
	"github.com/nkkko/clubpulse/internal/telemetry"
	"github.com/nkkko/clubpulse/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// CORS origins allowed to call the surface
	AllowedOrigins []string

	// Path serving Prometheus metrics
	MetricsPath    string
	DisableMetrics bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:8090",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"http://localhost:*"},
		MetricsPath:     "/metrics",
	}
}

// Notifications is the store surface the API reads and mutates
type Notifications interface {
	Records() []notification.Record
	Get(id int64) (notification.Record, bool)
	UnreadCount() int
	UserID() (int64, bool)
	Topic() string
	Refresh(ctx context.Context, page, size int) error
	MarkAsRead(ctx context.Context, id int64) error
	MarkManyAsRead(ctx context.Context, ids []int64) int
	MarkAllAsRead(ctx context.Context) int
	Delete(ctx context.Context, id int64) error
	DeleteMany(ctx context.Context, ids []int64) int
}

// Connection is the transport surface the API exposes
type Connection interface {
	State() transport.State
	RetryCount() int
	Reconnect() error
}

// Health is the offline indicator surface
type Health interface {
	Status() health.Status
	Dismiss()
}

// Session accepts a new bearer token
type Session interface {
	SetToken(token string) error
	Invalidate()
	Identity() auth.Identity
}

// Toasts lists recent user-facing errors
type Toasts interface {
	Recent() []notification.Toast
}

// Deps are the components behind the API
type Deps struct {
	Notifications Notifications
	Connection    Connection
	Health        Health
	Session       Session
	Toasts        Toasts

	// Stream serves the change event stream. Optional.
	Stream http.Handler
}

// API handles HTTP endpoints
type API struct {
	config  Config
	deps    Deps
	router  chi.Router
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewAPI creates a new API instance with its routes registered
func NewAPI(config Config, deps Deps) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaults.MetricsPath
	}

	a := &API{
		config:  config,
		deps:    deps,
		logger:  log.With().Str("component", "api").Logger(),
		metrics: metrics.GetMetrics(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware())
	r.Use(logging.HTTPMiddleware())
	r.Use(a.metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	a.registerRoutes(r)
	a.router = r

	return a
}

// Handler returns the routed handler
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves until ctx is cancelled, then shuts the server down gracefully
func (a *API) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	a.logger.Info().Msg("Shutting down API server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (a *API) registerRoutes(r chi.Router) {
	timeout := middleware.Timeout(a.config.WriteTimeout)

	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
		r.Get("/readyz", a.handleReady)
		if !a.config.DisableMetrics {
			r.Handle(a.config.MetricsPath, promhttp.Handler())
		}

		r.Route("/status", func(r chi.Router) {
			r.Get("/", a.handleStatus)
			r.Post("/reconnect", a.handleReconnect)
			r.Post("/dismiss-offline", a.handleDismissOffline)
		})

		r.Put("/session/token", a.handleSetToken)
	})

	r.Route("/notifications", func(r chi.Router) {
		// Long-lived, so outside the request timeout
		if a.deps.Stream != nil {
			r.Get("/stream", a.deps.Stream.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Get("/", a.handleListNotifications)
			r.Delete("/", a.handleDeleteMany)
			r.Get("/unread-count", a.handleUnreadCount)
			r.Post("/refresh", a.handleRefresh)
			r.Post("/read", a.handleMarkManyAsRead)
			r.Post("/read-all", a.handleMarkAllAsRead)
			r.Get("/{id}", a.handleGetNotification)
			r.Post("/{id}/read", a.handleMarkAsRead)
			r.Delete("/{id}", a.handleDelete)
		})
	})
}

func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
