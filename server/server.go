// Package server exposes the ledger and streaming sessions over HTTP and
// websockets.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/xraph/tally"
	"github.com/xraph/tally/account"
	"github.com/xraph/tally/auth"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/payment"
	"github.com/xraph/tally/session"
	"github.com/xraph/tally/types"
)

// Ledger is the subset of the account ledger the HTTP surface uses.
type Ledger interface {
	Get(ctx context.Context, userID string) (*account.Account, error)
	CreateTemp(ctx context.Context, deviceID string, bonus types.Money) (*account.Account, error)
	UpdateProfile(ctx context.Context, userID string, p tally.Profile) (*account.Account, error)
	Disable(ctx context.Context, userID string) error
	RedeemCoupon(ctx context.Context, userID, code string) (bool, error)
}

// Issuer mints bearer tokens.
type Issuer interface {
	auth.Verifier
	Issue(userID string) (string, error)
}

// Server routes client traffic. Routes live under the configured base
// path; /metrics is mounted at the root when a metrics handler is set.
type Server struct {
	ledger   Ledger
	sessions *session.Manager
	ingest   *payment.Ingest
	tokens   Issuer
	config   *config.Holder

	router      *mux.Router
	upgrader    websocket.Upgrader
	limiter     *RateLimiter
	metrics     http.Handler
	middlewares []mux.MiddlewareFunc
	logger      *slog.Logger

	addr            string
	basePath        string
	readLimit       int64
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMiddleware adds router middleware, e.g. request instrumentation.
func WithMiddleware(mw ...mux.MiddlewareFunc) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mw...) }
}

// WithRateLimiter replaces the per-client rate limiter. A nil limiter
// disables rate limiting.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithAddr overrides the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// New builds a Server. Listen settings and the base path are taken from
// the configuration current at construction time.
func New(l Ledger, sessions *session.Manager, ingest *payment.Ingest, tokens Issuer, cfg *config.Holder, opts ...Option) *Server {
	raw := cfg.Load().Raw().Server

	s := &Server{
		ledger:          l,
		sessions:        sessions,
		ingest:          ingest,
		tokens:          tokens,
		config:          cfg,
		logger:          slog.Default(),
		addr:            raw.Addr,
		basePath:        "/" + strings.Trim(raw.BasePath, "/"),
		readLimit:       1 << 20,
		readTimeout:     raw.ReadTimeout,
		writeTimeout:    raw.WriteTimeout,
		shutdownTimeout: raw.ShutdownTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if raw.RateLimit > 0 {
		s.limiter = NewRateLimiter(raw.RateLimit, max(raw.RateBurst, 1), nil)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter != nil {
		s.limiter.logger = s.logger
	}
	if s.basePath == "/" {
		s.basePath = ""
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	var base *mux.Router
	if s.basePath == "" {
		base = r.NewRoute().Subrouter()
	} else {
		base = r.PathPrefix(s.basePath).Subrouter()
	}
	base.Use(requestLogger(s.logger))
	base.Use(s.middlewares...)
	if s.limiter != nil {
		base.Use(s.limiter.Handler)
	}

	base.HandleFunc("/ws/", s.handleSocket).Methods(http.MethodGet)
	base.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)

	base.HandleFunc("/users/temp", s.handleTempUser).Methods(http.MethodPost)
	base.HandleFunc("/productids", s.handleProductIDs).Methods(http.MethodGet)
	base.HandleFunc("/server/status", s.handleStatus).Methods(http.MethodGet)
	base.HandleFunc("/notice", s.handleNotice).Methods(http.MethodGet)

	base.HandleFunc("/app_server_notifications_production", s.handleNotification("production")).Methods(http.MethodPost)
	base.HandleFunc("/app_server_notifications_sandbox", s.handleNotification("sandbox")).Methods(http.MethodPost)

	users := base.PathPrefix("/users").Subrouter()
	users.Use(auth.Middleware(s.tokens, s.logger))
	users.HandleFunc("/redeem", s.handleRedeem).Methods(http.MethodPost)
	users.HandleFunc("", s.handleGetUser).Methods(http.MethodGet)
	users.HandleFunc("", s.handleUpdateUser).Methods(http.MethodPut)
	users.HandleFunc("", s.handleDeleteUser).Methods(http.MethodDelete)

	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// BasePath returns the prefix every client route is mounted under.
func (s *Server) BasePath() string { return s.basePath }

// Run listens until ctx is cancelled, then shuts down: HTTP handlers are
// drained and open sessions are cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr, "base_path", s.basePath)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.shutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("http server shutting down", "active_sessions", s.sessions.Registry().Len())
	s.sessions.Registry().CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
