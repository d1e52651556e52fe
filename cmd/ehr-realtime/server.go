package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ehr-realtime/internal/config"
	"github.com/ehr/ehr-realtime/internal/domain/chat"
	"github.com/ehr/ehr-realtime/internal/domain/notification"
	"github.com/ehr/ehr-realtime/internal/domain/simulation"
	"github.com/ehr/ehr-realtime/internal/platform/auth"
	"github.com/ehr/ehr-realtime/internal/platform/db"
	"github.com/ehr/ehr-realtime/internal/platform/logging"
	"github.com/ehr/ehr-realtime/internal/platform/middleware"
	"github.com/ehr/ehr-realtime/internal/platform/pubsub"
	"github.com/ehr/ehr-realtime/internal/platform/telemetry"
	"github.com/ehr/ehr-realtime/internal/platform/websocket"
	"github.com/ehr/ehr-realtime/internal/realtime"
)

const (
	shutdownTimeout = 10 * time.Second
	apiTimeout      = 30 * time.Second
)

// routeRegistrar is implemented by every REST handler mounted under /api/v1.
type routeRegistrar interface {
	RegisterRoutes(api *echo.Group)
}

// server holds what newEcho needs to build the HTTP surface.
type server struct {
	cfg      *config.Config
	log      zerolog.Logger
	metrics  *telemetry.Metrics
	hub      *websocket.Hub
	authn    auth.Authenticator
	dbHealth echo.HandlerFunc
	ws       *websocket.Handler
	apis     []routeRegistrar
}

// warnDevAuth reports whether development auth is on, logging a warning
// when it is.
func warnDevAuth(cfg *config.Config, logger zerolog.Logger) bool {
	if cfg.ResolvedAuthMode() != "development" {
		return false
	}
	logger.Warn().
		Str("env", cfg.Env).
		Str("auth_mode", cfg.AuthMode).
		Msg("development auth enabled; unsigned userId:role bearer tokens are trusted. Set ENV=production or AUTH_MODE=jwt to require signed tokens")
	return true
}

func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	switch mode := cfg.ResolvedAuthMode(); mode {
	case "development":
		return auth.DevAuthenticator{}, nil
	case "jwt":
		key, err := cfg.SigningKey()
		if err != nil {
			return nil, err
		}
		a, err := auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: key,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

func wsConfig(cfg *config.Config) websocket.Config {
	wc := websocket.DefaultConfig()
	wc.PingInterval = cfg.WSPingInterval
	wc.PongWait = cfg.WSHeartbeatTimeout
	if cfg.WSWriteWait > 0 {
		wc.WriteWait = cfg.WSWriteWait
	}
	if cfg.WSMaxMessageSize > 0 {
		wc.MaxMessageSize = cfg.WSMaxMessageSize
	}
	wc.AllowedOrigins = cfg.CORSOrigins
	return wc
}

func newEcho(s *server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(s.log))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.log))
	e.Use(middleware.SecurityHeaders())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"connections": s.hub.Registry.Count(),
			"users":       s.hub.Registry.Users(),
			"rooms":       s.hub.Rooms.Count(),
		})
	})
	if s.dbHealth != nil {
		e.GET("/health/db", s.dbHealth)
	}
	e.GET("/metrics", s.metrics.PrometheusHandler())

	if s.ws != nil {
		s.ws.RegisterRoutes(e.Group(""))
	}

	rl := middleware.RateLimitConfig{
		RequestsPerSecond: s.cfg.RateLimitRPS,
		BurstSize:         s.cfg.RateLimitBurst,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rl),
		middleware.RequestTimeout(apiTimeout),
		auth.RequireAuth(s.authn),
	)
	for _, h := range s.apis {
		h.RegisterRoutes(apiV1)
	}
	return e
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Pretty:      cfg.IsDev(),
		ServiceName: "ehr-realtime",
	})

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var bus pubsub.PubSub
	if cfg.RedisURL != "" {
		rb, err := pubsub.NewRedisPubSub(ctx, pubsub.DefaultConfig(cfg.RedisURL), logger)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer rb.Close()
		bus = rb
		logger.Info().Str("prefix", cfg.RedisChannelPrefix).Msg("cross-instance relay enabled")
	} else {
		logger.Warn().Msg("REDIS_URL not set, events stay on this instance")
	}

	authn, err := buildAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("build authenticator: %w", err)
	}
	warnDevAuth(cfg, logger)
	authz := auth.NewRoleAuthorizer()
	if len(cfg.AuthScopedRoles) > 0 {
		if err := authz.ScopeTo(auth.NewAssignmentsPG(pool), cfg.AuthScopedRoles...); err != nil {
			return fmt.Errorf("scope authorizer: %w", err)
		}
		logger.Info().Strs("roles", cfg.AuthScopedRoles).Msg("patient access scoped to assignments")
	}
	origin := uuid.NewString()

	metrics := telemetry.New()
	hub := websocket.NewHub(logger, metrics)

	ch := chat.NewChannel(chat.NewMessageRepoPG(pool), hub, chat.Config{
		TypingExpiry:   cfg.TypingExpiry,
		PersistTimeout: cfg.PersistTimeout,
	}, logger, metrics)
	defer ch.Close()

	co, err := simulation.NewCoordinator(simulation.NewSessionRepoPG(pool), hub, simulation.Config{
		AbandonAfter:   cfg.SessionAbandonWait,
		PersistTimeout: cfg.PersistTimeout,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("build session coordinator: %w", err)
	}
	defer co.Close()

	notifications := notification.NewService(notification.NewRepoPG(pool), hub, bus, nil, notification.Config{
		PersistTimeout: cfg.PersistTimeout,
		ChannelPrefix:  cfg.RedisChannelPrefix,
		Origin:         origin,
	}, logger, metrics)

	relay := realtime.NewRelay(bus, hub, cfg.RedisChannelPrefix, origin, logger, metrics)
	logger = logger.With().Str("instance", relay.Origin()).Logger()
	router := realtime.NewRouter(hub, authz, ch, co, realtime.NewPresence(), relay, realtime.Config{
		EventRPS:       cfg.WSEventRPS,
		EventBurst:     cfg.WSEventBurst,
		PublishTimeout: cfg.PersistTimeout,
	}, logger, metrics)

	e := newEcho(&server{
		cfg:      cfg,
		log:      logger,
		metrics:  metrics,
		hub:      hub,
		authn:    authn,
		dbHealth: db.HealthHandler(pool),
		ws:       websocket.NewHandler(hub, authn, router, wsConfig(cfg), logger),
		apis: []routeRegistrar{
			chat.NewHandler(ch, authz),
			simulation.NewHandler(co),
			notification.NewHandler(notifications),
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return hub.Sweep(gctx, cfg.WSPingInterval, cfg.WSHeartbeatTimeout)
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		hub.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
