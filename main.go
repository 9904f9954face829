package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"kanban-sync/api"
	"kanban-sync/board"
	"kanban-sync/config"
	"kanban-sync/domain"
	"kanban-sync/live"
	"kanban-sync/remote"
	"kanban-sync/storage"
	"kanban-sync/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "kanban-sync", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.WithError(err).Warn("tracer shutdown")
		}
	}()

	columns, err := config.LoadColumns(cfg.ColumnsFile)
	if err != nil {
		log.Fatalf("columns: %v", err)
	}

	var rc *redis.Client
	if cfg.RedisConnection != "" {
		redisOpts, err := config.ParseRedisOptions(cfg.RedisConnection)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(redisOpts)
		defer rc.Close()
	}

	client := remote.NewClient(cfg.APIURL, remote.WithLogger(log.WithField("component", "remote")))
	cache := storage.NewCache(client, rc, cfg.BoardCacheTTL)

	reg := api.NewRegistry(cache,
		api.WithSources(liveSources(cfg, rc), live.Options{
			InitialBackoff: cfg.ReconnectInitial,
			MaxBackoff:     cfg.ReconnectMax,
			Logger:         log.WithField("component", "live"),
		}),
		api.WithViewOptions(
			board.WithColumns(columns),
			board.WithRequestTimeout(cfg.RequestTimeout),
			board.WithReconcilerOptions(
				board.WithFailurePolicy(cfg.Policy()),
				board.WithImplicitCreate(cfg.ImplicitCreate),
			),
		),
		api.WithIdleTimeout(cfg.ViewIdle),
		api.WithEvictor(cache),
	)
	defer reg.Close()

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, reg, client, auth, log.StandardLogger())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
	}()

	log.WithFields(log.Fields{"port": cfg.Port, "live_source": cfg.LiveSource}).Info("kanban-sync listening")
	if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server: %v", err)
	}
}

func liveSources(cfg config.Config, rc *redis.Client) api.SourceFactory {
	switch cfg.LiveSource {
	case config.LiveSourceWebSocket:
		return func(sess domain.Session) live.Source {
			return live.WebSocketSource{URL: cfg.WSURL, Token: sess.Token}
		}
	case config.LiveSourceRedis:
		return func(domain.Session) live.Source {
			return live.RedisSource{Client: rc, Channel: cfg.LiveChannel}
		}
	}
	return nil
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	if cfg.AuthTestMode {
		return api.NewTestAuth([]byte(cfg.TestJWTSecret), cfg.SessionCookie), nil
	}
	var jwks *keyfunc.JWKS
	if url := cfg.JWKSURL(); url != "" {
		var err error
		if jwks, err = keyfunc.Get(url, keyfunc.Options{}); err != nil {
			return nil, err
		}
	}
	return api.NewAuth(jwks, cfg.Auth0Audience, cfg.Issuer(), cfg.SessionCookie), nil
}
