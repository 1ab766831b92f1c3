package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/config"
	"taskboard/notify"
	"taskboard/remote/api"
	"taskboard/remote/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("BOARD_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := log.New()
	logger.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}

	redisOpts, err := config.RedisOptions(cfg.Redis)
	if err != nil {
		logger.Fatal(err)
	}
	rc := redis.NewClient(redisOpts)

	var repo storage.Repository = storage.NewRedis(rc, "board")
	if cfg.Storage.ConnectionString != "" {
		tables, err := storage.NewTables(cfg.Storage.ConnectionString, cfg.Storage.Table)
		if err != nil {
			logger.Fatalf("storage: %v", err)
		}
		repo = storage.NewCache(tables, rc, cfg.Server.CacheTTL)
	}

	publishers := notify.Multi{notify.NewRedisPublisher(rc, cfg.Events.Channel)}
	if cfg.Events.Queue != "" && cfg.Storage.ConnectionString != "" {
		qp, err := notify.NewQueuePublisher(cfg.Storage.ConnectionString, cfg.Events.Queue)
		if err != nil {
			logger.Fatalf("events queue: %v", err)
		}
		publishers = append(publishers, qp)
	}

	events := notify.NewAsync(publishers, notify.AsyncOptions{
		Workers: cfg.Server.PublishWorkers,
		Buffer:  cfg.Server.PublishBuffer,
		Handoff: cfg.Server.PublishHandoff,
		Logger:  logger,
	})

	auth, err := newAuth(cfg.Auth)
	if err != nil {
		logger.Fatal(err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding, "Idempotency-Key"},
	}))
	api.Register(e, api.Deps{
		Repo:      repo,
		Auth:      auth,
		Dedupe:    api.NewRedisDeduper(rc, cfg.Server.DedupeTTL),
		Publisher: events,
		Health:    func(ctx context.Context) error { return rc.Ping(ctx).Err() },
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.WithField("addr", cfg.Server.ListenAddr).Info("board api listening")
		if err := e.Start(cfg.Server.ListenAddr); err != nil {
			logger.WithError(err).Info("server stopped")
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown")
	}
	events.Close()
	_ = rc.Close()
}

func newAuth(cfg config.Auth) (*api.Auth, error) {
	if cfg.TestSecret != "" {
		return api.NewAuth(api.AuthConfig{SharedSecret: cfg.TestSecret, Audience: cfg.Audience, KeyCacheTTL: cfg.KeyCacheTTL}), nil
	}
	if cfg.Audience == "" || cfg.Domain == "" {
		return nil, fmt.Errorf("missing Auth0 config")
	}
	jwks, err := keyfunc.Get(fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Domain), keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    cfg.Audience,
		Issuer:      "https://" + cfg.Domain + "/",
		KeyCacheTTL: cfg.KeyCacheTTL,
	}), nil
}
