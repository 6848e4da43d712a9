package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/tyre-check/internal/auth"
	"github.com/example/tyre-check/internal/config"
	"github.com/example/tyre-check/internal/grpchealth"
	"github.com/example/tyre-check/internal/handlers"
	"github.com/example/tyre-check/internal/imageprocessor"
	"github.com/example/tyre-check/internal/logging"
	"github.com/example/tyre-check/internal/model"
	"github.com/example/tyre-check/internal/repository"
	"github.com/example/tyre-check/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires the service and blocks until it stops. Deferred cleanup runs
// before main exits.
func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	scorer, modelInfo, closeModel := loadModel(cfg, logger)
	defer closeModel()

	repo, closeDB := initHistory(ctx, cfg, logger)
	defer closeDB()

	cache, closeCache := initCache(ctx, cfg, logger)
	defer closeCache()

	uc := usecase.NewClassificationUseCase(scorer, repo, cache, logger,
		imageprocessor.WithMaxPixels(cfg.Server.MaxImagePixels))

	gin.SetMode(cfg.Server.GinMode)
	r := gin.New()
	r.Use(handlers.RequestLogger(logger), handlers.Recovery(logger))
	r.MaxMultipartMemory = cfg.Server.MaxUploadBytes

	authMiddleware := auth.JWTMiddleware(auth.Config{Secret: cfg.Auth.JWTSecret, Audience: cfg.Auth.JWTAudience})
	handlers.RegisterRoutes(r, handlers.NewHandler(uc, modelInfo, cfg.Server.MaxUploadBytes), authMiddleware)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var (
		healthServer *grpchealth.Server
		grpcLis      net.Listener
	)
	if cfg.GRPC.Addr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Warn("gRPC health disabled", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
		} else {
			healthServer = grpchealth.NewServer(uc.ModelLoaded(), logger)
		}
	}

	logger.Info("tyre-check API listening",
		zap.String("addr", server.Addr),
		zap.Bool("model_loaded", uc.ModelLoaded()),
	)
	if err := serveAll(server, healthServer, grpcLis, logger, serveOptions{shutdownTimeout: cfg.Server.ShutdownTimeout}); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

// loadModel opens the classifier. A missing or broken model is logged and
// the service keeps running without classification.
func loadModel(cfg *config.Config, logger *zap.Logger) (usecase.Scorer, *model.Metadata, func()) {
	m, err := model.Load(model.Options{
		ModelPath:     cfg.Model.Path,
		MetadataPath:  cfg.Model.MetadataPath,
		SharedLibrary: cfg.Model.SharedLibrary,
	}, logger)
	if err != nil {
		if errors.Is(err, model.ErrModelNotFound) {
			logger.Warn("model file not found, classification disabled", zap.String("path", cfg.Model.Path))
		} else {
			logger.Error("failed to load model, classification disabled", zap.Error(err))
		}
		return nil, nil, func() {}
	}

	if m.Metadata.ImageSize != imageprocessor.InputSize {
		logger.Warn("model image size differs from preprocessing size",
			zap.Int("model_image_size", m.Metadata.ImageSize),
			zap.Int("preprocess_size", imageprocessor.InputSize),
		)
	}
	return m, &m.Metadata, m.Close
}

func initHistory(ctx context.Context, cfg *config.Config, logger *zap.Logger) (usecase.PredictionRepository, func()) {
	if !cfg.HistoryEnabled() {
		logger.Info("prediction history disabled")
		return nil, func() {}
	}

	db, err := repository.OpenDatabase(ctx, repository.DatabaseConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Warn("prediction history unavailable", zap.String("driver", cfg.Database.Driver), zap.Error(err))
		return nil, func() {}
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	repo := repository.NewPredictionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Warn("auto migrate failed, prediction history unavailable", zap.Error(err))
		closeDB()
		return nil, func() {}
	}
	return repo, closeDB
}

func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (usecase.Cache, func()) {
	if cfg.Redis.Addr == "" {
		return nil, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable, result cache disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		client.Close()
		return nil, func() {}
	}
	return usecase.NewRedisCache(client, cfg.Redis.Namespace), func() { client.Close() }
}

type serveOptions struct {
	shutdownTimeout time.Duration
	listener        net.Listener
	signals         <-chan os.Signal
	// done triggers the same graceful shutdown as a signal.
	done <-chan struct{}
	// onShutdown runs when a shutdown signal arrives, before HTTP draining.
	onShutdown func()
}

// serveAll runs the HTTP server and, when health is set, the gRPC health
// server on grpcLis. Whichever fails first shuts the other down and its
// error is returned.
func serveAll(server *http.Server, health *grpchealth.Server, grpcLis net.Listener, logger *zap.Logger, opts serveOptions) error {
	g, ctx := errgroup.WithContext(context.Background())
	opts.done = ctx.Done()

	if health != nil {
		hook := opts.onShutdown
		opts.onShutdown = func() {
			if hook != nil {
				hook()
			}
			health.Stop()
		}
		g.Go(func() error { return health.Serve(grpcLis) })
	}

	g.Go(func() error {
		if health != nil {
			defer health.Stop()
		}
		return serveHTTPServerWithOptions(server, logger, opts)
	})
	return g.Wait()
}

func serveHTTPServerWithOptions(server *http.Server, logger *zap.Logger, opts serveOptions) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if opts.listener != nil {
			err = server.Serve(opts.listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := opts.signals
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	shutdown := func() error {
		if opts.onShutdown != nil {
			opts.onShutdown()
		}
		ctx, cancel := context.WithTimeout(context.Background(), opts.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}

	select {
	case err := <-errCh:
		return err
	case <-opts.done:
		logger.Info("shutting down after sibling server stopped")
		return shutdown()
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		return shutdown()
	}
}
