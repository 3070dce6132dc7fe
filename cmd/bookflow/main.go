package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bookflow/internal/config"
	"bookflow/internal/ratelimit"
	"bookflow/internal/server"
	"bookflow/internal/usertoken"
	"bookflow/internal/util"
	"bookflow/pkg/ai"
	"bookflow/pkg/extract"
	"bookflow/pkg/lock"
	"bookflow/pkg/normalize"
	"bookflow/pkg/pipeline"
	"bookflow/pkg/render"
	"bookflow/pkg/storage"
	"bookflow/pkg/store"
	"bookflow/pkg/template"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	if err := dataStore.SeedTemplates(template.Catalog()); err != nil {
		log.Fatalf("failed to seed templates: %v", err)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	locks, err := lock.NewRedisLocker(lock.RedisLockerConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatalf("failed to init stage locks: %v", err)
	}

	generator := ai.NewOpenAICompatGenerator(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, cfg.AIMaxTokens)

	renderBudget := time.Duration(cfg.RenderTimeoutSeconds) * time.Second
	renderer, err := render.New(cfg.RenderServiceURL, cfg.RenderServiceToken, renderBudget)
	if err != nil {
		log.Fatalf("failed to init renderer: %v", err)
	}

	core, err := pipeline.New(pipeline.Config{
		Store:           dataStore,
		Objects:         objects,
		Locks:           locks,
		Extractor:       extract.New(),
		Normalizer:      normalize.New(generator, dataStore, logger),
		Renderer:        renderer,
		Resolver:        template.NewResolver(),
		MaxUploadBytes:  cfg.MaxUploadBytes,
		ExtractBudget:   time.Duration(cfg.ExtractTimeoutSeconds) * time.Second,
		NormalizeBudget: time.Duration(cfg.NormalizeTimeoutSeconds) * time.Second,
		RenderBudget:    renderBudget,
		AutoChain:       cfg.AutoPipeline,
		Logger:          logger,
	})
	if err != nil {
		log.Fatalf("failed to init pipeline: %v", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var uploadLimiter *ratelimit.FixedWindowLimiter
	if cfg.UploadRateLimitPerMinute > 0 {
		uploadLimiter, err = ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword, "bookflow:ratelimit:upload",
			cfg.UploadRateLimitPerMinute, time.Minute,
		)
		if err != nil {
			log.Fatalf("failed to init upload rate limiter: %v", err)
		}
	}

	httpServer, err := server.New(server.Config{
		Pipeline:       core,
		TokenVerifier:  tokenVerifier,
		UploadLimiter:  uploadLimiter,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("bookflow server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("bookflow server stopped")
}
