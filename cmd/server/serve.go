package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"tubefetch/internal/config"
	"tubefetch/internal/downloader"
	"tubefetch/internal/fetcher"
	apphttp "tubefetch/internal/http"
	"tubefetch/internal/ledger"
	"tubefetch/internal/notify"
	"tubefetch/internal/registry"
	"tubefetch/internal/repository/sqlite"
	"tubefetch/internal/service"
	"tubefetch/internal/sidecar"
	"tubefetch/internal/storage"
)

func serveCommand(cfg config.Config, logger *logrus.Logger) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and download workers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address, overrides server.addr",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if addr := cmd.String("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg config.Config, logger *logrus.Logger) error {
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return errors.New("auth jwt secret is required")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ledgerRepo := sqlite.NewLedgerRepository(db)
	userRepo := sqlite.NewUserRepository(db)
	if err := ledgerRepo.Init(ctx); err != nil {
		return fmt.Errorf("init ledger repository: %w", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		return fmt.Errorf("init user repository: %w", err)
	}

	credits := ledger.NewService(ledgerRepo, logger)
	userService := service.NewUserService(userRepo, credits, service.UserOptions{
		RegisterSecret: cfg.Auth.RegisterPassword,
		SignupBonus:    cfg.Auth.SignupBonus,
	})
	tokens, err := service.NewTokenIssuer(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	if err != nil {
		return err
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup storage: %w", err)
	}

	hub := notify.NewHub(cfg.Download.QueueSize, logger)
	tasks := registry.New(registry.OnDelete(hub.Unsubscribe))

	torrents := fetcher.NewTorrent(cfg.Download.DataDir, 2*time.Second, logger)
	defer torrents.Close()
	fetchers := fetcher.NewMux().
		Handle(fetcher.NewYTDLP(cfg.Download.ProgressInterval, logger), "http", "https").
		Handle(torrents, "magnet")

	deps := downloader.Deps{
		Registry: tasks,
		Hub:      hub,
		Ledger:   credits,
		Fetcher:  fetchers,
		Sidecars: sidecar.NewWriter(&http.Client{Timeout: 30 * time.Second}),
	}
	if storageSvc != nil {
		deps.Storage = storageSvc
	}
	manager := downloader.NewManager(downloader.Config{
		DataDir:       cfg.Download.DataDir,
		MaxConcurrent: cfg.Download.MaxConcurrent,
		Logger:        logger,
	}, deps)

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("start manager: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(manager, userService, tokens, credits, deps.Storage, apphttp.Options{
		Version:     version,
		SubmitRate:  cfg.Server.SubmitRate,
		SubmitBurst: cfg.Server.SubmitBurst,
		Logger:      logger,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			manager.Shutdown()
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
	return nil
}

// buildStorage returns nil when no bucket is configured; downloads then stay local only.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*storage.S3Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Info("no storage bucket configured, remote mirroring disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client, storage.Layout{Bucket: cfg.Storage.Bucket, Root: cfg.Storage.KeyPrefix})
}
