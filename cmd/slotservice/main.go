// Package main запускает HTTP-сервер сервиса слотов доставки.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/slotservice/internal/config"
	"github.com/mmeshcher/slotservice/internal/dbconn"
	"github.com/mmeshcher/slotservice/internal/farms"
	"github.com/mmeshcher/slotservice/internal/handler"
	"github.com/mmeshcher/slotservice/internal/repository"
	"github.com/mmeshcher/slotservice/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// Миграции выполняются только при наличии DSN со статическими учётными
	// данными: провижининг схемы — привилегированная операция.
	if cfg.DatabaseURI != "" {
		if err := repository.RunMigrations(startupCtx, cfg.DatabaseURI); err != nil {
			sugar.Fatalw("database migration error", "error", err.Error())
		}
	}

	var connect dbconn.ConnectFunc
	switch cfg.DBAuthMode {
	case config.AuthModeIAM:
		connect, err = dbconn.NewIAMConnector(startupCtx, cfg)
	default:
		connect, err = dbconn.NewStaticConnector(cfg.DatabaseURI)
	}
	if err != nil {
		sugar.Fatalw("database connector error", "error", err.Error())
	}

	provider := dbconn.NewProvider(connect, logger)
	repo := repository.NewSlotRepository(provider)

	var farmClient *farms.Client
	if cfg.FarmServiceAddress != "" {
		farmClient = farms.NewClient(cfg.FarmServiceAddress)
	}

	svc := service.NewService(repo, farmClient)
	defer svc.Close()

	h := handler.NewHandler(svc, logger)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting slot service", "addr", cfg.RunAddress, "dbAuthMode", cfg.DBAuthMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
