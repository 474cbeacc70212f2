// Package main запускает HTTP-сервер сервиса finledger.
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

	"github.com/mmeshcher/finledger/internal/config"
	"github.com/mmeshcher/finledger/internal/handler"
	"github.com/mmeshcher/finledger/internal/journal"
	"github.com/mmeshcher/finledger/internal/ledger"
	"github.com/mmeshcher/finledger/internal/logger"
	"github.com/mmeshcher/finledger/internal/metrics"
	"github.com/mmeshcher/finledger/internal/middleware"
	"github.com/mmeshcher/finledger/internal/payout"
	"github.com/mmeshcher/finledger/internal/repository"
	"github.com/mmeshcher/finledger/internal/service"
	"github.com/mmeshcher/finledger/internal/storage"
	"github.com/mmeshcher/finledger/internal/validation"
)

func main() {
	bootstrap, _ := zap.NewProduction()
	defer bootstrap.Sync()

	cfg, err := config.Parse()
	if err != nil {
		bootstrap.Sugar().Fatalw("configuration error", "error", err.Error())
	}

	log, err := logger.New(cfg.LogFile)
	if err != nil {
		bootstrap.Sugar().Fatalw("logger initialization error", "error", err.Error())
	}
	defer log.Sync()

	sugar := log.Sugar()

	admin, err := validation.ParseIdentity(cfg.AdminAddress)
	if err != nil {
		sugar.Fatalw("invalid admin address", "error", err.Error())
	}

	j, err := openJournal(cfg)
	if err != nil {
		sugar.Fatalw("journal initialization error", "error", err.Error())
	}

	var transferer ledger.Transferer
	if cfg.PayoutSystemAddress != "" {
		transferer = payout.NewClient(cfg.PayoutSystemAddress)
	}

	svc := service.NewService(admin, j, transferer, log, metrics.Default())
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Restore(ctx); err != nil {
		sugar.Fatalw("journal replay error", "error", err.Error())
	}

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, sessions will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, log, authMiddleware, handler.WithTrustedProxy(cfg.TrustProxy))

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting finledger server", "addr", cfg.RunAddress, "admin", admin.Hex())
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

// openJournal выбирает хранилище журнала: PostgreSQL, затем LevelDB, иначе память процесса.
func openJournal(cfg *config.Config) (journal.Journal, error) {
	switch {
	case cfg.DatabaseURI != "":
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case cfg.JournalPath != "":
		j, err := storage.OpenLevelDBJournal(cfg.JournalPath)
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		return journal.NewMemory(), nil
	}
}
