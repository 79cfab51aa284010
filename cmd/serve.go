package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/RichardoC/pad-relay/internal/api"
	"github.com/RichardoC/pad-relay/internal/chat"
	"github.com/RichardoC/pad-relay/internal/db"
	"github.com/RichardoC/pad-relay/internal/history"
	"github.com/RichardoC/pad-relay/internal/llm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP relay",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", cfg.Database.Path))
		return err
	}
	defer database.Close()

	projector, err := history.New(history.Options{
		ScratchpadTags:   cfg.History.ScratchpadTags,
		SkipErrorReplies: cfg.History.SkipErrorReplies,
	})
	if err != nil {
		return err
	}

	registry, err := llm.FromConfig(cfg.Providers, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	service := chat.NewService(database, projector, registry, chat.Options{
		HistoryBudget:   cfg.History.MaxChars,
		DefaultProvider: cfg.DefaultProvider,
	}, logger)
	if cfg.History.TokenEncoding != "" {
		counter, err := history.NewTokenCounter(cfg.History.TokenEncoding)
		if err != nil {
			// Only used for log output; serve without it.
			logger.Warn("token counting disabled", zap.Error(err))
		} else {
			service.WithTokenCounter(counter)
		}
	}

	handler := api.NewHandler(service, api.Options{
		StaticDir:      cfg.Server.StaticDir,
		MaxUploadBytes: cfg.Attachments.MaxBytes,
	}, logger)

	// No WriteTimeout: replies stream for as long as the model keeps talking.
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", cfg.Server.Addr),
			zap.Strings("providers", registry.IDs()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}
