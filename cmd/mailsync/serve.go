package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.io/infrasutra/mailsync/internal/api"
	"github.io/infrasutra/mailsync/internal/auth"
	"github.io/infrasutra/mailsync/internal/config"
	"github.io/infrasutra/mailsync/internal/connector"
	"github.io/infrasutra/mailsync/internal/ingest"
	"github.io/infrasutra/mailsync/internal/mailer"
	"github.io/infrasutra/mailsync/internal/oauth"
	"github.io/infrasutra/mailsync/internal/sse"
	"github.io/infrasutra/mailsync/internal/store"
	"github.io/infrasutra/mailsync/internal/supervisor"
)

const sessionMaxAge = 30 * 24 * time.Hour

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and mailbox listeners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	db, err := store.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	authManager, err := auth.New(cfg.AuthSecret, sessionMaxAge)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	if cfg.AuthSecret == "" {
		logger.Warn("MAILSYNC_AUTH_SECRET not set; tokens reset on restart")
	}

	// Interfaces stay nil when Google is not configured.
	var (
		oauthConfig  connector.OAuthConfig
		tokenSourcer mailer.TokenSourcer
		provider     api.OAuthProvider
	)
	google := oauth.NewGoogle(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	if google.Enabled() {
		oauthConfig, tokenSourcer, provider = google, google, google
	} else {
		logger.Warn("google oauth not configured; gmail mailboxes disabled")
	}

	hub := sse.NewHub()
	pipeline := ingest.NewPipeline(logger, db, hub)
	listeners := supervisor.New(logger, db, map[store.Protocol]connector.Connector{
		store.ProtocolIMAP:       connector.NewIMAPConnector(logger, cfg.IMAPConnectTimeout, cfg.IMAPIdleRefresh),
		store.ProtocolGmailOAuth: connector.NewGmailConnector(logger, oauthConfig, db, cfg.PollInterval, cfg.GooglePubSubTopic),
	}, pipeline, supervisor.Config{
		InitialBackoff: cfg.BackoffInitial,
		MaxBackoff:     cfg.BackoffMax,
		ResetAfter:     cfg.BackoffResetAfter,
	})
	service := ingest.NewService(logger, db, listeners, mailer.New(logger, cfg.SMTPTimeout, tokenSourcer, db))

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.NewServer(service, provider, authManager, hub, db, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := service.StartAll(gctx)
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown http", "error", err)
		}
		listeners.Shutdown()
		logger.Info("shutdown complete")
		return nil
	})
	return g.Wait()
}
