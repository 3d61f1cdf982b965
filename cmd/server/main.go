package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/magnificodev/hotmail-reader/internal/config"
	"github.com/magnificodev/hotmail-reader/internal/email"
	"github.com/magnificodev/hotmail-reader/internal/graph"
	"github.com/magnificodev/hotmail-reader/internal/metrics"
	"github.com/magnificodev/hotmail-reader/internal/oauth"
	"github.com/magnificodev/hotmail-reader/internal/server"
	"github.com/magnificodev/hotmail-reader/internal/token"
)

const shutdownTimeout = 10 * time.Second

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:          "hotmail-reader",
		Short:        "HTTP API for reading Outlook/Hotmail inboxes and extracting OTP codes",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.ListenAddr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.SetVersionTemplate(`{{printf "hotmail-reader version %s\n" .Version}}`)
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides LISTEN_ADDR)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	return cmd
}

func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	logger.WithField("version", version).Info("Starting hotmail-reader")

	m := metrics.New()

	exchanger := token.NewExchanger(token.ExchangerConfig{
		Authority:    token.DefaultAuthority,
		Tenant:       cfg.Tenant,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.HTTPTimeout,
	}, m)
	tokens := token.NewManager(exchanger, token.NewStore(cfg.TokenExpiryBuffer), m, logger,
		token.WithPasswordAuthenticator(token.NewLiveLogin(cfg.LiveClientID, cfg.LiveRedirect, cfg.HTTPTimeout)))

	engine := email.NewEngine(&email.TLSDialer{
		Host:    cfg.IMAPHost,
		Port:    cfg.IMAPPort,
		Timeout: cfg.HTTPTimeout,
	}, int64(cfg.IMAPMaxSessions), m, logger)
	graphClient, err := graph.NewClient(cfg.HTTPTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to create graph client: %w", err)
	}
	mail := email.NewManager(tokens, engine, graphClient, m, logger)

	flow := oauth.NewFlow(oauth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Tenant:       cfg.Tenant,
		RedirectURL:  cfg.OAuthRedirect,
		Scopes:       config.Scopes(cfg.GraphScope),
		StateTTL:     cfg.OAuthStateTTL,
		Timeout:      cfg.HTTPTimeout,
	}, logger, nil)

	srv := server.New(server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Development:    cfg.Development,
		TestCredString: cfg.TestCredString,
	}, mail, flow, m, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
