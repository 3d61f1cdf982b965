// Package server is the HTTP API in front of the mail and OAuth services.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/magnificodev/hotmail-reader/internal/credential"
	"github.com/magnificodev/hotmail-reader/internal/email"
	"github.com/magnificodev/hotmail-reader/internal/metrics"
	"github.com/magnificodev/hotmail-reader/pkg/types"
)

const (
	// DefaultReadTimeout bounds reading a request including its body.
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout leaves room for a token exchange plus an IMAP
	// session inside one request.
	DefaultWriteTimeout = 120 * time.Second

	// DefaultIdleTimeout is the keep-alive timeout.
	DefaultIdleTimeout = 60 * time.Second

	maxBodyBytes = 1 << 20
)

// Mail is the message retrieval side. *email.Manager implements it.
type Mail interface {
	ListMessages(ctx context.Context, cred credential.Credential, opts email.ListOptions) (*types.Page, error)
	SearchOTP(ctx context.Context, cred credential.Credential, opts email.OTPOptions) (*types.OTPResult, error)
	GetMessage(ctx context.Context, cred credential.Credential, id string) (*types.MessageDetail, error)
}

// Authorizer runs the browser OAuth flow. *oauth.Flow implements it.
type Authorizer interface {
	Authorize() (string, error)
	Callback(ctx context.Context, code, state string) (string, error)
}

// Options holds the parts of the configuration the HTTP layer needs.
type Options struct {
	AllowedOrigins []string
	// Development adds debug text to error bodies and enables /dev/cred.
	Development    bool
	TestCredString string
}

// Server is the HTTP API.
type Server struct {
	opts    Options
	mail    Mail
	auth    Authorizer
	metrics *metrics.Collectors
	logger  *logrus.Logger

	httpServer *http.Server
}

// New creates a Server.
func New(opts Options, mail Mail, auth Authorizer, m *metrics.Collectors, logger *logrus.Logger) *Server {
	return &Server{
		opts:    opts,
		mail:    mail,
		auth:    auth,
		metrics: m,
		logger:  logger,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /messages", "messages", s.handleMessages)
	s.handle(mux, "POST /otp", "otp", s.handleOTP)
	s.handle(mux, "POST /message", "message", s.handleMessage)
	s.handle(mux, "GET /oauth/authorize", "oauth_authorize", s.handleAuthorize)
	s.handle(mux, "GET /oauth/callback", "oauth_callback", s.handleCallback)
	s.handle(mux, "GET /health", "health", s.handleHealth)
	s.handle(mux, "GET /dev/cred", "dev_cred", s.handleDevCred)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return requestID(s.accessLog(s.cors(mux)))
}

// Start listens on addr and blocks until the server stops. It returns nil
// after a graceful Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		IdleTimeout:  DefaultIdleTimeout,
	}

	s.logger.WithField("addr", addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
