package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	ListenAddr string
	LogLevel   string

	// Cross-origin callers allowed to use the API
	AllowedOrigins []string

	// OAuth / Graph application
	ClientID      string
	ClientSecret  string
	Tenant        string
	GraphScope    string
	OAuthRedirect string
	OAuthStateTTL time.Duration
	LiveClientID  string
	LiveRedirect  string

	// IMAP
	IMAPHost        string
	IMAPPort        int
	IMAPMaxSessions int

	HTTPTimeout       time.Duration
	TokenExpiryBuffer time.Duration

	Development    bool
	TestCredString string
}

// defaults mirrors the documented environment defaults.
var defaults = map[string]any{
	"LISTEN_ADDR":                 ":8000",
	"LOG_LEVEL":                   "info",
	"UI_ORIGIN":                   "http://localhost:3000",
	"GRAPH_CLIENT_SECRET":         "",
	"GRAPH_TENANT":                "consumers",
	"GRAPH_SCOPE":                 "offline_access Mail.Read",
	"OAUTH_REDIRECT_URI":          "http://localhost:8000/oauth/callback",
	"OAUTH_STATE_TTL_SECONDS":     600,
	"LIVE_LOGIN_CLIENT_ID":        "9e5f94bc-e8a4-4e73-b8be-63364c29d753",
	"LIVE_LOGIN_REDIRECT_URI":     "https://localhost",
	"OUTLOOK_IMAP_HOST":           "outlook.office365.com",
	"OUTLOOK_IMAP_PORT":           993,
	"IMAP_MAX_SESSIONS":           8,
	"HTTP_TIMEOUT_SECONDS":        30,
	"TOKEN_EXPIRY_BUFFER_SECONDS": 60,
	"ENV":                         "",
	"NODE_ENV":                    "",
	"TEST_CRED_STRING":            "",
	"CLIENT_ID":                   "",
	"GRAPH_CLIENT_ID":             "",
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	clientID := v.GetString("CLIENT_ID")
	if clientID == "" {
		clientID = v.GetString("GRAPH_CLIENT_ID")
	}

	env := v.GetString("ENV")
	if env == "" {
		env = v.GetString("NODE_ENV")
	}

	cfg := &Config{
		ListenAddr:        v.GetString("LISTEN_ADDR"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		AllowedOrigins:    splitList(v.GetString("UI_ORIGIN")),
		ClientID:          strings.TrimSpace(clientID),
		ClientSecret:      v.GetString("GRAPH_CLIENT_SECRET"),
		Tenant:            v.GetString("GRAPH_TENANT"),
		GraphScope:        v.GetString("GRAPH_SCOPE"),
		OAuthRedirect:     v.GetString("OAUTH_REDIRECT_URI"),
		OAuthStateTTL:     time.Duration(v.GetInt("OAUTH_STATE_TTL_SECONDS")) * time.Second,
		LiveClientID:      v.GetString("LIVE_LOGIN_CLIENT_ID"),
		LiveRedirect:      v.GetString("LIVE_LOGIN_REDIRECT_URI"),
		IMAPHost:          v.GetString("OUTLOOK_IMAP_HOST"),
		IMAPPort:          v.GetInt("OUTLOOK_IMAP_PORT"),
		IMAPMaxSessions:   v.GetInt("IMAP_MAX_SESSIONS"),
		HTTPTimeout:       time.Duration(v.GetInt("HTTP_TIMEOUT_SECONDS")) * time.Second,
		TokenExpiryBuffer: time.Duration(v.GetInt("TOKEN_EXPIRY_BUFFER_SECONDS")) * time.Second,
		Development:       strings.EqualFold(strings.TrimSpace(env), "development"),
		TestCredString:    v.GetString("TEST_CRED_STRING"),
	}
	if cfg.Tenant == "" {
		cfg.Tenant = "consumers"
	}
	return cfg, nil
}

// splitList splits a comma separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Scopes splits a space separated scope string.
func Scopes(s string) []string {
	return strings.Fields(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.IMAPHost == "" {
		return fmt.Errorf("OUTLOOK_IMAP_HOST is required")
	}
	if c.IMAPPort < 1 || c.IMAPPort > 65535 {
		return fmt.Errorf("invalid OUTLOOK_IMAP_PORT: %d", c.IMAPPort)
	}
	if c.IMAPMaxSessions < 1 {
		return fmt.Errorf("IMAP_MAX_SESSIONS must be at least 1")
	}
	if c.HTTPTimeout < time.Second {
		return fmt.Errorf("HTTP_TIMEOUT_SECONDS must be at least 1")
	}
	if c.TokenExpiryBuffer < 0 {
		return fmt.Errorf("TOKEN_EXPIRY_BUFFER_SECONDS must not be negative")
	}
	if c.OAuthStateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL_SECONDS must be positive")
	}
	return nil
}
