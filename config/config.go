// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"kanban-sync/board"
)

// Live update sources.
const (
	LiveSourceWebSocket = "ws"
	LiveSourceRedis     = "redis"
	LiveSourceNone      = "none"
)

type Config struct {
	APIURL string `env:"API_URL,required"`
	WSURL  string `env:"WS_URL"`
	Port   string `env:"PORT" envDefault:"8080"`
	Debug  bool   `env:"DEBUG"`

	LiveSource       string        `env:"LIVE_SOURCE" envDefault:"ws"`
	LiveChannel      string        `env:"LIVE_UPDATES_CHANNEL" envDefault:"task-board-updates"`
	ReconnectInitial time.Duration `env:"RECONNECT_INITIAL_BACKOFF" envDefault:"1s"`
	ReconnectMax     time.Duration `env:"RECONNECT_MAX_BACKOFF" envDefault:"30s"`

	RedisConnection string        `env:"REDIS_CONNECTION_STRING"`
	BoardCacheTTL   time.Duration `env:"BOARD_CACHE_TTL" envDefault:"30s"`

	FailurePolicy  string        `env:"FAILURE_POLICY" envDefault:"rollback"`
	ImplicitCreate bool          `env:"IMPLICIT_CREATE_ON_UPDATE"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	ViewIdle       time.Duration `env:"VIEW_IDLE_TIMEOUT" envDefault:"1m"`
	ColumnsFile    string        `env:"BOARD_COLUMNS_FILE"`

	SessionCookie string `env:"SESSION_COOKIE" envDefault:"token-user"`
	Auth0Domain   string `env:"AUTH0_DOMAIN"`
	Auth0Audience string `env:"AUTH0_AUDIENCE"`
	AuthTestMode  bool   `env:"AUTH0_TEST_MODE"`
	TestJWTSecret string `env:"TEST_JWT_SECRET"`

	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LiveSource {
	case LiveSourceWebSocket:
		if c.WSURL == "" {
			return errors.New("WS_URL is required when LIVE_SOURCE=ws")
		}
	case LiveSourceRedis:
		if c.RedisConnection == "" {
			return errors.New("REDIS_CONNECTION_STRING is required when LIVE_SOURCE=redis")
		}
	case LiveSourceNone:
	default:
		return fmt.Errorf("invalid LIVE_SOURCE %q", c.LiveSource)
	}
	if _, err := board.ParseFailurePolicy(c.FailurePolicy); err != nil {
		return fmt.Errorf("invalid FAILURE_POLICY: %w", err)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return errors.New("reconnect backoff must be positive and RECONNECT_MAX_BACKOFF >= RECONNECT_INITIAL_BACKOFF")
	}
	if c.ViewIdle < 0 {
		return errors.New("VIEW_IDLE_TIMEOUT must not be negative")
	}
	if c.BoardCacheTTL < 0 {
		return errors.New("BOARD_CACHE_TTL must not be negative")
	}
	if c.AuthTestMode && c.TestJWTSecret == "" {
		return errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE is enabled")
	}
	if !c.AuthTestMode && (c.Auth0Domain == "") != (c.Auth0Audience == "") {
		return errors.New("AUTH0_DOMAIN and AUTH0_AUDIENCE must be set together")
	}
	return nil
}

// Policy returns the parsed failure policy. Call Validate first.
func (c Config) Policy() board.FailurePolicy {
	p, _ := board.ParseFailurePolicy(c.FailurePolicy)
	return p
}

// JWKSURL is empty unless Auth0 verification is configured.
func (c Config) JWKSURL() string {
	if c.AuthTestMode || c.Auth0Domain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

func (c Config) Issuer() string {
	if c.Auth0Domain == "" {
		return ""
	}
	return "https://" + c.Auth0Domain + "/"
}
