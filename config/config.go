// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/sprucehealth/callflow/model"
)

const (
	ProviderACS    = "acs"
	ProviderTwilio = "twilio"
)

var (
	ErrMissingCallbackBase = errors.New("one of VS_TUNNEL_URL or WEBSITE_SITE_NAME must be set")
	ErrMissingCredentials  = errors.New("missing gateway credentials")
)

// Config is the complete runtime configuration
type Config struct {
	ListenAddr  string `env:"CALLFLOW_LISTEN_ADDR" envDefault:":8080"`
	ConsoleAddr string `env:"CALLFLOW_CONSOLE_ADDR"`
	Provider    string `env:"CALLFLOW_PROVIDER" envDefault:"acs"`

	ACSConnectionString       string `env:"ACS_CONNECTION_STRING"`
	CognitiveServicesEndpoint string `env:"COGNITIVE_SERVICE_ENDPOINT"`
	TunnelURL                 string `env:"VS_TUNNEL_URL"`
	WebsiteSiteName           string `env:"WEBSITE_SITE_NAME"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN"`

	GreetingText string        `env:"CALLFLOW_GREETING_TEXT" envDefault:"Hello World"`
	Recognition  string        `env:"CALLFLOW_RECOGNITION" envDefault:"choice"`
	SessionTTL   time.Duration `env:"CALLFLOW_SESSION_TTL" envDefault:"1h"`

	LogLevel       string `env:"CALLFLOW_LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"CALLFLOW_LOG_DEVELOPMENT"`
	OTelEndpoint   string `env:"CALLFLOW_OTEL_ENDPOINT"`
}

// Load parses the environment and validates the result
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFromMap parses the given variables instead of the process environment
func LoadFromMap(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements
func (c Config) Validate() error {
	switch c.Provider {
	case ProviderACS:
		if c.ACSConnectionString == "" {
			return fmt.Errorf("%w: ACS_CONNECTION_STRING is required for provider %s", ErrMissingCredentials, c.Provider)
		}
	case ProviderTwilio:
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
			return fmt.Errorf("%w: TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for provider %s", ErrMissingCredentials, c.Provider)
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	if _, err := c.RecognitionInput(); err != nil {
		return err
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("CALLFLOW_SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if _, err := c.CallbackBaseURL(); err != nil {
		return err
	}
	return nil
}

// CallbackBaseURL is the public address gateway callbacks are sent to. An App
// Service site name takes precedence over the dev tunnel.
func (c Config) CallbackBaseURL() (string, error) {
	var base string
	switch {
	case c.WebsiteSiteName != "":
		base = "https://" + c.WebsiteSiteName + ".azurewebsites.net"
	case c.TunnelURL != "":
		base = c.TunnelURL
	default:
		return "", ErrMissingCallbackBase
	}

	base = strings.TrimSuffix(base, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid callback base %q", base)
	}
	return base, nil
}

// RecognitionInput maps CALLFLOW_RECOGNITION onto the recognize mode
func (c Config) RecognitionInput() (model.RecognizeInput, error) {
	switch strings.ToLower(c.Recognition) {
	case "choice", "choices":
		return model.InputChoice, nil
	case "speech":
		return model.InputSpeech, nil
	default:
		return "", fmt.Errorf("unknown recognition mode %q", c.Recognition)
	}
}
