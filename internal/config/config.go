package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/text/language"
)

type Config struct {
	// Platform API
	BaseURL   string        `env:"PLATFORM_BASE_URL" envDefault:"https://www.patreon.com"`
	SessionID string        `env:"PLATFORM_SESSION_ID"`
	UserAgent string        `env:"PLATFORM_USER_AGENT" envDefault:"creatorbills/1.0"`
	PageSize  int           `env:"PAGE_SIZE" envDefault:"100"`
	PageDelay time.Duration `env:"PAGE_DELAY" envDefault:"200ms"`
	Timeout   time.Duration `env:"HTTP_TIMEOUT" envDefault:"60s"`
	Timezone  string        `env:"TIMEZONE"`

	// Report
	Locale     string `env:"LOCALE" envDefault:"en-US"`
	FilePrefix string `env:"EXPORT_PREFIX" envDefault:"patreon_bills"`
	OutputDir  string `env:"OUTPUT_DIR" envDefault:"."`

	// HTTP UI
	Port string `env:"PORT" envDefault:"8081"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"tint"`

	// Optional sinks
	SQLiteDBPath string `env:"SQLITE_DB_PATH"`

	AMQPURL        string `env:"AMQP_URL"`
	AMQPExchange   string `env:"AMQP_EXCHANGE" envDefault:"creatorbills"`
	AMQPRoutingKey string `env:"AMQP_ROUTING_KEY" envDefault:"export.completed"`

	GoogleSpreadsheetID       string `env:"GOOGLE_SPREADSHEET_ID"`
	GoogleSheetName           string `env:"GOOGLE_SHEET_NAME"`
	GoogleServiceAccountJSON  string `env:"GOOGLE_SERVICE_ACCOUNT_JSON"`
	GoogleServiceAccountFile  string `env:"GOOGLE_SERVICE_ACCOUNT_FILE"`
	GoogleApplicationCredFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if u, err := url.Parse(c.BaseURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid platform base URL '%s': %v", c.BaseURL, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid platform base URL scheme '%s': must be 'http' or 'https'", u.Scheme))
	}

	if c.PageSize < 1 || c.PageSize > 500 {
		errors = append(errors, fmt.Sprintf("invalid page size %d: must be between 1 and 500", c.PageSize))
	}
	if c.PageDelay < 0 || c.PageDelay > time.Minute {
		errors = append(errors, fmt.Sprintf("invalid page delay %v: must be between 0 and 1m", c.PageDelay))
	}
	if c.Timeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid HTTP timeout %v: must be at least 1 second", c.Timeout))
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errors = append(errors, fmt.Sprintf("invalid timezone '%s': %v", c.Timezone, err))
		}
	}
	if _, err := language.Parse(c.Locale); err != nil {
		errors = append(errors, fmt.Sprintf("invalid locale '%s': %v", c.Locale, err))
	}
	if strings.ContainsAny(c.FilePrefix, `/\`) {
		errors = append(errors, fmt.Sprintf("invalid export prefix '%s': must not contain path separators", c.FilePrefix))
	}

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.GoogleSpreadsheetID != "" {
		if c.GoogleServiceAccountJSON == "" && c.GoogleServiceAccountFile == "" && c.GoogleApplicationCredFile == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_APPLICATION_CREDENTIALS must be provided with GOOGLE_SPREADSHEET_ID")
		}
		for _, f := range []string{c.GoogleServiceAccountFile, c.GoogleApplicationCredFile} {
			if f == "" {
				continue
			}
			if _, err := os.Stat(f); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", f))
			}
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Location returns the configured timezone, or the local zone.
func (c *Config) Location() *time.Location {
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// Language returns the configured report locale.
func (c *Config) Language() language.Tag {
	tag, err := language.Parse(c.Locale)
	if err != nil {
		return language.AmericanEnglish
	}
	return tag
}

// CredentialsFile returns the service account file, preferring the explicit one.
func (c *Config) CredentialsFile() string {
	if c.GoogleServiceAccountFile != "" {
		return c.GoogleServiceAccountFile
	}
	return c.GoogleApplicationCredFile
}
