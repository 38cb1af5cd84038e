package config

import (
	"fmt"
	"os"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - backend.go: Medical backend endpoints and timeouts
//   - session.go: Credential storage and context cookie
//   - database.go: Postgres and Redis connections
//   - http.go: HTTP server configuration
//   - guard.go: Route table
//   - services.go: Service mode and reaper configuration
type AppConfig struct {
	// IsDev controls development mode behavior (template reloading, insecure cookies).
	// Set DEV=true or NODE_ENV=development for development mode.
	IsDev bool `env:"DEV" envDefault:"false"`

	// Medical backend configuration
	Backend BackendConfig

	// Credential storage configuration
	Session SessionConfig

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// HTTP server configuration
	HTTP HTTPConfig

	// Route guard configuration
	Guard GuardConfig

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"http"`

	// Credential reaper configuration
	Reaper ReaperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.HTTP.Sanitize()
	c.Backend.Sanitize()
	c.Session.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()

	c.detectDevMode()
}

// Validate reports configuration that cannot be fixed by Sanitize.
func (c *AppConfig) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	if c.IsReaperEnabled() && c.Session.Store != StoreKindPostgres {
		return fmt.Errorf("reaper service requires SESSION_STORE=postgres (got %q)", c.Session.Store)
	}
	return nil
}

// detectDevMode checks both DEV and NODE_ENV environment variables.
// This is called by Sanitize() to ensure IsDev is set correctly.
// NODE_ENV is checked as a fallback (common in frontend tooling).
func (c *AppConfig) detectDevMode() {
	if !c.IsDev {
		nodeEnv := strings.ToLower(os.Getenv("NODE_ENV"))
		c.IsDev = nodeEnv == "development" || nodeEnv == "dev"
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsHTTPServerEnabled returns true if the HTTP server service is enabled.
func (c *AppConfig) IsHTTPServerEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeHTTP]
}

// IsReaperEnabled returns true if the credential reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}
