// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	PublicHost  string
	DBPath      string
	CORSOrigins []string

	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	DockerNetwork string
	FirefoxImage  string
	ChromeImage   string

	ContainerCPULimit     float64
	ContainerMemoryLimit  string
	ContainerStorageLimit string
	ContainerTimeout      time.Duration
	MaxContainersPerUser  int
	ProvisionTimeout      time.Duration

	SweepInterval  time.Duration
	AuditRetention time.Duration

	AnalysisAPIURL string
	AnalysisAPIKey string

	AdminEmail    string
	AdminPassword string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		PublicHost:  getEnv("PUBLIC_HOST", "localhost"),
		DBPath:      getEnv("DB_PATH", "./data/cloudbrowser.db"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:5173")),

		JWTSecret:       getEnv("JWT_SECRET_KEY", ""),
		AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL: getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),

		DockerNetwork: getEnv("DOCKER_NETWORK", "cloud-browser-network"),
		FirefoxImage:  getEnv("FIREFOX_IMAGE", "kasmweb/firefox:1.14.0"),
		ChromeImage:   getEnv("CHROME_IMAGE", "kasmweb/chrome:1.14.0"),

		ContainerCPULimit:     getEnvFloat("CONTAINER_CPU_LIMIT", 1.0),
		ContainerMemoryLimit:  getEnv("CONTAINER_MEMORY_LIMIT", "2g"),
		ContainerStorageLimit: getEnv("CONTAINER_STORAGE_LIMIT", "10g"),
		ContainerTimeout:      time.Duration(getEnvInt("CONTAINER_TIMEOUT", 3600)) * time.Second,
		MaxContainersPerUser:  getEnvInt("MAX_CONTAINERS_PER_USER", 3),
		ProvisionTimeout:      getEnvDuration("PROVISION_TIMEOUT", 30*time.Second),

		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
		AuditRetention: getEnvDuration("AUDIT_RETENTION", 90*24*time.Hour),

		AnalysisAPIURL: getEnv("ANALYSIS_API_URL", "http://localhost:8000"),
		AnalysisAPIKey: getEnv("ANALYSIS_API_KEY", ""),

		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and sane.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET_KEY must be set")
	}
	if c.MaxContainersPerUser <= 0 {
		return fmt.Errorf("MAX_CONTAINERS_PER_USER must be > 0")
	}
	if c.ContainerTimeout < time.Minute {
		return fmt.Errorf("CONTAINER_TIMEOUT must be at least 60 seconds")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1 second")
	}
	if c.ContainerCPULimit <= 0 {
		return fmt.Errorf("CONTAINER_CPU_LIMIT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.PublicHost == "localhost" || c.PublicHost == "127.0.0.1"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
