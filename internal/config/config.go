package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config is the runtime configuration, loaded from an optional JSON
// file with environment overrides on top of compiled-in defaults.
type Config struct {
	// API access
	APIKey string `json:"apiKey"`

	// Logging
	Debug bool `json:"debug"`

	// Retry configuration
	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	// Cooldown configuration
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`
	StickyWindowMs       int64 `json:"stickyWindowMs"`

	// Project discovery fallback
	DefaultProjectID string `json:"defaultProjectId"`

	// Model aliasing applied before dispatch
	ModelMapping map[string]string `json:"modelMapping"`

	// Model fallback on quota exhaustion
	FallbackEnabled bool `json:"fallbackEnabled"`

	// Account store selection: path for the JSON file store, or a
	// Redis address to use the Redis-backed store instead.
	AccountConfigPath string `json:"accountConfigPath"`
	RedisAddr         string `json:"redisAddr"`
	RedisPassword     string `json:"redisPassword"`
	RedisDB           int    `json:"redisDB"`

	// Server
	Port int    `json:"port"`
	Host string `json:"host"`
}

// Default returns a Config populated with compiled-in defaults.
func Default() *Config {
	return &Config{
		MaxRetries:           DefaultMaxRetries,
		RetryBaseMs:          RetryBaseMs,
		RetryMaxMs:           RetryMaxBackoffMs,
		DefaultCooldownMs:    DefaultCooldownMs,
		MaxWaitBeforeErrorMs: MaxWaitBeforeErrorMs,
		StickyWindowMs:       StickyWindowMs,
		DefaultProjectID:     DefaultProjectID,
		ModelMapping:         map[string]string{},
		AccountConfigPath:    AccountConfigPath,
		Port:                 DefaultPort,
		Host:                 "0.0.0.0",
	}
}

// ConfigFilePath is the default runtime config location.
var ConfigFilePath = filepath.Join(homeDir(), ".config", "antigravity-proxy", "config.json")

// Load reads the config file (if present) and applies environment
// overrides. Missing files are not an error; defaults remain.
func (c *Config) Load(path string) error {
	if path == "" {
		path = ConfigFilePath
	}
	data, err := os.ReadFile(path)
	if err == nil {
		if jsonErr := json.Unmarshal(data, c); jsonErr != nil {
			return jsonErr
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	c.loadFromEnv()
	c.normalize()
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
	if v := os.Getenv("DEFAULT_PROJECT_ID"); v != "" {
		c.DefaultProjectID = v
	}
	if v := os.Getenv("ACCOUNTS_FILE"); v != "" {
		c.AccountConfigPath = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
}

// normalize clamps nonsensical values back to defaults.
func (c *Config) normalize() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = RetryBaseMs
	}
	if c.RetryMaxMs <= 0 {
		c.RetryMaxMs = RetryMaxBackoffMs
	}
	if c.DefaultCooldownMs <= 0 {
		c.DefaultCooldownMs = DefaultCooldownMs
	}
	if c.MaxWaitBeforeErrorMs <= 0 {
		c.MaxWaitBeforeErrorMs = MaxWaitBeforeErrorMs
	}
	if c.StickyWindowMs <= 0 {
		c.StickyWindowMs = StickyWindowMs
	}
	if c.DefaultProjectID == "" {
		c.DefaultProjectID = DefaultProjectID
	}
	if c.AccountConfigPath == "" {
		c.AccountConfigPath = AccountConfigPath
	}
	if c.ModelMapping == nil {
		c.ModelMapping = map[string]string{}
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
}

// MapModel applies the configured model aliasing.
func (c *Config) MapModel(model string) string {
	if mapped, ok := c.ModelMapping[model]; ok && mapped != "" {
		return mapped
	}
	return model
}
