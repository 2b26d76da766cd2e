// Package config loads file-transfer service configuration from a JSON
// file with environment-variable overrides for the scalar tuning knobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Backend describes one named storage location, with pXX-style templating
// against a tenant's project number.
type Backend struct {
	Name          string `json:"name"`
	ImportPath    string `json:"import_path"`
	ExportPath    string `json:"export_path"`
	SubfolderPath string `json:"subfolder_path,omitempty"`
	AdminPath     string `json:"admin_path,omitempty"`
	RequestHook   string `json:"request_hook,omitempty"`
}

// ExportPolicy is the per-tenant download eligibility policy, keyed by
// pnum in Config.ExportPolicies with a "default" fallback entry.
type ExportPolicy struct {
	Enabled          bool     `json:"enabled"`
	AllowedMIMETypes []string `json:"allowed_mime_types,omitempty"`
	MaxSize          *int64   `json:"max_size,omitempty"`
}

// Config holds the complete service configuration.
type Config struct {
	ListenAddr   string `json:"listen_addr"`
	InternalAddr string `json:"internal_addr"`
	MetricsAddr  string `json:"metrics_addr"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	JWTSecret string `json:"-"`

	MaxBodySize int64 `json:"max_body_size"`
	ChunkWindow int   `json:"chunk_window"`

	// APIUser is passed as the request hook's 3rd argument, identifying
	// this service (as opposed to the end user) to the hook command.
	APIUser string `json:"-"`

	// ExportMaxNumList caps how many directory entries a listing request
	// will enumerate before failing with "too many files". 0 = unlimited.
	ExportMaxNumList int `json:"export_max_num_list"`

	Backends       map[string]Backend      `json:"backends"`
	ExportPolicies map[string]ExportPolicy `json:"export_policies"`

	RequestHookTimeoutSeconds int `json:"request_hook_timeout_seconds"`
}

// Defaults returns a Config with the service's baked-in defaults.
func Defaults() *Config {
	return &Config{
		ListenAddr:                envOr("LISTEN_ADDR", ":3003"),
		InternalAddr:              envOr("INTERNAL_ADDR", "127.0.0.1:3004"),
		MetricsAddr:               envOr("METRICS_ADDR", ":9090"),
		LogLevel:                  envOr("LOG_LEVEL", "info"),
		LogFormat:                 envOr("LOG_FORMAT", "json"),
		JWTSecret:                 envOr("JWT_SECRET", ""),
		MaxBodySize:               envInt64("MAX_BODY_SIZE", 5<<30),
		ChunkWindow:               envInt("CHUNK_WINDOW", 4),
		APIUser:                   envOr("API_USER", "api"),
		ExportMaxNumList:          envInt("EXPORT_MAX_NUM_LIST", 5000),
		Backends:                  map[string]Backend{},
		ExportPolicies:            map[string]ExportPolicy{},
		RequestHookTimeoutSeconds: envInt("REQUEST_HOOK_TIMEOUT_SECONDS", 30),
	}
}

// Load reads a JSON config file and applies environment overrides for the
// scalar fields; Backends and ExportPolicies come from the file only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.InternalAddr = envOr("INTERNAL_ADDR", cfg.InternalAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.JWTSecret = envOr("JWT_SECRET", cfg.JWTSecret)
	cfg.MaxBodySize = envInt64("MAX_BODY_SIZE", cfg.MaxBodySize)
	cfg.ChunkWindow = envInt("CHUNK_WINDOW", cfg.ChunkWindow)
	cfg.APIUser = envOr("API_USER", cfg.APIUser)
	cfg.ExportMaxNumList = envInt("EXPORT_MAX_NUM_LIST", cfg.ExportMaxNumList)

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("config: at least one backend must be configured")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
