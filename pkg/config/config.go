package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for slabstore.
//
// YAML example:
//   address: ":8080"
//   dataDirs:
//     - "./data"
//   indexPath: "./data/index.db"
//   authMode: "none"        # "none" or "sigv4"
//   accessKeys:             # optional static credentials when authMode == "sigv4"
//     - accessKey: "AKIAEXAMPLE"
//       secretKey: "secret"
//       user: "local"
//
// Environment overrides:
//   SLABSTORE_ADDR overrides Address when set.
//   SLABSTORE_DATA_DIRS overrides DataDirs (comma-separated).
//   SLABSTORE_INDEX_PATH overrides IndexPath ("" selects the in-memory index).
//   SLABSTORE_AUTH_MODE overrides AuthMode ("none" or "sigv4").
//   SLABSTORE_ACCESS_KEYS appends/overrides AccessKeys as comma-separated entries in form:
//     ACCESS_KEY:SECRET_KEY[:USER], e.g. "AKIA1:SECRET1:alice,AKIA2:SECRET2:bob"
//   SLABSTORE_CONFIG path to YAML config file; if empty, loader tries ./config.yaml then defaults.
//
// Backward-compatible defaults should be maintained across versions.
// Avoid silently changing default directories.
type Config struct {
	Address      string            `yaml:"address"`
	AdminAddress string            `yaml:"adminAddress"` // optional separate admin/control-plane port
	DataDirs     []string          `yaml:"dataDirs"`
	IndexPath    string            `yaml:"indexPath"` // bbolt file; empty selects the in-memory index
	AuthMode     string            `yaml:"authMode"`  // "none" or "sigv4"
	AccessKeys   []StaticAccessKey `yaml:"accessKeys"`
	Tracing      TracingConfig     `yaml:"tracing"`
	Scrubber     ScrubberConfig    `yaml:"scrubber"` // background integrity scrubber
	OIDC         OIDCConfig        `yaml:"oidc"`     // admin OIDC verification
	Limits       LimitsConfig      `yaml:"limits"`   // S3 request size limits
}

// StaticAccessKey defines a static credential pair.
type StaticAccessKey struct {
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	User      string `yaml:"user,omitempty"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`                 // OTLP collector endpoint (host:port or URL)
	Protocol       string  `yaml:"protocol,omitempty"`       // "grpc" (default) or "http"
	SampleRatio    float64 `yaml:"sampleRatio,omitempty"`    // 0.0 - 1.0
	ServiceName    string  `yaml:"serviceName,omitempty"`    // override service.name; default "slabstore"
	KeyHashEnabled bool    `yaml:"keyHashEnabled,omitempty"` // when true, emit s3.key_hash (sha256(key) first 8 bytes hex)
}

// ScrubberConfig controls background integrity scrubbing.
type ScrubberConfig struct {
	Enabled     bool   `yaml:"enabled"`               // disabled by default
	Interval    string `yaml:"interval,omitempty"`    // e.g., "1h"
	Concurrency int    `yaml:"concurrency,omitempty"` // number of parallel workers
	// SweepOrphans, when true, removes blobs no current object version points at
	// after each scrub pass.
	SweepOrphans bool `yaml:"sweepOrphans,omitempty"`
}

// OIDCConfig configures Admin API OIDC verification (disabled by default).
type OIDCConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Issuer   string `yaml:"issuer,omitempty"`
	ClientID string `yaml:"clientID,omitempty"`
	Audience string `yaml:"audience,omitempty"`
	JWKSURL  string `yaml:"jwksURL,omitempty"`
	// When OIDC is enabled, optionally allow unauthenticated access to selected admin
	// endpoints. Useful for k8s/lb health checks without distributing tokens to probes.
	AllowUnauthHealth  bool `yaml:"allowUnauthHealth,omitempty"`
	AllowUnauthVersion bool `yaml:"allowUnauthVersion,omitempty"`
}

// LimitsConfig controls S3 request size limits (bytes).
// Zero or missing values fall back to built-in defaults.
type LimitsConfig struct {
	SinglePutMaxBytes int64 `yaml:"singlePutMaxBytes"` // e.g., 5368709120 (5 GiB)
}

// Default returns a Config with safe, local defaults.
func Default() Config {
	return Config{
		Address:      ":8080",
		AdminAddress: "",
		DataDirs:     []string{"./data"},
		IndexPath:    "./data/index.db",
		AuthMode:     "none",
		Tracing: TracingConfig{
			Enabled:        false,
			Protocol:       "grpc",
			SampleRatio:    0.0,
			ServiceName:    "slabstore",
			KeyHashEnabled: false,
		},
		Scrubber: ScrubberConfig{
			Enabled:      false,
			Interval:     "1h",
			Concurrency:  1,
			SweepOrphans: false,
		},
		OIDC: OIDCConfig{
			Enabled:            false,
			AllowUnauthHealth:  false,
			AllowUnauthVersion: false,
		},
		Limits: LimitsConfig{
			SinglePutMaxBytes: 5 * 1024 * 1024 * 1024, // 5 GiB
		},
	}
}

// Load reads configuration from path. If path is empty, it attempts to read
// ./config.yaml; if not found, returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path == "" {
		cfg := Default()
		return applyEnvOverrides(cfg), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := Default()
			return applyEnvOverrides(cfg), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = applyEnvOverrides(cfg)
	return cfg, nil
}

// EnsureDirs creates data directories (and the index file's parent directory)
// with 0700 if they don't exist.
func EnsureDirs(cfg Config) error {
	dirs := append([]string{}, cfg.DataDirs...)
	if cfg.IndexPath != "" {
		dirs = append(dirs, filepath.Dir(cfg.IndexPath))
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return fmt.Errorf("abs path %q: %w", d, err)
		}
		if err := os.MkdirAll(abs, 0o700); err != nil {
			return fmt.Errorf("mkdir %q: %w", abs, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("SLABSTORE_ADDR"); v != "" {
		cfg.Address = v
	}
	if v := os.Getenv("SLABSTORE_ADMIN_ADDR"); v != "" {
		cfg.AdminAddress = v
	}
	if v := os.Getenv("SLABSTORE_DATA_DIRS"); v != "" {
		cfg.DataDirs = splitAndTrim(v)
	}
	if v, ok := os.LookupEnv("SLABSTORE_INDEX_PATH"); ok {
		// Empty value is meaningful: it selects the in-memory index.
		cfg.IndexPath = strings.TrimSpace(v)
	}
	if v := os.Getenv("SLABSTORE_AUTH_MODE"); v != "" {
		mode := strings.ToLower(strings.TrimSpace(v))
		switch mode {
		case "none", "sigv4":
			cfg.AuthMode = mode
		default:
			// ignore invalid value; keep existing
		}
	}
	if v := os.Getenv("SLABSTORE_ACCESS_KEYS"); v != "" {
		// Comma-separated entries: ACCESS_KEY:SECRET_KEY[:USER]
		keys := parseAccessKeysEnv(v)
		if len(keys) > 0 {
			cfg.AccessKeys = keys
		}
	}

	// Tracing overrides
	applyBoolEnv("SLABSTORE_TRACING_ENABLED", &cfg.Tracing.Enabled)
	if v := os.Getenv("SLABSTORE_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = strings.TrimSpace(v)
	}
	if v := os.Getenv("SLABSTORE_TRACING_PROTOCOL"); v != "" {
		p := strings.ToLower(strings.TrimSpace(v))
		if p == "grpc" || p == "http" {
			cfg.Tracing.Protocol = p
		}
	}
	if v := os.Getenv("SLABSTORE_TRACING_SAMPLE"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			if f < 0 {
				f = 0
			}
			if f > 1 {
				f = 1
			}
			cfg.Tracing.SampleRatio = f
		}
	}
	if v := os.Getenv("SLABSTORE_TRACING_SERVICE"); v != "" {
		cfg.Tracing.ServiceName = strings.TrimSpace(v)
	}
	applyBoolEnv("SLABSTORE_TRACING_KEY_HASH", &cfg.Tracing.KeyHashEnabled)

	// Scrubber overrides
	applyBoolEnv("SLABSTORE_SCRUBBER_ENABLED", &cfg.Scrubber.Enabled)
	if v := os.Getenv("SLABSTORE_SCRUBBER_INTERVAL"); v != "" {
		cfg.Scrubber.Interval = strings.TrimSpace(v)
	}
	if v := os.Getenv("SLABSTORE_SCRUBBER_CONCURRENCY"); v != "" {
		if x, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && x > 0 {
			cfg.Scrubber.Concurrency = x
		}
	}
	applyBoolEnv("SLABSTORE_SCRUBBER_SWEEP_ORPHANS", &cfg.Scrubber.SweepOrphans)

	// Admin OIDC overrides
	applyBoolEnv("SLABSTORE_OIDC_ENABLED", &cfg.OIDC.Enabled)
	if v := os.Getenv("SLABSTORE_OIDC_ISSUER"); v != "" {
		cfg.OIDC.Issuer = strings.TrimSpace(v)
	}
	if v := os.Getenv("SLABSTORE_OIDC_CLIENT_ID"); v != "" {
		cfg.OIDC.ClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("SLABSTORE_OIDC_AUDIENCE"); v != "" {
		cfg.OIDC.Audience = strings.TrimSpace(v)
	}
	if v := os.Getenv("SLABSTORE_OIDC_JWKS_URL"); v != "" {
		cfg.OIDC.JWKSURL = strings.TrimSpace(v)
	}
	applyBoolEnv("SLABSTORE_OIDC_ALLOW_UNAUTH_HEALTH", &cfg.OIDC.AllowUnauthHealth)
	applyBoolEnv("SLABSTORE_OIDC_ALLOW_UNAUTH_VERSION", &cfg.OIDC.AllowUnauthVersion)

	// Size limits overrides (bytes)
	if v := os.Getenv("SLABSTORE_LIMIT_SINGLE_PUT_MAX_BYTES"); v != "" {
		if x, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil && x > 0 {
			cfg.Limits.SinglePutMaxBytes = x
		}
	}

	return cfg
}

// applyBoolEnv sets *dst from the named env var when it holds a recognized
// boolean token; unrecognized values leave *dst unchanged.
func applyBoolEnv(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		*dst = true
	case "0", "false", "no", "n", "off":
		*dst = false
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, seg := range strings.Split(s, ",") {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func parseAccessKeysEnv(s string) []StaticAccessKey {
	entries := splitAndTrim(s)
	var out []StaticAccessKey
	for _, e := range entries {
		parts := strings.Split(e, ":")
		if len(parts) < 2 {
			continue
		}
		ak := strings.TrimSpace(parts[0])
		sk := strings.TrimSpace(parts[1])
		user := ""
		if len(parts) >= 3 {
			user = strings.TrimSpace(parts[2])
		}
		if ak == "" || sk == "" {
			continue
		}
		out = append(out, StaticAccessKey{AccessKey: ak, SecretKey: sk, User: user})
	}
	return out
}
