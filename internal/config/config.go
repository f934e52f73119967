// Package config loads mostrod's runtime configuration: a YAML file for
// structural settings (storage location, relay list, protocol parameters)
// overlaid with environment variables per spec.md §6, with environment
// always winning. Grounded on the teacher's internal/node.LoadConfig /
// Config.Save (YAML-file-with-defaults, ~-expansion, 0600 permissions),
// extended with the env-var overlay spec.md §6 requires.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds every runtime parameter mostrod needs at startup.
type Config struct {
	DatabaseURL string `yaml:"database_url"`

	// NodeSecret is the coordinator's identity private key, hex-encoded.
	// Required; there is no default.
	NodeSecret string `yaml:"node_secret"`

	// AdminPubkey is the administrator's public key, hex-encoded. Empty
	// disables admin-gated actions.
	AdminPubkey string `yaml:"admin_pubkey"`

	Lightning LightningConfig `yaml:"lightning"`

	// Relays is the list of relay URLs the coordinator publishes to and
	// subscribes from.
	Relays []string `yaml:"relays"`

	// POWBits is the minimum leading zero bits required of an inbound
	// outer event id. 0 disables the proof-of-work gate.
	POWBits int `yaml:"pow_bits"`

	// MaxAttempts bounds buyer-payout retries before an order is flagged
	// Failure (spec.md §4.5).
	MaxAttempts int `yaml:"max_attempts"`

	// RetryIntervalSecs is the backoff between payout retry attempts.
	RetryIntervalSecs int `yaml:"retry_interval_secs"`

	// FundingTimeoutSecs bounds how long an order may wait for seller
	// funding before the expiration sweep cancels it.
	FundingTimeoutSecs int `yaml:"funding_timeout_secs"`

	// FeeBPS is the coordinator's fee in basis points (100 = 1%).
	FeeBPS int `yaml:"fee_bps"`

	Logging LoggingConfig `yaml:"logging"`
}

// LightningConfig holds LND connection settings (env prefix LND_).
type LightningConfig struct {
	Host         string `yaml:"host"`
	MacaroonPath string `yaml:"macaroon_path"`
	TLSCertPath  string `yaml:"tls_cert_path"`
}

// LoggingConfig mirrors the teacher's node.LoggingConfig shape.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults; NodeSecret is left
// empty since it has none (Validate rejects it).
func DefaultConfig() *Config {
	return &Config{
		DatabaseURL:        "mostrod.db",
		POWBits:            0,
		MaxAttempts:        3,
		RetryIntervalSecs:  60,
		FundingTimeoutSecs: 900,
		FeeBPS:             0,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is a conventional YAML override file name. Load takes an
// explicit path; the mostrod CLI's -config flag defaults to mostrod.yaml.
const ConfigFileName = "config.yaml"

// Load builds the effective configuration: defaults, overlaid by the YAML
// file at configPath if it exists, overlaid by environment variables
// (environment always wins). configPath may be empty, in which case only
// defaults and the environment apply.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		expanded := expandPath(configPath)
		if data, err := os.ReadFile(expanded); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", expanded, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", expanded, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg, per spec.md §6. Unset
// variables leave the existing value (default or YAML-loaded) untouched.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("DATABASE_URL"); ok {
		cfg.DatabaseURL = v
	}
	if v, ok := os.LookupEnv("NODE_SECRET"); ok {
		cfg.NodeSecret = v
	}
	if v, ok := os.LookupEnv("ADMIN_PUBKEY"); ok {
		cfg.AdminPubkey = v
	}
	if v, ok := os.LookupEnv("LND_HOST"); ok {
		cfg.Lightning.Host = v
	}
	if v, ok := os.LookupEnv("LND_MACAROON_PATH"); ok {
		cfg.Lightning.MacaroonPath = v
	}
	if v, ok := os.LookupEnv("LND_TLS_CERT_PATH"); ok {
		cfg.Lightning.TLSCertPath = v
	}
	if v, ok := os.LookupEnv("RELAYS"); ok {
		cfg.Relays = splitCSV(v)
	}
	applyIntEnv("POW_BITS", &cfg.POWBits)
	applyIntEnv("MAX_ATTEMPTS", &cfg.MaxAttempts)
	applyIntEnv("RETRY_INTERVAL_SECS", &cfg.RetryIntervalSecs)
	applyIntEnv("FUNDING_TIMEOUT_SECS", &cfg.FundingTimeoutSecs)
	applyIntEnv("FEE_BPS", &cfg.FeeBPS)
}

func applyIntEnv(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	*dst = n
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate fails fast (exit code 1 per spec.md §6) on a missing required
// field or an out-of-range parameter.
func (c *Config) Validate() error {
	if c.NodeSecret == "" {
		return fmt.Errorf("config: NODE_SECRET is required")
	}
	if c.POWBits < 0 {
		return fmt.Errorf("config: pow_bits must be non-negative, got %d", c.POWBits)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RetryIntervalSecs < 1 {
		return fmt.Errorf("config: retry_interval_secs must be positive, got %d", c.RetryIntervalSecs)
	}
	if c.FundingTimeoutSecs < 1 {
		return fmt.Errorf("config: funding_timeout_secs must be positive, got %d", c.FundingTimeoutSecs)
	}
	if c.FeeBPS < 0 || c.FeeBPS > 10000 {
		return fmt.Errorf("config: fee_bps must be in 0..10000, got %d", c.FeeBPS)
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("config: at least one relay is required")
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
// Grounded on the teacher's Config.Save.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
