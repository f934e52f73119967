package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DatabaseURL != "mostrod.db" {
		t.Errorf("expected mostrod.db, got %s", cfg.DatabaseURL)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts 3, got %d", cfg.MaxAttempts)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
}

func TestLoadRequiresNodeSecret(t *testing.T) {
	clearMostrodEnv(t)
	t.Setenv("RELAYS", "wss://relay.example")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when NODE_SECRET is unset")
	}
}

func TestLoadRequiresAtLeastOneRelay(t *testing.T) {
	clearMostrodEnv(t)
	t.Setenv("NODE_SECRET", "deadbeef")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error when no relay is configured")
	}
}

func TestLoadEnvOverlaysYAML(t *testing.T) {
	clearMostrodEnv(t)
	tmpDir := t.TempDir()
	yamlPath := filepath.Join(tmpDir, ConfigFileName)
	content := `database_url: file-db
node_secret: file-secret
relays:
  - wss://from-file.example
pow_bits: 8
`
	if err := os.WriteFile(yamlPath, []byte(content), 0600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	t.Setenv("NODE_SECRET", "env-secret")
	t.Setenv("RELAYS", "wss://from-env.example, wss://from-env-2.example")

	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "file-db" {
		t.Errorf("DatabaseURL = %s, want file-db (YAML value preserved)", cfg.DatabaseURL)
	}
	if cfg.NodeSecret != "env-secret" {
		t.Errorf("NodeSecret = %s, want env-secret (env overlay wins)", cfg.NodeSecret)
	}
	if len(cfg.Relays) != 2 || cfg.Relays[0] != "wss://from-env.example" {
		t.Errorf("Relays = %v, want env-overlaid relays", cfg.Relays)
	}
	if cfg.POWBits != 8 {
		t.Errorf("POWBits = %d, want 8 (from YAML, no env override)", cfg.POWBits)
	}
}

func TestValidateRejectsOutOfRangeFeeBPS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NodeSecret = "x"
	cfg.Relays = []string{"wss://relay.example"}
	cfg.FeeBPS = 10001

	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for fee_bps out of range")
	}
}

func TestConfigSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.NodeSecret = "secret"
	cfg.Relays = []string{"wss://relay.example"}

	path := filepath.Join(tmpDir, "out.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty saved config")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		input    string
		expected string
	}{
		{"~/.mostrod", filepath.Join(home, ".mostrod")},
		{"/absolute/path", "/absolute/path"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandPath(tt.input); got != tt.expected {
			t.Errorf("expandPath(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func clearMostrodEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DATABASE_URL", "NODE_SECRET", "ADMIN_PUBKEY",
		"LND_HOST", "LND_MACAROON_PATH", "LND_TLS_CERT_PATH",
		"RELAYS", "POW_BITS", "MAX_ATTEMPTS", "RETRY_INTERVAL_SECS",
		"FUNDING_TIMEOUT_SECS", "FEE_BPS",
	} {
		os.Unsetenv(name)
	}
}
