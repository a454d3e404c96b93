package config

import (
	"testing"
	"time"
)

func TestLoadRequiresGatewayToken(t *testing.T) {
	t.Setenv("GATEWAY_ACCESS_TOKEN", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when GATEWAY_ACCESS_TOKEN is missing")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATEWAY_ACCESS_TOKEN", "test-token")
	t.Setenv("PORT", "")
	t.Setenv("GATEWAY_BASE_URL", "")
	t.Setenv("GATEWAY_TIMEOUT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, DefaultPort)
	}
	if cfg.GatewayBaseURL != DefaultGatewayBaseURL {
		t.Errorf("GatewayBaseURL = %q, want default", cfg.GatewayBaseURL)
	}
	if cfg.GatewayTimeout != DefaultGatewayTimeout {
		t.Errorf("GatewayTimeout = %v, want %v", cfg.GatewayTimeout, DefaultGatewayTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GATEWAY_ACCESS_TOKEN", "test-token")
	t.Setenv("GATEWAY_BASE_URL", "https://gateway.example.com")
	t.Setenv("GATEWAY_TIMEOUT", "5s")
	t.Setenv("RATE_LIMIT_RPM", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.GatewayBaseURL != "https://gateway.example.com" {
		t.Errorf("GatewayBaseURL = %q", cfg.GatewayBaseURL)
	}
	if cfg.GatewayTimeout != 5*time.Second {
		t.Errorf("GatewayTimeout = %v, want 5s", cfg.GatewayTimeout)
	}
	if cfg.RateLimitRPM != 30 {
		t.Errorf("RateLimitRPM = %d, want 30", cfg.RateLimitRPM)
	}
}

func TestValidateRejectsBadTimeout(t *testing.T) {
	cfg := &Config{
		GatewayAccessToken: "tok",
		GatewayBaseURL:     "https://gateway.example.com",
		GatewayTimeout:     0,
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero timeout")
	}
}

func TestEnvHelpers(t *testing.T) {
	cfg := &Config{Env: "production"}
	if !cfg.IsProduction() || cfg.IsDevelopment() {
		t.Error("production flags wrong")
	}

	cfg.Env = "development"
	if cfg.IsProduction() || !cfg.IsDevelopment() {
		t.Error("development flags wrong")
	}
}
