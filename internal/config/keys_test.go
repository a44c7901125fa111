package config

import (
	"errors"
	"testing"
)

func TestGetAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

		key, err := GetAPIKey(&Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-test-key" {
			t.Errorf("expected 'sk-ant-test-key', got %q", key)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		key, err := GetAPIKey(&Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-config-key" {
			t.Errorf("expected 'sk-ant-config-key', got %q", key)
		}
	})

	t.Run("unset reference", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		t.Setenv("AGENTORCH_TEST_UNSET", "")

		_, err := GetAPIKey(&Config{Anthropic: AnthropicConfig{APIKey: "${AGENTORCH_TEST_UNSET}"}})
		if !errors.Is(err, ErrNoAPIKey) {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})

	t.Run("no key configured", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		if _, err := GetAPIKey(nil); !errors.Is(err, ErrNoAPIKey) {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "sk-ant-REDACTED", false},
		{"empty", "", true},
		{"wrong prefix", "sk-openai-abcdefghijklmnop", true},
		{"too short", "sk-ant-abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-ant-...mnop"},
	}

	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestGetAPIKeySource(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	tests := []struct {
		name string
		cfg  *Config
		env  string
		want KeySource
	}{
		{"none", &Config{}, "", KeySourceNone},
		{"config", &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-config-key"}}, "", KeySourceConfig},
		{"environment", &Config{}, "sk-ant-env-key-123456", KeySourceEnv},
		{"bedrock", &Config{Anthropic: AnthropicConfig{UseBedrock: true}}, "sk-ant-env-key-123456", KeySourceBedrock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ANTHROPIC_API_KEY", tt.env)
			if got := GetAPIKeySource(tt.cfg); got != tt.want {
				t.Errorf("GetAPIKeySource() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	cfg := Default()
	cfg.Anthropic.APIKey = "sk-ant-config-key"
	cfg.Anthropic.UseBedrock = true
	cfg.Anthropic.AWSRegion = "us-west-2"
	cfg.Anthropic.AWSProfile = "ops"

	creds := Credentials(cfg)
	if creds.APIKey != "sk-ant-config-key" || !creds.UseBedrock || creds.AWSRegion != "us-west-2" || creds.AWSProfile != "ops" {
		t.Errorf("Credentials() = %+v", creds)
	}
}
