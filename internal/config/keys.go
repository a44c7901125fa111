package config

import (
	"errors"
	"os"
	"strings"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// GetAPIKey returns the Anthropic API key, preferring ANTHROPIC_API_KEY over the config file.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}
	if key := configuredKey(cfg); key != "" {
		return key, nil
	}
	return "", ErrNoAPIKey
}

func configuredKey(cfg *Config) string {
	if cfg == nil || cfg.Anthropic.APIKey == "" {
		return ""
	}
	// An unset ${VAR} reference is not a key.
	key := os.ExpandEnv(cfg.Anthropic.APIKey)
	if strings.HasPrefix(key, "${") {
		return ""
	}
	return key
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with Anthropic's API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters (sk-ant-) and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKeySource returns where the credentials for Anthropic come from.
func GetAPIKeySource(cfg *Config) KeySource {
	switch {
	case cfg != nil && cfg.Anthropic.UseBedrock:
		return KeySourceBedrock
	case os.Getenv("ANTHROPIC_API_KEY") != "":
		return KeySourceEnv
	case configuredKey(cfg) != "":
		return KeySourceConfig
	default:
		return KeySourceNone
	}
}

// Credentials builds the provider credentials from cfg. A missing API key is
// not an error here; backends that need one report it when created.
func Credentials(cfg *Config) provider.Credentials {
	key, _ := GetAPIKey(cfg)
	creds := provider.Credentials{APIKey: key}
	if cfg != nil {
		creds.UseBedrock = cfg.Anthropic.UseBedrock
		creds.AWSRegion = cfg.Anthropic.AWSRegion
		creds.AWSProfile = cfg.Anthropic.AWSProfile
	}
	return creds
}
