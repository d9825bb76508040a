// Package profile holds the startup configuration of the assistant core.
package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the assistant core.
type Profile struct {
	// LLM configuration (OpenAI-compatible protocol). All providers
	// (openai, deepseek, openrouter, ollama) share one config shape.
	LLMProvider string // Provider identifier: openai, deepseek, openrouter, ollama
	LLMAPIKey   string
	LLMBaseURL  string // optional, has default per provider
	LLMModel    string // Model name: gpt-4o, deepseek-chat, etc.
	LLMTimeout  int    // LLM request timeout in seconds (default: 120)

	// Realtime voice configuration
	RealtimeURL      string // websocket endpoint, empty disables realtime
	RealtimeTurnMode string // "manual" or "auto"

	// Command execution
	WebhookURL string // endpoint receiving dispatched commands, empty disables it

	// Other configuration
	Mode        string // "prod", "dev" or "demo"
	Data        string // data directory, holds the context database
	MetricsAddr string // prometheus listen address, empty disables metrics
	Version     string
}

// Provider default configurations for the LLM.
// Used when LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMConfigured returns true if an LLM API key is set.
func (p *Profile) IsLLMConfigured() bool {
	return p.LLMAPIKey != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("MURMUR_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("MURMUR_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("MURMUR_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("MURMUR_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("MURMUR_LLM_TIMEOUT_SECONDS", 120)

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("Unknown LLM provider, using default: openai", "provider", p.LLMProvider)
			p.LLMProvider = "openai"
		}
	}
	if p.LLMBaseURL == "" || p.LLMModel == "" {
		if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
			if p.LLMBaseURL == "" {
				p.LLMBaseURL = defaults.BaseURL
			}
			if p.LLMModel == "" {
				p.LLMModel = defaults.Model
			}
		}
	}

	p.RealtimeURL = getEnvOrDefault("MURMUR_REALTIME_URL", "")
	p.RealtimeTurnMode = getEnvOrDefault("MURMUR_REALTIME_TURN_MODE", "manual")
	p.WebhookURL = getEnvOrDefault("MURMUR_WEBHOOK_URL", "")
	p.MetricsAddr = getEnvOrDefault("MURMUR_METRICS_ADDR", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/murmur"
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.RealtimeTurnMode != "manual" && p.RealtimeTurnMode != "auto" {
		return errors.Errorf("invalid realtime turn mode %q", p.RealtimeTurnMode)
	}
	return nil
}

// ContextDBPath returns the path of the context database inside the data
// directory.
func (p *Profile) ContextDBPath() string {
	return filepath.Join(p.Data, fmt.Sprintf("murmur_%s.db", p.Mode))
}
