// Package config loads gateway configuration from an optional YAML file,
// an optional JSONC override, and environment variables, in that priority
// order with environment variables winning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the resolved gateway configuration.
type Config struct {
	Admission Admission `yaml:"admission"`
	Queue     Queue     `yaml:"queue"`
	Providers Providers `yaml:"providers"`
	Tools     Tools     `yaml:"tools"`
	LRU       LRU       `yaml:"lru"`
}

// Admission configures component A.
type Admission struct {
	MaxSSEConnections        int           `yaml:"maxSSEConnections"`
	MaxSSEConnectionsPerUser int           `yaml:"maxSSEConnectionsPerUser"`
	ReleaseRate              float64       `yaml:"releaseRatePerSecond"`
	TokenTTL                 time.Duration `yaml:"tokenTTL"`
	RetryJitterMin           time.Duration `yaml:"retryJitterMin"`
	RetryJitterMax           time.Duration `yaml:"retryJitterMax"`
	AbuseWindow              time.Duration `yaml:"abuseWindow"`
	AbuseThreshold           int           `yaml:"abuseThreshold"`
	AbuseCooldown            time.Duration `yaml:"abuseCooldown"`
}

// Queue configures component B.
type Queue struct {
	MaxConcurrent int           `yaml:"maxConcurrent"`
	MaxRPM        int           `yaml:"maxRPM"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Providers configures upstream LLM backends.
type Providers struct {
	OllamaAPIURL       string `yaml:"ollamaApiUrl"`
	OllamaModel        string `yaml:"ollamaModel"`
	ArkAPIKey          string `yaml:"arkApiKey"`
	ArkAPIURL          string `yaml:"arkApiUrl"`
	ArkEmbeddingAPIURL string `yaml:"arkEmbeddingApiUrl"`
	ArkEmbeddingModel  string `yaml:"arkEmbeddingModel"`
}

// Tools configures the tool runtime.
type Tools struct {
	TavilyAPIKey        string `yaml:"tavilyApiKey"`
	CircuitBreakerMode  string `yaml:"circuitBreakerMode"` // composite|default
}

// LRU configures component N.
type LRU struct {
	MaxActiveConversationsPerUser   int           `yaml:"maxActiveConversationsPerUser"`
	AutoArchiveAfter                time.Duration `yaml:"autoArchiveAfter"`
	MaxArchivedConversationsPerUser int           `yaml:"maxArchivedConversationsPerUser"`
	DeleteArchivedAfter             time.Duration `yaml:"deleteArchivedAfter"` // 0 disables
}

// Default returns the spec's documented defaults.
func Default() *Config {
	return &Config{
		Admission: Admission{
			MaxSSEConnections:        200,
			MaxSSEConnectionsPerUser: 3,
			ReleaseRate:              5,
			TokenTTL:                 3 * time.Minute,
			RetryJitterMin:           300 * time.Millisecond,
			RetryJitterMax:           1000 * time.Millisecond,
			AbuseWindow:              10 * time.Second,
			AbuseThreshold:           3,
			AbuseCooldown:            30 * time.Second,
		},
		Queue: Queue{
			MaxConcurrent: 10,
			MaxRPM:        120,
			Timeout:       60 * time.Second,
		},
		Providers: Providers{
			OllamaAPIURL: "http://localhost:11434",
			OllamaModel:  "qwen2.5",
		},
		Tools: Tools{
			CircuitBreakerMode: "default",
		},
		LRU: LRU{
			MaxActiveConversationsPerUser:   50,
			AutoArchiveAfter:                30 * 24 * time.Hour,
			MaxArchivedConversationsPerUser: 200,
			DeleteArchivedAfter:             0,
		},
	}
}

// Load builds a Config from (in ascending priority): the built-in defaults,
// an optional YAML file at path, an optional JSONC override file sitting
// next to it with a .jsonc suffix, a .env file in the working directory, and
// process environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		if err := loadYAMLFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: load yaml: %w", err)
		}
		jsoncPath := path[:len(path)-len(filepath.Ext(path))] + ".jsonc"
		if err := loadJSONCOverride(jsoncPath, cfg); err != nil {
			return nil, fmt.Errorf("config: load jsonc override: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func loadJSONCOverride(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	clean := jsonc.ToJSON(data)
	return yaml.Unmarshal(clean, cfg) // yaml.Unmarshal accepts JSON (a YAML subset)
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Admission.MaxSSEConnections, "MAX_SSE_CONNECTIONS")
	setInt(&cfg.Admission.MaxSSEConnectionsPerUser, "MAX_SSE_CONNECTIONS_PER_USER")
	setInt(&cfg.Queue.MaxConcurrent, "LLM_MAX_CONCURRENT")
	setInt(&cfg.Queue.MaxRPM, "LLM_MAX_RPM")
	setDuration(&cfg.Queue.Timeout, "LLM_TIMEOUT")

	setString(&cfg.Providers.OllamaAPIURL, "OLLAMA_API_URL")
	setString(&cfg.Providers.OllamaModel, "OLLAMA_MODEL")
	setString(&cfg.Providers.ArkAPIKey, "ARK_API_KEY")
	setString(&cfg.Providers.ArkAPIURL, "ARK_API_URL")
	setString(&cfg.Providers.ArkEmbeddingAPIURL, "ARK_EMBEDDING_API_URL")
	setString(&cfg.Providers.ArkEmbeddingModel, "ARK_EMBEDDING_MODEL")

	setString(&cfg.Tools.TavilyAPIKey, "TAVILY_API_KEY")
	setString(&cfg.Tools.CircuitBreakerMode, "TOOL_CIRCUIT_BREAKER_MODE")
}

func setString(dst *string, envVar string) {
	if v := os.Getenv(envVar); v != "" {
		*dst = v
	}
}

func setInt(dst *int, envVar string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setDuration(dst *time.Duration, envVar string) {
	v := os.Getenv(envVar)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	} else if secs, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(secs) * time.Second
	}
}
