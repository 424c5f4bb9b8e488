package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/xinge0721/Eromang/eromang"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Eromang EromangConfig `mapstructure:"eromang"`
	Models  ModelsConfig  `mapstructure:"models"`
	History HistoryConfig `mapstructure:"history"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Harness HarnessConfig `mapstructure:"harness"`
	Log     LogConfig     `mapstructure:"log"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
}

// EromangConfig stores process-wide settings.
type EromangConfig struct {
	DataDir  string         `mapstructure:"dataDir"`
	Database DatabaseConfig `mapstructure:"database"`
}

// ModelsConfig holds one entry per conversational role.
type ModelsConfig struct {
	Dialogue  ModelConfig `mapstructure:"dialogue"`
	Knowledge ModelConfig `mapstructure:"knowledge"`
}

// ModelConfig describes an OpenAI-compatible chat endpoint and the history
// budget of the role that talks to it.
type ModelConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	MaxTokens      int           `mapstructure:"max_tokens"`  // history ceiling
	PromptPath     string        `mapstructure:"prompt_path"` // system prompt document
	Temperature    float32       `mapstructure:"temperature"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// HistoryConfig controls how per-role histories are persisted.
type HistoryConfig struct {
	Backend      string  `mapstructure:"backend"` // "file", "libsql", "none"
	Dir          string  `mapstructure:"dir"`
	PromptRatio  float64 `mapstructure:"prompt_ratio"`  // max share of the ceiling the prompt may use
	WatchPrompts bool    `mapstructure:"watch_prompts"` // reload prompt documents on change
}

// BridgeConfig describes the tool-execution backend and the dispatch queue.
type BridgeConfig struct {
	Transport    string        `mapstructure:"transport"` // "builtin", "stdio", "sse", "http"
	Command      string        `mapstructure:"command"`
	Args         []string      `mapstructure:"args"`
	Endpoint     string        `mapstructure:"endpoint"`
	QueueSize    int           `mapstructure:"queue_size"`
	AwaitTimeout time.Duration `mapstructure:"await_timeout"`
	IdleWait     time.Duration `mapstructure:"idle_wait"`
	Workspace    string        `mapstructure:"workspace"` // root served by file_info; empty disables it
}

// HarnessConfig stores orchestration settings.
type HarnessConfig struct {
	// Cache settings
	CacheEnabled    bool     `mapstructure:"cache_enabled"`     // reuse results of cacheable tools
	CacheCapacity   int      `mapstructure:"cache_capacity"`    // LRU cache capacity
	CacheTTLSeconds int      `mapstructure:"cache_ttl_seconds"` // Cache entry TTL
	CacheableTools  []string `mapstructure:"cacheable_tools"`   // read-only tools safe to reuse

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Policies
	MaxIterations int `mapstructure:"max_iterations"` // state transitions per turn
	MaxTodoItems  int `mapstructure:"max_todo_items"` // subtasks run per plan; 0 runs all

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"`
	AllowedTools     []string `mapstructure:"allowed_tools"` // empty allows all; "prefix*" entries allowed

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

var AppConfig Config

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return LoadConfigWith(viper.New(), configPath)
}

// LoadConfigWith loads into a caller-owned viper instance, so flags bound
// with BindPFlags take precedence over file values.
func LoadConfigWith(v *viper.Viper, configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	SetDefaults(v)

	v.AutomaticEnv()
	// models.dialogue.api_key becomes MODELS_DIALOGUE_API_KEY
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	AppConfig = cfg

	return &cfg, nil
}

// SetDefaults registers every known key so that env overrides resolve even
// without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("eromang.dataDir", internal.DefaultDataDir)
	v.SetDefault("eromang.database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("eromang.database.type", internal.DefaultDatabaseType)

	for _, role := range []string{"dialogue", "knowledge"} {
		prefix := "models." + role + "."
		v.SetDefault(prefix+"base_url", "https://api.deepseek.com/v1")
		v.SetDefault(prefix+"api_key", "")
		v.SetDefault(prefix+"model", "deepseek-chat")
		v.SetDefault(prefix+"max_tokens", 4096)
		v.SetDefault(prefix+"prompt_path", filepath.Join(internal.DefaultPromptDir, role+".json"))
		v.SetDefault(prefix+"temperature", 0.7)
		v.SetDefault(prefix+"request_timeout", "120s")
	}

	v.SetDefault("history.backend", "file")
	v.SetDefault("history.dir", internal.DefaultHistoryDir)
	v.SetDefault("history.prompt_ratio", 0.8)
	v.SetDefault("history.watch_prompts", false)

	v.SetDefault("bridge.transport", "builtin")
	v.SetDefault("bridge.command", "")
	v.SetDefault("bridge.args", []string{})
	v.SetDefault("bridge.endpoint", "")
	v.SetDefault("bridge.queue_size", 64)
	v.SetDefault("bridge.await_timeout", "60s")
	v.SetDefault("bridge.idle_wait", "100ms")
	v.SetDefault("bridge.workspace", "")

	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 1000)
	v.SetDefault("harness.cache_ttl_seconds", 300)
	v.SetDefault("harness.cacheable_tools", []string{"file_info"})
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 10)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.max_iterations", 10)
	v.SetDefault("harness.max_todo_items", 0)
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.allowed_tools", []string{})
	v.SetDefault("harness.enable_tracing", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
}
