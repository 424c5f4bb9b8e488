package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	internal "github.com/xinge0721/Eromang/eromang"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ConfigTestSuite tests the config package functionality
type ConfigTestSuite struct {
	suite.Suite
	tempDir string
	origDir string
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (suite *ConfigTestSuite) SetupTest() {
	var err error
	suite.origDir, err = os.Getwd()
	require.NoError(suite.T(), err)

	tempDir, err := os.MkdirTemp("", "eromang-config-test-*")
	require.NoError(suite.T(), err)
	suite.tempDir = tempDir

	err = os.Chdir(tempDir)
	require.NoError(suite.T(), err)
}

func (suite *ConfigTestSuite) TearDownTest() {
	if suite.origDir != "" {
		os.Chdir(suite.origDir)
	}
	if suite.tempDir != "" {
		os.RemoveAll(suite.tempDir)
	}
}

func (suite *ConfigTestSuite) TestLoadConfigWithDefaults() {
	cfg, err := LoadConfig("")

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), internal.DefaultDataDir, cfg.Eromang.DataDir)
	assert.Equal(suite.T(), internal.DefaultDatabaseDSN, cfg.Eromang.Database.DSN)
	assert.Equal(suite.T(), internal.DefaultDatabaseType, cfg.Eromang.Database.Type)

	assert.Equal(suite.T(), 4096, cfg.Models.Dialogue.MaxTokens)
	assert.Equal(suite.T(), 4096, cfg.Models.Knowledge.MaxTokens)
	assert.Equal(suite.T(), 120*time.Second, cfg.Models.Dialogue.RequestTimeout)
	assert.Equal(suite.T(), filepath.Join(internal.DefaultPromptDir, "knowledge.json"), cfg.Models.Knowledge.PromptPath)

	assert.Equal(suite.T(), "file", cfg.History.Backend)
	assert.InDelta(suite.T(), 0.8, cfg.History.PromptRatio, 1e-9)

	assert.Equal(suite.T(), "builtin", cfg.Bridge.Transport)
	assert.Equal(suite.T(), 64, cfg.Bridge.QueueSize)
	assert.Equal(suite.T(), 60*time.Second, cfg.Bridge.AwaitTimeout)
	assert.Equal(suite.T(), 100*time.Millisecond, cfg.Bridge.IdleWait)

	assert.Equal(suite.T(), 10, cfg.Harness.MaxIterations)
	assert.Equal(suite.T(), time.Second, cfg.Harness.RateLimitRefillRate)
	assert.True(suite.T(), cfg.Harness.EnableGuardrails)
	assert.Equal(suite.T(), []string{"file_info"}, cfg.Harness.CacheableTools)
	assert.Equal(suite.T(), 300, cfg.Harness.CacheTTLSeconds)
}

func (suite *ConfigTestSuite) TestLoadConfigWithFile() {
	configContent := `
eromang:
  dataDir: "./data"
  database:
    dsn: "test.db"
models:
  dialogue:
    model: "qwen-plus"
    max_tokens: 8192
  knowledge:
    base_url: "http://localhost:8000/v1"
history:
  backend: "libsql"
bridge:
  transport: "stdio"
  command: "eromang-tools"
  args: ["--log-level", "warn"]
  await_timeout: "5s"
harness:
  allowed_tools: ["route_task", "fs_*"]
`

	configFile := filepath.Join(suite.tempDir, "config.yaml")
	err := os.WriteFile(configFile, []byte(configContent), 0o644)
	require.NoError(suite.T(), err)

	cfg, err := LoadConfig(configFile)

	require.NoError(suite.T(), err)
	require.NotNil(suite.T(), cfg)

	assert.Equal(suite.T(), "./data", cfg.Eromang.DataDir)
	assert.Equal(suite.T(), "test.db", cfg.Eromang.Database.DSN)
	assert.Equal(suite.T(), "qwen-plus", cfg.Models.Dialogue.Model)
	assert.Equal(suite.T(), 8192, cfg.Models.Dialogue.MaxTokens)
	assert.Equal(suite.T(), "http://localhost:8000/v1", cfg.Models.Knowledge.BaseURL)
	// untouched keys keep their defaults
	assert.Equal(suite.T(), 4096, cfg.Models.Knowledge.MaxTokens)
	assert.Equal(suite.T(), "libsql", cfg.History.Backend)
	assert.Equal(suite.T(), "stdio", cfg.Bridge.Transport)
	assert.Equal(suite.T(), "eromang-tools", cfg.Bridge.Command)
	assert.Equal(suite.T(), []string{"--log-level", "warn"}, cfg.Bridge.Args)
	assert.Equal(suite.T(), 5*time.Second, cfg.Bridge.AwaitTimeout)
	assert.Equal(suite.T(), []string{"route_task", "fs_*"}, cfg.Harness.AllowedTools)
}

func (suite *ConfigTestSuite) TestLoadConfigEnvOverride() {
	suite.T().Setenv("MODELS_DIALOGUE_API_KEY", "sk-test")
	suite.T().Setenv("BRIDGE_QUEUE_SIZE", "8")

	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "sk-test", cfg.Models.Dialogue.APIKey)
	assert.Equal(suite.T(), 8, cfg.Bridge.QueueSize)
}

func (suite *ConfigTestSuite) TestLoadConfigInvalidFile() {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigMalformedFile() {
	malformedContent := `
eromang:
  dataDir: "./data"
  invalid_yaml: [unclosed bracket
`

	configFile := filepath.Join(suite.tempDir, "malformed.yaml")
	err := os.WriteFile(configFile, []byte(malformedContent), 0o644)
	require.NoError(suite.T(), err)

	cfg, err := LoadConfig(configFile)

	assert.Error(suite.T(), err)
	assert.Nil(suite.T(), cfg)
}

func (suite *ConfigTestSuite) TestLoadConfigWithBoundViper() {
	v := viper.New()
	v.Set("bridge.transport", "http")

	cfg, err := LoadConfigWith(v, "")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), "http", cfg.Bridge.Transport)
}

func (suite *ConfigTestSuite) TestAppConfigGlobal() {
	cfg, err := LoadConfig("")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), cfg.Eromang.DataDir, AppConfig.Eromang.DataDir)
}

// BenchmarkLoadConfig benchmarks config loading performance
func BenchmarkLoadConfig(b *testing.B) {
	for b.Loop() {
		cfg, err := LoadConfig("")
		if err != nil {
			b.Fatal(err)
		}
		_ = cfg
	}
}
