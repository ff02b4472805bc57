package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.yaml")

	configContent := `
log:
  level: debug
  format: json

store:
  backend: sqlite
  path: ./test.db

controller:
  workers: 4
  dispatch_interval: 50ms
  cleanup_age: 48h

scheduler:
  global_concurrency: 16
  job_concurrency: 2
  failure_tolerance: 0.25
  resume_interrupted: false
  max_retries: 5
  job_timeout: 10m

processor:
  max_attempts: 5
  base_delay: 100ms
  max_delay: 2s

translator:
  kind: http
  endpoint: http://localhost:9000/translate
  rate_limit: 10
  burst: 5

http:
  allowed_origins: ["http://localhost:5173"]
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "./test.db", cfg.Store.Path)

	assert.Equal(t, 4, cfg.Controller.Workers)
	assert.Equal(t, 50*time.Millisecond, cfg.Controller.DispatchInterval)
	assert.Equal(t, 48*time.Hour, cfg.Controller.CleanupAge)
	assert.Equal(t, time.Hour, cfg.Controller.CleanupInterval, "unset fields keep defaults")

	assert.Equal(t, 16, cfg.Scheduler.GlobalConcurrency)
	assert.Equal(t, 0.25, cfg.Scheduler.FailureTolerance)
	assert.False(t, cfg.Scheduler.ResumeInterrupted)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.JobTimeout)

	assert.Equal(t, 5, cfg.Processor.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Processor.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Processor.AttemptTimeout)

	assert.Equal(t, TranslatorHTTP, cfg.Translator.Kind)
	assert.Equal(t, 10.0, cfg.Translator.RateLimit)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.HTTP.AllowedOrigins)
}

func TestDefaultFileMatchesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	want := Default()
	want.HTTP.AllowedOrigins = []string{}
	assert.Equal(t, want, cfg)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")

	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	invalidYAML := `
controller:
  workers: "not a number"
  invalid yaml structure
    broken indentation
`
	cfg, err := Parse([]byte(invalidYAML))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err, "empty YAML yields the defaults")
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "redis" }, errMsg: "store.backend"},
		{name: "wal without dir", mutate: func(c *Config) { c.Store.Dir = "" }, errMsg: "store.dir"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Backend = BackendSQLite; c.Store.Path = "" }, errMsg: "store.path"},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, errMsg: "log.level"},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, errMsg: "log.format"},
		{name: "zero workers", mutate: func(c *Config) { c.Controller.Workers = 0 }, errMsg: "controller.workers"},
		{name: "tolerance above one", mutate: func(c *Config) { c.Scheduler.FailureTolerance = 1.5 }, errMsg: "failure_tolerance"},
		{name: "negative max retries", mutate: func(c *Config) { c.Scheduler.MaxRetries = -1 }, errMsg: "max_retries"},
		{name: "negative job timeout", mutate: func(c *Config) { c.Scheduler.JobTimeout = -time.Second }, errMsg: "job_timeout"},
		{name: "base above max delay", mutate: func(c *Config) { c.Processor.BaseDelay = time.Minute }, errMsg: "base_delay"},
		{name: "http translator without endpoint", mutate: func(c *Config) { c.Translator.Kind = TranslatorHTTP }, errMsg: "translator.endpoint"},
		{name: "grpc without addr", mutate: func(c *Config) { c.GRPC.Addr = "" }, errMsg: "grpc.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Controller.Workers = 0
	cfg.Store.Backend = "tape"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "controller.workers")
	assert.Contains(t, err.Error(), "store.backend")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "job_id", "job-1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"job_id":"job-1"`)

	_, err = LogConfig{Level: "chatty"}.NewLogger(&buf)
	assert.Error(t, err)
}
