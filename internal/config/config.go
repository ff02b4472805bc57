// ============================================================================
// 配置 - YAML 設定檔
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入 configs/default.yaml 格式的設定，未出現的欄位保留 Default() 的值
//
// 設定區塊:
//   log         - 日誌等級與格式（text / json）
//   store       - memory / wal / sqlite 任務儲存
//   controller  - Worker 數量與背景循環間隔
//   scheduler   - 全域 / 單任務分塊並發、失敗容忍度、重啟恢復、自動重試與任務逾時
//   processor   - 重試次數、退避延遲、單次逾時、品質門檻
//   extract     - 分塊大小與前後文
//   translator  - stub 或 http 翻譯後端，選配速率限制
//   grpc / http - 對外介面
//   metrics     - /metrics 端點
//
// 時間欄位使用 Go duration 字串，例如 "200ms"、"30s"、"720h"。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 儲存後端
const (
	BackendMemory = "memory"
	BackendWAL    = "wal"
	BackendSQLite = "sqlite"
)

// 翻譯後端
const (
	TranslatorStub = "stub"
	TranslatorHTTP = "http"
)

// Config represents the complete system configuration structure
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Controller ControllerConfig `yaml:"controller"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Extract    ExtractConfig    `yaml:"extract"`
	Translator TranslatorConfig `yaml:"translator"`
	GRPC       GRPCConfig       `yaml:"grpc"`
	HTTP       HTTPConfig       `yaml:"http"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Backend           string `yaml:"backend"`
	Dir               string `yaml:"dir"`  // wal 目錄
	Path              string `yaml:"path"` // sqlite 檔案
	SyncOnAppend      bool   `yaml:"sync_on_append"`
	KeepBackups       int    `yaml:"keep_backups"`
	CompressSnapshots bool   `yaml:"compress_snapshots"`
}

type ControllerConfig struct {
	Workers          int           `yaml:"workers"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	CleanupAge       time.Duration `yaml:"cleanup_age"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	StatsInterval    time.Duration `yaml:"stats_interval"`
}

type SchedulerConfig struct {
	GlobalConcurrency int           `yaml:"global_concurrency"`
	JobConcurrency    int           `yaml:"job_concurrency"`
	FailureTolerance  float64       `yaml:"failure_tolerance"`
	ResumeInterrupted bool          `yaml:"resume_interrupted"`
	MaxRetries        int           `yaml:"max_retries"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
}

type ProcessorConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	QualityThreshold float64       `yaml:"quality_threshold"`
}

type ExtractConfig struct {
	MaxBytes     int    `yaml:"max_bytes"`
	ContextBytes int    `yaml:"context_bytes"`
	BaseDir      string `yaml:"base_dir"`
}

type TranslatorConfig struct {
	Kind      string        `yaml:"kind"`
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"` // 每秒請求數，0 表示不限
	Burst     int           `yaml:"burst"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type HTTPConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default 預設配置
func Default() *Config {
	return &Config{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Backend: BackendWAL, Dir: "./data", Path: "./data/transq.db", KeepBackups: 2},
		Controller: ControllerConfig{
			Workers:          2,
			DispatchInterval: 200 * time.Millisecond,
			CleanupInterval:  time.Hour,
			CleanupAge:       30 * 24 * time.Hour,
			SnapshotInterval: 30 * time.Second,
			StatsInterval:    5 * time.Second,
		},
		Scheduler: SchedulerConfig{
			GlobalConcurrency: 8,
			JobConcurrency:    4,
			ResumeInterrupted: true,
			MaxRetries:        3,
		},
		Processor: ProcessorConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			AttemptTimeout: 60 * time.Second,
		},
		Extract:    ExtractConfig{MaxBytes: 2000, ContextBytes: 200},
		Translator: TranslatorConfig{Kind: TranslatorStub, Timeout: 30 * time.Second},
		GRPC:       GRPCConfig{Enabled: true, Addr: "127.0.0.1:50051"},
		HTTP:       HTTPConfig{Enabled: true, Addr: "127.0.0.1:8080"},
		Metrics:    MetricsConfig{Enabled: true},
	}
}

// Load 讀取設定檔並套用在 Default() 之上
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 內容並驗證
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 檢查設定值，回傳所有問題
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendWAL:
		if c.Store.Dir == "" {
			add("store.dir is required for the wal backend")
		}
	case BackendSQLite:
		if c.Store.Path == "" {
			add("store.path is required for the sqlite backend")
		}
	default:
		add("store.backend must be memory, wal or sqlite, got %q", c.Store.Backend)
	}
	if c.Store.KeepBackups < 0 {
		add("store.keep_backups must not be negative")
	}

	if c.Controller.Workers < 1 {
		add("controller.workers must be at least 1")
	}
	if c.Controller.DispatchInterval < 0 || c.Controller.CleanupInterval < 0 ||
		c.Controller.CleanupAge < 0 || c.Controller.SnapshotInterval < 0 || c.Controller.StatsInterval < 0 {
		add("controller intervals must not be negative")
	}

	if c.Scheduler.GlobalConcurrency < 1 {
		add("scheduler.global_concurrency must be at least 1")
	}
	if c.Scheduler.JobConcurrency < 1 {
		add("scheduler.job_concurrency must be at least 1")
	}
	if c.Scheduler.FailureTolerance < 0 || c.Scheduler.FailureTolerance > 1 {
		add("scheduler.failure_tolerance must be within [0, 1]")
	}
	if c.Scheduler.MaxRetries < 0 {
		add("scheduler.max_retries must not be negative")
	}
	if c.Scheduler.JobTimeout < 0 {
		add("scheduler.job_timeout must not be negative")
	}

	if c.Processor.MaxAttempts < 1 {
		add("processor.max_attempts must be at least 1")
	}
	if c.Processor.MaxDelay > 0 && c.Processor.BaseDelay > c.Processor.MaxDelay {
		add("processor.base_delay must not exceed processor.max_delay")
	}
	if c.Processor.QualityThreshold < 0 || c.Processor.QualityThreshold > 1 {
		add("processor.quality_threshold must be within [0, 1]")
	}

	if c.Extract.MaxBytes < 0 || c.Extract.ContextBytes < 0 {
		add("extract sizes must not be negative")
	}

	switch c.Translator.Kind {
	case TranslatorStub:
	case TranslatorHTTP:
		if c.Translator.Endpoint == "" {
			add("translator.endpoint is required for the http translator")
		}
	default:
		add("translator.kind must be stub or http, got %q", c.Translator.Kind)
	}
	if c.Translator.RateLimit < 0 || c.Translator.Burst < 0 {
		add("translator rate limits must not be negative")
	}

	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		add("grpc.addr is required when grpc is enabled")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		add("http.addr is required when http is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseLevel 解析日誌等級
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger 依 LogConfig 建立 slog.Logger
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
