package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Values resolve in three layers:
// built-in defaults, then the YAML file, then PYGRADE_* environment
// variables.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Engine     EngineConfig    `yaml:"engine"`
	Limits     LimitsConfig    `yaml:"limits"`
	Sandbox    SandboxConfig   `yaml:"sandbox"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Database   DatabaseConfig  `yaml:"database"`
	Kafka      KafkaConfig     `yaml:"kafka"`
	Challenge  ChallengeConfig `yaml:"challenge"`
	Comparison string          `yaml:"comparison"` // trim_trailing or exact
	Log        LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     int    `yaml:"read_timeout"`     // seconds
	WriteTimeout    int    `yaml:"write_timeout"`    // seconds, must outlast the outer ceiling
	IdleTimeout     int    `yaml:"idle_timeout"`     // seconds
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// EngineConfig sizes the execution pipeline. Workers is the system-wide
// cap on simultaneously running sandboxes.
type EngineConfig struct {
	Workers        int `yaml:"workers"`
	QueueCapacity  int `yaml:"queue_capacity"`
	QueueMaxWaitMs int `yaml:"queue_max_wait_ms"`
}

// LimitsConfig holds the per-request clamps and defaults.
type LimitsConfig struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	DefaultMemoryMb       int `yaml:"default_memory_mb"`
	MaxTimeoutSeconds     int `yaml:"max_timeout_seconds"`
	MaxMemoryMb           int `yaml:"max_memory_mb"`
	MaxTestCases          int `yaml:"max_test_cases"`
	MaxCodeBytes          int `yaml:"max_code_bytes"`
	OuterCeilingSeconds   int `yaml:"outer_ceiling_seconds"`
}

type SandboxConfig struct {
	Image         string `yaml:"image"`
	CPUQuota      int64  `yaml:"cpu_quota"`
	PidsLimit     int64  `yaml:"pids_limit"`
	WorkdirSizeMb int    `yaml:"workdir_size_mb"`
	TmpSizeMb     int    `yaml:"tmp_size_mb"`
	PythonBin     string `yaml:"python_bin"` // host interpreter for the parse check
}

type RateLimitConfig struct {
	GlobalRPS     float64 `yaml:"global_rps"`
	PerIPRPS      float64 `yaml:"per_ip_rps"`
	PerIPBurst    int     `yaml:"per_ip_burst"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty selects the in-memory store
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"` // empty disables publishing
	Topic   string   `yaml:"topic"`
}

type ChallengeConfig struct {
	BaseURL        string `yaml:"base_url"` // empty disables the endpoint
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15,
			WriteTimeout:    330,
			IdleTimeout:     60,
			ShutdownTimeout: 30,
		},
		Engine: EngineConfig{
			Workers:        4,
			QueueCapacity:  100,
			QueueMaxWaitMs: 500,
		},
		Limits: LimitsConfig{
			DefaultTimeoutSeconds: 10,
			DefaultMemoryMb:       128,
			MaxTimeoutSeconds:     30,
			MaxMemoryMb:           512,
			MaxTestCases:          20,
			MaxCodeBytes:          65536,
			OuterCeilingSeconds:   300,
		},
		Sandbox: SandboxConfig{
			Image:         "python:3.11-slim",
			CPUQuota:      100000,
			PidsLimit:     64,
			WorkdirSizeMb: 64,
			TmpSizeMb:     16,
			PythonBin:     "python3",
		},
		RateLimit: RateLimitConfig{
			GlobalRPS:     50,
			PerIPRPS:      5,
			PerIPBurst:    10,
			MaxConcurrent: 100,
		},
		Kafka: KafkaConfig{
			Topic: "pygrade.submissions.graded",
		},
		Challenge: ChallengeConfig{
			TimeoutSeconds: 15,
		},
		Comparison: "trim_trailing",
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load resolves the configuration. An explicit path (argument or
// PYGRADE_CONFIG) must exist; the implicit default config.yaml may be
// absent.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		if env := os.Getenv("PYGRADE_CONFIG"); env != "" {
			path = env
			explicit = true
		} else {
			path = "config.yaml"
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults plus environment only.
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.Engine.QueueCapacity)
	}
	if c.Limits.MaxTimeoutSeconds <= 0 || c.Limits.MaxMemoryMb <= 0 || c.Limits.MaxTestCases <= 0 {
		return fmt.Errorf("request limits must be positive")
	}
	if c.Limits.DefaultTimeoutSeconds > c.Limits.MaxTimeoutSeconds {
		return fmt.Errorf("default timeout %ds exceeds maximum %ds",
			c.Limits.DefaultTimeoutSeconds, c.Limits.MaxTimeoutSeconds)
	}
	if c.Limits.DefaultMemoryMb > c.Limits.MaxMemoryMb {
		return fmt.Errorf("default memory %dMB exceeds maximum %dMB",
			c.Limits.DefaultMemoryMb, c.Limits.MaxMemoryMb)
	}
	switch c.Comparison {
	case "trim_trailing", "exact":
	default:
		return fmt.Errorf("unknown comparison mode %q", c.Comparison)
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func applyEnv(cfg *Config) {
	envString("PYGRADE_HOST", &cfg.Server.Host)
	envInt("PYGRADE_PORT", &cfg.Server.Port)
	envInt("PYGRADE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	envInt("PYGRADE_WORKERS", &cfg.Engine.Workers)
	envInt("PYGRADE_QUEUE_CAPACITY", &cfg.Engine.QueueCapacity)
	envInt("PYGRADE_QUEUE_MAX_WAIT_MS", &cfg.Engine.QueueMaxWaitMs)

	envInt("PYGRADE_DEFAULT_TIMEOUT_SECONDS", &cfg.Limits.DefaultTimeoutSeconds)
	envInt("PYGRADE_DEFAULT_MEMORY_MB", &cfg.Limits.DefaultMemoryMb)
	envInt("PYGRADE_MAX_TIMEOUT_SECONDS", &cfg.Limits.MaxTimeoutSeconds)
	envInt("PYGRADE_MAX_MEMORY_MB", &cfg.Limits.MaxMemoryMb)
	envInt("PYGRADE_MAX_TEST_CASES", &cfg.Limits.MaxTestCases)
	envInt("PYGRADE_MAX_CODE_BYTES", &cfg.Limits.MaxCodeBytes)
	envInt("PYGRADE_OUTER_CEILING_SECONDS", &cfg.Limits.OuterCeilingSeconds)

	envString("PYGRADE_SANDBOX_IMAGE", &cfg.Sandbox.Image)
	envInt64("PYGRADE_CPU_QUOTA", &cfg.Sandbox.CPUQuota)
	envInt64("PYGRADE_PIDS_LIMIT", &cfg.Sandbox.PidsLimit)
	envInt("PYGRADE_WORKDIR_SIZE_MB", &cfg.Sandbox.WorkdirSizeMb)
	envInt("PYGRADE_TMP_SIZE_MB", &cfg.Sandbox.TmpSizeMb)
	envString("PYGRADE_PYTHON_BIN", &cfg.Sandbox.PythonBin)

	envFloat("PYGRADE_GLOBAL_RPS", &cfg.RateLimit.GlobalRPS)
	envFloat("PYGRADE_PER_IP_RPS", &cfg.RateLimit.PerIPRPS)
	envInt("PYGRADE_PER_IP_BURST", &cfg.RateLimit.PerIPBurst)
	envInt("PYGRADE_MAX_CONCURRENT", &cfg.RateLimit.MaxConcurrent)

	envString("PYGRADE_DATABASE_URL", &cfg.Database.URL)

	if brokers := os.Getenv("PYGRADE_KAFKA_BROKERS"); brokers != "" {
		parts := strings.Split(brokers, ",")
		cfg.Kafka.Brokers = cfg.Kafka.Brokers[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, p)
			}
		}
	}
	envString("PYGRADE_KAFKA_TOPIC", &cfg.Kafka.Topic)

	envString("PYGRADE_CHALLENGE_BASE_URL", &cfg.Challenge.BaseURL)
	envString("PYGRADE_CHALLENGE_TOKEN", &cfg.Challenge.Token)
	envInt("PYGRADE_CHALLENGE_TIMEOUT_SECONDS", &cfg.Challenge.TimeoutSeconds)

	envString("PYGRADE_COMPARISON", &cfg.Comparison)

	envString("PYGRADE_LOG_LEVEL", &cfg.Log.Level)
	envBool("PYGRADE_LOG_PRETTY", &cfg.Log.Pretty)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		*dst = v
	}
}

func envInt64(key string, dst *int64) {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil && v > 0 {
		*dst = v
	}
}

func envFloat(key string, dst *float64) {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && v > 0 {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}
