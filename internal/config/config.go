// Package config loads process configuration once at startup. Values come
// from the environment, optionally overlaid on a YAML file; the resulting
// struct is read-only for the life of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ToolExecutionStrategy selects how tools within one iteration run.
type ToolExecutionStrategy string

const (
	ToolsSequential ToolExecutionStrategy = "sequential"
	ToolsParallel   ToolExecutionStrategy = "parallel"
)

// Config is the process-wide configuration. It is initialized once and never
// mutated afterwards.
type Config struct {
	// Context management.
	ContextTokenThreshold      int `yaml:"context_token_threshold"`
	ContextSummaryTargetTokens int `yaml:"context_summary_target_tokens"`
	ContextReserveTokens       int `yaml:"context_reserve_tokens"`

	// Loop bounds.
	MaxIterations          int `yaml:"max_iterations"`
	NativeMaxAutoContinues int `yaml:"native_max_auto_continues"`
	MaxXMLToolCalls        int `yaml:"max_xml_tool_calls"`

	// Pub/sub TTLs.
	RedisKeyTTL          time.Duration `yaml:"redis_key_ttl"`
	RedisResponseListTTL time.Duration `yaml:"redis_response_list_ttl"`

	// LLM.
	LLMDefaultModel string `yaml:"llm_default_model"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	OpenAIBaseURL   string `yaml:"openai_base_url"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`

	// Tool execution.
	ToolExecutionStrategy ToolExecutionStrategy `yaml:"tool_execution_strategy"`

	// Backing services.
	PostgresDSN   string `yaml:"postgres_dsn"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Work queue.
	RunQueueName      string `yaml:"run_queue_name"`
	WorkerConcurrency int    `yaml:"worker_concurrency"`

	// Worker identity; generated when empty.
	InstanceID string `yaml:"instance_id"`

	// Sandbox service endpoint.
	SandboxBaseURL string `yaml:"sandbox_base_url"`

	// MetricsAddr is the listen address of the Prometheus endpoint; empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		ContextTokenThreshold:      120000,
		ContextSummaryTargetTokens: 10000,
		ContextReserveTokens:       5000,
		MaxIterations:              25,
		NativeMaxAutoContinues:     3,
		MaxXMLToolCalls:            25,
		RedisKeyTTL:                time.Hour,
		RedisResponseListTTL:       24 * time.Hour,
		LLMDefaultModel:            "gpt-4o",
		ToolExecutionStrategy:      ToolsSequential,
		SQLitePath:                 "loom.db",
		RedisAddr:                  "localhost:6379",
		RunQueueName:               "agent_run_queue",
		WorkerConcurrency:          8,
		MetricsAddr:                ":9090",
		LogLevel:                   "info",
		LogFormat:                  "text",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment variables. Returns an error for malformed
// values rather than silently falling back.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	setInt := func(dst *int, key string) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			n, parseErr := strconv.Atoi(v)
			if parseErr != nil {
				err = fmt.Errorf("%s: %w", key, parseErr)
				return
			}
			*dst = n
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if err != nil {
			return
		}
		if v := os.Getenv(key); v != "" {
			// Accept plain seconds or a Go duration string.
			if secs, parseErr := strconv.Atoi(v); parseErr == nil {
				*dst = time.Duration(secs) * time.Second
				return
			}
			d, parseErr := time.ParseDuration(v)
			if parseErr != nil {
				err = fmt.Errorf("%s: %w", key, parseErr)
				return
			}
			*dst = d
		}
	}
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setInt(&c.ContextTokenThreshold, "CONTEXT_TOKEN_THRESHOLD")
	setInt(&c.ContextSummaryTargetTokens, "CONTEXT_SUMMARY_TARGET_TOKENS")
	setInt(&c.ContextReserveTokens, "CONTEXT_RESERVE_TOKENS")
	setInt(&c.MaxIterations, "MAX_ITERATIONS")
	setInt(&c.NativeMaxAutoContinues, "NATIVE_MAX_AUTO_CONTINUES")
	setInt(&c.MaxXMLToolCalls, "MAX_XML_TOOL_CALLS")
	setDuration(&c.RedisKeyTTL, "REDIS_KEY_TTL")
	setDuration(&c.RedisResponseListTTL, "REDIS_RESPONSE_LIST_TTL")
	setString(&c.LLMDefaultModel, "LLM_DEFAULT_MODEL")
	setString(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&c.OpenAIBaseURL, "OPENAI_BASE_URL")
	setString(&c.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.PostgresDSN, "POSTGRES_DSN")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setInt(&c.RedisDB, "REDIS_DB")
	setString(&c.RunQueueName, "RUN_QUEUE_NAME")
	setInt(&c.WorkerConcurrency, "WORKER_CONCURRENCY")
	setString(&c.InstanceID, "INSTANCE_ID")
	setString(&c.SandboxBaseURL, "SANDBOX_BASE_URL")
	setString(&c.MetricsAddr, "METRICS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	if v := os.Getenv("TOOL_EXECUTION_STRATEGY"); v != "" {
		c.ToolExecutionStrategy = ToolExecutionStrategy(v)
	}
	return err
}

func (c *Config) validate() error {
	switch c.ToolExecutionStrategy {
	case ToolsSequential, ToolsParallel:
	default:
		return fmt.Errorf("invalid TOOL_EXECUTION_STRATEGY %q", c.ToolExecutionStrategy)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("MAX_ITERATIONS must be positive")
	}
	if c.MaxXMLToolCalls <= 0 {
		return fmt.Errorf("MAX_XML_TOOL_CALLS must be positive")
	}
	if c.NativeMaxAutoContinues < 0 {
		return fmt.Errorf("NATIVE_MAX_AUTO_CONTINUES must not be negative")
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	return nil
}
