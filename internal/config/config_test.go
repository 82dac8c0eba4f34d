package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ContextTokenThreshold != 120000 {
		t.Errorf("threshold = %d", cfg.ContextTokenThreshold)
	}
	if cfg.MaxIterations != 25 || cfg.NativeMaxAutoContinues != 3 || cfg.MaxXMLToolCalls != 25 {
		t.Errorf("loop bounds = %d/%d/%d", cfg.MaxIterations, cfg.NativeMaxAutoContinues, cfg.MaxXMLToolCalls)
	}
	if cfg.RedisKeyTTL != time.Hour || cfg.RedisResponseListTTL != 24*time.Hour {
		t.Errorf("ttls = %v/%v", cfg.RedisKeyTTL, cfg.RedisResponseListTTL)
	}
	if cfg.ToolExecutionStrategy != ToolsSequential {
		t.Errorf("strategy = %s", cfg.ToolExecutionStrategy)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONTEXT_TOKEN_THRESHOLD", "50000")
	t.Setenv("MAX_ITERATIONS", "7")
	t.Setenv("TOOL_EXECUTION_STRATEGY", "parallel")
	t.Setenv("REDIS_KEY_TTL", "120")
	t.Setenv("REDIS_RESPONSE_LIST_TTL", "30m")
	t.Setenv("LLM_DEFAULT_MODEL", "claude-sonnet-4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ContextTokenThreshold != 50000 {
		t.Errorf("threshold = %d", cfg.ContextTokenThreshold)
	}
	if cfg.MaxIterations != 7 {
		t.Errorf("max iterations = %d", cfg.MaxIterations)
	}
	if cfg.ToolExecutionStrategy != ToolsParallel {
		t.Errorf("strategy = %s", cfg.ToolExecutionStrategy)
	}
	if cfg.RedisKeyTTL != 2*time.Minute {
		t.Errorf("key ttl = %v", cfg.RedisKeyTTL)
	}
	if cfg.RedisResponseListTTL != 30*time.Minute {
		t.Errorf("list ttl = %v", cfg.RedisResponseListTTL)
	}
	if cfg.LLMDefaultModel != "claude-sonnet-4" {
		t.Errorf("model = %s", cfg.LLMDefaultModel)
	}
}

func TestInvalidValues(t *testing.T) {
	t.Setenv("MAX_ITERATIONS", "not-a-number")
	if _, err := Load(""); err == nil {
		t.Error("malformed int should fail")
	}

	t.Setenv("MAX_ITERATIONS", "5")
	t.Setenv("TOOL_EXECUTION_STRATEGY", "sideways")
	if _, err := Load(""); err == nil {
		t.Error("invalid strategy should fail")
	}
}
