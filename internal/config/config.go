// Package config centralizes TaskMesh's environment-derived configuration,
// layering spf13/viper over process environment variables the way
// Kocoro-lab/Shannon's internal/config package layers file and env sources.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved, typed configuration for a TaskMesh process.
type Config struct {
	APIKey      string
	CORSOrigins []string
	AgentsURL   string
	DatabaseURL string

	RateLimitBuffer float64
	MinAPIDelay     time.Duration
	RateLimitDebug  bool

	DailyBudgetCents   int64
	BudgetWarningRatio float64
	BudgetEnabled      bool

	StuckTaskTimeout       time.Duration
	StuckTaskCheckInterval time.Duration

	OllamaRest         time.Duration
	OllamaExtendedRest time.Duration
	OllamaResetEveryN  int

	AsyncValidationEnabled bool
	AutoCodeReview         bool

	UsePubSubBridge bool
	PubSubURL       string

	RedisURL    string
	WSJWTSecret string
	PolicyMode  string

	HealthPort int
	HTTPPort   int
}

// Load reads configuration from the process environment with the defaults
// documented in spec.md section 6.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("rate_limit_buffer", 0.8)
	v.SetDefault("min_api_delay_sec", 0.5)
	v.SetDefault("rate_limit_debug", false)
	v.SetDefault("daily_budget_cents", 0)
	v.SetDefault("budget_warning_threshold", 0.8)
	v.SetDefault("budget_enabled", true)
	v.SetDefault("stuck_task_timeout_ms", 600000)
	v.SetDefault("stuck_task_check_interval_ms", 60000)
	v.SetDefault("ollama_rest_ms", 3000)
	v.SetDefault("ollama_extended_rest_ms", 8000)
	v.SetDefault("ollama_reset_every_n", 5)
	v.SetDefault("async_validation_enabled", true)
	v.SetDefault("auto_code_review", false)
	v.SetDefault("use_pubsub_bridge", false)
	v.SetDefault("policy_mode", "off")
	v.SetDefault("health_port", 8081)
	v.SetDefault("http_port", 8080)

	for _, key := range []string{
		"api_key", "cors_origins", "agents_url", "database_url",
		"rate_limit_buffer", "min_api_delay_sec", "rate_limit_debug",
		"daily_budget_cents", "budget_warning_threshold", "budget_enabled",
		"stuck_task_timeout_ms", "stuck_task_check_interval_ms",
		"ollama_rest_ms", "ollama_extended_rest_ms", "ollama_reset_every_n",
		"async_validation_enabled", "auto_code_review",
		"use_pubsub_bridge", "pubsub_url", "redis_url", "ws_jwt_secret", "policy_mode",
		"health_port", "http_port",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg := &Config{
		APIKey:                 v.GetString("api_key"),
		AgentsURL:              v.GetString("agents_url"),
		DatabaseURL:            v.GetString("database_url"),
		RateLimitBuffer:        v.GetFloat64("rate_limit_buffer"),
		MinAPIDelay:            time.Duration(v.GetFloat64("min_api_delay_sec") * float64(time.Second)),
		RateLimitDebug:         v.GetBool("rate_limit_debug"),
		DailyBudgetCents:       v.GetInt64("daily_budget_cents"),
		BudgetWarningRatio:     v.GetFloat64("budget_warning_threshold"),
		BudgetEnabled:          v.GetBool("budget_enabled"),
		StuckTaskTimeout:       time.Duration(v.GetInt64("stuck_task_timeout_ms")) * time.Millisecond,
		StuckTaskCheckInterval: time.Duration(v.GetInt64("stuck_task_check_interval_ms")) * time.Millisecond,
		OllamaRest:             time.Duration(v.GetInt64("ollama_rest_ms")) * time.Millisecond,
		OllamaExtendedRest:     time.Duration(v.GetInt64("ollama_extended_rest_ms")) * time.Millisecond,
		OllamaResetEveryN:      v.GetInt("ollama_reset_every_n"),
		AsyncValidationEnabled: v.GetBool("async_validation_enabled"),
		AutoCodeReview:         v.GetBool("auto_code_review"),
		UsePubSubBridge:        v.GetBool("use_pubsub_bridge"),
		PubSubURL:              v.GetString("pubsub_url"),
		RedisURL:               v.GetString("redis_url"),
		WSJWTSecret:            v.GetString("ws_jwt_secret"),
		PolicyMode:             v.GetString("policy_mode"),
		HealthPort:             v.GetInt("health_port"),
		HTTPPort:               v.GetInt("http_port"),
	}

	if origins := v.GetString("cors_origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	return cfg, nil
}
