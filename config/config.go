// Package config builds the immutable engine configuration from defaults,
// an optional YAML file, environment variables, and caller overrides, in that
// order. Loading happens before the engine is constructed; nothing in this
// package performs I/O on the run hot path.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration. It is treated as an immutable
// value once loaded; runs receive copies.
type Config struct {
	// LLM selects the language model provider and models.
	LLM LLMConfig `yaml:"llm"`
	// Execution bounds the run: debate rounds, recursion, deadline.
	Execution ExecutionConfig `yaml:"execution"`
	// Tools configures quotas, timeouts, and retries for tool invocation.
	Tools ToolsConfig `yaml:"tools"`
	// Cache configures the tool result cache and its per-data-class TTLs.
	Cache CacheConfig `yaml:"cache"`
	// Features toggles optional engine behavior.
	Features FeatureConfig `yaml:"features"`
	// DebateFocus maps judge-feedback keywords to next-round focus areas.
	DebateFocus map[string]string `yaml:"debate_focus"`
}

// LLMConfig selects the provider and model identifiers.
type LLMConfig struct {
	// Provider names the capability adapter ("openai" or "anthropic").
	Provider string `yaml:"provider"`
	// DeepThinkModel runs the research manager, trader, and risk judge.
	DeepThinkModel string `yaml:"deep_think_model"`
	// QuickThinkModel runs the analysts and risk perspectives.
	QuickThinkModel string `yaml:"quick_think_model"`
	// BackendURL overrides the provider endpoint when set.
	BackendURL string `yaml:"backend_url"`
}

// ExecutionConfig bounds a run.
type ExecutionConfig struct {
	MaxDebateRounds      int           `yaml:"max_debate_rounds"`
	MaxRiskDiscussRounds int           `yaml:"max_risk_discuss_rounds"`
	RecursionLimit       int           `yaml:"recursion_limit"`
	ExecutionTimeout     time.Duration `yaml:"execution_timeout"`
	// ForceConsensusThreshold is the quality floor below which a slow debate
	// round is cut off after round 2.
	ForceConsensusThreshold float64 `yaml:"force_consensus_threshold"`
	// EarlyConsensusThreshold is the quality score at which the debate stops
	// early with consensus.
	EarlyConsensusThreshold float64 `yaml:"early_consensus_threshold"`
	// DebateSoftCap bounds cumulative debate time before the performance
	// cutoff applies.
	DebateSoftCap          time.Duration `yaml:"debate_soft_cap"`
	CircuitBreakerEnabled  bool          `yaml:"circuit_breaker_enabled"`
	BreakerFailureThreshold int          `yaml:"breaker_failure_threshold"`
	BreakerRecoveryTimeout  time.Duration `yaml:"breaker_recovery_timeout"`
}

// ToolsConfig configures tool invocation.
type ToolsConfig struct {
	// Quotas caps distinct successful tool calls per analyst kind.
	Quotas map[string]int `yaml:"quotas"`
	// Timeout bounds each tool handler call.
	Timeout time.Duration `yaml:"timeout"`
	// RetryAttempts is the attempt budget per tool call (including the first).
	RetryAttempts int `yaml:"retry_attempts"`
	// OnlineTools enables handlers that reach the network.
	OnlineTools bool `yaml:"online_tools"`
	// MaxConcurrentPerService caps in-flight calls per breaker group.
	MaxConcurrentPerService int `yaml:"max_concurrent_per_service"`
}

// CacheConfig configures the tool result cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxEntries bounds the in-memory cache size.
	MaxEntries int `yaml:"max_entries"`
	// TTLs maps logical data classes (quote, indicators, fundamentals, news,
	// social) to their freshness window.
	TTLs map[string]time.Duration `yaml:"ttls"`
	// RedisAddr enables the shared Redis-backed cache when non-empty.
	RedisAddr string `yaml:"redis_addr"`
}

// FeatureConfig toggles optional engine behavior.
type FeatureConfig struct {
	EnableParallelExecution bool `yaml:"enable_parallel_execution"`
	MaxParallelAgents       int  `yaml:"max_parallel_agents"`
	EnableToolCache         bool `yaml:"enable_tool_cache"`
	EnableBatchExecution    bool `yaml:"enable_batch_execution"`
}

// Default returns the baseline configuration. All other sources layer on top
// of it.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Provider:        "openai",
			DeepThinkModel:  "o3",
			QuickThinkModel: "gpt-4o",
		},
		Execution: ExecutionConfig{
			MaxDebateRounds:         1,
			MaxRiskDiscussRounds:    1,
			RecursionLimit:          50,
			ExecutionTimeout:        1200 * time.Second,
			ForceConsensusThreshold: 7,
			EarlyConsensusThreshold: 8.5,
			DebateSoftCap:           90 * time.Second,
			CircuitBreakerEnabled:   true,
			BreakerFailureThreshold: 5,
			BreakerRecoveryTimeout:  60 * time.Second,
		},
		Tools: ToolsConfig{
			Quotas: map[string]int{
				"market":       20,
				"social":       3,
				"news":         3,
				"fundamentals": 3,
			},
			Timeout:                 15 * time.Second,
			RetryAttempts:           2,
			OnlineTools:             true,
			MaxConcurrentPerService: 10,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 1024,
			TTLs: map[string]time.Duration{
				"quote":        300 * time.Second,
				"indicators":   300 * time.Second,
				"fundamentals": 3600 * time.Second,
				"news":         300 * time.Second,
				"social":       300 * time.Second,
			},
		},
		Features: FeatureConfig{
			EnableParallelExecution: true,
			MaxParallelAgents:       4,
			EnableToolCache:         true,
			EnableBatchExecution:    true,
		},
		DebateFocus: map[string]string{
			"data":        "data-evidence",
			"evidence":    "data-evidence",
			"risk":        "risk-analysis",
			"downside":    "risk-analysis",
			"valuation":   "valuation",
			"price":       "valuation",
			"competitive": "competitive-analysis",
			"market":      "competitive-analysis",
		},
	}
}

// LoadDotenv loads environment variables from the named dotfile when it
// exists. Call it from main before Load; it is never invoked by the engine.
func LoadDotenv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Load builds the configuration: defaults, then the YAML file named by
// TRADEGRAPH_CONFIG_FILE or the optional path argument, then environment
// variables. The result is validated before being returned.
func Load(file string) (Config, error) {
	cfg := Default()
	if file == "" {
		file = os.Getenv("TRADEGRAPH_CONFIG_FILE")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", file, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if c.Execution.MaxDebateRounds < 1 {
		return fmt.Errorf("max_debate_rounds must be >= 1, got %d", c.Execution.MaxDebateRounds)
	}
	if c.Execution.RecursionLimit < 1 {
		return fmt.Errorf("recursion_limit must be >= 1, got %d", c.Execution.RecursionLimit)
	}
	if c.Execution.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution_timeout must be positive, got %s", c.Execution.ExecutionTimeout)
	}
	for kind, quota := range c.Tools.Quotas {
		if quota < 0 {
			return fmt.Errorf("quota for %s must be non-negative, got %d", kind, quota)
		}
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	return nil
}

// QuotaFor returns the tool quota for an analyst kind, zero when the kind is
// unknown.
func (c Config) QuotaFor(kind string) int {
	return c.Tools.Quotas[kind]
}

// TTLFor returns the cache TTL for a logical data class, falling back to the
// quote TTL for unknown classes.
func (c Config) TTLFor(class string) time.Duration {
	if ttl, ok := c.Cache.TTLs[class]; ok {
		return ttl
	}
	return c.Cache.TTLs["quote"]
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.LLM.Provider, "TRADEGRAPH_LLM_PROVIDER")
	setString(&cfg.LLM.DeepThinkModel, "TRADEGRAPH_DEEP_THINK_MODEL")
	setString(&cfg.LLM.QuickThinkModel, "TRADEGRAPH_QUICK_THINK_MODEL")
	setString(&cfg.LLM.BackendURL, "TRADEGRAPH_BACKEND_URL")

	setInt(&cfg.Execution.MaxDebateRounds, "TRADEGRAPH_MAX_DEBATE_ROUNDS")
	setInt(&cfg.Execution.MaxRiskDiscussRounds, "TRADEGRAPH_MAX_RISK_DISCUSS_ROUNDS")
	setInt(&cfg.Execution.RecursionLimit, "TRADEGRAPH_RECURSION_LIMIT")
	setDuration(&cfg.Execution.ExecutionTimeout, "TRADEGRAPH_EXECUTION_TIMEOUT")
	setBool(&cfg.Execution.CircuitBreakerEnabled, "TRADEGRAPH_CIRCUIT_BREAKER_ENABLED")

	setDuration(&cfg.Tools.Timeout, "TRADEGRAPH_TOOL_TIMEOUT")
	setInt(&cfg.Tools.RetryAttempts, "TRADEGRAPH_TOOL_RETRY_ATTEMPTS")
	setBool(&cfg.Tools.OnlineTools, "TRADEGRAPH_ONLINE_TOOLS")
	if v := os.Getenv("TRADEGRAPH_TOOL_QUOTAS"); v != "" {
		if quotas, err := parseQuotas(v); err == nil {
			for kind, quota := range quotas {
				cfg.Tools.Quotas[kind] = quota
			}
		}
	}

	setBool(&cfg.Cache.Enabled, "TRADEGRAPH_CACHE_ENABLED")
	setString(&cfg.Cache.RedisAddr, "TRADEGRAPH_CACHE_REDIS_ADDR")

	setBool(&cfg.Features.EnableParallelExecution, "TRADEGRAPH_ENABLE_PARALLEL_EXECUTION")
	setInt(&cfg.Features.MaxParallelAgents, "TRADEGRAPH_MAX_PARALLEL_AGENTS")
	setBool(&cfg.Features.EnableToolCache, "TRADEGRAPH_ENABLE_TOOL_CACHE")
}

// parseQuotas parses "market=20,news=3" style overrides.
func parseQuotas(v string) (map[string]int, error) {
	quotas := make(map[string]int)
	for _, pair := range strings.Split(v, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed quota override %q", pair)
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil {
			return nil, fmt.Errorf("malformed quota value %q: %w", kv[1], err)
		}
		quotas[kv[0]] = n
	}
	return quotas, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
			return
		}
		// Plain integers are seconds, matching the exported defaults table.
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
