// Package config loads the runtime's layered YAML configuration into the
// per-component subtrees consumed by the Lifecycle Manager, Tier Router,
// Policy Engine, Guardian Pipeline, Metacognition Engine, and Pattern
// Consolidator.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Router        RouterConfig        `yaml:"router"`
	Policy        PolicyConfig        `yaml:"policy"`
	Guardians     GuardiansConfig     `yaml:"guardians"`
	Metacognition MetacognitionConfig `yaml:"metacognition"`
	Consolidator  ConsolidatorConfig  `yaml:"consolidator"`
	Observability ObservabilityConfig `yaml:"observability"`
	Store         StoreConfig         `yaml:"store"`
}

// LifecycleConfig configures the Lifecycle Manager (§4.1).
type LifecycleConfig struct {
	HeartbeatIntervalMs     int64   `yaml:"heartbeat_interval_ms"`
	StaleThresholdMs        int64   `yaml:"stale_threshold_ms"`
	DeadThresholdMs         int64   `yaml:"dead_threshold_ms"`
	GlobalMaxAgents         int     `yaml:"global_max_agents"`
	BudgetDecayFactor       float64 `yaml:"budget_decay_factor"`
	RootTokenBudget         int64   `yaml:"root_token_budget"`
	OrphanPolicy            string  `yaml:"orphan_policy"`
	MaxAgentDepth           int     `yaml:"max_agent_depth"`
	MaxSubAgents            int     `yaml:"max_sub_agents"`
	MinTokenBudgetForSpawn  int64   `yaml:"min_token_budget_for_spawn"`
}

// RouterConfig configures the Tier Router (§4.2).
type RouterConfig struct {
	LinUCBAlpha          float64            `yaml:"linucb_alpha"`
	TierCosts            map[string]float64 `yaml:"tier_costs"`
	MaxConversationDepth int                `yaml:"max_conversation_depth"`
	MaxMemoryHits        int                `yaml:"max_memory_hits"`
	DailyBudget          float64            `yaml:"daily_budget"`
	ExpectedDailyRequests int               `yaml:"expected_daily_requests"`
	CascadeThreshold     float64            `yaml:"cascade_threshold"`
}

// PolicyConfig configures the Policy Engine (§4.3).
type PolicyConfig struct {
	Enforce             bool     `yaml:"enforce"`
	Strict              bool     `yaml:"strict"`
	CostBudget          float64  `yaml:"cost_budget"`
	AllowedPaths        []string `yaml:"allowed_paths"`
	DeniedPaths         []string `yaml:"denied_paths"`
	DeniedCommands      []string `yaml:"denied_commands"`
	MaxFilesPerSession  int      `yaml:"max_files_per_session"`
	MaxCommandsPerSession int    `yaml:"max_commands_per_session"`
	InheritToSubAgents  bool     `yaml:"inherit_to_sub_agents"`
	AuditLogPath        string   `yaml:"audit_log_path"`
}

// GuardiansConfig configures the Guardian Pipeline (§4.4).
type GuardiansConfig struct {
	MaxFindings         int     `yaml:"max_findings"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// MetacognitionConfig configures the Metacognition Engine (§4.5).
type MetacognitionConfig struct {
	CalibrationWindow int `yaml:"calibration_window"`
	MaxLimitations    int `yaml:"max_limitations"`
	TrendLookback     int `yaml:"trend_lookback"`
}

// ConsolidatorHeartbeats are the per-state timer intervals of the dream-cycle state machine.
type ConsolidatorHeartbeats struct {
	ListeningMs int64 `yaml:"listening_ms"`
	DreamingMs  int64 `yaml:"dreaming_ms"`
	DeepSleepMs int64 `yaml:"deep_sleep_ms"`
}

// ConsolidatorConfig configures the Pattern Consolidator (§4.6).
type ConsolidatorConfig struct {
	Heartbeats           ConsolidatorHeartbeats `yaml:"heartbeat_ms"`
	IdleTimeoutMs        int64                  `yaml:"idle_timeout_ms"`
	DreamDurationMs      int64                  `yaml:"dream_duration_ms"`
	DeepSleepDurationMs  int64                  `yaml:"deep_sleep_duration_ms"`
	StabilityWindow      int                    `yaml:"stability_window"`
	AccuracyThreshold    float64                `yaml:"accuracy_threshold"`
	MinPatternFrequency  int                    `yaml:"min_pattern_frequency"`
	MaxSessionsPerCycle  int                    `yaml:"max_sessions_per_cycle"`
	MinSequenceLength    int                    `yaml:"min_sequence_length"`
	MinSuccessRate       float64                `yaml:"min_success_rate"`
	PromotionMinProjects int                    `yaml:"promotion_min_projects"`
	DecayHalfLifeMs      int64                  `yaml:"decay_half_life_ms"`
}

// ObservabilityConfig configures ambient logging/metrics/tracing.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// StoreConfig configures the Session Store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// Load reads path (and any $include chain), applies env overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseBytes decodes a single in-memory YAML document without include resolution.
func ParseBytes(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("parse config: expected single document")
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Lifecycle.HeartbeatIntervalMs == 0 {
		cfg.Lifecycle = d.Lifecycle
	}
	if cfg.Router.LinUCBAlpha == 0 {
		cfg.Router.LinUCBAlpha = d.Router.LinUCBAlpha
	}
	if len(cfg.Router.TierCosts) == 0 {
		cfg.Router.TierCosts = d.Router.TierCosts
	}
	if cfg.Router.CascadeThreshold == 0 {
		cfg.Router.CascadeThreshold = d.Router.CascadeThreshold
	}
	if cfg.Router.MaxConversationDepth == 0 {
		cfg.Router.MaxConversationDepth = d.Router.MaxConversationDepth
	}
	if cfg.Router.MaxMemoryHits == 0 {
		cfg.Router.MaxMemoryHits = d.Router.MaxMemoryHits
	}
	if cfg.Guardians.MaxFindings == 0 {
		cfg.Guardians = d.Guardians
	}
	if cfg.Metacognition.CalibrationWindow == 0 {
		cfg.Metacognition = d.Metacognition
	}
	if cfg.Consolidator.StabilityWindow == 0 {
		cfg.Consolidator = d.Consolidator
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability = d.Observability
	}
	if cfg.Store.Driver == "" {
		cfg.Store = d.Store
	}
	if cfg.Policy.AuditLogPath == "" {
		cfg.Policy.AuditLogPath = d.Policy.AuditLogPath
	}
}

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		Lifecycle: LifecycleConfig{
			HeartbeatIntervalMs:    5000,
			StaleThresholdMs:       30000,
			DeadThresholdMs:        120000,
			GlobalMaxAgents:        64,
			BudgetDecayFactor:      0.5,
			RootTokenBudget:        200000,
			OrphanPolicy:           "cascade",
			MaxAgentDepth:          6,
			MaxSubAgents:           8,
			MinTokenBudgetForSpawn: 500,
		},
		Router: RouterConfig{
			LinUCBAlpha: 0.5,
			TierCosts: map[string]float64{
				"no-llm": 0.0,
				"haiku":  0.001,
				"sonnet": 0.01,
				"opus":   0.05,
			},
			MaxConversationDepth:  50,
			MaxMemoryHits:         20,
			DailyBudget:           50.0,
			ExpectedDailyRequests: 2000,
			CascadeThreshold:      0.4,
		},
		Policy: PolicyConfig{
			Enforce:               true,
			Strict:                false,
			CostBudget:            10.0,
			MaxFilesPerSession:    200,
			MaxCommandsPerSession: 200,
			InheritToSubAgents:    true,
			AuditLogPath:          "audit/audit.jsonl",
		},
		Guardians: GuardiansConfig{
			MaxFindings:         500,
			ConfidenceThreshold: 0.5,
		},
		Metacognition: MetacognitionConfig{
			CalibrationWindow: 50,
			MaxLimitations:    20,
			TrendLookback:     10,
		},
		Consolidator: ConsolidatorConfig{
			Heartbeats: ConsolidatorHeartbeats{
				ListeningMs: 60000,
				DreamingMs:  2000,
				DeepSleepMs: 30000,
			},
			IdleTimeoutMs:        300000,
			DreamDurationMs:      120000,
			DeepSleepDurationMs:  30000,
			StabilityWindow:      3,
			AccuracyThreshold:    0.7,
			MinPatternFrequency:  3,
			MaxSessionsPerCycle:  50,
			MinSequenceLength:    2,
			MinSuccessRate:       0.6,
			PromotionMinProjects: 2,
			DecayHalfLifeMs:      int64(14 * 24 * time.Hour / time.Millisecond),
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsAddr: ":9090",
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "canopy.db",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv("CANOPY_LOG_LEVEL")); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("CANOPY_STORE_PATH")); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("CANOPY_ROUTER_ALPHA")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Router.LinUCBAlpha = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CANOPY_DAILY_BUDGET")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Router.DailyBudget = parsed
		}
	}
}

// ConfigValidationError aggregates validation failures.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string
	if cfg.Lifecycle.MaxAgentDepth > 10 {
		issues = append(issues, "lifecycle.max_agent_depth exceeds system ceiling of 10")
	}
	if cfg.Lifecycle.MaxSubAgents > 16 {
		issues = append(issues, "lifecycle.max_sub_agents exceeds system ceiling of 16")
	}
	if cfg.Lifecycle.BudgetDecayFactor <= 0 || cfg.Lifecycle.BudgetDecayFactor > 1 {
		issues = append(issues, "lifecycle.budget_decay_factor must be in (0,1]")
	}
	switch cfg.Lifecycle.OrphanPolicy {
	case "cascade", "reparent", "promote":
	default:
		issues = append(issues, fmt.Sprintf("lifecycle.orphan_policy %q is not one of cascade|reparent|promote", cfg.Lifecycle.OrphanPolicy))
	}
	if cfg.Router.CascadeThreshold < 0 || cfg.Router.CascadeThreshold > 1 {
		issues = append(issues, "router.cascade_threshold must be in [0,1]")
	}
	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
