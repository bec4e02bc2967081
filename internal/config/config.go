// Package config provides configuration management for the AI Studio proxy
// server. It handles loading and parsing the YAML configuration file and
// provides structured access to application settings: server port, timeouts,
// function-calling behaviour, profile cooldown durations and the per-model
// capability table.
package config

import (
	"fmt"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
// A Config value is frozen after Load; reload produces a new value.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// AuthDir is the root directory holding the tiered auth profiles
	// (primary/, active/, emergency/) and the API key file.
	AuthDir string `yaml:"auth_dir"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output to rotating files under logs/.
	LoggingToFile bool `yaml:"logging_to_file"`

	// ResponseCompletionTimeout is the total per-request browser
	// interaction budget in milliseconds.
	ResponseCompletionTimeout int `yaml:"response_completion_timeout"`

	// SilenceTimeoutDefault is the floor for the mid-stream silence budget
	// in milliseconds.
	SilenceTimeoutDefault int `yaml:"silence_timeout_default"`

	// TTFBTimeout is the budget from prompt submission to the first stream
	// event, in milliseconds. Absent means derived from
	// ResponseCompletionTimeout; an explicit zero is a configuration error.
	TTFBTimeout *int `yaml:"ttfb_timeout"`

	// PseudoStreamDelay is the inter-chunk delay in seconds used when the
	// DOM layer cuts a finished response into synthetic deltas.
	PseudoStreamDelay float64 `yaml:"pseudo_stream_delay"`

	// FunctionCalling groups the tool-call pipeline settings.
	FunctionCalling FunctionCalling `yaml:"function_calling"`

	// StreamPort is the listen port of the local wire interceptor proxy.
	// Zero disables Layer-1 entirely.
	StreamPort int `yaml:"stream_port"`

	// HelperEndpoint is the optional Layer-2 endpoint. Empty disables it.
	HelperEndpoint string `yaml:"helper_endpoint"`

	// DriverEndpoint is the HTTP endpoint of the browser automation driver
	// sidecar the page facade talks to.
	DriverEndpoint string `yaml:"driver_endpoint"`

	// CertsDir holds the interceptor CA and the leaf certificate cache.
	CertsDir string `yaml:"certs_dir"`

	// Thinking defaults applied when the request omits reasoning_effort.
	EnableThinkingBudget      bool   `yaml:"enable_thinking_budget"`
	DefaultThinkingBudget     int    `yaml:"default_thinking_budget"`
	DefaultThinkingLevelPro   string `yaml:"default_thinking_level_pro"`
	DefaultThinkingLevelFlash string `yaml:"default_thinking_level_flash"`

	// Default tool switches applied when the request carries no tools.
	EnableGoogleSearch bool `yaml:"enable_google_search"`
	EnableURLContext   bool `yaml:"enable_url_context"`

	// OnlyCollectCurrentUserAttachments restricts uploads to attachments on
	// the last user message.
	OnlyCollectCurrentUserAttachments bool `yaml:"only_collect_current_user_attachments"`

	// ClearChatAfterRequest clears the page conversation after each request.
	ClearChatAfterRequest bool `yaml:"clear_chat_after_request"`

	// Cooldown durations in seconds, by trigger.
	RateLimitCooldownS     int `yaml:"rate_limit_cooldown_s"`
	QuotaExceededCooldownS int `yaml:"quota_exceeded_cooldown_s"`
	CanaryCooldownS        int `yaml:"canary_cooldown_s"`

	// WatchdogIntervalS is the quota watchdog scan period in seconds.
	WatchdogIntervalS int `yaml:"watchdog_interval_s"`

	// ModelCapabilities maps model name patterns to page capabilities.
	// The first matching pattern applies.
	ModelCapabilities []ModelCapability `yaml:"model_capabilities"`

	// ExcludedModelsFile lists model ids hidden from /v1/models.
	ExcludedModelsFile string `yaml:"excluded_models_file"`

	// InjectedModels are model ids advertised in addition to the ones
	// observed on the page.
	InjectedModels []string `yaml:"injected_models"`

	// MCPEndpoint is the optional executor for unknown tool calls. Falls
	// back to the MCP_HTTP_ENDPOINT environment variable when empty.
	MCPEndpoint string `yaml:"mcp_endpoint"`
}

// FunctionCalling holds the tool-call pipeline settings.
type FunctionCalling struct {
	// Mode selects the pipeline: "emulated", "native" or "auto"
	// (native with fallback to emulated).
	Mode string `yaml:"mode"`

	// CacheEnabled turns on the declarations digest cache.
	CacheEnabled bool `yaml:"cache_enabled"`

	// CacheTTL expires cache entries after this many seconds; 0 disables
	// expiry.
	CacheTTL int `yaml:"cache_ttl"`

	// ClearBetweenRequests forces a declarations clear after each request.
	// With caching enabled the recommended value is false: a cache hit
	// implies skipping both the clear and the re-install.
	ClearBetweenRequests bool `yaml:"clear_between_requests"`

	// NativeRetryCount is the number of UI retries before falling back.
	NativeRetryCount int `yaml:"native_retry_count"`

	// UITimeout bounds each declarations UI operation, in milliseconds.
	UITimeout int `yaml:"ui_timeout"`

	// FallbackOnFailure enables the emulated fallback after native retries
	// are exhausted.
	FallbackOnFailure bool `yaml:"fallback_on_failure"`

	// FuzzyMatchThreshold is the minimum common-prefix share required to
	// repair a truncated tool name, in (0, 1].
	FuzzyMatchThreshold float64 `yaml:"fuzzy_match_threshold"`
}

// ThinkingKind enumerates how a model exposes reasoning control on the page.
type ThinkingKind string

const (
	// ThinkingNone means the model has no reasoning control.
	ThinkingNone ThinkingKind = "none"
	// ThinkingLevels means the page offers a thinking-level dropdown.
	ThinkingLevels ThinkingKind = "levels"
	// ThinkingBudget means the page offers a thinking-budget spinner.
	ThinkingBudget ThinkingKind = "budget"
)

// ModelCapability describes the page capabilities of models whose id matches
// Pattern (path.Match syntax, e.g. "gemini-*-pro").
type ModelCapability struct {
	Pattern              string       `yaml:"pattern"`
	Thinking             ThinkingKind `yaml:"thinking"`
	ThinkingLevels       []string     `yaml:"thinking_levels"`
	BudgetMin            int          `yaml:"budget_min"`
	BudgetMax            int          `yaml:"budget_max"`
	SupportsGoogleSearch bool         `yaml:"supports_google_search"`
}

// CapabilityFor returns the first capability entry matching model, or the
// default capability when nothing matches.
func (c *Config) CapabilityFor(model string) ModelCapability {
	for _, cap := range c.ModelCapabilities {
		if ok, err := path.Match(cap.Pattern, model); err == nil && ok {
			return cap
		}
	}
	return ModelCapability{Pattern: "*", Thinking: ThinkingNone, SupportsGoogleSearch: true}
}

// TTFBTimeoutMs resolves the effective TTFB budget in milliseconds.
func (c *Config) TTFBTimeoutMs() int {
	if c.TTFBTimeout != nil {
		return *c.TTFBTimeout
	}
	derived := c.ResponseCompletionTimeout / 4
	if derived < 1000 {
		derived = 1000
	}
	return derived
}

// LoadConfig reads a YAML configuration file from the given path, applies
// defaults and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 2048
	}
	if c.AuthDir == "" {
		c.AuthDir = "auth_profiles"
	}
	if c.CertsDir == "" {
		c.CertsDir = "certs"
	}
	if c.ResponseCompletionTimeout == 0 {
		c.ResponseCompletionTimeout = 300_000
	}
	if c.SilenceTimeoutDefault == 0 {
		c.SilenceTimeoutDefault = 60_000
	}
	if c.PseudoStreamDelay == 0 {
		c.PseudoStreamDelay = 0.05
	}
	if c.RateLimitCooldownS == 0 {
		c.RateLimitCooldownS = 1800
	}
	if c.QuotaExceededCooldownS == 0 {
		c.QuotaExceededCooldownS = 4 * 3600
	}
	if c.CanaryCooldownS == 0 {
		c.CanaryCooldownS = 300
	}
	if c.WatchdogIntervalS == 0 {
		c.WatchdogIntervalS = 30
	}
	if c.DriverEndpoint == "" {
		c.DriverEndpoint = "http://127.0.0.1:9333"
	}
	fc := &c.FunctionCalling
	if fc.Mode == "" {
		fc.Mode = "auto"
	}
	if fc.NativeRetryCount == 0 {
		fc.NativeRetryCount = 2
	}
	if fc.UITimeout == 0 {
		fc.UITimeout = 10_000
	}
	if fc.FuzzyMatchThreshold == 0 {
		fc.FuzzyMatchThreshold = 0.7
	}
	if c.MCPEndpoint == "" {
		c.MCPEndpoint = os.Getenv("MCP_HTTP_ENDPOINT")
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.TTFBTimeout != nil && *c.TTFBTimeout <= 0 {
		return fmt.Errorf("config: ttfb_timeout must be positive, got %d", *c.TTFBTimeout)
	}
	if c.ResponseCompletionTimeout <= 0 {
		return fmt.Errorf("config: response_completion_timeout must be positive")
	}
	if c.PseudoStreamDelay < 0 {
		return fmt.Errorf("config: pseudo_stream_delay must not be negative")
	}
	switch c.FunctionCalling.Mode {
	case "emulated", "native", "auto":
	default:
		return fmt.Errorf("config: unknown function_calling.mode %q", c.FunctionCalling.Mode)
	}
	if t := c.FunctionCalling.FuzzyMatchThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("config: fuzzy_match_threshold must be in (0, 1], got %v", t)
	}
	for _, cap := range c.ModelCapabilities {
		if _, err := path.Match(cap.Pattern, "probe"); err != nil {
			return fmt.Errorf("config: bad capability pattern %q: %w", cap.Pattern, err)
		}
		switch cap.Thinking {
		case "", ThinkingNone, ThinkingLevels, ThinkingBudget:
		default:
			return fmt.Errorf("config: unknown thinking kind %q for pattern %q", cap.Thinking, cap.Pattern)
		}
	}
	return nil
}
