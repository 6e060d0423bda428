package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EstimatorChars    = "chars"
	EstimatorTiktoken = "tiktoken"

	defaultPort         = 8000
	defaultTimeout      = 60 * time.Second
	defaultCLIPath      = "claude"
	defaultBackendModel = "claude-sonnet-4-20250514"
	defaultMaxTokens    = 4096
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	CLI        CLIConfig        `yaml:"cli"`
	Invocation InvocationConfig `yaml:"invocation"`
	Models     ModelsConfig     `yaml:"models"`
	Tokens     TokensConfig     `yaml:"tokens"`
	Response   ResponseConfig   `yaml:"response"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// BackendConfig configures the direct Messages API. An empty APIKey disables it.
type BackendConfig struct {
	APIKey     string            `yaml:"api_key"`
	BaseURL    string            `yaml:"base_url"`
	MaxTokens  int               `yaml:"max_tokens"`
	MaxRetries int               `yaml:"max_retries"`
	Headers    map[string]string `yaml:"headers"`
}

// HasCredentials reports whether the direct API can be used.
func (b BackendConfig) HasCredentials() bool {
	return strings.TrimSpace(b.APIKey) != ""
}

// CLIConfig configures the subprocess backend.
type CLIConfig struct {
	Enabled    *bool    `yaml:"enabled"`
	Path       string   `yaml:"path"`
	WorkingDir string   `yaml:"working_dir"`
	TempDir    string   `yaml:"temp_dir"`
	MaxTurns   int      `yaml:"max_turns"`
	ExtraArgs  []string `yaml:"extra_args"`
}

// IsEnabled defaults to true when unset.
func (c CLIConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// InvocationConfig bounds every backend attempt.
type InvocationConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-invoker circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// ModelsConfig maps OpenAI model ids to backend model ids.
type ModelsConfig struct {
	Default string            `yaml:"default"`
	Aliases map[string]string `yaml:"aliases"`
}

// TokensConfig selects the token estimator.
type TokensConfig struct {
	Estimator string `yaml:"estimator"`
}

// ResponseConfig tunes response rendering.
type ResponseConfig struct {
	IncludeToolTrace bool `yaml:"include_tool_trace"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	ServiceName string `yaml:"service_name"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		Server:  ServerConfig{Port: defaultPort},
		Backend: BackendConfig{MaxTokens: defaultMaxTokens, MaxRetries: 1},
		CLI:     CLIConfig{Path: defaultCLIPath},
		Invocation: InvocationConfig{
			Timeout: defaultTimeout,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Models:    ModelsConfig{Default: defaultBackendModel},
		Tokens:    TokensConfig{Estimator: EstimatorChars},
		Telemetry: TelemetryConfig{ServiceName: "claude-bridge"},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads YAML configuration from disk, applies environment overrides and
// validates the result. An empty path yields defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}

		data, err := os.ReadFile(absPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("ANTHROPIC_API_KEY"); ok && strings.TrimSpace(v) != "" {
		c.Backend.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup("ANTHROPIC_BASE_URL"); ok && strings.TrimSpace(v) != "" {
		c.Backend.BaseURL = strings.TrimSpace(v)
	}
	if v, ok := lookup("CLAUDE_CLI_PATH"); ok && strings.TrimSpace(v) != "" {
		c.CLI.Path = strings.TrimSpace(v)
	}
	if v, ok := lookup("CLAUDE_WORKING_DIR"); ok && strings.TrimSpace(v) != "" {
		c.CLI.WorkingDir = strings.TrimSpace(v)
	}
	if v, ok := lookup("BRIDGE_PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("BRIDGE_PORT %q is not a number: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Invocation.Timeout <= 0 {
		return fmt.Errorf("invocation.timeout must be positive, got %s", c.Invocation.Timeout)
	}
	if c.Invocation.Breaker.Enabled && c.Invocation.Breaker.FailureThreshold == 0 {
		return errors.New("invocation.breaker.failure_threshold must be positive when the breaker is enabled")
	}
	if c.Backend.MaxTokens <= 0 {
		return fmt.Errorf("backend.max_tokens must be positive, got %d", c.Backend.MaxTokens)
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("backend.max_retries must not be negative, got %d", c.Backend.MaxRetries)
	}
	if c.CLI.MaxTurns < 0 {
		return fmt.Errorf("cli.max_turns must not be negative, got %d", c.CLI.MaxTurns)
	}
	if c.CLI.IsEnabled() && strings.TrimSpace(c.CLI.Path) == "" {
		return errors.New("cli.path must be provided when the cli backend is enabled")
	}
	if !c.CLI.IsEnabled() && !c.Backend.HasCredentials() {
		return errors.New("no backend available: set backend.api_key or enable the cli backend")
	}
	if strings.TrimSpace(c.Models.Default) == "" {
		return errors.New("models.default must not be empty")
	}

	for alias, target := range c.Models.Aliases {
		if strings.TrimSpace(alias) == "" {
			return errors.New("models: alias name must not be empty")
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("models: alias %q target must not be empty", alias)
		}
	}

	for headerKey := range c.Backend.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("backend: header %q is not a valid canonical HTTP header", headerKey)
		}
	}

	switch c.Tokens.Estimator {
	case EstimatorChars, EstimatorTiktoken:
	default:
		return fmt.Errorf("tokens.estimator %q must be one of %q or %q", c.Tokens.Estimator, EstimatorChars, EstimatorTiktoken)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
