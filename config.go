package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/autoblocksai/cli/api"
	"github.com/autoblocksai/cli/flags"
)

// Config holds the CLI configuration for one invocation.
type Config struct {
	APIKey                   string
	APIBaseURL               string
	Port                     int  // Desired ingestion server port; probing starts here
	MetricsPort              int  // 0 disables the metrics server
	Exit1OnEvaluationFailure bool // Exit 1 when any evaluation resolves FALSE
	MaxConcurrency           int64
	MaxRetries               int
	Timeout                  time.Duration
	Command                  []string // The test command to spawn, argv style
}

// fileConfig is the optional YAML config file shape. Flags and env vars take
// precedence over file values.
type fileConfig struct {
	APIBaseURL     string `yaml:"apiBaseUrl"`
	Port           int    `yaml:"port"`
	MetricsPort    int    `yaml:"metricsPort"`
	MaxConcurrency int64  `yaml:"maxConcurrency"`
	MaxRetries     int    `yaml:"maxRetries"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// NewConfig creates a new Config from cli context. The test command is
// everything after the "--" separator.
func NewConfig(ctx *cli.Context) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	command := ctx.Args().Slice()
	if len(command) == 0 {
		return nil, fmt.Errorf("no test command given; usage: autoblocks testing exec -- <command>")
	}

	cfg := &Config{
		APIKey:                   ctx.String(flags.APIKey.Name),
		APIBaseURL:               ctx.String(flags.APIBaseURL.Name),
		Port:                     ctx.Int(flags.Port.Name),
		MetricsPort:              ctx.Int(flags.MetricsPort.Name),
		Exit1OnEvaluationFailure: ctx.Bool(flags.Exit1OnEvaluationFailure.Name),
		MaxConcurrency:           api.DefaultMaxConcurrency,
		MaxRetries:               api.DefaultMaxRetries,
		Timeout:                  api.DefaultTimeout,
		Command:                  command,
	}

	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		if err := cfg.applyFile(ctx, path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(ctx *cli.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.APIBaseURL != "" && !ctx.IsSet(flags.APIBaseURL.Name) {
		c.APIBaseURL = fc.APIBaseURL
	}
	if fc.Port != 0 && !ctx.IsSet(flags.Port.Name) {
		c.Port = fc.Port
	}
	if fc.MetricsPort != 0 && !ctx.IsSet(flags.MetricsPort.Name) {
		c.MetricsPort = fc.MetricsPort
	}
	if fc.MaxConcurrency != 0 {
		c.MaxConcurrency = fc.MaxConcurrency
	}
	if fc.MaxRetries != 0 {
		c.MaxRetries = fc.MaxRetries
	}
	if fc.TimeoutSeconds != 0 {
		c.Timeout = time.Duration(fc.TimeoutSeconds) * time.Second
	}
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("an Autoblocks API key is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if len(c.Command) == 0 {
		return fmt.Errorf("a test command is required")
	}
	return nil
}
