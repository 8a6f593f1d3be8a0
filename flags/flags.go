package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "AUTOBLOCKS"

func prefixEnvVars(name string) []string {
	return []string{fmt.Sprintf("%s_%s", EnvVarPrefix, name)}
}

var (
	APIKey = &cli.StringFlag{
		Name:    "api-key",
		EnvVars: prefixEnvVars("API_KEY"),
		Usage:   "Autoblocks API key used to authenticate requests to the Autoblocks API",
	}
	APIBaseURL = &cli.StringFlag{
		Name:    "api-base-url",
		Value:   "",
		EnvVars: prefixEnvVars("API_BASE_URL"),
		Usage:   "Override the Autoblocks API base URL",
	}
	Port = &cli.IntFlag{
		Name:    "port",
		Value:   5555,
		EnvVars: prefixEnvVars("CLI_PORT"),
		Usage:   "Desired port for the local ingestion server; the first available port at or above it is used",
	}
	Exit1OnEvaluationFailure = &cli.BoolFlag{
		Name:    "exit-1-on-evaluation-failure",
		Value:   false,
		EnvVars: prefixEnvVars("EXIT_1_ON_EVALUATION_FAILURE"),
		Usage:   "Exit with code 1 when any evaluation resolves to FALSE",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: prefixEnvVars("CONFIG"),
		Usage:   "Path to an optional YAML config file supplying defaults (eg. 'autoblocks.yaml')",
	}
	MetricsPort = &cli.IntFlag{
		Name:    "metrics-port",
		Value:   0,
		EnvVars: prefixEnvVars("METRICS_PORT"),
		Usage:   "Port to expose prometheus metrics on; 0 disables the metrics server",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log-level",
		Value:   "info",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Usage:   "Log level (debug, info, warn, error)",
	}
)

var requiredFlags = []cli.Flag{
	APIKey,
}

var optionalFlags = []cli.Flag{
	APIBaseURL,
	Port,
	Exit1OnEvaluationFailure,
	ConfigFile,
	MetricsPort,
	LogLevel,
}

// Flags contains the list of configuration options available to the CLI.
var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
