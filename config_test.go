package relay

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/autoblocksai/cli/flags"
)

func newCLIContext(t *testing.T, args map[string]string, command []string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags.Flags {
		require.NoError(t, f.Apply(set))
	}
	ctx := cli.NewContext(cli.NewApp(), set, nil)
	for name, value := range args {
		require.NoError(t, ctx.Set(name, value))
	}
	require.NoError(t, set.Parse(command))
	return ctx
}

func TestNewConfigFromFlags(t *testing.T) {
	ctx := newCLIContext(t, map[string]string{
		"api-key":                      "sk-test",
		"port":                         "6000",
		"exit-1-on-evaluation-failure": "true",
	}, []string{"pytest", "-q"})

	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.APIKey)
	assert.Equal(t, 6000, cfg.Port)
	assert.True(t, cfg.Exit1OnEvaluationFailure)
	assert.Equal(t, []string{"pytest", "-q"}, cfg.Command)
	require.NoError(t, cfg.Validate())
}

func TestNewConfigRequiresAPIKey(t *testing.T) {
	ctx := newCLIContext(t, nil, []string{"pytest"})
	_, err := NewConfig(ctx)
	require.Error(t, err)
}

func TestNewConfigRequiresCommand(t *testing.T) {
	ctx := newCLIContext(t, map[string]string{"api-key": "sk-test"}, nil)
	_, err := NewConfig(ctx)
	require.Error(t, err)
}

func TestNewConfigMergesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoblocks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apiBaseUrl: https://api.staging.autoblocks.ai
port: 7000
maxRetries: 5
timeoutSeconds: 10
`), 0o644))

	ctx := newCLIContext(t, map[string]string{
		"api-key": "sk-test",
		"config":  path,
	}, []string{"pytest"})

	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://api.staging.autoblocks.ai", cfg.APIBaseURL)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
}

func TestFlagsTakePrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autoblocks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 7000\n"), 0o644))

	ctx := newCLIContext(t, map[string]string{
		"api-key": "sk-test",
		"config":  path,
		"port":    "6001",
	}, []string{"pytest"})

	cfg, err := NewConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6001, cfg.Port)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := &Config{APIKey: "k", Port: -1, Command: []string{"true"}}
	require.Error(t, cfg.Validate())
}
