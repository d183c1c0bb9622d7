package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChristopherHX/gh-runner-broker/client/clienttest"
	"github.com/ChristopherHX/gh-runner-broker/config"
	"github.com/ChristopherHX/gh-runner-broker/core"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategies(t *testing.T) {
	cli := clienttest.New()

	all := strategies(cli, []string{"registration_token", "jit"})
	require.Len(t, all, 2)
	assert.Equal(t, core.MethodRegistrationToken, all[0].Method())
	assert.Equal(t, core.MethodJIT, all[1].Method())

	jit := strategies(cli, []string{"jit", "unknown"})
	require.Len(t, jit, 1)
	assert.Equal(t, core.MethodJIT, jit[0].Method())
}

func TestInitLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	cfg := config.Config{Logging: config.Logging{Level: "warn", Format: "json"}}
	require.NoError(t, initLogging(cfg))
	assert.Equal(t, log.WarnLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	cfg.Debug = true
	cfg.Logging.Format = "text"
	require.NoError(t, initLogging(cfg))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.TextFormatter{}, log.StandardLogger().Formatter)

	assert.Error(t, initLogging(config.Config{Logging: config.Logging{Level: "loud"}}))
	assert.Error(t, initLogging(config.Config{Logging: config.Logging{Level: "info", Format: "xml"}}))
}

func TestPolicyImportAndList(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`policies:
  - subject: group:platform
    required_labels: [self-hosted, linux]
    optional_patterns: ["gpu-.*"]
    max_runners: 2
`), 0o600))

	t.Setenv("BROKER_DATABASE_DRIVER", "sqlite")
	t.Setenv("BROKER_DATABASE_DSN", filepath.Join(dir, "broker.db"))
	envFile := filepath.Join(dir, "missing.env")

	run := func(args ...string) string {
		var out bytes.Buffer
		root := NewRootCommand(context.Background())
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs(append(args, "--env-file", envFile))
		require.NoError(t, root.Execute(), out.String())
		return out.String()
	}

	run("policy", "import", seed)
	out := run("policy", "list")
	assert.Contains(t, out, `"id": "platform"`)
	assert.Contains(t, out, `"gpu-.*"`)
}

func TestPolicyImportRejectsInvalidSeed(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "policies.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(`policies:
  - subject: team:platform
`), 0o600))
	t.Setenv("BROKER_DATABASE_DRIVER", "memory")

	root := NewRootCommand(context.Background())
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"policy", "import", seed, "--env-file", filepath.Join(dir, "missing.env")})
	assert.Error(t, root.Execute())
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	t.Setenv("GITHUB_APP_ID", "")
	t.Setenv("GITHUB_ORG", "")
	t.Setenv("BROKER_DATABASE_DRIVER", "memory")

	root := NewRootCommand(context.Background())
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--env-file", filepath.Join(t.TempDir(), "missing.env")})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
