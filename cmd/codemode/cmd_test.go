package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/codemode/codemode"
	"github.com/isdmx/codemode/config"
	"github.com/isdmx/codemode/sandbox"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testConfigFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return writeFile(t, dir, "config.yaml", `
sandbox:
  mode: shared
  timeout: 5s
database:
  path: `+filepath.Join(dir, "cli.db")+`
logging:
  mode: production
  level: error
`)
}

func TestModesCommand(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		out, err := execute(t, "modes", "-o", "json")
		require.NoError(t, err)
		var infos []sandbox.ModeInfo
		require.NoError(t, sonic.UnmarshalString(out, &infos))
		require.Len(t, infos, 2)
		assert.Equal(t, sandbox.ModeShared, infos[0].Mode)
		assert.Equal(t, sandbox.ModeProcess, infos[1].Mode)
	})

	t.Run("YAML", func(t *testing.T) {
		out, err := execute(t, "modes", "--output", "yaml")
		require.NoError(t, err)
		var infos []sandbox.ModeInfo
		require.NoError(t, yaml.Unmarshal([]byte(out), &infos))
		require.Len(t, infos, 2)
		assert.Equal(t, "fast", infos[0].Performance)
	})

	t.Run("Table", func(t *testing.T) {
		out, err := execute(t, "modes")
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(out), "\n")
		require.Len(t, lines, 4)
		assert.True(t, strings.HasPrefix(lines[0], "MODE"))
		assert.True(t, strings.HasPrefix(lines[2], "shared"))
	})

	t.Run("InvalidFormat", func(t *testing.T) {
		_, err := execute(t, "modes", "-o", "xml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported output format")
	})
}

func TestRunCommand(t *testing.T) {
	cfgPath := testConfigFile(t)
	script := writeFile(t, t.TempDir(), "script.js", `
		await api.core.createTable("notes", {id: "INTEGER", body: "TEXT"});
		await api.core.insert("notes", {id: 1, body: "hello"});
		const rows = await api.core.query("SELECT body FROM notes");
		return rows[0].body;
	`)

	out, err := execute(t, "--config", cfgPath, "run", script)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, sonic.UnmarshalString(out, &resp))
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "hello", resp["result"])
	assert.Equal(t, "shared", resp["mode"])
	assert.Len(t, resp["toolCalls"], 3)
}

func TestRunCommandFailure(t *testing.T) {
	cfgPath := testConfigFile(t)
	script := writeFile(t, t.TempDir(), "bad.js", `return (`)

	out, err := execute(t, "--config", cfgPath, "run", script)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errScriptFailed))
	assert.Contains(t, out, `"kind": "syntax"`)
}

func TestRunCommandErrors(t *testing.T) {
	cfgPath := testConfigFile(t)

	_, err := execute(t, "--config", cfgPath, "run", filepath.Join(t.TempDir(), "missing.js"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading script")

	script := writeFile(t, t.TempDir(), "ok.js", `return 1`)
	_, err = execute(t, "--config", cfgPath, "run", "--mode", "docker", script)
	assert.ErrorIs(t, err, sandbox.ErrUnknownMode)

	_, err = execute(t, "run")
	assert.Error(t, err)
}

func TestCoreModule(t *testing.T) {
	cfg, err := config.Load(testConfigFile(t))
	require.NoError(t, err)
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"
	cfg.Sandbox.Pool.Min = 1

	var (
		svc  *codemode.Service
		pool *sandbox.Pool
	)
	app := fxtest.New(t,
		fx.Supply(cfg),
		coreModule,
		fx.Invoke(registerMetricsServer),
		fx.Populate(&svc, &pool),
	)
	app.RequireStart()

	assert.Equal(t, 1, pool.Stats().Available)
	assert.Equal(t, sandbox.ModeShared, svc.Stats().Mode)

	app.RequireStop()
	_, err = pool.Execute(context.Background(), "return 1", nil)
	assert.ErrorIs(t, err, sandbox.ErrPoolClosed)
}
