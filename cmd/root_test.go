// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/browser/fake"
	"github.com/xkilldash9x/viewpoint-mcp/internal/observability"
)

// execute runs a fresh command tree from an empty working directory so no
// stray config.yaml or .env is picked up.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)

	rootCmd := newRootCmd()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func useFakeDriver(t *testing.T) *fake.Driver {
	t.Helper()
	d := fake.NewDriver()
	orig := newDriver
	newDriver = func(*zap.Logger) browser.Driver { return d }
	t.Cleanup(func() { newDriver = orig })
	return d
}

func TestVersion(t *testing.T) {
	t.Run("should print the bare version for --version", func(t *testing.T) {
		inTempDir(t)
		out, err := execute(t, "", "--version")
		require.NoError(t, err)
		assert.Equal(t, Version+"\n", out)
	})

	t.Run("should print the version subcommand without loading config", func(t *testing.T) {
		dir := inTempDir(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("browser: ["), 0o600))

		out, err := execute(t, "", "version")
		require.NoError(t, err)
		assert.Equal(t, "viewpoint-mcp version "+Version+"\n", out)
	})
}

func TestConfigCommand(t *testing.T) {
	t.Run("should print defaults as yaml", func(t *testing.T) {
		inTempDir(t)
		out, err := execute(t, "", "config")
		require.NoError(t, err)
		for _, want := range []string{
			"service_name: viewpoint-mcp",
			"port: 0",
			"host: 127.0.0.1",
			"navigation_timeout: 10s",
			"image_responses: file",
			"ref_threshold: 100",
		} {
			assert.Contains(t, out, want)
		}
	})

	t.Run("should apply flags and redact secrets", func(t *testing.T) {
		inTempDir(t)
		out, err := execute(t, "", "config",
			"--port", "9000",
			"--host", "0.0.0.0",
			"--api-key", "super-secret",
			"--caps", "vision, PDF",
			"--viewport-size", "800x600",
			"--headless",
			"--image-responses", "inline",
		)
		require.NoError(t, err)
		assert.Contains(t, out, "port: 9000")
		assert.Contains(t, out, "host: 0.0.0.0")
		assert.Contains(t, out, "api_key: "+redacted)
		assert.NotContains(t, out, "super-secret")
		assert.Contains(t, out, "- vision")
		assert.Contains(t, out, "- pdf")
		assert.Contains(t, out, "width: 800")
		assert.Contains(t, out, "height: 600")
		assert.Contains(t, out, "headless: true")
		assert.Contains(t, out, "image_responses: inline")
	})

	t.Run("should read the environment", func(t *testing.T) {
		inTempDir(t)
		t.Setenv("VIEWPOINT_SERVER_PORT", "7777")
		t.Setenv("VIEWPOINT_API_KEY", "from-env")

		out, err := execute(t, "", "config")
		require.NoError(t, err)
		assert.Contains(t, out, "port: 7777")
		assert.Contains(t, out, "api_key: "+redacted)
	})

	t.Run("should read config.yaml from the working directory", func(t *testing.T) {
		dir := inTempDir(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("snapshot:\n  ref_threshold: 42\n"), 0o600))

		out, err := execute(t, "", "config")
		require.NoError(t, err)
		assert.Contains(t, out, "ref_threshold: 42")
	})

	t.Run("should read an explicit config file", func(t *testing.T) {
		dir := inTempDir(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("network:\n  action_timeout: 45s\n"), 0o600))

		out, err := execute(t, "", "config", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "action_timeout: 45s")
	})

	t.Run("should fail on a missing explicit config file", func(t *testing.T) {
		dir := inTempDir(t)
		_, err := execute(t, "", "config", "--config", filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})

	t.Run("should load a dotenv file", func(t *testing.T) {
		dir := inTempDir(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("VIEWPOINT_SNAPSHOT_MAX_TEXT_LENGTH=77\n"), 0o600))
		t.Cleanup(func() { os.Unsetenv("VIEWPOINT_SNAPSHOT_MAX_TEXT_LENGTH") })

		out, err := execute(t, "", "config")
		require.NoError(t, err)
		assert.Contains(t, out, "max_text_length: 77")
	})

	t.Run("should reject invalid flag values", func(t *testing.T) {
		inTempDir(t)
		_, err := execute(t, "", "config", "--caps", "teleport")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown capability")

		_, err = execute(t, "", "config", "--viewport-size", "big")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --viewport-size")

		_, err = execute(t, "", "config", "--image-responses", "fax")
		require.Error(t, err)
	})
}

func TestRootRunsServe(t *testing.T) {
	t.Run("should serve stdio by default and stop at EOF", func(t *testing.T) {
		inTempDir(t)
		d := useFakeDriver(t)

		out, err := execute(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`+"\n")
		require.NoError(t, err)
		assert.Contains(t, out, `"protocolVersion":"2024-11-05"`)
		assert.Contains(t, out, `"name":"viewpoint-mcp"`)
		assert.Zero(t, d.Launches)
	})

	t.Run("should reject positional arguments", func(t *testing.T) {
		inTempDir(t)
		useFakeDriver(t)
		_, err := execute(t, "", "serve", "extra")
		require.Error(t, err)
	})
}
