// internal/mcp/main_test.go
package mcp

import (
	"context"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser/fake"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
	"github.com/xkilldash9x/viewpoint-mcp/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	srv     *Server
	driver  *fake.Driver
	manager *session.Manager
	logger  *zap.Logger
	logs    *observer.ObservedLogs
}

// newFixture builds a server over the fake driver. Logs go to an observer
// so handlers that finish after the test body can still log safely.
func newFixture(t *testing.T, capabilities ...string) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.NetworkCfg.NavigationTimeout = 20 * time.Millisecond
	cfg.NetworkCfg.SettleTimeout = 20 * time.Millisecond
	cfg.ScreenshotCfg.Dir = t.TempDir()

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	d := fake.NewDriver()
	m := session.NewManager(d, cfg, logger)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	env := &tools.Env{Manager: m, Config: cfg, Logger: logger}
	return &fixture{
		srv:     NewServer("viewpoint-mcp", "test", tools.NewRegistry(capabilities), env, logger),
		driver:  d,
		manager: m,
		logger:  logger,
		logs:    logs,
	}
}

// decoded is a response with its result left raw.
type decoded struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func decode(t *testing.T, raw []byte) decoded {
	t.Helper()
	require.NotNil(t, raw)
	var d decoded
	require.NoError(t, json.Unmarshal(raw, &d))
	require.Equal(t, "2.0", d.JSONRPC)
	return d
}

func (f *fixture) send(t *testing.T, msg string) decoded {
	t.Helper()
	return decode(t, f.srv.HandleMessage(context.Background(), []byte(msg)))
}

// callTool runs tools/call and returns the decoded tool result.
func (f *fixture) callTool(t *testing.T, name, args string) tools.Result {
	t.Helper()
	d := f.send(t, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"`+name+`","arguments":`+args+`}}`)
	require.Nil(t, d.Error)
	var res tools.Result
	require.NoError(t, json.Unmarshal(d.Result, &res))
	return res
}
