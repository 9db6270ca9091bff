// internal/tools/main_test.go
package tools

import (
	"context"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/browser/fake"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

type harness struct {
	t      *testing.T
	cfg    *config.Config
	driver *fake.Driver
	env    *Env
	reg    *Registry
}

func newHarness(t *testing.T, capabilities ...string) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.NetworkCfg.NavigationTimeout = 20 * time.Millisecond
	cfg.NetworkCfg.SettleTimeout = 20 * time.Millisecond
	cfg.NetworkCfg.ActionTimeout = 2 * time.Second
	cfg.ScreenshotCfg.Dir = t.TempDir()

	logger := zaptest.NewLogger(t)
	d := fake.NewDriver()
	m := session.NewManager(d, cfg, logger)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	return &harness{
		t:      t,
		cfg:    cfg,
		driver: d,
		env:    &Env{Manager: m, Config: cfg, Logger: logger, Now: func() time.Time { return fixedNow }},
		reg:    NewRegistry(capabilities),
	}
}

func (h *harness) call(name, args string) (*Result, error) {
	h.t.Helper()
	return h.reg.Call(context.Background(), h.env, name, json.RawMessage(args))
}

// mustCall runs a tool that is expected to succeed and returns its text.
func (h *harness) mustCall(name, args string) string {
	h.t.Helper()
	res, err := h.call(name, args)
	require.NoError(h.t, err)
	require.NotNil(h.t, res)
	require.False(h.t, res.IsError)
	return res.Text()
}

// page initializes the session and returns the active fake page.
func (h *harness) page() *fake.Page {
	h.t.Helper()
	require.NoError(h.t, h.env.Manager.Initialize(context.Background()))
	cs, err := h.env.Manager.ActiveContext()
	require.NoError(h.t, err)
	p := cs.ActivePage()
	require.NotNil(h.t, p)
	return p.(*fake.Page)
}

// loginPage is a small form: a heading, two textboxes, a checkbox, a
// select, and a submit button.
func loginPage() *browser.AXNode {
	return &browser.AXNode{Role: "RootWebArea", Name: "Login", Ref: "e100", Children: []*browser.AXNode{
		{Role: "heading", Name: "Sign in", Level: 1, Ref: "e101"},
		{Role: "form", Ref: "e102", Children: []*browser.AXNode{
			{Role: "textbox", Name: "Email", Ref: "e1"},
			{Role: "textbox", Name: "Password", Ref: "e2"},
			{Role: "checkbox", Name: "Remember me", Checked: "false", Ref: "e3"},
			{Role: "combobox", Name: "Region", Ref: "e4"},
			{Role: "button", Name: "Sign in", Ref: "e5"},
		}},
	}}
}

// snapshotted loads loginPage and takes a snapshot so its refs are known.
func (h *harness) snapshotted() *fake.Page {
	h.t.Helper()
	p := h.page()
	p.SetTree(loginPage())
	h.mustCall("browser_snapshot", `{}`)
	return p
}
