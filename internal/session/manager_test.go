// internal/session/manager_test.go
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/browser/fake"
	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
	"github.com/xkilldash9x/viewpoint-mcp/internal/snapshot"
)

func newTestManager(t *testing.T) (*Manager, *fake.Driver, *observer.ObservedLogs) {
	t.Helper()
	return newTestManagerWithConfig(t, config.NewDefaultConfig())
}

func newTestManagerWithConfig(t *testing.T, cfg *config.Config) (*Manager, *fake.Driver, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	d := fake.NewDriver()
	m := NewManager(d, cfg, zap.New(core))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m, d, logs
}

func activeFakePage(t *testing.T, m *Manager) *fake.Page {
	t.Helper()
	cs, err := m.ActiveContext()
	require.NoError(t, err)
	p := cs.ActivePage()
	require.NotNil(t, p)
	return p.(*fake.Page)
}

// formPage is a small page with a button, a textbox and a link.
func formPage(buttonName, emailValue string) *browser.AXNode {
	return &browser.AXNode{Role: "RootWebArea", Name: "Form", Ref: "e100", Children: []*browser.AXNode{
		{Role: "main", Ref: "e101", Children: []*browser.AXNode{
			{Role: "button", Name: buttonName, Ref: "e1"},
			{Role: "textbox", Name: "Email", Value: emailValue, Ref: "e2"},
			{Role: "link", Name: "Home", Ref: "e3"},
		}},
	}}
}

func TestManager_Initialize(t *testing.T) {
	ctx := context.Background()

	t.Run("should launch once and provision the default context", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		assert.Equal(t, Uninitialized, m.State())
		require.NoError(t, m.Initialize(ctx))
		require.NoError(t, m.Initialize(ctx))

		assert.Equal(t, 1, d.Launches)
		assert.Equal(t, Ready, m.State())
		assert.Equal(t, DefaultContext, m.ActiveContextName())
		cs, err := m.ActiveContext()
		require.NoError(t, err)
		assert.Len(t, cs.Pages(), 1)
	})

	t.Run("should share one launch between concurrent callers", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.Initialize(ctx))
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, d.Launches)
		assert.Len(t, m.Contexts(), 1)
	})

	t.Run("should connect when an endpoint is configured", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.SetBrowserCDPEndpoint("ws://127.0.0.1:9222/devtools/browser/abc")
		m, d, _ := newTestManagerWithConfig(t, cfg)
		require.NoError(t, m.Initialize(ctx))
		assert.Equal(t, 0, d.Launches)
		assert.Equal(t, 1, d.Connects)

		require.NoError(t, m.Shutdown(ctx))
		assert.False(t, d.LastBrowser().Closed(), "a browser we did not launch stays open")
	})

	t.Run("should return to uninitialized after a failed launch", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		d.LaunchErr = errors.New("chrome not found")
		err := m.Initialize(ctx)
		assert.ErrorIs(t, err, ErrLaunchFailed)
		assert.Equal(t, Uninitialized, m.State())

		d.LaunchErr = nil
		require.NoError(t, m.Initialize(ctx))
		assert.Equal(t, Ready, m.State())
	})

	t.Run("should pass the configured proxy to the default context", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.NetworkCfg.Proxy = config.ProxyConfig{Server: "http://proxy:8080", Username: "u", Password: "p"}
		m, d, _ := newTestManagerWithConfig(t, cfg)
		require.NoError(t, m.Initialize(ctx))
		fc := d.LastBrowser().Contexts()[0]
		require.NotNil(t, fc.Options.Proxy)
		assert.Equal(t, "http://proxy:8080", fc.Options.Proxy.Server)
		assert.Equal(t, "u", fc.Options.Proxy.Username)
	})
}

func TestManager_Contexts(t *testing.T) {
	ctx := context.Background()

	t.Run("should create and activate named contexts", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		cs, created, err := m.GetOrCreateContext(ctx, "work", ContextOptions{})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "work", cs.Name())
		assert.Equal(t, "work", m.ActiveContextName())
		assert.True(t, m.IsMultiContext())

		again, created, err := m.GetOrCreateContext(ctx, "work", ContextOptions{})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Same(t, cs, again)

		_, err = m.CreateContext(ctx, "work", ContextOptions{})
		assert.ErrorIs(t, err, ErrContextExists)
		_, err = m.CreateContext(ctx, "  ", ContextOptions{})
		assert.Error(t, err)
	})

	t.Run("should switch between known contexts only", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.CreateContext(ctx, "work", ContextOptions{})
		require.NoError(t, err)

		prev, err := m.SwitchContext(DefaultContext)
		require.NoError(t, err)
		assert.Equal(t, "work", prev)
		assert.Equal(t, DefaultContext, m.ActiveContextName())

		_, err = m.SwitchContext("ghost")
		assert.ErrorIs(t, err, ErrContextNotFound)
	})

	t.Run("should refuse to close the last context", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Initialize(ctx))
		_, err := m.CloseContext(ctx, DefaultContext)
		assert.ErrorIs(t, err, ErrCannotCloseLastContext)
		assert.Contains(t, err.Error(), "at least one context must stay open")
	})

	t.Run("should keep the active context when closing another", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.CreateContext(ctx, "a", ContextOptions{})
		require.NoError(t, err)
		_, err = m.CreateContext(ctx, "b", ContextOptions{})
		require.NoError(t, err)

		active, err := m.CloseContext(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "b", active)
		_, err = m.Context("a")
		assert.ErrorIs(t, err, ErrContextNotFound)
	})

	t.Run("should fall back to default when the active context closes", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		_, err := m.CreateContext(ctx, "work", ContextOptions{})
		require.NoError(t, err)
		active, err := m.CloseContext(ctx, "work")
		require.NoError(t, err)
		assert.Equal(t, DefaultContext, active)
		assert.False(t, m.IsMultiContext())

		contexts := d.LastBrowser().Contexts()
		assert.True(t, contexts[1].Closed())
		assert.Zero(t, contexts[1].Subscribers())
	})

	t.Run("should recreate default when it is gone and the active context closes", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.CreateContext(ctx, "a", ContextOptions{})
		require.NoError(t, err)
		_, err = m.CreateContext(ctx, "b", ContextOptions{})
		require.NoError(t, err)
		_, err = m.CloseContext(ctx, DefaultContext)
		require.NoError(t, err)

		active, err := m.CloseContext(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, DefaultContext, active)
		_, err = m.Context(DefaultContext)
		assert.NoError(t, err)
	})

	t.Run("should keep a surviving context active when default cannot be recreated", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		_, err := m.CreateContext(ctx, "a", ContextOptions{})
		require.NoError(t, err)
		_, err = m.CreateContext(ctx, "b", ContextOptions{})
		require.NoError(t, err)
		_, err = m.CloseContext(ctx, DefaultContext)
		require.NoError(t, err)

		d.LastBrowser().FailNewContext(errors.New("target quota exceeded"))
		_, err = m.CloseContext(ctx, "b")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to recreate default context")

		assert.Equal(t, "a", m.ActiveContextName())
		cs, err := m.ActiveContext()
		require.NoError(t, err)
		assert.Equal(t, "a", cs.Name())
		_, err = m.Context(DefaultContext)
		assert.ErrorIs(t, err, ErrContextNotFound)
	})

	t.Run("should report unknown contexts", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Initialize(ctx))
		_, err := m.CloseContext(ctx, "ghost")
		assert.ErrorIs(t, err, ErrContextNotFound)
	})
}

func TestManager_DetectAndRecover(t *testing.T) {
	ctx := context.Background()

	t.Run("should reset the session on connection loss and relaunch on demand", func(t *testing.T) {
		m, d, logs := newTestManager(t)
		_, err := m.CreateContext(ctx, "work", ContextOptions{})
		require.NoError(t, err)

		lost := fmt.Errorf("failed to click: %w", errors.New("Protocol error: WebSocket connection lost"))
		assert.True(t, m.DetectAndRecover(lost))
		assert.Equal(t, Uninitialized, m.State())
		assert.Empty(t, m.Contexts())

		warnings := logs.FilterMessage("Browser connection lost; session reset.").All()
		require.Len(t, warnings, 1)
		assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
		assert.Equal(t, int64(2), warnings[0].ContextMap()["contexts_dropped"])

		require.NoError(t, m.Initialize(ctx))
		assert.Equal(t, 2, d.Launches)
		assert.Equal(t, DefaultContext, m.ActiveContextName())
	})

	t.Run("should leave the session alone for other errors", func(t *testing.T) {
		m, _, logs := newTestManager(t)
		require.NoError(t, m.Initialize(ctx))
		_, err := m.CreateContext(ctx, "work", ContextOptions{})
		require.NoError(t, err)

		assert.False(t, m.DetectAndRecover(errors.New("element is not visible")))
		assert.False(t, m.DetectAndRecover(errors.New("Uncaught Error: upstream connection closed")))
		assert.False(t, m.DetectAndRecover(fmt.Errorf("failed to evaluate: %w: Error: ConnectionLost", browser.ErrScriptException)))
		assert.False(t, m.DetectAndRecover(nil))
		assert.Equal(t, Ready, m.State())
		assert.Len(t, m.Contexts(), 2)
		assert.Equal(t, "work", m.ActiveContextName())
		assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	})
}

func TestIsConnectionLoss(t *testing.T) {
	lost := []error{
		browser.ErrConnectionLost,
		fmt.Errorf("wrapped: %w", browser.ErrConnectionLost),
		errors.New("WebSocket connection lost"),
		errors.New("CDP error: ConnectionLost"),
		errors.New("Error: WebSocket connection lost during operation"),
	}
	for _, err := range lost {
		assert.True(t, IsConnectionLoss(err), err.Error())
	}

	kept := []error{
		errors.New("timeout waiting for selector"),
		context.Canceled,
		errors.New("Uncaught Error: upstream connection closed"),
		errors.New("write: broken pipe"),
		errors.New("Target closed"),
		fmt.Errorf("%w: Uncaught Error: WebSocket connection lost", browser.ErrScriptException),
	}
	for _, err := range kept {
		assert.False(t, IsConnectionLoss(err), err.Error())
	}
}

func TestManager_CaptureSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("should serve repeated captures from cache", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Initialize(ctx))
		page := activeFakePage(t, m)
		page.SetTree(formPage("Submit", ""))

		first, hit, err := m.CaptureSnapshot(ctx, false)
		require.NoError(t, err)
		assert.False(t, hit)
		second, hit, err := m.CaptureSnapshot(ctx, false)
		require.NoError(t, err)
		assert.True(t, hit)
		assert.Same(t, first, second)
		assert.Equal(t, int64(1), page.TreeCalls())
	})

	t.Run("should capture again after a navigation", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Initialize(ctx))
		page := activeFakePage(t, m)
		page.SetTree(formPage("Submit", ""))

		_, _, err := m.CaptureSnapshot(ctx, false)
		require.NoError(t, err)
		page.SetURL("https://example.com/next")
		_, hit, err := m.CaptureSnapshot(ctx, false)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, int64(2), page.TreeCalls())
	})

	t.Run("should capture again when full refs are requested", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Initialize(ctx))
		page := activeFakePage(t, m)
		page.SetTree(formPage("Submit", ""))

		_, _, err := m.CaptureSnapshot(ctx, false)
		require.NoError(t, err)
		s, hit, err := m.CaptureSnapshot(ctx, true)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.True(t, s.AllRefs)
	})

	t.Run("should prefix refs once a second context exists", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.CreateContext(ctx, "work", ContextOptions{})
		require.NoError(t, err)
		activeFakePage(t, m).SetTree(formPage("Submit", ""))

		s, _, err := m.CaptureSnapshot(ctx, false)
		require.NoError(t, err)
		_, ok := s.Lookup("work:e1")
		assert.True(t, ok)
	})

	t.Run("should fail before initialization", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, _, err := m.CaptureSnapshot(ctx, false)
		assert.ErrorIs(t, err, ErrConnectionLost)
	})
}

func TestManager_ResolveRef(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T) (*Manager, *fake.Page) {
		m, _, _ := newTestManager(t)
		require.NoError(t, m.Initialize(ctx))
		page := activeFakePage(t, m)
		page.SetTree(formPage("Submit", ""))
		_, _, err := m.CaptureSnapshot(ctx, false)
		require.NoError(t, err)
		return m, page
	}

	t.Run("should resolve an unchanged element", func(t *testing.T) {
		m, _ := setup(t)
		r, err := m.ResolveRef(ctx, "e1")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Fresh, r.Staleness.Kind)
		require.NotNil(t, r.Node)
		assert.Equal(t, "Submit", r.Node.Name)
		assert.Empty(t, r.Warning())
	})

	t.Run("should reject an element that was removed", func(t *testing.T) {
		m, page := setup(t)
		tree := formPage("Submit", "")
		main := tree.Children[0]
		main.Children = main.Children[1:]
		page.SetTree(tree)

		_, err := m.ResolveRef(ctx, "e1")
		require.ErrorIs(t, err, snapshot.ErrStaleRef)
		var stale *snapshot.StaleRefError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, snapshot.Removed, stale.Kind)
		assert.Contains(t, err.Error(), "no longer exists")
		assert.Contains(t, err.Error(), "Take a new snapshot")
	})

	t.Run("should reject an element whose name changed", func(t *testing.T) {
		m, page := setup(t)
		page.SetTree(formPage("Cancel", ""))

		_, err := m.ResolveRef(ctx, "e1")
		var stale *snapshot.StaleRefError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, snapshot.Changed, stale.Kind)
		assert.Contains(t, err.Error(), "Was: ")
	})

	t.Run("should proceed with a warning on a value change", func(t *testing.T) {
		m, page := setup(t)
		page.SetTree(formPage("Submit", "me@example.com"))

		r, err := m.ResolveRef(ctx, "e2")
		require.NoError(t, err)
		assert.Equal(t, snapshot.MinorChange, r.Staleness.Kind)
		assert.Contains(t, r.Warning(), "Note: Element may have changed")
	})

	t.Run("should accept a ref the caller has not seen yet", func(t *testing.T) {
		m, page := setup(t)
		tree := formPage("Submit", "")
		tree.Children[0].Children = append(tree.Children[0].Children, &browser.AXNode{Role: "button", Name: "New", Ref: "e4"})
		page.SetTree(tree)

		r, err := m.ResolveRef(ctx, "e4")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Fresh, r.Staleness.Kind)
	})

	t.Run("should reject malformed refs", func(t *testing.T) {
		m, _ := setup(t)
		_, err := m.ResolveRef(ctx, "button-1")
		assert.ErrorIs(t, err, snapshot.ErrInvalidRefFormat)
	})

	t.Run("should route prefixed refs to their context", func(t *testing.T) {
		m, _ := setup(t)
		_, err := m.CreateContext(ctx, "work", ContextOptions{})
		require.NoError(t, err)

		r, err := m.ResolveRef(ctx, "default:e3")
		require.NoError(t, err)
		assert.Equal(t, DefaultContext, r.Context.Name())
		require.NotNil(t, r.Node)
		assert.Equal(t, "Home", r.Node.Name)

		_, err = m.ResolveRef(ctx, "ghost:e1")
		assert.ErrorIs(t, err, ErrContextNotFound)
	})
}

func TestStorageState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	want := &browser.StorageState{
		Cookies: []browser.Cookie{{Name: "sid", Value: "abc", Domain: "example.com", Path: "/", HTTPOnly: true}},
		Origins: []browser.OriginState{{Origin: "https://example.com", LocalStorage: []browser.NameValue{{Name: "k", Value: "v"}}}},
	}

	t.Run("should write and read back a storage state file", func(t *testing.T) {
		written, err := SaveStorageState(path, want)
		require.NoError(t, err)
		assert.Equal(t, path, written)

		got, err := LoadStorageState(path)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("should restore state into a new context", func(t *testing.T) {
		m, d, _ := newTestManager(t)
		_, err := m.CreateContext(ctx, "restored", ContextOptions{StorageStatePath: path})
		require.NoError(t, err)
		contexts := d.LastBrowser().Contexts()
		fc := contexts[len(contexts)-1]
		require.NotNil(t, fc.Options.StorageState)
		assert.Equal(t, "sid", fc.Options.StorageState.Cookies[0].Name)
	})

	t.Run("should fail on a missing file", func(t *testing.T) {
		_, err := LoadStorageState(filepath.Join(t.TempDir(), "missing.json"))
		assert.Error(t, err)
	})
}

func TestManager_Shutdown(t *testing.T) {
	ctx := context.Background()
	m, d, _ := newTestManager(t)
	_, err := m.CreateContext(ctx, "work", ContextOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	b := d.LastBrowser()
	assert.True(t, b.Closed())
	for _, fc := range b.Contexts() {
		assert.True(t, fc.Closed())
	}
	assert.ErrorIs(t, m.Initialize(ctx), ErrShuttingDown)
}
