// internal/session/context_test.go
package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
	"github.com/xkilldash9x/viewpoint-mcp/internal/browser/fake"
	"github.com/xkilldash9x/viewpoint-mcp/internal/snapshot"
)

func newTestContext(t *testing.T) (*ContextState, *fake.Context) {
	t.Helper()
	ctx := context.Background()
	b, err := fake.NewDriver().Launch(ctx, browser.LaunchOptions{})
	require.NoError(t, err)
	h, err := b.NewContext(ctx, browser.ContextOptions{})
	require.NoError(t, err)
	fc := h.(*fake.Context)
	cs := newContextState("default", fc, nil, contextSettings{
		cacheTTL:   5 * time.Second,
		bufferSize: 1000,
		now:        time.Now,
	}, zaptest.NewLogger(t))
	t.Cleanup(cs.forget)
	return cs, fc
}

func TestContextState_Pages(t *testing.T) {
	ctx := context.Background()

	t.Run("should report no active page until one exists", func(t *testing.T) {
		cs, _ := newTestContext(t)
		assert.Nil(t, cs.ActivePage())
		assert.Equal(t, -1, cs.ActiveIndex())

		p, err := cs.EnsurePage(ctx)
		require.NoError(t, err)
		assert.Equal(t, p.TargetID(), cs.ActivePage().TargetID())
		assert.Equal(t, 0, cs.ActiveIndex())

		again, err := cs.EnsurePage(ctx)
		require.NoError(t, err)
		assert.Equal(t, p.TargetID(), again.TargetID(), "an existing page is reused")
	})

	t.Run("should make a new page active", func(t *testing.T) {
		cs, _ := newTestContext(t)
		_, err := cs.EnsurePage(ctx)
		require.NoError(t, err)
		_, idx, err := cs.NewPage(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, idx)
		assert.Equal(t, 1, cs.ActiveIndex())
	})

	t.Run("should follow an activation fired by the browser", func(t *testing.T) {
		cs, fc := newTestContext(t)
		_, err := cs.EnsurePage(ctx)
		require.NoError(t, err)

		popup := fc.OpenPage()
		popup.SetURL("https://example.com/popup")
		assert.Equal(t, 0, cs.ActiveIndex(), "opening a page alone does not activate it")

		fc.Activate(popup)
		assert.Equal(t, 1, cs.ActiveIndex())
		assert.Equal(t, "https://example.com/popup", cs.CurrentURL())
	})

	t.Run("should ignore an activation for a page that closed", func(t *testing.T) {
		cs, fc := newTestContext(t)
		_, err := cs.EnsurePage(ctx)
		require.NoError(t, err)
		gone := fc.OpenPage()
		fc.Activate(gone)
		require.NoError(t, gone.Close(ctx))
		assert.Equal(t, 0, cs.ActiveIndex())
	})

	t.Run("should select a page by index", func(t *testing.T) {
		cs, _ := newTestContext(t)
		_, err := cs.EnsurePage(ctx)
		require.NoError(t, err)
		_, _, err = cs.NewPage(ctx)
		require.NoError(t, err)

		_, err = cs.SelectPage(0)
		require.NoError(t, err)
		assert.Equal(t, 0, cs.ActiveIndex())

		_, err = cs.SelectPage(5)
		assert.ErrorIs(t, err, ErrPageIndexOutOfRange)
	})
}

func TestContextState_ClosePage(t *testing.T) {
	ctx := context.Background()
	threePages := func(t *testing.T) (*ContextState, []browser.Page) {
		cs, fc := newTestContext(t)
		for i := 0; i < 3; i++ {
			_, _, err := cs.NewPage(ctx)
			require.NoError(t, err)
		}
		return cs, fc.Pages()
	}

	t.Run("should keep the same active page when an earlier one closes", func(t *testing.T) {
		cs, pages := threePages(t)
		require.Equal(t, 2, cs.ActiveIndex())
		_, err := cs.ClosePage(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, cs.ActiveIndex())
		assert.Equal(t, pages[2].TargetID(), cs.ActivePage().TargetID())
	})

	t.Run("should step back when the last active page closes", func(t *testing.T) {
		cs, pages := threePages(t)
		_, err := cs.ClosePage(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, cs.ActiveIndex())
		assert.Equal(t, pages[1].TargetID(), cs.ActivePage().TargetID())
	})

	t.Run("should leave no active page after the only page closes", func(t *testing.T) {
		cs, _ := newTestContext(t)
		_, err := cs.EnsurePage(ctx)
		require.NoError(t, err)
		url, err := cs.ClosePage(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, "about:blank", url)
		assert.Nil(t, cs.ActivePage())
	})

	t.Run("should reject an index out of range", func(t *testing.T) {
		cs, _ := threePages(t)
		_, err := cs.ClosePage(ctx, 3)
		assert.ErrorIs(t, err, ErrPageIndexOutOfRange)
	})
}

func TestContextState_Console(t *testing.T) {
	ctx := context.Background()
	cs, _ := newTestContext(t)
	p, err := cs.EnsurePage(ctx)
	require.NoError(t, err)
	fp := p.(*fake.Page)

	fp.Log("debug", "trace")
	fp.Log("log", "hello")
	fp.Log("warning", "careful")
	fp.Log("error", "boom")

	texts := func(msgs []browser.ConsoleMessage) []string {
		var out []string
		for _, m := range msgs {
			out = append(out, m.Text)
		}
		return out
	}

	t.Run("should filter by minimum level", func(t *testing.T) {
		assert.Equal(t, []string{"careful", "boom"}, texts(cs.ConsoleMessages(LevelWarning)))
		assert.Equal(t, []string{"hello", "careful", "boom"}, texts(cs.ConsoleMessages(LevelInfo)))
		assert.Len(t, cs.ConsoleMessages(LevelDebug), 4)
	})

	t.Run("should cap each page at the buffer size", func(t *testing.T) {
		for i := 0; i < 1200; i++ {
			fp.Log("log", "spam")
		}
		assert.Len(t, cs.ConsoleMessages(LevelDebug), 1000)
	})

	t.Run("should stop capturing once the context is forgotten", func(t *testing.T) {
		cs.forget()
		fp.Log("error", "after")
		buf, ok := cs.console.lookup(fp.TargetID())
		require.True(t, ok)
		for _, m := range buf.Snapshot() {
			assert.NotEqual(t, "after", m.Text)
		}
	})
}

func TestParseConsoleLevel(t *testing.T) {
	cases := map[string]ConsoleLevel{
		"debug": LevelDebug, "": LevelInfo, "info": LevelInfo,
		"warn": LevelWarning, "WARNING": LevelWarning, "error": LevelError,
	}
	for in, want := range cases {
		got, err := ParseConsoleLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseConsoleLevel("verbose")
	assert.Error(t, err)
}

func TestContextState_NetworkRequests(t *testing.T) {
	ctx := context.Background()
	cs, _ := newTestContext(t)
	p, err := cs.EnsurePage(ctx)
	require.NoError(t, err)
	fp := p.(*fake.Page)

	fp.Request(browser.NetworkRequest{URL: "https://example.com/", ResourceType: "document", Status: 200})
	fp.Request(browser.NetworkRequest{URL: "https://example.com/logo.png", ResourceType: "image", Status: 200})
	fp.Request(browser.NetworkRequest{URL: "https://example.com/app.js", ResourceType: "script", Status: 404})
	fp.Request(browser.NetworkRequest{URL: "https://example.com/font.woff", ResourceType: "font", Failed: true, ErrorText: "net::ERR_FAILED"})

	t.Run("should hide successful static loads by default", func(t *testing.T) {
		got := cs.NetworkRequests(false)
		require.Len(t, got, 3)
		assert.Equal(t, "https://example.com/", got[0].URL)
		assert.Equal(t, "https://example.com/app.js", got[1].URL)
	})

	t.Run("should include everything on request", func(t *testing.T) {
		assert.Len(t, cs.NetworkRequests(true), 4)
	})
}

func TestContextState_Cache(t *testing.T) {
	ctx := context.Background()
	cs, fc := newTestContext(t)
	_, err := cs.EnsurePage(ctx)
	require.NoError(t, err)

	store := func() *snapshot.Snapshot {
		s := snapshot.Build(nil, snapshot.Options{})
		cs.StoreSnapshot(s, false)
		return s
	}

	t.Run("should serve the stored snapshot", func(t *testing.T) {
		s := store()
		assert.Same(t, s, cs.CachedSnapshot(false))
	})

	t.Run("should miss after invalidation", func(t *testing.T) {
		store()
		cs.Invalidate()
		assert.Nil(t, cs.CachedSnapshot(false))
	})

	t.Run("should miss after a browser activation", func(t *testing.T) {
		store()
		fc.Activate(fc.FakePages()[0])
		assert.Nil(t, cs.CachedSnapshot(false))
	})

	t.Run("should chain generations", func(t *testing.T) {
		first := store()
		second := store()
		assert.Same(t, second, cs.PreviousSnapshot())
		assert.Same(t, first, second.Previous)
		assert.Nil(t, first.Previous)
	})
}

func TestContextState_ConcurrentEvents(t *testing.T) {
	t.Run("should keep tool-path state consistent while events arrive", func(t *testing.T) {
		ctx := context.Background()
		cs, fc := newTestContext(t)
		_, err := cs.EnsurePage(ctx)
		require.NoError(t, err)
		_, _, err = cs.NewPage(ctx)
		require.NoError(t, err)
		pages := fc.FakePages()
		require.Len(t, pages, 2)

		const events = 2000
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < events; i++ {
				p := pages[i%2]
				fc.Activate(p)
				p.Log("log", fmt.Sprintf("event %d", i))
			}
		}()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		for running := true; running; {
			select {
			case <-done:
				running = false
			default:
			}
			require.NotNil(t, cs.ActivePage())
			idx := cs.ActiveIndex()
			assert.Contains(t, []int{0, 1}, idx)
			cs.StoreSnapshot(snapshot.Build(nil, snapshot.Options{}), false)
			_ = cs.CachedSnapshot(false)
			cs.Invalidate()
			assert.LessOrEqual(t, len(cs.ConsoleMessages(LevelDebug)), 1000)
		}

		total := 0
		for i := range pages {
			_, err := cs.SelectPage(i)
			require.NoError(t, err)
			total += len(cs.ConsoleMessages(LevelDebug))
		}
		assert.Equal(t, events, total, "every message lands in its page's buffer")
	})
}
