// internal/browser/cdp/harvester_test.go
package cdp

import (
	"context"
	"sync"
	"testing"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

func monotonic(t time.Time) *cdproto.MonotonicTime {
	m := cdproto.MonotonicTime(t)
	return &m
}

type recorder struct {
	mu       sync.Mutex
	requests []browser.NetworkRequest
	console  []browser.ConsoleMessage
}

func (r *recorder) request(req browser.NetworkRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
}

func (r *recorder) message(msg browser.ConsoleMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.console = append(r.console, msg)
}

func newTestHarvester(t *testing.T) (*harvester, *recorder) {
	t.Helper()
	h := newHarvester(zaptest.NewLogger(t))
	rec := &recorder{}
	h.network.add(rec.request)
	h.console.add(rec.message)
	return h, rec
}

func TestHarvester_Network(t *testing.T) {
	start := time.Unix(1700000000, 0)

	t.Run("should emit a finished request with status, size and duration", func(t *testing.T) {
		h, rec := newTestHarvester(t)
		h.handle(&network.EventRequestWillBeSent{
			RequestID: "1",
			Request:   &network.Request{URL: "https://app.test/api/items", Method: "GET"},
			Type:      network.ResourceTypeFetch,
			Timestamp: monotonic(start),
		})
		assert.Equal(t, int64(1), h.inFlight())

		h.handle(&network.EventResponseReceived{RequestID: "1", Type: network.ResourceTypeFetch, Response: &network.Response{Status: 200}})
		h.handle(&network.EventLoadingFinished{RequestID: "1", EncodedDataLength: 512, Timestamp: monotonic(start.Add(250 * time.Millisecond))})

		assert.Equal(t, int64(0), h.inFlight())
		require.Len(t, rec.requests, 1)
		got := rec.requests[0]
		assert.Equal(t, "https://app.test/api/items", got.URL)
		assert.Equal(t, "GET", got.Method)
		assert.Equal(t, "fetch", got.ResourceType)
		assert.Equal(t, 200, got.Status)
		assert.Equal(t, int64(512), got.Size)
		assert.InDelta(t, 250, got.DurationMS, 0.001)
	})

	t.Run("should close out redirect hops without double counting", func(t *testing.T) {
		h, rec := newTestHarvester(t)
		h.handle(&network.EventRequestWillBeSent{RequestID: "7", Request: &network.Request{URL: "http://app.test/", Method: "GET"}, Type: network.ResourceTypeDocument})
		h.handle(&network.EventRequestWillBeSent{
			RequestID:        "7",
			Request:          &network.Request{URL: "https://app.test/", Method: "GET"},
			Type:             network.ResourceTypeDocument,
			RedirectResponse: &network.Response{Status: 301},
		})
		assert.Equal(t, int64(1), h.inFlight())
		require.Len(t, rec.requests, 1)
		assert.Equal(t, "http://app.test/", rec.requests[0].URL)
		assert.Equal(t, 301, rec.requests[0].Status)

		h.handle(&network.EventResponseReceived{RequestID: "7", Response: &network.Response{Status: 200}})
		h.handle(&network.EventLoadingFinished{RequestID: "7"})
		require.Len(t, rec.requests, 2)
		assert.Equal(t, "https://app.test/", rec.requests[1].URL)
		assert.Equal(t, "document", rec.requests[1].ResourceType)
	})

	t.Run("should mark failures", func(t *testing.T) {
		h, rec := newTestHarvester(t)
		h.handle(&network.EventRequestWillBeSent{RequestID: "2", Request: &network.Request{URL: "https://cdn.test/a.png", Method: "GET"}, Type: network.ResourceTypeImage})
		h.handle(&network.EventLoadingFailed{RequestID: "2", ErrorText: "net::ERR_NAME_NOT_RESOLVED"})

		require.Len(t, rec.requests, 1)
		assert.True(t, rec.requests[0].Failed)
		assert.Equal(t, "net::ERR_NAME_NOT_RESOLVED", rec.requests[0].ErrorText)
		assert.True(t, rec.requests[0].IsStatic())
		assert.Equal(t, int64(0), h.inFlight())
	})

	t.Run("should ignore completions for unknown requests", func(t *testing.T) {
		h, rec := newTestHarvester(t)
		h.handle(&network.EventLoadingFinished{RequestID: "404"})
		h.handle(&network.EventLoadingFailed{RequestID: "404"})
		assert.Empty(t, rec.requests)
		assert.Equal(t, int64(0), h.inFlight())
	})
}

func TestHarvester_Console(t *testing.T) {
	h, rec := newTestHarvester(t)
	at := time.Unix(1700000000, 0)
	ts := runtime.Timestamp(at)

	consumed := h.handle(&runtime.EventConsoleAPICalled{
		Type: runtime.APITypeWarning,
		Args: []*runtime.RemoteObject{
			{Type: runtime.TypeString, Value: []byte(`"low disk:"`)},
			{Type: "number", Value: []byte(`42`)},
			{Type: "number", UnserializableValue: "NaN"},
			{Type: "object", Description: "Object"},
		},
		Timestamp:  &ts,
		StackTrace: &runtime.StackTrace{CallFrames: []*runtime.CallFrame{{URL: "https://app.test/app.js", LineNumber: 9}}},
	})
	assert.True(t, consumed)

	h.handle(&runtime.EventExceptionThrown{ExceptionDetails: &runtime.ExceptionDetails{
		Text:      "Uncaught",
		URL:       "https://app.test/boot.js",
		Exception: &runtime.RemoteObject{Type: "object", Description: "TypeError: x is undefined"},
	}})

	require.Len(t, rec.console, 2)
	assert.Equal(t, browser.ConsoleMessage{
		Type:       "warning",
		Text:       "low disk: 42 NaN Object",
		Timestamp:  at,
		URL:        "https://app.test/app.js",
		LineNumber: 10,
	}, rec.console[0])
	assert.Equal(t, "error", rec.console[1].Type)
	assert.Equal(t, "TypeError: x is undefined", rec.console[1].Text)
	assert.Equal(t, 1, rec.console[1].LineNumber)

	assert.False(t, h.handle(&network.EventRequestServedFromCache{}))
}

func TestHarvester_WaitNetworkIdle(t *testing.T) {
	t.Run("should return once the network stays quiet", func(t *testing.T) {
		h, _ := newTestHarvester(t)
		h.quiet = 20 * time.Millisecond
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, h.WaitNetworkIdle(ctx))
	})

	t.Run("should wait for in-flight requests", func(t *testing.T) {
		h, _ := newTestHarvester(t)
		h.quiet = 20 * time.Millisecond
		h.handle(&network.EventRequestWillBeSent{RequestID: "1", Request: &network.Request{URL: "https://app.test/slow"}})

		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, h.WaitNetworkIdle(ctx), context.DeadlineExceeded)

		h.handle(&network.EventLoadingFinished{RequestID: "1"})
		ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel2()
		assert.NoError(t, h.WaitNetworkIdle(ctx2))
	})
}

func TestListeners(t *testing.T) {
	var l listeners[int]
	var got []int
	unsub := l.add(func(v int) { got = append(got, v) })
	l.emit(1)
	unsub()
	unsub()
	l.emit(2)
	assert.Equal(t, []int{1}, got)
	assert.Equal(t, 0, l.len())

	l.add(func(int) {})
	l.clear()
	assert.Equal(t, 0, l.len())
}
