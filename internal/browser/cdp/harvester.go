// internal/browser/cdp/harvester.go
package cdp

import (
	"context"
	"strings"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/browser"
)

const (
	networkIdleCheckFrequency = 100 * time.Millisecond
	defaultNetworkQuietPeriod = 500 * time.Millisecond
)

// requestState holds one request between requestWillBeSent and its
// loadingFinished or loadingFailed event.
type requestState struct {
	url          string
	method       string
	resourceType network.ResourceType
	status       int64
	start        time.Time
}

// harvester turns a page's network and console events into the driver's
// portable records and tracks in-flight requests for idle detection.
type harvester struct {
	logger *zap.Logger
	quiet  time.Duration
	now    func() time.Time

	mu       sync.Mutex
	requests map[network.RequestID]*requestState
	active   int64

	console listeners[browser.ConsoleMessage]
	network listeners[browser.NetworkRequest]
}

func newHarvester(logger *zap.Logger) *harvester {
	return &harvester{
		logger:   logger.Named("harvester"),
		quiet:    defaultNetworkQuietPeriod,
		now:      time.Now,
		requests: make(map[network.RequestID]*requestState),
	}
}

// handle processes one target event. It reports whether the event was one
// the harvester consumes. It runs on chromedp's event goroutine.
func (h *harvester) handle(ev any) bool {
	switch ev := ev.(type) {
	// -- Network Events --
	case *network.EventRequestWillBeSent:
		h.handleRequestWillBeSent(ev)
	case *network.EventResponseReceived:
		h.handleResponseReceived(ev)
	case *network.EventLoadingFinished:
		h.handleLoadingFinished(ev)
	case *network.EventLoadingFailed:
		h.handleLoadingFailed(ev)
	// -- Console Events --
	case *runtime.EventConsoleAPICalled:
		h.handleConsoleAPICalled(ev)
	case *runtime.EventExceptionThrown:
		h.handleExceptionThrown(ev)
	default:
		return false
	}
	return true
}

// inFlight returns the number of requests still loading.
func (h *harvester) inFlight() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// WaitNetworkIdle blocks until no request has been in flight for the quiet
// period. The timer restarts whenever traffic resumes.
func (h *harvester) WaitNetworkIdle(ctx context.Context) error {
	timer := time.NewTimer(h.quiet)
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	defer timer.Stop()

	isIdle := false
	ticker := time.NewTicker(networkIdleCheckFrequency)
	defer ticker.Stop()

	check := func() {
		if h.inFlight() > 0 {
			if isIdle {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				isIdle = false
			}
			return
		}
		if !isIdle {
			timer.Reset(h.quiet)
			isIdle = true
		}
	}
	check()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			check()
		case <-timer.C:
			h.logger.Debug("Network is idle.")
			return nil
		}
	}
}

// -- Event Handlers --

func eventTime(ts *cdproto.MonotonicTime, fallback time.Time) time.Time {
	if ts == nil {
		return fallback
	}
	return ts.Time()
}

func (h *harvester) handleRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	at := eventTime(ev.Timestamp, h.now())

	h.mu.Lock()
	prev, redirected := h.requests[ev.RequestID]
	var hop browser.NetworkRequest
	if redirected && ev.RedirectResponse != nil {
		// A redirect reuses the request id; close out the previous hop.
		hop = prev.record(ev.RedirectResponse.Status, at)
	}
	if !redirected {
		h.active++
	}
	h.requests[ev.RequestID] = &requestState{
		url:          ev.Request.URL,
		method:       ev.Request.Method,
		resourceType: ev.Type,
		start:        at,
	}
	h.mu.Unlock()

	if redirected && ev.RedirectResponse != nil {
		h.network.emit(hop)
	}
}

func (h *harvester) handleResponseReceived(ev *network.EventResponseReceived) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if req, ok := h.requests[ev.RequestID]; ok && ev.Response != nil {
		req.status = ev.Response.Status
		if ev.Type != "" {
			req.resourceType = ev.Type
		}
	}
}

func (h *harvester) finish(id network.RequestID) (*requestState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	req, ok := h.requests[id]
	if !ok {
		return nil, false
	}
	delete(h.requests, id)
	if h.active > 0 {
		h.active--
	}
	return req, true
}

func (h *harvester) handleLoadingFinished(ev *network.EventLoadingFinished) {
	req, ok := h.finish(ev.RequestID)
	if !ok {
		return
	}
	rec := req.record(req.status, eventTime(ev.Timestamp, h.now()))
	rec.Size = int64(ev.EncodedDataLength)
	h.network.emit(rec)
}

func (h *harvester) handleLoadingFailed(ev *network.EventLoadingFailed) {
	req, ok := h.finish(ev.RequestID)
	if !ok {
		return
	}
	rec := req.record(req.status, eventTime(ev.Timestamp, h.now()))
	rec.Failed = true
	rec.ErrorText = ev.ErrorText
	if ev.Canceled && rec.ErrorText == "" {
		rec.ErrorText = "canceled"
	}
	h.network.emit(rec)
}

func (r *requestState) record(status int64, end time.Time) browser.NetworkRequest {
	rec := browser.NetworkRequest{
		URL:          r.url,
		Method:       r.method,
		ResourceType: strings.ToLower(string(r.resourceType)),
		Status:       int(status),
	}
	if d := end.Sub(r.start); d > 0 {
		rec.DurationMS = float64(d) / float64(time.Millisecond)
	}
	return rec
}

func (h *harvester) handleConsoleAPICalled(ev *runtime.EventConsoleAPICalled) {
	msg := browser.ConsoleMessage{
		Type:      string(ev.Type),
		Text:      consoleText(ev.Args),
		Timestamp: h.now(),
	}
	if ev.Timestamp != nil {
		msg.Timestamp = ev.Timestamp.Time()
	}
	if ev.StackTrace != nil && len(ev.StackTrace.CallFrames) > 0 {
		top := ev.StackTrace.CallFrames[0]
		msg.URL = top.URL
		msg.LineNumber = int(top.LineNumber) + 1
	}
	h.console.emit(msg)
}

func (h *harvester) handleExceptionThrown(ev *runtime.EventExceptionThrown) {
	d := ev.ExceptionDetails
	if d == nil {
		return
	}
	text := d.Text
	if d.Exception != nil && d.Exception.Description != "" {
		text = d.Exception.Description
	}
	msg := browser.ConsoleMessage{
		Type:       "error",
		Text:       text,
		Timestamp:  h.now(),
		URL:        d.URL,
		LineNumber: int(d.LineNumber) + 1,
	}
	if ev.Timestamp != nil {
		msg.Timestamp = ev.Timestamp.Time()
	}
	h.console.emit(msg)
}

// consoleText renders console arguments the way DevTools prints them on
// one line: strings bare, other primitives as JSON, objects by description.
func consoleText(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		parts = append(parts, remoteObjectText(a))
	}
	return strings.Join(parts, " ")
}

func remoteObjectText(o *runtime.RemoteObject) string {
	if len(o.Value) > 0 {
		var s string
		if o.Type == runtime.TypeString && json.Unmarshal(o.Value, &s) == nil {
			return s
		}
		return string(o.Value)
	}
	if o.UnserializableValue != "" {
		return string(o.UnserializableValue)
	}
	if o.Description != "" {
		return o.Description
	}
	return string(o.Type)
}
