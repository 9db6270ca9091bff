// internal/mcp/sse.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/viewpoint-mcp/internal/config"
)

const (
	keepAliveInterval        = 15 * time.Second
	streamBufferSize         = 16
	defaultShutdownTimeout   = 10 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

// HTTPTransport serves the MCP server over HTTP. GET /mcp opens an SSE
// stream, POST /mcp sends a message, GET /mcp/ws upgrades to a WebSocket.
// Every /mcp route requires the API key as a bearer token.
type HTTPTransport struct {
	srv          *Server
	cfg          config.ServerConfig
	logger       *zap.Logger
	apiKey       string
	keyGenerated bool
	limiter      *clientLimiter
	upgrader     websocket.Upgrader

	// keepAlive is the SSE comment interval; tests shorten it.
	keepAlive time.Duration

	mu      sync.Mutex
	streams map[string]chan []byte
}

// NewHTTPTransport wires srv to the HTTP routes. When cfg carries no API
// key a random one is generated; read it back with APIKey.
func NewHTTPTransport(srv *Server, cfg config.ServerConfig, logger *zap.Logger) *HTTPTransport {
	t := &HTTPTransport{
		srv:       srv,
		cfg:       cfg,
		logger:    logger.Named("http"),
		apiKey:    cfg.APIKey,
		limiter:   newClientLimiter(cfg.RateLimit, cfg.RateBurst),
		keepAlive: keepAliveInterval,
		streams:   make(map[string]chan []byte),
	}
	if t.apiKey == "" {
		t.apiKey = uuid.NewString()
		t.keyGenerated = true
	}
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     sameOrigin,
	}
	return t
}

// APIKey returns the bearer token clients must present.
func (t *HTTPTransport) APIKey() string { return t.apiKey }

// KeyGenerated reports whether APIKey was generated at startup.
func (t *HTTPTransport) KeyGenerated() bool { return t.keyGenerated }

// Handler builds the router.
func (t *HTTPTransport) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)

	protect := func(h http.HandlerFunc) http.Handler {
		return t.rateLimit(t.authenticate(h))
	}
	r.Handle("/mcp", protect(t.handleStream)).Methods(http.MethodGet)
	r.Handle("/mcp", protect(t.handlePost)).Methods(http.MethodPost)
	r.Handle("/mcp/ws", protect(t.handleWebSocket)).Methods(http.MethodGet)
	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// -- SSE --

func (t *HTTPTransport) openStream() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, streamBufferSize)
	t.mu.Lock()
	t.streams[id] = ch
	t.mu.Unlock()
	return id, ch
}

func (t *HTTPTransport) closeStream(id string) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

func (t *HTTPTransport) stream(id string) (chan []byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.streams[id]
	return ch, ok
}

func writeEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (t *HTTPTransport) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	id, ch := t.openStream()
	defer t.closeStream(id)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]string{
		"sessionId": id,
		"endpoint":  "/mcp?sessionId=" + id,
	})
	if err := writeEvent(w, "connected", hello); err != nil {
		return
	}
	flusher.Flush()
	t.logger.Info("SSE client connected.", zap.String("session", id), zap.String("client", clientIP(r)))

	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			t.logger.Info("SSE client disconnected.", zap.String("session", id))
			return
		case msg := <-ch:
			if err := writeEvent(w, "message", msg); err != nil {
				t.srv.logWriteError("sse", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handlePost runs one message. With ?sessionId= the response is delivered on
// that SSE stream and the POST returns 202; otherwise it is the body.
func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	var (
		ch     chan []byte
		routed bool
	)
	if id := r.URL.Query().Get("sessionId"); id != "" {
		var ok bool
		if ch, ok = t.stream(id); !ok {
			respondWithError(w, http.StatusNotFound, "unknown session")
			return
		}
		routed = true
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	resp := t.srv.HandleMessage(r.Context(), body)
	switch {
	case resp == nil:
		w.WriteHeader(http.StatusAccepted)
	case routed:
		select {
		case ch <- resp:
			w.WriteHeader(http.StatusAccepted)
		case <-r.Context().Done():
		case <-time.After(writeWait):
			t.srv.logWriteError("sse", errors.New("stream is not draining"))
			respondWithError(w, http.StatusServiceUnavailable, "stream is not draining")
		}
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(resp); err != nil {
			t.srv.logWriteError("http", err)
		}
	}
}

// -- Lifecycle --

// Serve accepts connections on ln until ctx is canceled, then shuts the
// server down within the configured timeout.
func (t *HTTPTransport) Serve(ctx context.Context, ln net.Listener) error {
	if t.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, t.cfg.MaxConnections)
	}

	g, gctx := errgroup.WithContext(ctx)
	hs := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		// Request contexts end with gctx so open streams unblock on shutdown.
		BaseContext: func(net.Listener) context.Context { return gctx },
		ErrorLog:    zap.NewStdLog(t.logger),
	}

	g.Go(func() error {
		t.logger.Info("Serving MCP over HTTP.", zap.String("addr", ln.Addr().String()))
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := t.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		t.logger.Info("Shutting down HTTP transport.")
		if err := hs.Shutdown(sctx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ListenAndServe listens on the configured host and port.
func (t *HTTPTransport) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", t.cfg.ListenAddr(), err)
	}
	return t.Serve(ctx, ln)
}
