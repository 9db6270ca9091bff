// internal/browser/proxyrelay/relay.go
package proxyrelay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	"golang.org/x/net/proxy"
)

// Relay is a local forward proxy that chains every request to an upstream
// proxy and supplies its credentials. Chrome cannot take credentials in
// --proxy-server or in a browser context's proxy setting, so an
// authenticated proxy is handed to Chrome as the relay's address instead.
type Relay struct {
	proxy    *goproxy.ProxyHttpServer
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
	done     chan struct{}
}

// Upstream describes the proxy the relay forwards to.
type Upstream struct {
	// Server is "host:port" or a URL with an http, https or socks5 scheme.
	Server   string
	Username string
	Password string
}

// URL parses Server, defaulting the scheme to http, and attaches credentials.
func (u Upstream) URL() (*url.URL, error) {
	raw := strings.TrimSpace(u.Server)
	if raw == "" {
		return nil, errors.New("upstream proxy server is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream proxy %q: %w", u.Server, err)
	}
	switch parsed.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported upstream proxy scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream proxy %q: missing host", u.Server)
	}
	if u.Username != "" {
		parsed.User = url.UserPassword(u.Username, u.Password)
	}
	return parsed, nil
}

func basicAuth(user *url.Userinfo) string {
	pass, _ := user.Password()
	token := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
	return "Basic " + token
}

// Start listens on a loopback port and relays to upstream until Close.
func Start(upstream Upstream, logger *zap.Logger) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	upURL, err := upstream.URL()
	if err != nil {
		return nil, err
	}
	log := logger.Named("proxy_relay").With(zap.String("upstream", upURL.Redacted()))

	p := goproxy.NewProxyHttpServer()
	p.Tr = &http.Transport{
		Proxy:                 http.ProxyURL(upURL),
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	switch upURL.Scheme {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(upURL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to build socks dialer: %w", err)
		}
		p.ConnectDial = dialer.Dial
	default:
		p.ConnectDial = p.NewConnectDialToProxyWithHandler(upURL.String(), func(req *http.Request) {
			if upURL.User != nil {
				req.Header.Set("Proxy-Authorization", basicAuth(upURL.User))
			}
		})
	}

	p.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp != nil || ctx.Req == nil {
			return resp
		}
		log.Debug("Upstream proxy request failed.", zap.String("host", ctx.Req.Host), zap.Error(ctx.Error))
		status := http.StatusBadGateway
		var netErr net.Error
		if errors.As(ctx.Error, &netErr) && netErr.Timeout() {
			status = http.StatusGatewayTimeout
		}
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, status, "upstream proxy error")
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for proxy relay: %w", err)
	}

	r := &Relay{
		proxy:    p,
		server:   &http.Server{Handler: p, ReadHeaderTimeout: 10 * time.Second},
		listener: ln,
		logger:   log,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Proxy relay stopped unexpectedly.", zap.Error(err))
		}
	}()
	log.Debug("Proxy relay listening.", zap.String("addr", ln.Addr().String()))
	return r, nil
}

// Addr returns the relay's "host:port".
func (r *Relay) Addr() string { return r.listener.Addr().String() }

// URL returns the relay address in the form Chrome's proxy settings take.
func (r *Relay) URL() string { return "http://" + r.Addr() }

// Close stops the listener and drops idle upstream connections.
func (r *Relay) Close(ctx context.Context) error {
	err := r.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		err = r.server.Close()
	}
	<-r.done
	r.proxy.Tr.CloseIdleConnections()
	return err
}
