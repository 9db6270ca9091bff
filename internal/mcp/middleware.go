// internal/mcp/middleware.go
package mcp

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// maxTrackedClients triggers a sweep of idle limiters.
	maxTrackedClients = 1024
	clientIdleTTL     = 10 * time.Minute
)

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimiter keeps one token bucket per remote IP.
type clientLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether ip may make a request now.
func (l *clientLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		if len(l.visitors) >= maxTrackedClients {
			l.sweepLocked(now)
		}
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.seen = now
	return v.limiter.AllowN(now, 1)
}

func (l *clientLimiter) sweepLocked(now time.Time) {
	for ip, v := range l.visitors {
		if now.Sub(v.seen) > clientIdleTTL {
			delete(l.visitors, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimit rejects clients that exceed their token bucket with 429.
func (t *HTTPTransport) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !t.limiter.Allow(ip) {
			t.logger.Debug("Rate limit exceeded.", zap.String("client", ip))
			w.Header().Set("Retry-After", "1")
			w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(t.cfg.RateLimit, 'f', -1, 64))
			respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate requires "Authorization: Bearer <api key>". A missing or
// malformed header is 401, a wrong key is 403.
func (t *HTTPTransport) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="`+t.srv.name+`"`)
			respondWithError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(t.apiKey)) != 1 {
			t.logger.Warn("Rejected request with an invalid API key.", zap.String("client", clientIP(r)))
			respondWithError(w, http.StatusForbidden, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
