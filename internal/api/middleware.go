package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentdhq/agentd/internal/metrics"
)

const limiterIdleTTL = time.Hour

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", s.clientIP(r)))
	})
}

// adminAuth guards mutating endpoints with the configured bearer token.
// No token configured means the endpoints are switched off, not open.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.AdminToken == "" {
			http.Error(w, "admin API disabled", http.StatusForbidden)
			return
		}
		supplied := r.Header.Get(s.cfg.API.AdminTokenHeader)
		supplied = strings.TrimPrefix(supplied, "Bearer ")
		if supplied == "" ||
			subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.API.AdminToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// orgRateLimit throttles webhook intake per sender. The org behind a
// delivery is only known after signature verification, so the sender
// address stands in for it here.
func (s *Server) orgRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.orgLimits.allow(s.clientIP(r)) {
			metrics.RateLimited("org")
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) endpointRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path + " " + s.clientIP(r)
		if !s.endpointLimits.allow(key) {
			metrics.RateLimited("endpoint")
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	peerIP := peerIPFromRemoteAddr(r.RemoteAddr)
	trustProxy := peerIP != nil && (peerIP.IsLoopback() || peerIP.IsPrivate())
	if s.cfg.API.TrustProxy {
		trustProxy = true
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" && trustProxy {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" && trustProxy {
		return realIP
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func peerIPFromRemoteAddr(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		// remoteAddr may already be just a host.
		host = remoteAddr
	}
	return net.ParseIP(host)
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterMap holds one token bucket per key with idle expiry.
type limiterMap struct {
	name  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newLimiterMap(name string, limit rate.Limit, burst int) *limiterMap {
	if burst < 1 {
		burst = 1
	}
	return &limiterMap{
		name:    name,
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

func (m *limiterMap) allow(key string) bool {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	m.mu.Unlock()
	return entry.limiter.Allow()
}

// Prune drops buckets idle for longer than an hour.
func (m *limiterMap) Prune() {
	cutoff := time.Now().Add(-limiterIdleTTL)
	m.mu.Lock()
	for key, entry := range m.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}
