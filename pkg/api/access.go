package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// AccessConfig protects the endpoints that write lifecycle state
type AccessConfig struct {
	// APIKey, when set, must be sent as "Authorization: Bearer <key>"
	APIKey string

	// EventsPerSecond limits lifecycle deliveries per client address. 0 disables it.
	EventsPerSecond float64
	Burst           int
}

// keyChecker keeps only a bcrypt hash of the API key in memory
type keyChecker struct {
	hash []byte
}

func newKeyChecker(key string) (*keyChecker, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API key: %w", err)
	}
	return &keyChecker{hash: hash}, nil
}

func (k *keyChecker) valid(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(k.hash, []byte(token)) == nil
}

const (
	// limiterIdleTTL drops a client's bucket after this long without requests
	limiterIdleTTL = 10 * time.Minute
	// limiterMaxClients caps tracked client addresses
	limiterMaxClients = 4096
)

// limiter is a token bucket per client address
type limiter struct {
	mu        sync.Mutex
	clients   map[string]*clientLimiter
	rps       rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLimiter(rps float64, burst int) *limiter {
	if burst <= 0 {
		burst = 1
	}
	return &limiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *limiter) allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdleTTL {
		l.evictIdle(now)
		l.lastSweep = now
	}

	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= limiterMaxClients {
			l.evictIdle(now)
			if len(l.clients) >= limiterMaxClients {
				l.evictOldest()
			}
		}
		c = &clientLimiter{lim: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()
	return c.lim.Allow()
}

// evictIdle removes clients not seen within limiterIdleTTL. Caller holds mu.
func (l *limiter) evictIdle(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(l.clients, key)
		}
	}
}

// evictOldest removes the least recently seen client. Caller holds mu.
func (l *limiter) evictOldest() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, c := range l.clients {
		if !found || c.lastSeen.Before(oldest) {
			oldestKey, oldest, found = key, c.lastSeen, true
		}
	}
	if found {
		delete(l.clients, oldestKey)
	}
}

func (l *limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// protect wraps a write handler with authentication and rate limiting
func protect(cfg AccessConfig, next http.HandlerFunc) (http.HandlerFunc, error) {
	var keys *keyChecker
	if cfg.APIKey != "" {
		var err error
		if keys, err = newKeyChecker(cfg.APIKey); err != nil {
			return nil, err
		}
	}

	var lim *limiter
	if cfg.EventsPerSecond > 0 {
		lim = newLimiter(cfg.EventsPerSecond, cfg.Burst)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if keys != nil && !keys.valid(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if lim != nil && !lim.allow(clientKey(r)) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}, nil
}

// LoadTLSConfig loads a server certificate, and a client CA for mTLS when caFile is set
func LoadTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return config, nil
}
