package handlers

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL    = 10 * time.Minute
	defaultMaxClients = 10000
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per client key. Buckets idle for
// longer than the idle TTL are dropped, and the table never holds more
// than maxClients entries.
type KeyedLimiter struct {
	mu         sync.Mutex
	entries    map[string]*limiterEntry
	rate       rate.Limit
	burst      int
	keyFunc    func(*http.Request) string
	idleTTL    time.Duration
	maxClients int
	lastSweep  time.Time
	now        func() time.Time
}

// LimiterOption configures a KeyedLimiter.
type LimiterOption func(*KeyedLimiter)

// WithKeyFunc replaces ClientKey as the way requests are bucketed.
func WithKeyFunc(fn func(*http.Request) string) LimiterOption {
	return func(k *KeyedLimiter) {
		if fn != nil {
			k.keyFunc = fn
		}
	}
}

// WithIdleTTL sets how long an unused bucket is kept.
func WithIdleTTL(d time.Duration) LimiterOption {
	return func(k *KeyedLimiter) {
		if d > 0 {
			k.idleTTL = d
		}
	}
}

// WithMaxClients caps the number of tracked buckets.
func WithMaxClients(n int) LimiterOption {
	return func(k *KeyedLimiter) {
		if n > 0 {
			k.maxClients = n
		}
	}
}

// NewKeyedLimiter allows perMin requests per minute per client, with a
// burst of the same size. Non-positive values fall back to 60.
func NewKeyedLimiter(perMin int, opts ...LimiterOption) *KeyedLimiter {
	if perMin <= 0 {
		perMin = 60
	}
	k := &KeyedLimiter{
		entries:    map[string]*limiterEntry{},
		rate:       rate.Limit(float64(perMin) / 60.0),
		burst:      perMin,
		keyFunc:    ClientKey,
		idleTTL:    defaultIdleTTL,
		maxClients: defaultMaxClients,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.lastSweep = k.now()
	return k
}

// Allow consumes one token for key.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	entry, ok := k.entries[key]
	if !ok {
		if now.Sub(k.lastSweep) >= k.idleTTL || len(k.entries) >= k.maxClients {
			k.sweepLocked(now)
		}
		if len(k.entries) >= k.maxClients {
			k.evictOldestLocked()
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(k.rate, k.burst)}
		k.entries[key] = entry
	} else if now.Sub(k.lastSweep) >= k.idleTTL {
		k.sweepLocked(now)
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Len reports how many buckets are tracked.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// sweepLocked drops buckets idle past the TTL. A bucket idle that long has
// refilled, so forgetting it changes no decision.
func (k *KeyedLimiter) sweepLocked(now time.Time) {
	for key, entry := range k.entries {
		if now.Sub(entry.lastSeen) >= k.idleTTL {
			delete(k.entries, key)
		}
	}
	k.lastSweep = now
}

func (k *KeyedLimiter) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for key, entry := range k.entries {
		if !found || entry.lastSeen.Before(oldest) {
			oldestKey, oldest, found = key, entry.lastSeen, true
		}
	}
	if found {
		delete(k.entries, oldestKey)
	}
}

// ClientKey identifies the caller by peer address. Client-supplied headers
// are ignored; middleware.RealIP rewrites RemoteAddr when proxy headers are
// trusted.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// CredentialKey buckets by the credential extract returns, falling back to
// ClientKey. Use it only behind authentication, so that every credential
// seen here is a configured one.
func CredentialKey(extract func(*http.Request) string) func(*http.Request) string {
	return func(r *http.Request) string {
		if key := extract(r); key != "" {
			return "key:" + key
		}
		return ClientKey(r)
	}
}

// Middleware answers 429 once a client's bucket is empty.
func (k *KeyedLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !k.Allow(k.keyFunc(r)) {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
