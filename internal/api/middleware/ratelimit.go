package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/switchboard/internal/metrics"
)

// Counters live under this prefix so the server can share a Redis with
// the identity provider.
const rateKeyPrefix = "switchboard:rl:"

// scope selects what a request is counted against.
type scope int

const (
	scopeIP        scope = iota
	scopeSigner          // admin signing key, falling back to IP when unsigned
	scopeWorkspace       // workspace ID from the path plus client IP
)

type routeLimit struct {
	method   string
	prefix   string
	requests int
	window   time.Duration
	scope    scope
}

func (l routeLimit) label() string { return l.method + " " + l.prefix }

// defaultLimits are matched in order; the first hit wins.
var defaultLimits = []routeLimit{
	{http.MethodPost, "/admin/workspaces/", 30, time.Minute, scopeSigner},
	{http.MethodPut, "/admin/workspaces/", 60, time.Minute, scopeSigner},
	{http.MethodDelete, "/admin/workspaces/", 30, time.Minute, scopeSigner},
	{http.MethodGet, "/admin/", 300, time.Minute, scopeSigner},
	{http.MethodGet, "/ws/", 20, time.Minute, scopeWorkspace},
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // block an IP after repeated violations
}

// RateLimiter counts requests per fixed window in Redis. Socket upgrades
// are limited here; messages on an open socket go through the core's
// token bucket instead.
type RateLimiter struct {
	client    *redis.Client
	limits    []routeLimit
	allow     netList
	blocks    *blocklist
	autoBlock bool
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		client:    client,
		limits:    defaultLimits,
		allow:     parseNetList(cfg.Whitelist, logger),
		blocks:    &blocklist{client: client},
		autoBlock: cfg.AutoBlockEnabled,
		logger:    logger.With().Str("component", "ratelimit").Logger(),
		now:       time.Now,
	}
	if n := len(cfg.Whitelist); n > 0 {
		rl.logger.Info().Int("entries", n).Msg("rate limit whitelist configured")
	}
	return rl
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)
		if rl.allow.contains(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocks.has(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit, ok := rl.match(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := rl.key(limit, r, ip)
		allowed, remaining, resetAt := rl.take(r.Context(), key, limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retry := int(resetAt.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			metrics.RateLimitHits.WithLabelValues(limit.label()).Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("key", key).
				Str("endpoint", r.URL.Path).
				Msg("rate limit exceeded")
			rl.violation(r.Context(), ip)
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) match(r *http.Request) (routeLimit, bool) {
	for _, l := range rl.limits {
		if r.Method == l.method && strings.HasPrefix(r.URL.Path, l.prefix) {
			return l, true
		}
	}
	return routeLimit{}, false
}

func (rl *RateLimiter) key(l routeLimit, r *http.Request, ip string) string {
	switch l.scope {
	case scopeSigner:
		if signer := r.Header.Get(HeaderKey); signer != "" {
			return rateKeyPrefix + "signer:" + signer
		}
	case scopeWorkspace:
		// Runs before routing, so the workspace comes from the raw path.
		ws := strings.TrimPrefix(r.URL.Path, "/ws/")
		return rateKeyPrefix + "ws:" + ws + ":" + ip
	}
	return rateKeyPrefix + "ip:" + ip
}

// take increments the counter of the current window and reports whether
// the request fits. Redis failures fail open.
func (rl *RateLimiter) take(ctx context.Context, key string, l routeLimit) (bool, int, time.Time) {
	now := rl.now()
	bucket := now.Truncate(l.window)
	resetAt := bucket.Add(l.window)
	windowKey := key + ":" + strconv.FormatInt(bucket.Unix(), 10)

	start := time.Now()
	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.ExpireAt(ctx, windowKey, resetAt.Add(time.Second))
	_, err := pipe.Exec(ctx)
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		rl.logger.Error().Err(err).Str("key", key).Msg("rate limit check failed")
		return true, l.requests, resetAt
	}

	count := int(incr.Val())
	remaining := max(l.requests-count, 0)
	return count <= l.requests, remaining, resetAt
}

// violation blocks an IP for a day after ten rejected requests in an hour.
func (rl *RateLimiter) violation(ctx context.Context, ip string) {
	if !rl.autoBlock {
		return
	}
	key := rateKeyPrefix + "violations:" + ip
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return
	}
	if count == 1 {
		rl.client.Expire(ctx, key, time.Hour)
	}
	if count >= 10 {
		rl.blocks.add(ctx, ip, 24*time.Hour, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// ClientIP returns the request's client address. chi's RealIP middleware
// has already applied forwarding headers to RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// netList matches single IPs and CIDR ranges.
type netList struct {
	ips  map[string]bool
	nets []*net.IPNet
}

func parseNetList(entries []string, logger zerolog.Logger) netList {
	l := netList{ips: make(map[string]bool)}
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			l.ips[entry] = true
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
			continue
		}
		l.nets = append(l.nets, n)
	}
	return l
}

func (l netList) contains(ipStr string) bool {
	if l.ips[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range l.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// blocklist holds temporary IP blocks with a reason as the value.
type blocklist struct {
	client *redis.Client
}

func (b *blocklist) has(ctx context.Context, ip string) bool {
	n, _ := b.client.Exists(ctx, rateKeyPrefix+"blocked:"+ip).Result()
	return n > 0
}

func (b *blocklist) add(ctx context.Context, ip string, d time.Duration, reason string) {
	b.client.Set(ctx, rateKeyPrefix+"blocked:"+ip, reason, d)
}
