// Package ratelimit implements fixed-window request limits keyed by client
// and route group, backed by Redis or by process memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Rule is a named fixed-window limit.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Presets applied by the router.
var (
	Global     = Rule{Name: "global", Limit: 100, Window: time.Minute}
	Auth       = Rule{Name: "auth", Limit: 10, Window: time.Minute}
	Wallet     = Rule{Name: "wallet", Limit: 20, Window: time.Minute}
	TaskCreate = Rule{Name: "task_create", Limit: 10, Window: time.Minute}
	AgentApply = Rule{Name: "agent_apply", Limit: 30, Window: time.Minute}
)

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts one hit against key under rule.
type Limiter interface {
	Allow(ctx context.Context, rule Rule, key string) (Result, error)
}

func result(rule Rule, count int, ttl time.Duration) Result {
	if count > rule.Limit {
		if ttl <= 0 {
			ttl = rule.Window
		}
		return Result{Allowed: false, RetryAfter: ttl}
	}
	return Result{Allowed: true, Remaining: rule.Limit - count}
}

// RedisLimiter shares counters across API instances.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: "ratelimit"}
}

func (l *RedisLimiter) Allow(ctx context.Context, rule Rule, key string) (Result, error) {
	k := fmt.Sprintf("%s:%s:%s", l.prefix, rule.Name, key)

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		ttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", rule.Name, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// New key, or one that lost its expiry.
		if err := l.rdb.PExpire(ctx, k, rule.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("rate limit %s: %w", rule.Name, err)
		}
		remaining = rule.Window
	}
	return result(rule, int(incr.Val()), remaining), nil
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter is the single-instance fallback when Redis is not
// configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

func (l *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := rule.Name + ":" + key
	w, ok := l.windows[k]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rule.Window)}
		l.windows[k] = w
	}
	w.count++
	return result(rule, w.count, w.resetAt.Sub(now)), nil
}

// Sweep drops expired windows.
func (l *MemoryLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if host, _, ok := strings.Cut(r.RemoteAddr, ":"); ok && !strings.Contains(r.RemoteAddr, "[") {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
