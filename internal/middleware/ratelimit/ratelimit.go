// Package ratelimit is a per-caller token bucket. Authenticated callers
// are keyed by account ID, everything else by client IP. Buckets refill at
// the sustained rate and cap at the burst size, so a quiet caller can
// spend a short burst without ever exceeding the per-minute budget.
package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/middleware/auth"
	"github.com/clauselens/backend/pkg/logger"
)

type bucket struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

type Config struct {
	// PerMinute is the sustained request budget per caller.
	PerMinute int
	// Burst caps how many tokens a bucket can hold. Zero means PerMinute.
	Burst  int
	Logger *zap.Logger
}

type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	maxTokens   int
	refillEvery time.Duration
	logger      *zap.Logger
	ticker      *time.Ticker
}

func New(cfg Config) *Limiter {
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerMinute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Log
	}

	l := &Limiter{
		buckets:     make(map[string]*bucket),
		maxTokens:   cfg.Burst,
		refillEvery: time.Minute / time.Duration(cfg.PerMinute),
		logger:      cfg.Logger,
		ticker:      time.NewTicker(5 * time.Minute),
	}
	go l.sweep()
	return l
}

// Middleware enforces the budget, deducting cost tokens per request.
// Expensive routes (uploads, reprocessing) pass a higher cost than reads.
func (l *Limiter) Middleware(cost int) fiber.Handler {
	if cost <= 0 {
		cost = 1
	}
	return func(c *fiber.Ctx) error {
		key := auth.UserID(c)
		if key == "" {
			key = c.IP()
		}

		if !l.Allow(key, cost) {
			l.logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Path()),
				zap.Int("cost", cost),
			)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}
		return c.Next()
	}
}

// Allow reports whether the caller has cost tokens left, spending them
// when it does.
func (l *Limiter) Allow(key string, cost int) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.maxTokens, lastRefill: time.Now()}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	refilled := int(now.Sub(b.lastRefill) / l.refillEvery)
	if refilled > 0 {
		b.tokens = min(l.maxTokens, b.tokens+refilled)
		b.lastRefill = now
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

func (l *Limiter) sweep() {
	for range l.ticker.C {
		l.mu.Lock()
		now := time.Now()
		for key, b := range l.buckets {
			b.mu.Lock()
			stale := now.Sub(b.lastRefill) > 10*time.Minute
			b.mu.Unlock()
			if stale {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *Limiter) Stop() {
	l.ticker.Stop()
}
