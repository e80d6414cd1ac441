package ratelimit

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/middleware/auth"
	"github.com/thucydides-app/backend/pkg/logger"
)

type visitor struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

// Limiter is a token-bucket rate limiter keyed by caller identity.
// Generation turns are expensive, so the bucket is small.
type Limiter struct {
	mu       sync.RWMutex
	visitors map[string]*visitor

	maxTokens  int
	refillRate time.Duration
	stop       chan struct{}
}

type Config struct {
	RequestsPerMinute int
	Window            time.Duration
}

func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 30
	}
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}

	l := &Limiter{
		visitors:   make(map[string]*visitor),
		maxTokens:  cfg.RequestsPerMinute,
		refillRate: cfg.Window / time.Duration(cfg.RequestsPerMinute),
		stop:       make(chan struct{}),
	}

	go l.evictIdle()

	return l
}

func (l *Limiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := auth.UserID(c)
		if key == "" {
			key = c.IP()
		}

		if !l.allow(key) {
			logger.Warn("Rate limit exceeded",
				zap.String("key", key),
				zap.String("path", c.Path()),
			)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please try again later.",
			})
		}

		return c.Next()
	}
}

func (l *Limiter) allow(key string) bool {
	l.mu.RLock()
	v, ok := l.visitors[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		v, ok = l.visitors[key]
		if !ok {
			v = &visitor{tokens: l.maxTokens, lastRefill: time.Now()}
			l.visitors[key] = v
		}
		l.mu.Unlock()
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	refill := int(time.Since(v.lastRefill) / l.refillRate)
	if refill > 0 {
		v.tokens += refill
		if v.tokens > l.maxTokens {
			v.tokens = l.maxTokens
		}
		v.lastRefill = time.Now()
	}

	if v.tokens == 0 {
		return false
	}
	v.tokens--
	return true
}

func (l *Limiter) evictIdle() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, v := range l.visitors {
				v.mu.Lock()
				idle := time.Since(v.lastRefill) > 10*time.Minute
				v.mu.Unlock()
				if idle {
					delete(l.visitors, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) Stop() {
	close(l.stop)
}
