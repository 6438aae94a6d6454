package middleware

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/exam-tutor-go/internal/config"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter interface for rate limiting
type RateLimiter interface {
	Allow(userID string) bool
}

// UserRateLimiter implements per-user rate limiting. Idle limiters expire.
type UserRateLimiter struct {
	enabled  bool
	limiters *cache.Cache
	rpm      int
	burst    int
	metrics  *Metrics
	logger   *logrus.Logger
}

// NewRateLimiter creates a new rate limiter. metrics may be nil.
func NewRateLimiter(cfg *config.RateLimitConfig, metrics *Metrics, logger *logrus.Logger) RateLimiter {
	if !cfg.Enabled {
		return &UserRateLimiter{enabled: false}
	}

	return &UserRateLimiter{
		enabled:  true,
		limiters: cache.New(time.Hour, 10*time.Minute),
		rpm:      cfg.RequestsPerMinute,
		burst:    cfg.Burst,
		metrics:  metrics,
		logger:   logger,
	}
}

// Allow checks if a user is allowed to make a request
func (r *UserRateLimiter) Allow(userID string) bool {
	if !r.enabled {
		return true
	}

	allowed := r.getLimiter(userID).Allow()
	if !allowed {
		if r.metrics != nil {
			r.metrics.RecordRateLimitExceeded()
		}
		r.logger.WithField("user_id", userID).Warn("Rate limit exceeded")
	}
	return allowed
}

func (r *UserRateLimiter) getLimiter(userID string) *rate.Limiter {
	if val, found := r.limiters.Get(userID); found {
		limiter := val.(*rate.Limiter)
		// Touch to extend the idle expiration
		r.limiters.SetDefault(userID, limiter)
		return limiter
	}

	// Rate per second = RPM / 60
	limiter := rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
	if err := r.limiters.Add(userID, limiter, cache.DefaultExpiration); err != nil {
		// Lost a race with another request for the same user
		if val, found := r.limiters.Get(userID); found {
			return val.(*rate.Limiter)
		}
	}
	return limiter
}

// SecurityMiddleware provides input checks for chat messages
type SecurityMiddleware struct {
	maxBytes int
	logger   *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(maxBytes int, logger *logrus.Logger) *SecurityMiddleware {
	if maxBytes <= 0 {
		maxBytes = 4096
	}
	return &SecurityMiddleware{
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// ValidateInput rejects empty, oversized or malformed messages
func (s *SecurityMiddleware) ValidateInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is empty")
	}
	if len(text) > s.maxBytes {
		return fmt.Errorf("message too long: %d bytes", len(text))
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	return nil
}

// SanitizeOutput trims tutor answers before they are stored and rendered
func (s *SecurityMiddleware) SanitizeOutput(text string) string {
	return strings.TrimSpace(strings.ToValidUTF8(text, ""))
}
