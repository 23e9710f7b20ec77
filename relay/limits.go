// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"sync"
	"time"

	"github.com/aether-mesh/relay/model"
)

type (
	RateLimitConfig struct {
		Capacity        int     `yaml:"capacity" mapstructure:"capacity"`
		RefillPerSecond float64 `yaml:"refillPerSecond" mapstructure:"refillPerSecond"`
	}

	tokenBucket struct {
		tokens    float64
		updatedAt time.Time
	}

	// rateLimiter meters publishes per pubkey with a token bucket.
	rateLimiter struct {
		mx      sync.Mutex
		buckets map[model.PubKey]*tokenBucket

		capacity int
		refill   float64
		now      func() time.Time
	}
)

func newRateLimiter(cfg *RateLimitConfig) *rateLimiter {
	if cfg == nil || cfg.Capacity <= 0 || cfg.RefillPerSecond <= 0 {
		return nil
	}

	return &rateLimiter{
		buckets:  make(map[model.PubKey]*tokenBucket),
		capacity: cfg.Capacity,
		refill:   cfg.RefillPerSecond,
		now:      time.Now,
	}
}

func (l *rateLimiter) allow(pubKey model.PubKey) bool {
	if l == nil {
		return true
	}
	l.mx.Lock()
	defer l.mx.Unlock()

	now := l.now()
	bucket, found := l.buckets[pubKey]
	if !found {
		bucket = &tokenBucket{tokens: float64(l.capacity), updatedAt: now}
		l.buckets[pubKey] = bucket
	}

	if delta := now.Sub(bucket.updatedAt).Seconds(); delta > 0 {
		bucket.tokens = min(float64(l.capacity), bucket.tokens+delta*l.refill)
		bucket.updatedAt = now
	}
	if bucket.tokens < 1 {
		return false
	}
	bucket.tokens--

	return true
}
