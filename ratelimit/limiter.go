// Package ratelimit throttles punitive actions per moderator using fixed windows.
package ratelimit

import (
	"time"

	"github.com/Aledallas01/FlexCore-Plugins/model"
	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
)

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter counts actions per (community, moderator, action kind). Buckets live
// in memory only and are lost on restart.
type Limiter struct {
	enabled    bool
	maxActions int
	window     time.Duration
	clock      clock.Clock
	buckets    *xsync.MapOf[string, bucket]
}

func New(cfg model.RateLimitConfig, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		enabled:    cfg.Enabled,
		maxActions: cfg.MaxActions,
		window:     cfg.Window(),
		clock:      clk,
		buckets:    xsync.NewMapOf[string, bucket](),
	}
}

func bucketKey(communityID, moderatorID, action string) string {
	return communityID + "\x00" + moderatorID + "\x00" + action
}

// Check records one attempt and fails with a RateLimitedError once the
// moderator exceeds the allowance of the current window.
func (l *Limiter) Check(communityID, moderatorID, action string) error {
	if !l.enabled {
		return nil
	}
	now := l.clock.Now()

	var retryAfter time.Duration
	l.buckets.Compute(bucketKey(communityID, moderatorID, action), func(b bucket, loaded bool) (bucket, bool) {
		if !loaded || now.Sub(b.windowStart) >= l.window {
			b = bucket{windowStart: now}
		}
		b.count++
		if b.count > l.maxActions {
			retryAfter = b.windowStart.Add(l.window).Sub(now)
		}
		return b, false
	})

	if retryAfter > 0 {
		return &model.RateLimitedError{Action: action, RetryAfter: retryAfter}
	}
	return nil
}

// Cleanup drops buckets whose window has elapsed and returns how many were removed.
func (l *Limiter) Cleanup() int {
	now := l.clock.Now()
	var expired []string
	l.buckets.Range(func(key string, b bucket) bool {
		if now.Sub(b.windowStart) >= l.window {
			expired = append(expired, key)
		}
		return true
	})

	removed := 0
	for _, key := range expired {
		l.buckets.Compute(key, func(b bucket, loaded bool) (bucket, bool) {
			drop := loaded && now.Sub(b.windowStart) >= l.window
			if drop {
				removed++
			}
			return b, drop
		})
	}
	return removed
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	return l.buckets.Size()
}
