package server

import (
	"fmt"
	"sync"
	"time"
)

// window is a fixed counting window.
type window struct {
	start time.Time
	count int64
}

func (w *window) roll(now time.Time, size time.Duration) {
	if now.Sub(w.start) >= size {
		w.start = now
		w.count = 0
	}
}

func (w *window) retryAfter(now time.Time, size time.Duration) time.Duration {
	return max(w.start.Add(size).Sub(now), 0)
}

// clientUsage tracks one client's windows.
type clientUsage struct {
	minute, hour window
	day          time.Time // local midnight of the current day
	requests     int64     // today
	bytes        int64     // today
}

// RateLimiter applies per-client request rates and daily quotas.
type RateLimiter struct {
	mu sync.Mutex

	perMinute int64
	perHour   int64
	perDay    int64
	dataDay   int64

	clients map[string]*clientUsage
	now     func() time.Time
}

// NewRateLimiter creates a RateLimiter. A zero limit is not enforced.
func NewRateLimiter(requestsPerMinute, requestsPerHour, maxRequestsPerDay int, maxDataPerDay int64) *RateLimiter {
	return &RateLimiter{
		perMinute: int64(requestsPerMinute),
		perHour:   int64(requestsPerHour),
		perDay:    int64(maxRequestsPerDay),
		dataDay:   maxDataPerDay,
		clients:   make(map[string]*clientUsage),
		now:       time.Now,
	}
}

// Allow records a request of size bytes from client, or returns a
// *LimitError without recording it.
func (rl *RateLimiter) Allow(client string, size int64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	u, ok := rl.clients[client]
	if !ok {
		u = &clientUsage{minute: window{start: now}, hour: window{start: now}}
		rl.clients[client] = u
	}
	u.minute.roll(now, time.Minute)
	u.hour.roll(now, time.Hour)
	if today := midnight(now); !today.Equal(u.day) {
		u.day, u.requests, u.bytes = today, 0, 0
	}
	tomorrow := u.day.AddDate(0, 0, 1).Sub(now)

	switch {
	case rl.perMinute > 0 && u.minute.count >= rl.perMinute:
		return &LimitError{Kind: "minute", Limit: rl.perMinute, RetryAfter: u.minute.retryAfter(now, time.Minute)}
	case rl.perHour > 0 && u.hour.count >= rl.perHour:
		return &LimitError{Kind: "hour", Limit: rl.perHour, RetryAfter: u.hour.retryAfter(now, time.Hour)}
	case rl.perDay > 0 && u.requests >= rl.perDay:
		return &LimitError{Kind: "requests", Limit: rl.perDay, Used: u.requests, RetryAfter: tomorrow}
	case rl.dataDay > 0 && u.bytes+size > rl.dataDay:
		return &LimitError{Kind: "data", Limit: rl.dataDay, Used: u.bytes, RetryAfter: tomorrow}
	}

	u.minute.count++
	u.hour.count++
	u.requests++
	u.bytes += size
	return nil
}

// Usage returns the requests and bytes recorded today for client.
func (rl *RateLimiter) Usage(client string) (requests, bytes int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if u, ok := rl.clients[client]; ok {
		return u.requests, u.bytes
	}
	return 0, 0
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// LimitError reports an exceeded rate limit or daily quota.
type LimitError struct {
	Kind       string // minute, hour, requests or data
	Limit      int64
	Used       int64
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded (limit: %d, retry after: %v)", e.Kind, e.Limit, e.RetryAfter.Round(time.Second))
}
