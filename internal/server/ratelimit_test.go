package server

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(perMinute, perHour, perDay int, data int64) (*RateLimiter, *clock) {
	c := &clock{t: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(perMinute, perHour, perDay, data)
	rl.now = c.now
	return rl, c
}

func limitKind(t *testing.T, err error) string {
	t.Helper()
	var le *LimitError
	require.True(t, errors.As(err, &le), "expected *LimitError, got %v", err)
	return le.Kind
}

func TestRateLimiter_NoLimits(t *testing.T) {
	rl, _ := newTestLimiter(0, 0, 0, 0)
	for range 100 {
		require.NoError(t, rl.Allow("a", 1024))
	}
	req, data := rl.Usage("a")
	assert.EqualValues(t, 100, req)
	assert.EqualValues(t, 100*1024, data)
}

func TestRateLimiter_Windows(t *testing.T) {
	tests := []struct {
		name    string
		limiter func() (*RateLimiter, *clock)
		allowed int
		kind    string
		reset   time.Duration
	}{
		{"per minute", func() (*RateLimiter, *clock) { return newTestLimiter(2, 0, 0, 0) }, 2, "minute", time.Minute},
		{"per hour", func() (*RateLimiter, *clock) { return newTestLimiter(0, 3, 0, 0) }, 3, "hour", time.Hour},
		{"per day", func() (*RateLimiter, *clock) { return newTestLimiter(0, 0, 4, 0) }, 4, "requests", 12 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl, c := tt.limiter()
			for range tt.allowed {
				require.NoError(t, rl.Allow("a", 0))
			}
			err := rl.Allow("a", 0)
			assert.Equal(t, tt.kind, limitKind(t, err))

			var le *LimitError
			require.True(t, errors.As(err, &le))
			assert.Positive(t, le.RetryAfter)
			assert.LessOrEqual(t, le.RetryAfter, tt.reset)

			require.NoError(t, rl.Allow("b", 0), "clients are independent")

			c.advance(tt.reset)
			assert.NoError(t, rl.Allow("a", 0))
		})
	}
}

func TestRateLimiter_DataQuota(t *testing.T) {
	rl, c := newTestLimiter(0, 0, 0, 1000)
	require.NoError(t, rl.Allow("a", 600))
	err := rl.Allow("a", 500)
	assert.Equal(t, "data", limitKind(t, err))
	require.NoError(t, rl.Allow("a", 400))

	_, data := rl.Usage("a")
	assert.EqualValues(t, 1000, data)

	c.advance(12 * time.Hour)
	require.NoError(t, rl.Allow("a", 900))
}

func TestRateLimiter_RejectedRequestsAreNotCounted(t *testing.T) {
	rl, _ := newTestLimiter(1, 0, 0, 0)
	require.NoError(t, rl.Allow("a", 10))
	for range 5 {
		require.Error(t, rl.Allow("a", 10))
	}
	req, data := rl.Usage("a")
	assert.EqualValues(t, 1, req)
	assert.EqualValues(t, 10, data)
}

func TestLimitError(t *testing.T) {
	err := &LimitError{Kind: "minute", Limit: 60, RetryAfter: 30 * time.Second}
	assert.Contains(t, err.Error(), "minute limit exceeded")
	assert.Contains(t, err.Error(), "30s")
}
