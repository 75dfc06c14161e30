package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_EmptyMisses(t *testing.T) {
	t.Parallel()

	c := NewCache(ControlPlaneBuffer)
	_, ok := c.Get()
	assert.False(t, ok)
	assert.Zero(t, c.TTL())
	assert.True(t, c.ExpiresAt().IsZero())
}

func TestCache_BufferBoundary(t *testing.T) {
	t.Parallel()

	expiry := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	buffer := 5 * time.Minute

	tests := []struct {
		name string
		now  time.Time
		hit  bool
	}{
		{name: "well before buffer", now: expiry.Add(-time.Hour), hit: true},
		{name: "1ms before buffer starts", now: expiry.Add(-buffer - time.Millisecond), hit: true},
		{name: "exactly at buffer start", now: expiry.Add(-buffer), hit: false},
		{name: "1ms inside buffer", now: expiry.Add(-buffer + time.Millisecond), hit: false},
		{name: "4 minutes left", now: expiry.Add(-4 * time.Minute), hit: false},
		{name: "expired", now: expiry.Add(time.Second), hit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := NewCache(buffer)
			c.SetClock(func() time.Time { return tt.now })
			c.Set(CachedToken{Value: "tok", ExpiresAt: expiry})

			got, ok := c.Get()
			assert.Equal(t, tt.hit, ok)
			if ok {
				assert.Equal(t, "tok", got.Value)
				// never handed out inside the buffer
				assert.GreaterOrEqual(t, got.ExpiresAt.Sub(tt.now), buffer)
			}
		})
	}
}

func TestCache_ClearAndTTL(t *testing.T) {
	t.Parallel()

	now := time.Now()
	c := NewCache(time.Minute)
	c.SetClock(func() time.Time { return now })
	c.Set(CachedToken{Value: "tok", ExpiresAt: now.Add(11 * time.Minute)})

	assert.Equal(t, 10*time.Minute, c.TTL())
	assert.Equal(t, now.Add(11*time.Minute), c.ExpiresAt())

	c.Clear()
	_, ok := c.Get()
	assert.False(t, ok)
	assert.Zero(t, c.TTL())
}
