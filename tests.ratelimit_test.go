package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	clock := NewMockClocker()
	limiter := NewIPRateLimiter(zap.NewNop(), &RateConfig{Enable: true, Requests: 3, Window: 3 * time.Minute}, clock)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow("10.0.0.1"), "request %d", i)
	}
	assert.False(t, limiter.Allow("10.0.0.1"))
	// other clients have their own quota.
	assert.True(t, limiter.Allow("10.0.0.2"))

	// one token comes back every window/requests.
	clock.MockNow = clock.MockNow.Add(time.Minute)
	assert.True(t, limiter.Allow("10.0.0.1"))
	assert.False(t, limiter.Allow("10.0.0.1"))
}

func TestIPRateLimiter_Prune(t *testing.T) {
	clock := NewMockClocker()
	limiter := NewIPRateLimiter(zap.NewNop(), &RateConfig{Requests: 1, Window: time.Minute}, clock)

	assert.True(t, limiter.Allow("10.0.0.1"))
	clock.MockNow = clock.MockNow.Add(30 * time.Second)
	assert.True(t, limiter.Allow("10.0.0.2"))

	clock.MockNow = clock.MockNow.Add(45 * time.Second)
	limiter.prune()
	limiter.mu.Lock()
	_, first := limiter.visitors["10.0.0.1"]
	_, second := limiter.visitors["10.0.0.2"]
	limiter.mu.Unlock()
	assert.False(t, first)
	assert.True(t, second)
}

func TestIPRateLimiter_RunStops(t *testing.T) {
	limiter := NewIPRateLimiter(zap.NewNop(), &RateConfig{Requests: 1, Window: time.Hour}, NewMockClocker())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, limiter.Run(ctx))
}

func TestIPRateLimiter_ClientIP(t *testing.T) {
	limiter := NewIPRateLimiter(zap.NewNop(), &RateConfig{Requests: 1, Window: time.Minute, TrustedProxies: []string{"192.0.2.1"}}, NewMockClocker())

	testCases := []struct {
		name     string
		peer     string
		realIP   string
		xff      string
		expected string
	}{
		{"untrusted peer ignores headers", "203.0.113.7:4000", "10.0.0.1", "10.0.0.2", "203.0.113.7"},
		{"trusted peer with real ip", "192.0.2.1:1234", "10.0.0.1", "", "10.0.0.1"},
		{"trusted peer with forwarded for", "192.0.2.1:1234", "", "10.0.0.3, 192.0.2.1", "10.0.0.3"},
		{"trusted peer with garbage headers", "192.0.2.1:1234", "nope", "nope", "192.0.2.1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/books", nil)
			req.RemoteAddr = tc.peer
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			assert.Equal(t, tc.expected, limiter.ClientIP(req))
		})
	}
}
