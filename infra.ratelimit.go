package main

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client ip. A client may
// send `requests` calls per `window`, all of them in a burst.
type IPRateLimiter struct {
	logger   *zap.Logger
	clock    Clocker
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	trusted  map[string]bool
}

func NewIPRateLimiter(logger *zap.Logger, config *RateConfig, clock Clocker) *IPRateLimiter {
	trusted := make(map[string]bool, len(config.TrustedProxies))
	for _, proxy := range config.TrustedProxies {
		trusted[proxy] = true
	}
	return &IPRateLimiter{
		logger:   logger,
		clock:    clock,
		visitors: make(map[string]*visitor),
		limit:    rate.Every(config.Window / time.Duration(config.Requests)),
		burst:    config.Requests,
		idle:     config.Window,
		trusted:  trusted,
	}
}

// ClientIP returns the key of the caller bucket. Forwarding headers are
// only honored when the direct peer is one of the trusted proxies.
func (rl *IPRateLimiter) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !rl.trusted[peer] {
		return peer
	}
	if ip := GetRequestSourceIP(r); ip != "" {
		return ip
	}
	return peer
}

// Allow consumes one token of the ip bucket.
func (rl *IPRateLimiter) Allow(ip string) bool {
	now := rl.clock.Now()
	rl.mu.Lock()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Run forgets clients idle for more than a window until the context is done.
func (rl *IPRateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rl.logger.Info("ratelimit: context is done: exit", zap.String("reason", ctx.Err().Error()))
			return nil
		case <-ticker.C:
			rl.prune()
		}
	}
}

func (rl *IPRateLimiter) prune() {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idle {
			delete(rl.visitors, ip)
		}
	}
}
