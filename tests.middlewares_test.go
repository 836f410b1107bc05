package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestMiddlewaresAPI(t *testing.T) *APIHandler {
	t.Helper()
	clock := NewMockClocker()
	return NewAPIHandler(zap.NewNop(), newTestConfig(t), &Statistics{started: clock.Now()}, clock,
		NewMockUIDHandler("abc", true), NewJWTAuthenticator(&AuthConfig{Secret: "s3cr3t", TokenTTL: time.Hour}, clock), NewMetrics(), nil)
}

// TestMiddlewaresStacks ensures we get public, protected and ops middlewares
// stacks with exact number of elements in those stacks.
func TestMiddlewaresStacks(t *testing.T) {
	api := newTestMiddlewaresAPI(t)
	pub, protected, ops := api.MiddlewaresStacks(nil)
	assert.Equal(t, 8, len(*pub))
	assert.Equal(t, 9, len(*protected))
	assert.Equal(t, 5, len(*ops))

	limiter := NewIPRateLimiter(zap.NewNop(), &api.config.RateLimit, api.clock)
	pub, protected, ops = api.MiddlewaresStacks(limiter)
	assert.Equal(t, 9, len(*pub))
	assert.Equal(t, 10, len(*protected))
	assert.Equal(t, 5, len(*ops))
}

// TestChain ensures each middleware in the stack is called as well the handler.
func TestChain(t *testing.T) {
	var ca, cb, cc, ch bool
	queue := make(chan int, 4)

	middlewareA := func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			queue <- 1
			ca = true
			next(w, r, ps)
		}
	}
	middlewareB := func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			queue <- 2
			cb = true
			next(w, r, ps)
		}
	}
	middlewareC := func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			queue <- 3
			cc = true
			next(w, r, ps)
		}
	}
	middlewares := Middlewares{
		middlewareA,
		middlewareB,
		middlewareC,
	}

	handler := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		queue <- 4
		ch = true
	}

	chained := (&middlewares).Chain(handler)
	req := httptest.NewRequest("GET", "/v1/books", nil)
	w := httptest.NewRecorder()
	chained(w, req, nil)

	t.Run("check calling", func(t *testing.T) {
		assert.Equal(t, true, ca)
		assert.Equal(t, true, cb)
		assert.Equal(t, true, cc)
		assert.Equal(t, true, ch)
	})

	t.Run("check ordering", func(t *testing.T) {
		assert.Equal(t, 1, <-queue)
		assert.Equal(t, 2, <-queue)
		assert.Equal(t, 3, <-queue)
		assert.Equal(t, 4, <-queue)
	})
}

// TestRequestsCounterMiddleware ensures the request counter increment.
func TestRequestsCounterMiddleware(t *testing.T) {
	api := newTestMiddlewaresAPI(t)
	req := httptest.NewRequest("GET", "/v1/books", nil)
	w := httptest.NewRecorder()
	var num uint64
	handler := func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		num = GetRequestNumberFromContext(req.Context())
	}
	wrapped := api.RequestsCounterMiddleware(handler)
	wrapped(w, req, nil)
	assert.Equal(t, uint64(1), num)
	assert.Equal(t, uint64(1), api.stats.called)
}

func TestRequestIDMiddleware(t *testing.T) {
	api := newTestMiddlewaresAPI(t)
	w := httptest.NewRecorder()
	var requestID string
	api.RequestIDMiddleware(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		requestID = GetValueFromContext(r.Context(), RequestIDContextKey)
	})(w, httptest.NewRequest("GET", "/v1/books", nil), nil)
	assert.Equal(t, "r:abc", requestID)
	assert.Equal(t, "r:abc", w.Header().Get("X-Request-ID"))
}

func TestAuthMiddleware(t *testing.T) {
	api := newTestMiddlewaresAPI(t)
	token, err := api.auth.Issue("alice")
	require.NoError(t, err)

	var userID string
	var called bool
	wrapped := api.AuthMiddleware(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		called = true
		userID = GetValueFromContext(r.Context(), UserIDContextKey)
	})

	t.Run("valid credential", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/books", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		wrapped(w, req, nil)
		assert.True(t, called)
		assert.Equal(t, "alice", userID)
	})

	t.Run("missing credential", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodPost, "/v1/books", nil)
		w := httptest.NewRecorder()
		wrapped(w, req, nil)
		assert.False(t, called)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
		assert.JSONEq(t, `{"requestid":"","status":401,"message":"credential missing","data":{}}`, w.Body.String())
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	api := newTestMiddlewaresAPI(t)

	call := func(handler httprouter.Handle, peer, realIP string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/books", nil)
		req.RemoteAddr = peer
		if realIP != "" {
			req.Header.Set("X-REAL-IP", realIP)
		}
		w := httptest.NewRecorder()
		handler(w, req, nil)
		return w
	}
	next := func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.WriteHeader(http.StatusNoContent)
	}

	t.Run("untrusted peer cannot rotate forwarding headers", func(t *testing.T) {
		limiter := NewIPRateLimiter(zap.NewNop(), &api.config.RateLimit, api.clock)
		wrapped := api.RateLimitMiddleware(limiter)(next)
		allowed := 0
		for i := 0; i < 20; i++ {
			if call(wrapped, "203.0.113.7:4000", fmt.Sprintf("10.0.0.%d", i)).Code == http.StatusNoContent {
				allowed++
			}
		}
		assert.Equal(t, 2, allowed)
		w := call(wrapped, "203.0.113.7:4001", "")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		// another peer keeps its own quota.
		assert.Equal(t, http.StatusNoContent, call(wrapped, "203.0.113.8:4000", "").Code)
	})

	t.Run("trusted proxy forwards the client address", func(t *testing.T) {
		config := api.config.RateLimit
		config.TrustedProxies = []string{"192.0.2.1"}
		limiter := NewIPRateLimiter(zap.NewNop(), &config, api.clock)
		wrapped := api.RateLimitMiddleware(limiter)(next)

		assert.Equal(t, http.StatusNoContent, call(wrapped, "192.0.2.1:1234", "10.0.0.1").Code)
		assert.Equal(t, http.StatusNoContent, call(wrapped, "192.0.2.1:1234", "10.0.0.1").Code)
		assert.Equal(t, http.StatusTooManyRequests, call(wrapped, "192.0.2.1:1234", "10.0.0.1").Code)
		assert.Equal(t, http.StatusNoContent, call(wrapped, "192.0.2.1:1234", "10.0.0.2").Code)
	})
}

func TestPanicRecoveryMiddleware(t *testing.T) {
	api := newTestMiddlewaresAPI(t)
	wrapped := api.PanicRecoveryMiddleware(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		panic("boom")
	})
	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		wrapped(w, httptest.NewRequest(http.MethodGet, "/v1/books", nil), nil)
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "failed to process the request.")
}

func TestStatsMiddleware(t *testing.T) {
	api := newTestMiddlewaresAPI(t)
	wrapped := api.StatsMiddleware(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.WriteHeader(http.StatusConflict)
	})
	for i := 0; i < 3; i++ {
		wrapped(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/books/b:1/rating", nil), nil)
	}
	assert.Equal(t, uint64(3), api.stats.status[http.StatusConflict])
}

func TestCORSMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	CORSMiddleware(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {})(w, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeadersMiddleware(func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {})(w, httptest.NewRequest(http.MethodGet, "/images/a.jpg", nil), nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "cross-origin", w.Header().Get("Cross-Origin-Resource-Policy"))
}

// TestRequestLogger ensures the request and caller ids are attached to
// every log written through the request scoped logger.
func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	api := newTestMiddlewaresAPI(t)
	api.logger = zap.New(core)
	token, err := api.auth.Issue("alice")
	require.NoError(t, err)

	assert.Same(t, api.logger, api.GetLoggerFromContext(context.Background()))

	chained := (&Middlewares{api.RequestIDMiddleware, api.AuthMiddleware}).Chain(
		func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			api.GetLoggerFromContext(r.Context()).Info("inside handler")
		})
	req := httptest.NewRequest(http.MethodPost, "/v1/books", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	chained(httptest.NewRecorder(), req, nil)

	entries := logs.FilterMessage("inside handler").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "r:abc", fields["request.id"])
	assert.Equal(t, "alice", fields["user.id"])
}
