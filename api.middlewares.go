package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// MiddlewareFunc is a custom type for ease of use.
type MiddlewareFunc func(httprouter.Handle) httprouter.Handle

// Middlewares is a custom type to represent a stack of
// middleware functions used to build a single chain.
type Middlewares []MiddlewareFunc

// MiddlewaresStacks builds the chains used by public, protected
// (bearer credential required) and ops endpoints.
func (api *APIHandler) MiddlewaresStacks(limiter *IPRateLimiter) (public, protected, ops *Middlewares) {
	public = &Middlewares{
		api.RequestIDMiddleware,
		api.RequestsCounterMiddleware,
		api.StatsMiddleware,
		api.CoreMiddleware,
		api.PanicRecoveryMiddleware,
		CORSMiddleware,
		SecurityHeadersMiddleware,
	}
	if limiter != nil {
		*public = append(*public, api.RateLimitMiddleware(limiter))
	}
	*public = append(*public, api.MaintenanceModeMiddleware)

	protected = &Middlewares{}
	*protected = append(*protected, *public...)
	*protected = append(*protected, api.AuthMiddleware)

	ops = &Middlewares{
		api.RequestIDMiddleware,
		api.RequestsCounterMiddleware,
		api.StatsMiddleware,
		api.CoreMiddleware,
		api.PanicRecoveryMiddleware,
	}
	return public, protected, ops
}

// CoreMiddleware setup the duration measurement for each request and logs its result.
func (api *APIHandler) CoreMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := api.clock.Now()
		logger := api.GetLoggerFromContext(r.Context())

		logger.Info(
			"request",
			zap.Uint64("request.num", GetRequestNumberFromContext(r.Context())),
			zap.String("request.method", r.Method),
			zap.String("request.path", r.URL.Path),
			zap.String("request.ip", GetRequestSourceIP(r)),
			zap.String("request.agent", r.UserAgent()),
			zap.String("request.referer", r.Referer()),
		)

		next(w, r, ps)
		logger.Info(
			"request",
			zap.String("request.method", r.Method),
			zap.String("request.path", r.URL.Path),
			zap.Duration("request.duration", api.clock.Now().Sub(start)),
		)
	}
}

// RequestsCounterMiddleware increments the number of received requests statistics and add this
// new value to the request context to be used during logging as `request.num` field.
func (api *APIHandler) RequestsCounterMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), RequestNumberContextKey, atomic.AddUint64(&api.stats.called, 1))
		r = r.WithContext(ctx)
		next(w, r, ps)
	}
}

// RequestIDMiddleware generates and add a unique id to the request context.
func (api *APIHandler) RequestIDMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		requestID := api.idsHandler.Generate(RequestIDPrefix)
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), RequestIDContextKey, requestID)
		ctx = ContextWithLogger(ctx, api.logger.With(zap.String("request.id", requestID)))
		next(w, r.WithContext(ctx), ps)
	}
}

// StatsMiddleware records the final status code of each request
// into the ops statistics and the prometheus metrics.
func (api *APIHandler) StatsMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		cw := NewCustomResponseWriter(w, GetConnFromContext(r.Context()))
		next(cw, r, ps)
		code := cw.Status()
		api.stats.mu.Lock()
		api.stats.status[code]++
		api.stats.mu.Unlock()
		if api.metrics != nil {
			api.metrics.ObserveRequest(r.Method, code)
		}
	}
}

// CORSMiddleware intercepts each incoming HTTP calls then apply cors headers on it.
func CORSMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, HEAD")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Accept, Content-Type, Content-Length, Accept-Encoding, X-Requested-With, Authorization")
		next(w, r, ps)
	}
}

// SecurityHeadersMiddleware sets the hardening headers sent with every public
// response. Covers stay loadable from other origins.
func SecurityHeadersMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "cross-origin")
		next(w, r, ps)
	}
}

// RateLimitMiddleware rejects callers which exhausted their requests quota.
func (api *APIHandler) RateLimitMiddleware(limiter *IPRateLimiter) MiddlewareFunc {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			ip := limiter.ClientIP(r)
			if !limiter.Allow(ip) {
				requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
				api.GetLoggerFromContext(r.Context()).Warn("rate limit exceeded",
					zap.String("request.ip", ip),
					zap.String("request.peer", r.RemoteAddr),
				)
				w.Header().Set("Retry-After", strconvSeconds(api.config.RateLimit.Window))
				api.sendError(w, r, NewAPIError(requestID, http.StatusTooManyRequests, "too many requests, please try again later.", EmptyData))
				return
			}
			next(w, r, ps)
		}
	}
}

// MaintenanceModeMiddleware answers with the maintenance message while the mode is enabled.
func (api *APIHandler) MaintenanceModeMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if api.mode.enabled.Load() {
			api.Maintenance(w, r, httprouter.Params{httprouter.Param{Key: "status", Value: "show"}})
			return
		}
		next(w, r, ps)
	}
}

// AuthMiddleware verifies the bearer credential and saves the caller id into the request context.
func (api *APIHandler) AuthMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		identity, err := api.auth.Verify(r.Header.Get("Authorization"))
		if err != nil {
			requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
			api.GetLoggerFromContext(r.Context()).Info("request rejected", zap.Error(err))
			w.Header().Set("WWW-Authenticate", bearerScheme)
			api.sendError(w, r, NewAPIError(requestID, http.StatusUnauthorized, credentialErrorKind(err), EmptyData))
			return
		}
		ctx := context.WithValue(r.Context(), UserIDContextKey, identity.UserID)
		logger := api.GetLoggerFromContext(ctx).With(zap.String("user.id", identity.UserID))
		next(w, r.WithContext(ContextWithLogger(ctx, logger)), ps)
	}
}

// PanicRecoveryMiddleware catches any panic during the request lifecycle and produces
// an error log for further analysis. It sends a failure response to the client with 500.
func (api *APIHandler) PanicRecoveryMiddleware(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		recovery := func() {
			if err := recover(); err != nil {
				requestID := GetValueFromContext(r.Context(), RequestIDContextKey)
				api.GetLoggerFromContext(r.Context()).Error("panic occurred", zap.Any("error", err), zap.Stack("stack"))
				errResp := NewAPIError(requestID, http.StatusInternalServerError, "failed to process the request.", EmptyData)
				api.sendError(w, r, errResp)
			}
		}
		defer recovery()
		next(w, r, ps)
	}
}

// Chain wraps a given httprouter.Handle with a list of middlewares.
// It does by starting from the last middleware from the list.
func (m *Middlewares) Chain(h httprouter.Handle) httprouter.Handle {
	if len(*m) == 0 {
		return h
	}
	lg := len(*m)
	handle := (*m)[lg-1](h)

	for i := lg - 2; i >= 0; i-- {
		handle = (*m)[i](handle)
	}

	return handle
}

// credentialErrorKind keeps only the sentinel message of a credential error.
func credentialErrorKind(err error) string {
	for _, kind := range []error{ErrMissingCredential, ErrMalformedCredential, ErrExpiredCredential, ErrInvalidCredential} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ErrInvalidCredential.Error()
}

func strconvSeconds(d time.Duration) string {
	return strconv.Itoa(int(d.Seconds()))
}
