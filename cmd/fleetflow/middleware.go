package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/fleetflow/api/handlers"
	"github.com/BaSui01/fleetflow/config"
	"github.com/BaSui01/fleetflow/internal/metrics"
	"github.com/BaSui01/fleetflow/types"
)

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one is outermost.
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery turns handler panics into INTERNAL_ERROR responses.
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					handlers.WriteErrorMessage(w, types.ErrInternalError, "internal server error", nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID keeps a caller supplied X-Request-ID or assigns one.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SecurityHeaders sets the usual hardening headers for a JSON API.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", RequestIDFromContext(r.Context())),
			}
			if id, ok := types.TraceID(r.Context()); ok {
				fields = append(fields, zap.String("trace_id", id))
			}
			if rw.StatusCode >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

type metricsResponseWriter struct {
	*handlers.ResponseWriter
	bytesWritten int64
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}

// MetricsMiddleware records request counts, latency and sizes. Paths are
// normalized so run ids do not become label values.
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: handlers.NewResponseWriter(w)}
			next.ServeHTTP(mrw, r)

			size := r.ContentLength
			if size < 0 {
				size = 0
			}
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), mrw.StatusCode, time.Since(start), size, mrw.bytesWritten)
		})
	}
}

var idSegment = regexp.MustCompile(`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`)

// normalizePath maps /v1/runs/<id>/cancel to /v1/runs/:id/cancel.
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/readyz", "/version", "/metrics", "/v1/runs", "/v1/definitions":
		return path
	}
	segments := strings.Split(path, "/")
	changed := false
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if (i == 3 && segments[1] == "v1" && segments[2] == "runs") || idSegment.MatchString(seg) {
			segments[i] = ":id"
			changed = true
		}
	}
	if !changed {
		return path
	}
	return strings.Join(segments, "/")
}

// OTelTracing starts a server span per request, continuing any incoming
// W3C trace context, and exposes the trace id through types.TraceID.
func OTelTracing() Middleware {
	tracer := otel.Tracer("github.com/BaSui01/fleetflow/cmd/fleetflow")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			route := normalizePath(r.URL.Path)
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()
			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = types.WithTraceID(ctx, sc.TraceID().String())
			}

			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}
		})
	}
}

// CORS answers preflight requests for the configured origins. With no
// origins configured, cross-origin preflights are refused.
func CORS(allowedOrigins []string) Middleware {
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, allowed := origins[origin]
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				h.Set("Access-Control-Max-Age", "86400")
				h.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				if allowed {
					w.WriteHeader(http.StatusNoContent)
				} else {
					w.WriteHeader(http.StatusForbidden)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter applies a token bucket per authenticated subject, falling
// back to the client IP. Idle buckets are dropped after three minutes.
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for key, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, key)
					}
				}
				mu.Unlock()
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			mu.Lock()
			v, ok := visitors[key]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[key] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				logger.Debug("rate limited", zap.String("client", key))
				w.Header().Set("Retry-After", "1")
				handlers.WriteErrorMessage(w, types.ErrRateLimited, "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if sub, ok := types.Subject(r.Context()); ok {
		return "sub:" + sub
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return "ip:" + ip
}

// JWTAuth validates "Authorization: Bearer" tokens signed with HS256 or
// RS256 and puts the "sub" and "roles" claims into the request context.
func JWTAuth(cfg config.AuthConfig, logger *zap.Logger) (Middleware, error) {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	var rsaKey *rsa.PublicKey
	if cfg.JWTPublicKey != "" {
		k, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKey))
		if err != nil {
			return nil, fmt.Errorf("parse jwt public key: %w", err)
		}
		rsaKey = k
	}
	secret := []byte(cfg.JWTSecret)

	methods := make([]string, 0, 2)
	if len(secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if rsaKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods(methods), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	keyFunc := func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return secret, nil
		case *jwt.SigningMethodRSA:
			return rsaKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				handlers.WriteErrorMessage(w, types.ErrUnauthorized, "missing bearer token", nil)
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				msg := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token expired"
				}
				logger.Debug("jwt rejected", zap.Error(err))
				handlers.WriteErrorMessage(w, types.ErrUnauthorized, msg, nil)
				return
			}

			ctx := r.Context()
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				ctx = types.WithSubject(ctx, sub)
			}
			if raw, ok := claims["roles"].([]any); ok {
				roles := make([]string, 0, len(raw))
				for _, v := range raw {
					if s, ok := v.(string); ok {
						roles = append(roles, s)
					}
				}
				ctx = types.WithRoles(ctx, roles)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}
