package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/org/datagate/internal/auth"
	"github.com/org/datagate/pkg/models"
)

const apiKeyHeader = "X-API-Key"

// requestIDMiddleware attaches a UUID request ID to each request.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware validates the X-API-Key header on every request. The root
// health check is public, and key creation is public when called from the
// loopback address; everything else requires a valid, unexpired key.
//
// The middleware also seeds the RequestMeta (initial time, validation
// duration) the access-log interceptor reads later, so it must run before
// accessLogMiddleware in the chain.
func authMiddleware(keys *auth.KeyService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta := &RequestMeta{InitialTime: time.Now().UTC()}
			ctx := withMeta(r.Context(), meta)
			r = r.WithContext(ctx)

			if isPublicRoute(r) {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(apiKeyHeader)
			key, validation, err := keys.Authenticate(r.Context(), token, clientIP(r))
			meta.ValidationTime = validation
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrMissingKey):
					authFailuresTotal.WithLabelValues("missing").Inc()
					writeError(w, http.StatusUnauthorized, auth.ErrMissingKey.Error())
				case errors.Is(err, auth.ErrInvalidKey):
					authFailuresTotal.WithLabelValues("invalid").Inc()
					writeError(w, http.StatusForbidden, auth.ErrInvalidKey.Error())
				default:
					log.Error().Err(err).Msg("api key lookup failed")
					writeError(w, http.StatusInternalServerError, "Internal Server Error")
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(withAPIKey(r.Context(), key)))
		})
	}
}

func isPublicRoute(r *http.Request) bool {
	if r.URL.Path == "/" || r.URL.Path == "/metrics" {
		return true
	}
	if r.URL.Path == "/admin/api-keys" && r.Method == http.MethodPost && isLoopback(r) {
		return true
	}
	return false
}

// responseRecorder captures the status code for the interceptor and metrics.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

// AuditSink is where the interceptor hands completed access-log entries.
type AuditSink interface {
	Enqueue(entry models.AccessLog)
}

// accessLogMiddleware assembles one access-log entry per authenticated
// request after the response is produced and hands it to the buffer.
// Public and rejected-before-auth requests carry no key and are skipped.
// Enqueue never blocks or fails, so the response path is unaffected by
// audit persistence.
func accessLogMiddleware(sink AuditSink) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rr, r)

			key := apiKeyFromCtx(r.Context())
			if key == nil {
				return
			}

			meta := MetaFromCtx(r.Context())
			resources := meta.AccessedResources
			if resources == nil {
				resources = []string{}
			}

			sink.Enqueue(models.AccessLog{
				Timestamp:         meta.InitialTime,
				RequestID:         requestIDFromCtx(r.Context()),
				APIKey:            key.Key,
				Endpoint:          r.URL.RequestURI(),
				Method:            r.Method,
				StatusCode:        rr.statusCode,
				QueryTimeMs:       meta.QueryTime.Milliseconds(),
				ValidationTimeMs:  meta.ValidationTime.Milliseconds(),
				ElapsedTimeMs:     time.Since(meta.InitialTime).Milliseconds(),
				IPAddress:         clientIP(r),
				UserAgent:         r.Header.Get("User-Agent"),
				AccessedResources: resources,
			})
		})
	}
}

// rateLimiter applies a per-IP token bucket.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newRateLimiter(rps, burst int) *rateLimiter {
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *rateLimiter) limiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[ip] = l
	}
	return l
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.limiter(ip).Allow() {
			log.Warn().Str("ip", ip).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
