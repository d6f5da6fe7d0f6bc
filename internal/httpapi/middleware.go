package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

// withAPIMiddleware wraps the JSON API: metrics, rate limiting, auth, CORS.
func (s *Server) withAPIMiddleware(next http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)

	h := s.withAuth(next)
	h = s.withRateLimit(limiter, h)
	h = s.withCORS(h)
	return s.withMetrics(h)
}

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordHTTPMetrics(r.URL.Path, r.Method, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
	})
}

func (s *Server) withRateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAuth enforces a bearer token when a JWT secret is configured. With no
// secret the council is open, which is the expected single-operator setup.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.JWTSecret == "" {
		return next
	}
	secret := []byte(s.cfg.JWTSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			s.logger.Warn("rejected token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken pulls the token from the Authorization header, or from the
// query string for WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	allowed := "*"
	if len(s.cfg.AllowedOrigins) > 0 {
		allowed = ""
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := allowed
		if origin == "" {
			reqOrigin := r.Header.Get("Origin")
			for _, o := range s.cfg.AllowedOrigins {
				if o == reqOrigin {
					origin = reqOrigin
					break
				}
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
