package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/ezlytics/ezlytics/internal/pkg/httputil"
)

// cronAuth guards the cron endpoints. The secret may arrive as a bearer
// token, an x-cron-secret header, or a ?secret= query parameter.
func (s *Server) cronAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := s.cfg.Cron.Secret
		if secret == "" {
			httputil.Unauthorized(w, "cron secret not configured")
			return
		}
		got := bearerToken(r)
		if got == "" {
			got = r.Header.Get("x-cron-secret")
		}
		if got == "" {
			got = r.URL.Query().Get("secret")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			httputil.Unauthorized(w, "invalid cron secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken extracts the Authorization bearer token, or "".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// clientIP returns the request's remote IP. chi's RealIP middleware has
// already folded X-Forwarded-For / X-Real-IP into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// serverKeyed reports whether the request carries the configured ingest
// server key (header or query).
func (s *Server) serverKeyed(r *http.Request) bool {
	key := s.cfg.Ingest.ServerKey
	if key == "" {
		return false
	}
	got := r.Header.Get("x-ingest-server-key")
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
}
