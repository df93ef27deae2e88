package web

import (
	"net/http"
	"time"
)

const slowRequestThreshold = time.Second

// corsHeaders applies permissive CORS headers on every response and
// short-circuits preflight requests.
func corsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Cache-Control", "no-cache")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// slowRequestLog logs requests that take longer than one second. Clip
// downloads over slow links are the usual cause.
func (s *Server) slowRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if elapsed := time.Since(start); elapsed > slowRequestThreshold {
			s.logger.Warn("slow http request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", elapsed.Round(10*time.Millisecond).String())
		}
	})
}
