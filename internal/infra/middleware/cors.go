package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// corsAllowMethods is sent on preflight responses.
const corsAllowMethods = "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT"

// corsMaxAge is how long browsers may cache a preflight result, in seconds.
const corsMaxAge = 600

// CORS allows cross-origin requests from the given origins with credentials,
// any method and any request header. "*" allows every origin.
// Preflight requests from other origins are rejected with 400.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok := allowAll || allowed[origin]
			h := w.Header()
			h.Add("Vary", "Origin")

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if preflight {
				if !ok {
					http.Error(w, "Disallowed CORS origin", http.StatusBadRequest)
					return
				}
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Allow-Methods", corsAllowMethods)
				if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
					h.Set("Access-Control-Allow-Headers", reqHeaders)
				}
				h.Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
				w.WriteHeader(http.StatusOK)
				return
			}

			if ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// OriginPatterns converts allowed origins into host patterns for
// websocket.AcceptOptions.OriginPatterns.
func OriginPatterns(allowedOrigins []string) []string {
	patterns := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if _, host, found := strings.Cut(o, "://"); found {
			o = host
		}
		patterns = append(patterns, strings.TrimRight(o, "/"))
	}
	return patterns
}
