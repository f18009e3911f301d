package opsapi

import "net/http"

// securityHeadersMiddleware sets the Server header to "poolcoordinator", matching
// the teacher's SecurityHeadersMiddleware without the dashboard-specific
// header-write interception this read-only surface doesn't need.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "poolcoordinator")
		next.ServeHTTP(w, r)
	})
}
