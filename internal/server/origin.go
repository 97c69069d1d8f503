package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
)

// NewUpgrader returns a websocket upgrader that admits the given origins.
// "*" admits any origin. With no origins, the gorilla same-host check
// applies.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) > 0 {
		u.CheckOrigin = CheckOrigin(allowedOrigins)
	}
	return u
}

// CheckOrigin matches the request Origin header against allowed, comparing
// scheme and host case-insensitively. Requests without an Origin header are
// admitted, since they do not come from a browser.
func CheckOrigin(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}

	origins := make([]string, 0, len(allowed))
	for _, o := range allowed {
		origins = append(origins, normalizeOrigin(o))
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(origins, normalizeOrigin(origin))
	}
}

func normalizeOrigin(origin string) string {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(origin))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
