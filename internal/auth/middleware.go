package auth

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
)

// Headers set by the authenticating gateway in front of this service.
const (
	HeaderUserID     = "X-User-Id"
	HeaderUserRole   = "X-User-Role"
	HeaderUserAccess = "X-User-Access"
)

// Middleware extracts the gateway-asserted principal into the request context.
type Middleware struct {
	Logger *slog.Logger
}

// RequirePrincipal rejects requests that carry no principal headers and stores
// the parsed Actor in context otherwise.
func (m Middleware) RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := strings.TrimSpace(r.Header.Get(HeaderUserRole))
		rawID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if role == "" || rawID == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("auth parse user id", slog.String("value", rawID))
			}
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		var access []string
		for _, p := range strings.Split(r.Header.Get(HeaderUserAccess), ",") {
			if p = strings.TrimSpace(p); p != "" {
				access = append(access, p)
			}
		}
		actor := NewActor(id, strings.ToLower(role), access)
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}
