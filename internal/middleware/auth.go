package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// TokenFromRequest returns the credential a client presented, looking at
// the Authorization bearer, X-Auth-Token, then the token and password query
// parameters.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	ah := r.Header.Get("Authorization")
	if len(ah) > len("bearer ") && strings.EqualFold(ah[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(ah[len("bearer "):])
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" {
		return x
	}
	q := r.URL.Query()
	if t := q.Get("token"); t != "" {
		return t
	}
	return q.Get("password")
}

// TokenMatches compares in constant time. An empty expected token accepts everything.
func TokenMatches(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	got := TokenFromRequest(r)
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// AdminAuth rejects requests without the admin token. Paths for which skip
// returns true pass through.
func AdminAuth(token func() string, skip func(path string) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c.Request().URL.Path) {
				return next(c)
			}
			if !TokenMatches(c.Request(), token()) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}
