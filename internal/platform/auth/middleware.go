package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// BearerToken extracts the credential from the Authorization header. Browsers
// cannot set headers on a WebSocket handshake, so the "token" query parameter
// is accepted as a fallback.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return r.URL.Query().Get("token")
}

// RequireAuth authenticates the request and stores the identity on the request
// context.
func RequireAuth(authn Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			token := BearerToken(c.Request())
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			id, err := authn.Authenticate(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("user_id", id.UserID)
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), id)))
			return next(c)
		}
	}
}
