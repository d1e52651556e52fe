package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					rid, _ := c.Get("request_id").(string)
					logger.Error().
						Str("request_id", rid).
						Str("path", c.Request().URL.Path).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", Stack()).
						Msg("panic recovered")

					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// Stack returns the current goroutine's stack, truncated to 4KiB. The socket
// read pumps use it when they recover from a panicking event handler.
func Stack() string {
	var stack [4096]byte
	n := runtime.Stack(stack[:], false)
	return string(stack[:n])
}
