package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout puts a deadline on each request context. The handler runs on
// the calling goroutine and must watch the context; queries issued through
// pgx are aborted when the deadline passes. A handler that gives up with
// context.DeadlineExceeded before writing a response yields a 504 envelope.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Timeout:      timeout,
		ErrorHandler: timeoutErrorHandler,
	})
}

func timeoutErrorHandler(err error, c echo.Context) error {
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if c.Response().Committed {
		return nil
	}
	return c.JSON(http.StatusGatewayTimeout, errorBody{Message: "Request timed out"})
}
