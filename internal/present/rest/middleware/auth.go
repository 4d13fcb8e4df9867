package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/totegamma/relaykit/internal/present/rest/presenter"
)

var tracer = otel.Tracer("auth")

// AuthMiddleware gates the local API with a shared bearer token. The
// daemon serves one UI process on localhost; an empty configured token
// disables the check.
type AuthMiddleware struct {
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

func (m *AuthMiddleware) RequireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, span := tracer.Start(c.Request().Context(), "Auth.Middleware.RequireToken")
		defer span.End()

		if m.token == "" {
			return next(c)
		}

		authHeader := c.Request().Header.Get("authorization")
		split := strings.Split(authHeader, " ")
		if len(split) != 2 || split[0] != "Bearer" {
			span.RecordError(errors.New("missing or malformed authorization header"))
			return presenter.Unauthorized(c, "unauthorized")
		}

		if subtle.ConstantTimeCompare([]byte(split[1]), []byte(m.token)) != 1 {
			span.RecordError(errors.New("token mismatch"))
			return presenter.Unauthorized(c, "unauthorized")
		}

		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}
