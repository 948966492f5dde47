package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	CoordinatorKey contextKey = "coordinator"
	RolesKey       contextKey = "roles"
)

// CoordinatorHeader names the coordinator in development mode.
const CoordinatorHeader = "X-Coordinator"

type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// JWTMiddleware authenticates HS256 bearer tokens. The token subject becomes
// the acting coordinator.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(c.Request().WithContext(WithCoordinator(c.Request().Context(), claims.Subject, claims.Roles)))
			return next(c)
		}
	}
}

// DevAuthMiddleware trusts the X-Coordinator header and grants admin. It is
// only wired when ENV=development.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			coordinator := strings.TrimSpace(c.Request().Header.Get(CoordinatorHeader))
			if coordinator == "" {
				coordinator = "dev-coordinator"
			}
			c.SetRequest(c.Request().WithContext(WithCoordinator(c.Request().Context(), coordinator, []string{"admin"})))
			return next(c)
		}
	}
}

// WithCoordinator attaches an authenticated coordinator to ctx.
func WithCoordinator(ctx context.Context, coordinator string, roles []string) context.Context {
	ctx = context.WithValue(ctx, CoordinatorKey, coordinator)
	return context.WithValue(ctx, RolesKey, roles)
}

func CoordinatorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(CoordinatorKey).(string)
	return id
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(RolesKey).([]string)
	return roles
}
