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
	UserIDKey   contextKey = "user_id"
	UserRoleKey contextKey = "user_role"
)

// DevRoleHeader selects the role of the anonymous development user.
const DevRoleHeader = "X-Dev-Role"

// Claims are issued by the hospital authentication service. Each token carries
// exactly one role.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTConfig struct {
	Issuer     string
	SigningKey []byte
	// Skipper bypasses authentication for public endpoints. Nil skips nothing.
	Skipper func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" || claims.Role == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token must carry sub and role")
			}

			// Unknown roles pass through here and are refused by RequireRole.
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), Actor{
				Subject: claims.Subject,
				Role:    Role(claims.Role),
			})))

			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as "dev-user" with
// the role named by the X-Dev-Role header (physician by default). Requests
// that do carry a bearer token are validated as in production.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	jwtMW := JWTMiddleware(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := jwtMW(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return validated(c)
			}

			role := RolePhysician
			if h := strings.TrimSpace(c.Request().Header.Get(DevRoleHeader)); h != "" {
				role = Role(h)
			}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), Actor{
				Subject: "dev-user",
				Role:    role,
			})))
			return next(c)
		}
	}
}

func WithActor(ctx context.Context, a Actor) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, a.Subject)
	return context.WithValue(ctx, UserRoleKey, a.Role)
}

// ActorFromContext returns the authenticated caller. The zero Actor has no
// role and is refused by every permission check.
func ActorFromContext(ctx context.Context) Actor {
	return Actor{Subject: UserIDFromContext(ctx), Role: RoleFromContext(ctx)}
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RoleFromContext(ctx context.Context) Role {
	role, _ := ctx.Value(UserRoleKey).(Role)
	return role
}
