package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey     contextKey = "user_id"
	UserRolesKey  contextKey = "user_roles"
	CustomerIDKey contextKey = "customer_id"
	BusinessIDKey contextKey = "business_id"
)

// Roles carried in tokens.
const (
	RolePatient       = "patient"
	RoleClinician     = "clinician"
	RoleAdmin         = "admin"
	RolePlatformAdmin = "platform_admin"
)

// Claims identifies the caller. CustomerID is the storefront customer a
// patient token speaks for; BusinessID binds staff and patient tokens to one
// business.
type Claims struct {
	jwt.RegisteredClaims
	CustomerID string   `json:"customer_id,omitempty"`
	BusinessID string   `json:"business_id,omitempty"`
	Roles      []string `json:"roles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Optional lets requests without an Authorization header through as
	// anonymous callers. A header that is present must still be valid.
	Optional bool
	Skipper  func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				if cfg.Optional {
					return next(c)
				}
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
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithClaims(c.Request().Context(), claims)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token run as a platform administrator; requests with one are
// validated with cfg.
func DevAuthMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	validate := JWTMiddleware(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		validated := validate(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return validated(c)
			}
			ctx := WithClaims(c.Request().Context(), &Claims{
				RegisteredClaims: jwt.RegisteredClaims{Subject: "dev-user"},
				Roles:            []string{RolePlatformAdmin},
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithClaims stores the caller identity on ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
	ctx = context.WithValue(ctx, UserRolesKey, claims.Roles)
	ctx = context.WithValue(ctx, CustomerIDKey, claims.CustomerID)
	ctx = context.WithValue(ctx, BusinessIDKey, claims.BusinessID)
	return ctx
}

// IssueToken signs an HS256 token for claims valid for ttl.
func IssueToken(cfg JWTConfig, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if cfg.Issuer != "" {
		claims.Issuer = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}

// CustomerIDFromContext returns the authenticated customer identity, or ""
// for anonymous and staff callers.
func CustomerIDFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(CustomerIDKey).(string)
	return cid
}

// BusinessIDFromContext returns the business the token is bound to, if any.
func BusinessIDFromContext(ctx context.Context) string {
	bid, _ := ctx.Value(BusinessIDKey).(string)
	return bid
}
