package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
)

const playerContextKey = "player"

// AuthService verifies bearer tokens at the HTTP boundary. The engine never
// authenticates anyone itself; a caller arrives as the token's subject.
type AuthService struct {
	Secret []byte
}

func NewAuthService(i do.Injector) (*AuthService, error) {
	secret := do.MustInvokeNamed[string](i, "jwt-secret")

	return &AuthService{
		Secret: []byte(secret),
	}, nil
}

// IssueToken mints an HS256 token whose subject is the player address.
func (s *AuthService) IssueToken(player string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": player,
		"exp": time.Now().Add(ttl).Unix(),
	})

	signed, err := token.SignedString(s.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// verified player identity on the request context.
func (s *AuthService) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)

			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims := jwt.MapClaims{}

			token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, prefix), claims,
				func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
					}

					return s.Secret, nil
				})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.Set(playerContextKey, subject)

			return next(c)
		}
	}
}

// Player returns the authenticated caller identity, empty when the request
// was not authenticated.
func Player(c echo.Context) string {
	player, _ := c.Get(playerContextKey).(string)

	return player
}
